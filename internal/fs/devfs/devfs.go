// Package devfs mounts named character devices under a single flat
// directory, conventionally at /dev.
package devfs

import (
	"github.com/servos-os/servos/internal/abi"
	"github.com/servos-os/servos/internal/dev"
	"github.com/servos-os/servos/internal/klock"
	"github.com/servos-os/servos/internal/vfs"
)

const rootIno = ^uint64(0)

// FS is the device filesystem: an ordered list of (name, device) pairs. The
// vnode Ino of a device is its index in the list; devices are never removed,
// so indices stay stable.
type FS struct {
	lock    klock.SpinLock
	names   []vfs.Path
	devices []dev.Device
}

// New creates an empty device filesystem.
func New() *FS {
	return &FS{}
}

// AddDevice registers a device under a single-component name. Duplicate
// names fail with ErrMounted.
func (f *FS) AddDevice(name vfs.Path, d dev.Device) error {
	if len(name.Components()) != 1 {
		panic("devfs: device name must be a single path component")
	}

	token := f.lock.Lock()
	defer f.lock.Unlock(token)

	if f.find(name) >= 0 {
		return vfs.ErrMounted
	}
	f.names = append(f.names, name)
	f.devices = append(f.devices, d)
	return nil
}

func (f *FS) find(name vfs.Path) int {
	for i, n := range f.names {
		if n.Equal(name) {
			return i
		}
	}
	return -1
}

// Open resolves the empty path to the root directory and single-component
// paths to devices. Anything deeper fails, as do relative lookups that were
// routed here without a directory root.
func (f *FS) Open(path vfs.Path, flags abi.OpenFlags, root *vfs.VNode) (vfs.VNode, error) {
	if !path.IsAbsolute() && root != nil && !root.Directory {
		return vfs.VNode{}, vfs.ErrPathNotFound
	}

	components := path.Components()
	switch len(components) {
	case 0:
		return vfs.VNode{Ino: rootIno, Directory: true, ReadOnly: true}, nil
	case 1:
	default:
		return vfs.VNode{}, vfs.ErrPathNotFound
	}

	token := f.lock.Lock()
	defer f.lock.Unlock(token)

	i := f.find(vfs.Path(components[0]))
	if i < 0 {
		return vfs.VNode{}, vfs.ErrPathNotFound
	}
	return vfs.VNode{
		Ino:      uint64(i),
		ReadOnly: !flags.Has(abi.OpenReadWrite),
	}, nil
}

func (f *FS) device(vn vfs.VNode) (dev.Device, error) {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)

	if vn.Ino >= uint64(len(f.devices)) {
		return nil, vfs.ErrInvalidOp
	}
	return f.devices[vn.Ino], nil
}

func (f *FS) Read(vn vfs.VNode, pos uint64, buf []byte) (int, error) {
	d, err := f.device(vn)
	if err != nil {
		return 0, err
	}
	return d.Read(pos, buf)
}

func (f *FS) Write(vn vfs.VNode, pos uint64, buf []byte) (int, error) {
	d, err := f.device(vn)
	if err != nil {
		return 0, err
	}
	return d.Write(pos, buf)
}

func (f *FS) Close(vfs.VNode) error { return nil }

func (f *FS) Readdir(vn vfs.VNode, index uint64) (*abi.DirEntry, error) {
	if !vn.Directory {
		return nil, vfs.ErrInvalidOp
	}

	token := f.lock.Lock()
	defer f.lock.Unlock(token)

	if index >= uint64(len(f.names)) {
		return nil, nil
	}
	ent := &abi.DirEntry{Stat: abi.Stat{}}
	ent.SetName(f.names[index])
	return ent, nil
}

func (f *FS) Stat(vn vfs.VNode) (abi.Stat, error) {
	if vn.Directory {
		return abi.Stat{Directory: true, ReadOnly: true}, nil
	}
	return abi.Stat{}, nil
}

var _ vfs.FileSystem = (*FS)(nil)
