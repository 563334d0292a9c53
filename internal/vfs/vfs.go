// Package vfs is the kernel's virtual filesystem layer: a mount table keyed
// by path, the FileSystem capability set each mounted filesystem implements,
// and the file descriptor type with its cursor semantics.
package vfs

import (
	"sort"

	"github.com/servos-os/servos/internal/abi"
	"github.com/servos-os/servos/internal/klock"
)

// VNode is a filesystem-local file handle, cheap to copy. The interpretation
// of Ino is private to the owning filesystem.
type VNode struct {
	Ino       uint64
	Directory bool
	ReadOnly  bool
}

// FileSystem is the capability set of a mounted filesystem.
type FileSystem interface {
	// Open resolves path to a VNode. When root is non-nil and path is
	// relative, resolution starts at root instead of the filesystem root.
	Open(path Path, flags abi.OpenFlags, root *VNode) (VNode, error)
	// Read copies up to len(buf) bytes at pos into buf.
	Read(vn VNode, pos uint64, buf []byte) (int, error)
	// Write copies up to len(buf) bytes from buf at pos.
	Write(vn VNode, pos uint64, buf []byte) (int, error)
	// Close releases any per-open state for vn.
	Close(vn VNode) error
	// Readdir returns the index-th entry of the directory vn, or (nil, nil)
	// past the end.
	Readdir(vn VNode, index uint64) (*abi.DirEntry, error)
	// Stat describes vn.
	Stat(vn VNode) (abi.Stat, error)
}

// Vfs is the mount table. A single global instance lives behind a spinlock
// in the kernel; tests construct their own.
type Vfs struct {
	lock   klock.SpinLock
	mounts []mount
}

type mount struct {
	path Path
	fs   FileSystem
}

// Mount attaches fs at path. Mounting over an existing mount path fails with
// ErrMounted.
func (v *Vfs) Mount(path Path, fs FileSystem) error {
	token := v.lock.Lock()
	defer v.lock.Unlock(token)

	for _, m := range v.mounts {
		if m.path.Equal(path) {
			return ErrMounted
		}
	}
	v.mounts = append(v.mounts, mount{path: path, fs: fs})
	// Longest prefix first, so Open's scan picks the most specific mount.
	sort.SliceStable(v.mounts, func(i, j int) bool {
		return len(v.mounts[i].path.Components()) > len(v.mounts[j].path.Components())
	})
	return nil
}

// Unmount detaches the filesystem at path.
func (v *Vfs) Unmount(path Path) bool {
	token := v.lock.Lock()
	defer v.lock.Unlock(token)

	for i, m := range v.mounts {
		if m.path.Equal(path) {
			v.mounts = append(v.mounts[:i], v.mounts[i+1:]...)
			return true
		}
	}
	return false
}

// Open resolves path against the longest matching mount prefix and opens the
// remainder in that filesystem.
func (v *Vfs) Open(path Path, flags abi.OpenFlags) (*Fd, error) {
	fs, rest, err := v.route(path)
	if err != nil {
		return nil, err
	}

	vn, err := fs.Open(rest, flags, nil)
	if err != nil {
		return nil, err
	}
	return &Fd{node: vn, fs: fs}, nil
}

// OpenInCwd behaves as Open for absolute paths; relative paths resolve in
// cwd's filesystem starting at cwd's vnode.
func (v *Vfs) OpenInCwd(cwd *Fd, path Path, flags abi.OpenFlags) (*Fd, error) {
	if !cwd.node.Directory {
		panic("vfs: cwd descriptor is not a directory")
	}
	if path.IsAbsolute() {
		return v.Open(path, flags)
	}

	root := cwd.node
	vn, err := cwd.fs.Open(path, flags, &root)
	if err != nil {
		return nil, err
	}
	return &Fd{node: vn, fs: cwd.fs}, nil
}

func (v *Vfs) route(path Path) (FileSystem, Path, error) {
	token := v.lock.Lock()
	defer v.lock.Unlock(token)

	for _, m := range v.mounts {
		if rest, ok := path.StripPrefix(m.path); ok {
			return m.fs, rest, nil
		}
	}
	return nil, nil, ErrPathNotFound
}
