// Package initrd implements the read-only in-memory filesystem the kernel
// boots with. The image is a contiguous blob: a header, an inode array, and
// a data area holding file bytes and directory child-index tables.
//
// On-disk layout (little-endian, eight-byte aligned):
//
//	header:  magic u32, reserved u32, ninodes u64
//	inode:   name [32]u8, nlen u16, type u16, size u32, addr u64
//
// For files, size is the byte length and addr offsets into the data area.
// For directories, size is the entry count and addr offsets to an array of
// u64 child inode indices. Inode 0 must be the root directory.
package initrd

import (
	"bytes"
	"encoding/binary"

	"github.com/servos-os/servos/internal/abi"
	"github.com/servos-os/servos/internal/vfs"
)

const (
	// Magic identifies an initrd image.
	Magic = 0xce3fdefe

	// HeaderSize and InodeSize are the fixed record sizes of the format.
	HeaderSize = 16
	InodeSize  = 48

	// NameLen is the fixed width of the inode name field.
	NameLen = 32

	// Inode types.
	TypeFile = 0
	TypeDir  = 1
)

type inode struct {
	name [NameLen]byte
	nlen uint16
	typ  uint16
	size uint32
	addr uint64
}

func (in *inode) nameEq(component []byte) bool {
	if int(in.nlen) > NameLen {
		return false
	}
	return bytes.Equal(in.name[:in.nlen], component)
}

func (in *inode) stat() abi.Stat {
	return abi.Stat{
		Size:      uint64(in.size),
		ReadOnly:  true,
		Directory: in.typ == TypeDir,
	}
}

// FS is a parsed initrd image. Parsing happens once at mount; afterwards the
// filesystem is immutable.
type FS struct {
	inodes []inode
	data   []byte
}

// New parses an initrd blob. The blob is retained (not copied); the caller
// must not mutate it afterwards.
func New(img []byte) (*FS, error) {
	if len(img) < HeaderSize {
		return nil, vfs.ErrCorruptedFs
	}
	if binary.LittleEndian.Uint32(img[0:]) != Magic {
		return nil, vfs.ErrCorruptedFs
	}
	ninodes := binary.LittleEndian.Uint64(img[8:])

	rest := img[HeaderSize:]
	if uint64(len(rest))/InodeSize < ninodes {
		return nil, vfs.ErrCorruptedFs
	}
	inodes := make([]inode, ninodes)
	for i := range inodes {
		rec := rest[i*InodeSize:]
		copy(inodes[i].name[:], rec[:NameLen])
		inodes[i].nlen = binary.LittleEndian.Uint16(rec[NameLen:])
		inodes[i].typ = binary.LittleEndian.Uint16(rec[NameLen+2:])
		inodes[i].size = binary.LittleEndian.Uint32(rec[NameLen+4:])
		inodes[i].addr = binary.LittleEndian.Uint64(rec[NameLen+8:])
	}
	if len(inodes) == 0 || inodes[0].typ != TypeDir {
		return nil, vfs.ErrCorruptedFs
	}

	return &FS{
		inodes: inodes,
		data:   rest[ninodes*InodeSize:],
	}, nil
}

// dirEntry resolves the index-th child of dir to its inode number and inode.
func (f *FS) dirEntry(dir *inode, index uint64) (uint64, *inode, error) {
	if index >= uint64(dir.size) {
		return 0, nil, nil
	}
	off := dir.addr + index*8
	if off+8 > uint64(len(f.data)) {
		return 0, nil, vfs.ErrCorruptedFs
	}
	child := binary.LittleEndian.Uint64(f.data[off:])
	if child >= uint64(len(f.inodes)) {
		return 0, nil, vfs.ErrCorruptedFs
	}
	return child, &f.inodes[child], nil
}

func (f *FS) inodeOf(vn vfs.VNode) (*inode, error) {
	if vn.Ino >= uint64(len(f.inodes)) {
		return nil, vfs.ErrCorruptedFs
	}
	return &f.inodes[vn.Ino], nil
}

// Open walks path component by component with a linear scan of each
// directory's children. Relative paths with a root vnode start there;
// everything else starts at inode 0.
func (f *FS) Open(path vfs.Path, _ abi.OpenFlags, root *vfs.VNode) (vfs.VNode, error) {
	ino := uint64(0)
	if root != nil && !path.IsAbsolute() {
		ino = root.Ino
	}
	if ino >= uint64(len(f.inodes)) {
		return vfs.VNode{}, vfs.ErrCorruptedFs
	}

components:
	for _, component := range path.Components() {
		dir := &f.inodes[ino]
		if dir.typ != TypeDir {
			return vfs.VNode{}, vfs.ErrPathNotFound
		}

		for i := uint64(0); i < uint64(dir.size); i++ {
			child, in, err := f.dirEntry(dir, i)
			if err != nil {
				return vfs.VNode{}, err
			}
			if in.nameEq(component) {
				ino = child
				continue components
			}
		}
		return vfs.VNode{}, vfs.ErrPathNotFound
	}

	return vfs.VNode{
		Ino:       ino,
		Directory: f.inodes[ino].typ == TypeDir,
		ReadOnly:  true,
	}, nil
}

// Read copies bytes out of the data blob. Reading at or past the end of the
// file returns ErrEof.
func (f *FS) Read(vn vfs.VNode, pos uint64, buf []byte) (int, error) {
	in, err := f.inodeOf(vn)
	if err != nil {
		return 0, err
	}
	if in.typ == TypeDir {
		return 0, vfs.ErrInvalidOp
	}

	if pos >= uint64(in.size) {
		return 0, vfs.ErrEof
	}
	remaining := uint64(in.size) - pos
	n := uint64(len(buf))
	if n > remaining {
		n = remaining
	}

	start := in.addr + pos
	if start+n > uint64(len(f.data)) {
		return 0, vfs.ErrCorruptedFs
	}
	copy(buf, f.data[start:start+n])
	return int(n), nil
}

func (f *FS) Write(vfs.VNode, uint64, []byte) (int, error) {
	return 0, vfs.ErrUnsupported
}

func (f *FS) Close(vfs.VNode) error { return nil }

// Readdir returns the index-th child of vn as a DirEntry, or nil past the
// end of the directory.
func (f *FS) Readdir(vn vfs.VNode, index uint64) (*abi.DirEntry, error) {
	dir, err := f.inodeOf(vn)
	if err != nil {
		return nil, err
	}
	if dir.typ != TypeDir {
		return nil, vfs.ErrInvalidOp
	}

	_, in, err := f.dirEntry(dir, index)
	if err != nil || in == nil {
		return nil, err
	}

	ent := &abi.DirEntry{
		NameLen: uint64(in.nlen),
		Stat:    in.stat(),
	}
	copy(ent.Name[:], in.name[:])
	return ent, nil
}

func (f *FS) Stat(vn vfs.VNode) (abi.Stat, error) {
	in, err := f.inodeOf(vn)
	if err != nil {
		return abi.Stat{}, err
	}
	return in.stat(), nil
}

var _ vfs.FileSystem = (*FS)(nil)
