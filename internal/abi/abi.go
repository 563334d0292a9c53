// Package abi defines the kernel's user-visible surface: syscall numbers,
// the closed error enumeration, open flags, and the wire layout of the
// structures that cross the user/kernel boundary. Layouts are little-endian
// and eight-byte aligned, matching what user programs compile against.
package abi

import "encoding/binary"

// Syscall numbers, passed in a7.
const (
	SysShutdown = 1
	SysKill     = 2
	SysGetPid   = 3
	SysOpen     = 4
	SysClose    = 5
	SysRead     = 6
	SysWrite    = 7
	SysReaddir  = 8
	SysChdir    = 9
	SysSpawn    = 10
	SysStat     = 11
	SysSbrk     = 12
	SysWaitpid  = 13
	SysExit     = 14
)

// Errno is the closed kernel-to-user error enumeration, returned in a1.
// Zero means success.
type Errno uint64

const (
	OK Errno = iota
	NoSys
	BadArg
	NotFound
	BadFd
	NoMem
	PathNotFound
	ReadOnly
	InvalidOp
	Unsupported
	CorruptedFs
	InvalidPerms
	BadAddr
	Eof
)

func (e Errno) Error() string {
	switch e {
	case OK:
		return "ok"
	case NoSys:
		return "invalid syscall"
	case BadArg:
		return "invalid argument"
	case NotFound:
		return "not found"
	case BadFd:
		return "bad file descriptor"
	case NoMem:
		return "out of memory"
	case PathNotFound:
		return "path not found"
	case ReadOnly:
		return "read-only"
	case InvalidOp:
		return "invalid operation"
	case Unsupported:
		return "unsupported"
	case CorruptedFs:
		return "corrupted filesystem"
	case InvalidPerms:
		return "invalid permissions"
	case BadAddr:
		return "bad address"
	case Eof:
		return "end of file"
	default:
		return "unknown error"
	}
}

// OpenFlags is the bitmask accepted by the Open syscall.
type OpenFlags uint32

const (
	OpenCreateDir  OpenFlags = 1 << 0
	OpenCreateFile OpenFlags = 1 << 1
	OpenReadWrite  OpenFlags = 1 << 2
	OpenTruncate   OpenFlags = 1 << 3
)

// Has reports whether every bit of f2 is set.
func (f OpenFlags) Has(f2 OpenFlags) bool { return f&f2 == f2 }

// Position and index sentinels: "use the descriptor's internal cursor".
const (
	PosCursor   = ^uint64(0)
	IndexCursor = ^uint64(0)
)

// Stat is the metadata record copied out by the Stat syscall and embedded in
// DirEntry: size (u64), readonly and directory flags (one byte each), padded
// to eight-byte alignment.
type Stat struct {
	Size      uint64
	ReadOnly  bool
	Directory bool
}

const StatSize = 16

func (s *Stat) EncodedSize() int { return StatSize }

func (s *Stat) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], s.Size)
	b[8] = bool2byte(s.ReadOnly)
	b[9] = bool2byte(s.Directory)
	clear(b[10:StatSize])
}

func (s *Stat) Decode(b []byte) {
	s.Size = binary.LittleEndian.Uint64(b[0:])
	s.ReadOnly = b[8] != 0
	s.Directory = b[9] != 0
}

// MaxNameLen bounds directory-entry names on the wire.
const MaxNameLen = 256

// DirEntry is one directory entry as copied out by Readdir.
type DirEntry struct {
	Name    [MaxNameLen]byte
	NameLen uint64
	Stat    Stat
}

const DirEntrySize = MaxNameLen + 8 + StatSize

// SetName copies name into the fixed-width field, truncating at MaxNameLen.
func (d *DirEntry) SetName(name []byte) {
	n := copy(d.Name[:], name)
	d.NameLen = uint64(n)
}

// NameBytes returns the in-use portion of the name field.
func (d *DirEntry) NameBytes() []byte {
	n := d.NameLen
	if n > MaxNameLen {
		n = MaxNameLen
	}
	return d.Name[:n]
}

func (d *DirEntry) EncodedSize() int { return DirEntrySize }

func (d *DirEntry) Encode(b []byte) {
	copy(b[0:MaxNameLen], d.Name[:])
	binary.LittleEndian.PutUint64(b[MaxNameLen:], d.NameLen)
	d.Stat.Encode(b[MaxNameLen+8:])
}

func (d *DirEntry) Decode(b []byte) {
	copy(d.Name[:], b[0:MaxNameLen])
	d.NameLen = binary.LittleEndian.Uint64(b[MaxNameLen:])
	d.Stat.Decode(b[MaxNameLen+8:])
}

// KString is the {ptr, len} pair user programs pass in argv arrays.
type KString struct {
	Ptr uint64
	Len uint64
}

const KStringSize = 16

func (k *KString) EncodedSize() int { return KStringSize }

func (k *KString) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], k.Ptr)
	binary.LittleEndian.PutUint64(b[8:], k.Len)
}

func (k *KString) Decode(b []byte) {
	k.Ptr = binary.LittleEndian.Uint64(b[0:])
	k.Len = binary.LittleEndian.Uint64(b[8:])
}

func bool2byte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
