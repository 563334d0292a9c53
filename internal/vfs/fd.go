package vfs

import "github.com/servos-os/servos/internal/abi"

// Fd is an open file: a vnode, the filesystem it belongs to, and a cursor.
// The cursor only moves when the caller passes the abi.PosCursor /
// abi.IndexCursor sentinels; explicit positions leave it alone.
//
// Descriptors are not shared between processes in this kernel, so the cursor
// needs no lock of its own.
type Fd struct {
	node   VNode
	fs     FileSystem
	cursor uint64
	closed bool
}

// NewFd wraps an already-opened vnode. Mostly for filesystems' own tests;
// the kernel goes through Vfs.Open.
func NewFd(node VNode, fs FileSystem) *Fd {
	return &Fd{node: node, fs: fs}
}

// VNode returns the descriptor's vnode.
func (fd *Fd) VNode() VNode { return fd.node }

// FileSystem returns the owning filesystem.
func (fd *Fd) FileSystem() FileSystem { return fd.fs }

// Read copies up to len(buf) bytes at pos. Directories reject byte reads
// with ErrInvalidOp. pos == abi.PosCursor reads at the cursor and advances
// it by the byte count returned.
func (fd *Fd) Read(pos uint64, buf []byte) (int, error) {
	if fd.node.Directory {
		return 0, ErrInvalidOp
	}
	return fd.withPos(pos, func(pos uint64) (int, error) {
		return fd.fs.Read(fd.node, pos, buf)
	})
}

// Write copies up to len(buf) bytes at pos, with the same cursor rule as
// Read. Directories fail with ErrInvalidOp, read-only vnodes with
// ErrReadOnly.
func (fd *Fd) Write(pos uint64, buf []byte) (int, error) {
	if fd.node.Directory {
		return 0, ErrInvalidOp
	}
	if fd.node.ReadOnly {
		return 0, ErrReadOnly
	}
	return fd.withPos(pos, func(pos uint64) (int, error) {
		return fd.fs.Write(fd.node, pos, buf)
	})
}

// Readdir returns the index-th entry, or nil past the end. index ==
// abi.IndexCursor reads at the cursor, which advances by one whether or not
// an entry came back.
func (fd *Fd) Readdir(index uint64) (*abi.DirEntry, error) {
	if index == abi.IndexCursor {
		ent, err := fd.fs.Readdir(fd.node, fd.cursor)
		fd.cursor++
		return ent, err
	}
	return fd.fs.Readdir(fd.node, index)
}

// Stat describes the open file.
func (fd *Fd) Stat() (abi.Stat, error) {
	return fd.fs.Stat(fd.node)
}

// Close releases the descriptor, notifying the owning filesystem. Closing
// twice is a no-op; the filesystem's error is discarded, as there is nothing
// useful a caller could do with it.
func (fd *Fd) Close() {
	if fd.closed {
		return
	}
	fd.closed = true
	_ = fd.fs.Close(fd.node)
}

func (fd *Fd) withPos(pos uint64, f func(pos uint64) (int, error)) (int, error) {
	if pos != abi.PosCursor {
		return f(pos)
	}
	n, err := f(fd.cursor)
	if err != nil {
		return n, err
	}
	fd.cursor += uint64(n)
	return n, nil
}
