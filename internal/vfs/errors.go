package vfs

import "errors"

// Filesystem error taxonomy. Every filesystem and device error the kernel
// can surface to user space is one of these (or wraps one); the syscall
// layer maps them onto the abi.Errno enumeration.
var (
	ErrPathNotFound = errors.New("path not found")
	ErrNoMem        = errors.New("out of memory")
	ErrReadOnly     = errors.New("read-only filesystem")
	ErrInvalidOp    = errors.New("invalid operation")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrCorruptedFs  = errors.New("corrupted filesystem")
	ErrInvalidPerms = errors.New("invalid permissions")
	ErrEof          = errors.New("end of file")
	ErrMounted      = errors.New("already mounted")
)
