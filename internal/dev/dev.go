// Package dev defines the character-device interface the device filesystem
// mounts, plus the built-in console, null and zero devices.
package dev

import "github.com/servos-os/servos/internal/vfs"

// Device is a character device. pos is passed through from the descriptor
// but most devices ignore it.
type Device interface {
	Read(pos uint64, buf []byte) (int, error)
	Write(pos uint64, buf []byte) (int, error)
}

// Null discards writes and reads nothing.
type Null struct{}

func (Null) Read(_ uint64, buf []byte) (int, error) {
	return 0, vfs.ErrEof
}

func (Null) Write(_ uint64, buf []byte) (int, error) {
	return 0, vfs.ErrInvalidOp
}

// Zero reads an endless stream of zero bytes.
type Zero struct{}

func (Zero) Read(_ uint64, buf []byte) (int, error) {
	clear(buf)
	return len(buf), nil
}

func (Zero) Write(_ uint64, buf []byte) (int, error) {
	return 0, vfs.ErrInvalidOp
}
