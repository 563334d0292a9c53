package dev

import (
	"io"

	"github.com/servos-os/servos/internal/klock"
	"github.com/servos-os/servos/internal/vfs"
)

// consoleBufLen bounds input buffered between the UART interrupt and the
// next console read. Input past the bound is dropped and the interrupt path
// rings the bell.
const consoleBufLen = 256

// Console is the kernel console device: reads drain a bounded input buffer
// fed by the UART external-interrupt path, writes go straight to the UART
// sink installed at bring-up.
type Console struct {
	lock klock.SpinLock
	out  io.Writer

	buf   [consoleBufLen]byte
	head  int
	count int
}

// NewConsole creates a console writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

// PushByte queues one input byte from the interrupt path. Returns false when
// the buffer is full and the byte was dropped.
func (c *Console) PushByte(b byte) bool {
	token := c.lock.Lock()
	defer c.lock.Unlock(token)

	if c.count == len(c.buf) {
		return false
	}
	c.buf[(c.head+c.count)%len(c.buf)] = b
	c.count++
	return true
}

// Read drains buffered input. A read with nothing buffered returns zero
// bytes rather than blocking; the kernel has no sleep primitive, so user
// programs poll.
func (c *Console) Read(_ uint64, buf []byte) (int, error) {
	token := c.lock.Lock()
	defer c.lock.Unlock(token)

	n := 0
	for n < len(buf) && c.count > 0 {
		buf[n] = c.buf[c.head]
		c.head = (c.head + 1) % len(c.buf)
		c.count--
		n++
	}
	return n, nil
}

// Write sends buf to the UART.
func (c *Console) Write(_ uint64, buf []byte) (int, error) {
	token := c.lock.Lock()
	defer c.lock.Unlock(token)

	if c.out == nil {
		return len(buf), nil
	}
	n, err := c.out.Write(buf)
	if err != nil {
		return n, vfs.ErrInvalidOp
	}
	return n, nil
}
