package vmm

import (
	"github.com/servos-os/servos/internal/mem"
)

// Object is implemented by ABI types that cross the user/kernel boundary.
// Encoding is little-endian with the exact layout user programs see.
type Object interface {
	EncodedSize() int
	Encode(b []byte)
	Decode(b []byte)
}

// PhysIter yields, for a (va, length, perms) triple, one kernel-addressable
// byte slice per crossed user page. Each page is translated exactly once and
// permission checks are uniform across all copy primitives built on it.
type PhysIter struct {
	pt    *PageTable
	va    VirtAddr
	size  uint64
	perms Pte
}

// IterPhys starts a page iteration of size bytes at va requiring perms on
// every page.
func (pt *PageTable) IterPhys(va VirtAddr, size uint64, perms Pte) *PhysIter {
	return &PhysIter{pt: pt, va: va, size: size, perms: perms}
}

// Next returns the next contiguous chunk, or (nil, nil) at the end of the
// range. A translation failure surfaces as ErrBadVa, possibly after earlier
// chunks were already handed out: consumers must not rely on atomicity.
func (it *PhysIter) Next() ([]byte, error) {
	if it.size == 0 {
		return nil, nil
	}

	pa, err := it.pt.ToPhys(it.va, it.perms)
	if err != nil {
		return nil, err
	}
	n := uint64(mem.PageSize) - it.va.Offset()
	if n > it.size {
		n = it.size
	}

	it.va = it.va.NextPage()
	it.size -= n
	return it.pt.ram.Slice(pa, n), nil
}

// Zero fills the remainder of the iteration with zero bytes.
func (it *PhysIter) Zero() error {
	for {
		chunk, err := it.Next()
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		clear(chunk)
	}
}

// User is a typed handle on a user virtual address. The element size is
// carried alongside so pointer arithmetic moves in object-sized units.
type User struct {
	Addr VirtAddr
	// Size of one element for Add/Sub; zero means byte-granular.
	elem uint64
}

// UserBytes wraps va as a byte pointer.
func UserBytes(va VirtAddr) User { return User{Addr: va, elem: 1} }

// UserOf wraps va as a pointer to objects of obj's encoded size.
func UserOf(va VirtAddr, obj Object) User {
	return User{Addr: va, elem: uint64(obj.EncodedSize())}
}

// Add advances the pointer by n elements.
func (u User) Add(n uint64) User {
	return User{Addr: u.Addr + VirtAddr(n*u.stride()), elem: u.elem}
}

// Sub moves the pointer back by n elements.
func (u User) Sub(n uint64) User {
	return User{Addr: u.Addr - VirtAddr(n*u.stride()), elem: u.elem}
}

func (u User) stride() uint64 {
	if u.elem == 0 {
		return 1
	}
	return u.elem
}

// ReadBytes copies len(buf) bytes from user space, requiring U|R on every
// page crossed.
func (u User) ReadBytes(pt *PageTable, buf []byte) error {
	return copyPages(pt.IterPhys(u.Addr, uint64(len(buf)), PteU|PteR), func(chunk []byte) {
		copy(buf, chunk)
		buf = buf[len(chunk):]
	})
}

// WriteBytes copies buf into user space. perms is the permission set every
// page must carry: U|W for ordinary user writes (WriteObject uses that),
// while spawn passes 0 to write fresh image pages regardless of their U/W
// bits.
func (u User) WriteBytes(pt *PageTable, buf []byte, perms Pte) error {
	return copyPages(pt.IterPhys(u.Addr, uint64(len(buf)), perms), func(chunk []byte) {
		copy(chunk, buf)
		buf = buf[len(chunk):]
	})
}

// ReadObject decodes one obj from user space, requiring U|R.
func (u User) ReadObject(pt *PageTable, obj Object) error {
	buf := make([]byte, obj.EncodedSize())
	if err := u.ReadBytes(pt, buf); err != nil {
		return err
	}
	obj.Decode(buf)
	return nil
}

// WriteObject encodes obj into user space, requiring U|W.
func (u User) WriteObject(pt *PageTable, obj Object) error {
	buf := make([]byte, obj.EncodedSize())
	obj.Encode(buf)
	return u.WriteBytes(pt, buf, PteU|PteW)
}

func copyPages(it *PhysIter, f func(chunk []byte)) error {
	for {
		chunk, err := it.Next()
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		f(chunk)
	}
}
