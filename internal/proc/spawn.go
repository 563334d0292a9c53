package proc

import (
	"errors"

	"github.com/servos-os/servos/internal/elfload"
	"github.com/servos-os/servos/internal/riscv"
	"github.com/servos-os/servos/internal/trap"
	"github.com/servos-os/servos/internal/vfs"
	"github.com/servos-os/servos/internal/vmm"
)

// Spawn errors surfaced to the syscall layer.
var (
	ErrBadExec = errors.New("proc: not an executable")
	ErrNoMem   = errors.New("proc: out of memory")
)

// Spawn creates a process from the ELF at path (resolved against cwd when
// relative), with args as its argument strings after the path itself, and
// enqueues it. Returns the new pid.
//
// cwd is cloned for the child: the caller keeps its descriptor.
func (k *Kernel) Spawn(path vfs.Path, cwd *vfs.Fd, args [][]byte) (uint32, error) {
	file, err := k.Vfs.OpenInCwd(cwd, path, 0)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return 0, err
	}
	img := make([]byte, stat.Size)
	if _, err := file.Read(0, img); err != nil && !errors.Is(err, vfs.ErrEof) {
		return 0, err
	}

	elf, err := elfload.New(img)
	if err != nil {
		return 0, ErrBadExec
	}

	pt, err := vmm.NewPageTable(k.RAM)
	if err != nil {
		return 0, ErrNoMem
	}
	// From here on, any failure tears down the whole table; every page we
	// install below is Owned by it.
	fail := func(err error) (uint32, error) {
		pt.Free()
		return 0, err
	}

	framePage, ok := k.RAM.AllocPage(true)
	if !ok {
		return fail(ErrNoMem)
	}
	if !trap.MapTrampoline(pt, k.Trampoline) ||
		!pt.MapOwnedPage(framePage, trap.UserTrapFrame, vmm.PteRw) {
		k.RAM.FreePage(framePage)
		return fail(ErrNoMem)
	}
	frame := trap.NewFrame(k.RAM, framePage)

	var highest vmm.VirtAddr
	for _, ph := range elf.Pheaders {
		if ph.Type != elfload.PTLoad {
			continue
		}
		if ph.Memsz < ph.Filesz {
			return fail(ErrBadExec)
		}

		perms := vmm.PteU | vmm.PteR
		if ph.Flags&elfload.PFW != 0 {
			perms |= vmm.PteW
		}
		if ph.Flags&elfload.PFX != 0 {
			perms |= vmm.PteX
		}

		base := vmm.VirtAddr(ph.Vaddr)
		if !pt.MapNewPages(base, ph.Memsz, perms, false) {
			return fail(ErrNoMem)
		}

		seg, err := elf.Segment(ph)
		if err != nil {
			return fail(ErrBadExec)
		}
		// Fresh image pages are written regardless of their U/W bits; the
		// permission override is what lets read-only text load at all.
		if err := vmm.UserBytes(base).WriteBytes(pt, seg, 0); err != nil {
			return fail(ErrBadExec)
		}
		if err := pt.IterPhys(base+vmm.VirtAddr(ph.Filesz), ph.Memsz-ph.Filesz, perms).Zero(); err != nil {
			return fail(ErrBadExec)
		}

		if end := base + vmm.VirtAddr(ph.Memsz); end > highest {
			highest = end
		}
	}

	// One megabyte of zeroed stack immediately below the trap frame.
	sp := trap.UserTrapFrame
	if !pt.MapNewPages(sp-userStackSize, userStackSize, vmm.PteUrw, true) {
		return fail(ErrNoMem)
	}

	// Argument strings go on the stack right to left, path first, each
	// NUL-terminated (the stack is already zeroed, so one extra byte is
	// enough). Then the recorded pointers, reversed, form the argv array
	// the process finds through A1.
	ptrs := make([]vmm.VirtAddr, 0, len(args)+1)
	for _, arg := range append([][]byte{[]byte(path)}, args...) {
		sp -= vmm.VirtAddr(len(arg) + 1)
		if err := vmm.UserBytes(sp).WriteBytes(pt, arg, vmm.PteU|vmm.PteW); err != nil {
			return fail(err)
		}
		ptrs = append(ptrs, sp)
	}

	sp &^= 7 // word-align before the pointer array
	for i := len(ptrs) - 1; i >= 0; i-- {
		sp -= 8
		var word [8]byte
		for b := 0; b < 8; b++ {
			word[b] = byte(uint64(ptrs[i]) >> (8 * b))
		}
		if err := vmm.UserBytes(sp).WriteBytes(pt, word[:], vmm.PteU|vmm.PteW); err != nil {
			return fail(err)
		}
	}

	childCwd, err := k.Vfs.OpenInCwd(cwd, vfs.Path(""), 0)
	if err != nil {
		return fail(err)
	}

	pid := k.nextPid.Add(1) - 1
	p := &Process{
		Pid:       pid,
		Status:    Idle,
		PageTable: pt,
		Frame:     frame,
		Cwd:       childCwd,
		Brk:       highest,
	}

	frame.SetKsatp(k.Ksatp)
	frame.SetHandler(handleTrapCookie)
	frame.SetReg(riscv.RegPC, elf.Entry)
	frame.SetReg(riscv.RegSP, uint64(sp))
	frame.SetReg(riscv.RegA0, uint64(len(args)+1))
	frame.SetReg(riscv.RegA1, uint64(sp))

	k.register(p)
	frame.SetProc(uint64(p.handle))
	if !k.enqueue(p.handle) {
		k.unregister(p.handle)
		childCwd.Close()
		return fail(ErrNoMem)
	}
	return pid, nil
}

// handleTrapCookie stands in for the dispatcher function pointer the real
// trap frame carries; the model resolves dispatch through the kernel, so
// only its presence matters.
const handleTrapCookie = 0x7472_6170 // "trap"
