// Package proc implements the process subsystem: the process table, the
// per-process kernel state, the cooperative scheduler, process creation from
// ELF images in the VFS, and the user-trap dispatcher that ties them
// together.
package proc

import (
	"log/slog"
	"sync/atomic"

	"github.com/servos-os/servos/internal/dev"
	"github.com/servos-os/servos/internal/klock"
	"github.com/servos-os/servos/internal/mem"
	"github.com/servos-os/servos/internal/plic"
	"github.com/servos-os/servos/internal/riscv"
	"github.com/servos-os/servos/internal/sbi"
	"github.com/servos-os/servos/internal/trap"
	"github.com/servos-os/servos/internal/vfs"
	"github.com/servos-os/servos/internal/vmm"
)

// MaxFiles is the size of each process's file-descriptor table.
const MaxFiles = 32

// KilledFault is the exit code stamped on a process killed by a fault
// rather than an explicit exit.
const KilledFault = ^uint64(0)

// Hart stack geometry: the first hart stack sits below the user trap frame
// with a guard page between consecutive stacks.
const (
	HartStackLen   = 4 * mem.PageSize
	hartFirstStack = trap.UserTrapFrame - mem.PageSize
)

// HartStackTop returns the top of a hart's kernel stack in the kernel
// address space.
func HartStackTop(hartid int) vmm.VirtAddr {
	return hartFirstStack - vmm.VirtAddr(hartid*(HartStackLen+mem.PageSize))
}

const userStackSize = 1 << 20

// Status is a process's scheduling state.
type Status int

const (
	// Idle: runnable, not on any hart.
	Idle Status = iota
	// Running: executing on some hart.
	Running
	// Waiting: parked until the process named by WaitPid exits.
	Waiting
)

// Process is the kernel-resident state of one user program. All mutable
// fields are guarded by the process lock; the page table and trap frame are
// additionally written by the MMU and the trap vector, which is why they are
// reached through RAM addresses rather than owned Go structures.
type Process struct {
	lock klock.SpinLock

	Pid    uint32
	Status Status
	// WaitPid is the wait target, meaningful only when Status == Waiting.
	WaitPid uint32
	// Killed carries the pending exit code; nil means alive. The process is
	// destroyed on its next return to the scheduler.
	Killed *uint64

	PageTable *vmm.PageTable
	Frame     trap.Frame

	// Files is a sparse fd table; the slot index is the user-visible fd.
	Files [MaxFiles]*vfs.Fd
	Cwd   *vfs.Fd
	// Brk is the current program break.
	Brk vmm.VirtAddr

	handle Handle
}

// Lock acquires the process lock.
func (p *Process) Lock() klock.IrqToken { return p.lock.Lock() }

// Unlock releases the process lock.
func (p *Process) Unlock(token klock.IrqToken) { p.lock.Unlock(token) }

// Handle returns the process's stable table handle.
func (p *Process) Handle() Handle { return p.handle }

// Kill stamps the process with an exit code; nil means a fault kill. The
// scheduler destroys the process on its next pass.
func (p *Process) Kill(code *uint64) {
	c := KilledFault
	if code != nil {
		c = *code
	}
	p.Killed = &c
}

// AllocFd stores fd in the lowest free slot and returns its index.
func (p *Process) AllocFd(fd *vfs.Fd) (int, bool) {
	for i := range p.Files {
		if p.Files[i] == nil {
			p.Files[i] = fd
			return i, true
		}
	}
	return 0, false
}

// Fd returns the descriptor in slot i, or nil.
func (p *Process) Fd(i uint64) *vfs.Fd {
	if i >= MaxFiles {
		return nil
	}
	return p.Files[i]
}

// RemoveFd takes the descriptor out of slot i without closing it.
func (p *Process) RemoveFd(i uint64) *vfs.Fd {
	if i >= MaxFiles {
		return nil
	}
	fd := p.Files[i]
	p.Files[i] = nil
	return fd
}

// Handle is a stable, generation-checked index into the process table. The
// packed form is what lives in the trap frame's proc slot.
type Handle uint64

func packHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) index() uint32 { return uint32(h) }
func (h Handle) gen() uint32   { return uint32(h >> 32) }

type slot struct {
	gen uint32
	p   *Process
}

// Kernel bundles the globals of the process subsystem: the process table,
// the scheduler queue, and the collaborators the trap dispatcher needs. One
// instance exists per booted kernel; tests build their own.
type Kernel struct {
	RAM        *mem.RAM
	Ksatp      uint64
	Trampoline mem.PhysAddr
	Vfs        *vfs.Vfs
	Sbi        sbi.Client
	Plic       *plic.Controller
	Console    *dev.Console
	// UartRx pops one byte from the UART receive buffer, if any. Installed
	// by bring-up when there is a UART.
	UartRx func() (byte, bool)
	// Syscall dispatches an ecall from user mode. Installed by the syscall
	// layer; running without one kills any process that makes an ecall.
	Syscall func(h HartContext, p *Process)

	listLock klock.SpinLock
	slots    []slot
	list     []Handle // every live process, in insertion order

	schedLock klock.SpinLock
	awaiting  []Handle

	nextPid atomic.Uint32
	halted  atomic.Bool
	log     *slog.Logger
}

// NewKernel creates an empty process subsystem.
func NewKernel(logger *slog.Logger) *Kernel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{log: logger}
}

// Halt stops every hart's scheduler loop after its current iteration. Used
// by the power manager and by tests.
func (k *Kernel) Halt() { k.halted.Store(true) }

// Halted reports whether the kernel has been halted.
func (k *Kernel) Halted() bool { return k.halted.Load() }

// register places p in the table and assigns its handle. The process is not
// yet schedulable; the caller finishes frame setup and then enqueues.
func (k *Kernel) register(p *Process) {
	token := k.listLock.Lock()
	defer k.listLock.Unlock(token)

	idx := -1
	for i := range k.slots {
		if k.slots[i].p == nil {
			idx = i
			break
		}
	}
	if idx == -1 {
		k.slots = append(k.slots, slot{})
		idx = len(k.slots) - 1
	}
	k.slots[idx].p = p
	p.handle = packHandle(uint32(idx), k.slots[idx].gen)
	k.list = append(k.list, p.handle)
}

// unregister rolls a freshly registered process back out of the table.
func (k *Kernel) unregister(h Handle) {
	token := k.listLock.Lock()
	defer k.listLock.Unlock(token)
	k.removeLocked(h)
}

func (k *Kernel) removeLocked(h Handle) {
	for i, rhs := range k.list {
		if rhs == h {
			k.list[i] = k.list[len(k.list)-1]
			k.list = k.list[:len(k.list)-1]
			break
		}
	}
	i := h.index()
	if int(i) < len(k.slots) && k.slots[i].gen == h.gen() {
		k.slots[i].p = nil
		k.slots[i].gen++
	}
}

// Resolve returns the live process behind h, or nil if it has been
// destroyed (the generation moved on).
func (k *Kernel) Resolve(h Handle) *Process {
	token := k.listLock.Lock()
	defer k.listLock.Unlock(token)

	i := h.index()
	if int(i) >= len(k.slots) || k.slots[i].gen != h.gen() {
		return nil
	}
	return k.slots[i].p
}

// Processes snapshots the live-process handle list.
func (k *Kernel) Processes() []Handle {
	token := k.listLock.Lock()
	defer k.listLock.Unlock(token)
	return append([]Handle(nil), k.list...)
}

// FindByPid returns the live process with the given pid, or nil.
func (k *Kernel) FindByPid(pid uint32) *Process {
	for _, h := range k.Processes() {
		if p := k.Resolve(h); p != nil && p.Pid == pid {
			return p
		}
	}
	return nil
}

// Kill marks the process with the given pid killed. Returns false when no
// such process exists.
func (k *Kernel) Kill(pid uint32) bool {
	p := k.FindByPid(pid)
	if p == nil {
		return false
	}
	token := p.Lock()
	p.Kill(nil)
	p.Unlock(token)
	return true
}

// enqueue puts h on the scheduler queue.
func (k *Kernel) enqueue(h Handle) bool {
	token := k.schedLock.Lock()
	defer k.schedLock.Unlock(token)
	k.awaiting = append(k.awaiting, h)
	return true
}

// Destroy removes the process from the table and frees everything it owns.
// The caller holds the process lock, which is consumed: the process ceases
// to exist and the lock is never released. Any process Waiting on this pid
// becomes Idle with the exit code in its result registers.
//
// The process must not be on the scheduler queue; it was popped when it
// began executing and destroy runs only on the executing hart.
func (k *Kernel) Destroy(p *Process, exitCode uint64) {
	if p.Pid == 0 {
		panic("proc: return from the init process")
	}

	token := k.listLock.Lock()
	k.removeLocked(p.handle)
	rest := append([]Handle(nil), k.list...)
	k.listLock.Unlock(token)

	for _, h := range rest {
		other := k.Resolve(h)
		if other == nil {
			continue
		}
		t := other.Lock()
		if other.Status == Waiting && other.WaitPid == p.Pid {
			other.Status = Idle
			other.Frame.SetReg(riscv.RegA0, exitCode)
			other.Frame.SetReg(riscv.RegA1, 0)
		}
		other.Unlock(t)
	}

	k.free(p)
}

// free releases a process's resources: open descriptors, the cwd, and the
// page table (whose Owned pages include the trap frame and all user
// memory).
func (k *Kernel) free(p *Process) {
	for i := range p.Files {
		if p.Files[i] != nil {
			p.Files[i].Close()
			p.Files[i] = nil
		}
	}
	if p.Cwd != nil {
		p.Cwd.Close()
		p.Cwd = nil
	}
	if p.PageTable != nil {
		p.PageTable.Free()
		p.PageTable = nil
	}
}

func (k *Kernel) logf() *slog.Logger { return k.log }
