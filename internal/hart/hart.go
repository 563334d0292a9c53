// Package hart models one RISC-V hardware thread as the kernel sees it from
// supervisor mode: the CSR state the trap path reads and writes, the general
// register file, and the interrupt-enable gate the spin locks use.
//
// This is the bring-up contract of the kernel core. On hardware these fields
// are the real CSRs behind csrr/csrw; here they are plain state driven by an
// embedder (a CPU, an emulator, or a test fixture) through the Run hook.
package hart

import (
	"sync/atomic"

	"github.com/servos-os/servos/internal/riscv"
)

// Hart is the per-hart supervisor state.
type Hart struct {
	ID int

	// Supervisor CSRs
	Sstatus  uint64
	Sie      uint64
	Stvec    uint64
	Sscratch uint64
	Sepc     uint64
	Scause   uint64
	Stval    uint64
	Satp     uint64

	// Regs is the general register file at trap time; index with the
	// riscv.Reg* constants (slot 0 is x0 and stays zero here, unlike the
	// trap frame where it holds the PC).
	Regs [riscv.NumRegs]uint64

	// StackTop is the top of this hart's kernel stack, filled into the trap
	// frame on resume.
	StackTop uint64

	// Time advances with the platform timer; the timer-rearm path reads it.
	Time uint64

	// Run transfers control to user mode after trap.RunUser has programmed
	// the CSRs and register file. It returns when the next trap fires, with
	// Scause/Stval/Sepc and Regs describing the trap. Nil Run means traps
	// cannot be taken (boot-time fatal).
	Run func(h *Hart)
}

// InterruptsEnabled reports sstatus.SIE.
func (h *Hart) InterruptsEnabled() bool {
	return h.Sstatus&riscv.SstatusSIE != 0
}

// DisableInterrupts clears sstatus.SIE and reports whether it was set.
func (h *Hart) DisableInterrupts() bool {
	was := h.InterruptsEnabled()
	h.Sstatus &^= riscv.SstatusSIE
	return was
}

// EnableInterrupts sets sstatus.SIE.
func (h *Hart) EnableInterrupts() {
	h.Sstatus |= riscv.SstatusSIE
}

// local is the hart currently executing kernel code. Exactly one hart runs
// kernel code per OS thread of the embedder; the scheduler loop and the trap
// entry both re-assert it.
var local atomic.Pointer[Hart]

// SetLocal binds h as the current hart.
func SetLocal(h *Hart) { local.Store(h) }

// Local returns the hart currently executing kernel code. It panics before
// the first SetLocal, which would mean a lock was taken before bring-up.
func Local() *Hart {
	h := local.Load()
	if h == nil {
		panic("hart: no local hart bound")
	}
	return h
}
