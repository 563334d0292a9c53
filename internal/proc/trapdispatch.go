package proc

import (
	"fmt"

	"github.com/servos-os/servos/internal/hart"
	"github.com/servos-os/servos/internal/klock"
	"github.com/servos-os/servos/internal/riscv"
	"github.com/servos-os/servos/internal/trap"
)

// handleUserTrap services the trap that ended p's quantum and decides what
// happens to the process:
//
//  1. killed → destroy it,
//  2. must-yield or Waiting → back on the queue (a failed re-enqueue is an
//     OOM kill),
//  3. otherwise → resume immediately, without touching the scheduler.
//
// Returns (true, lock token) for the fast-path resume; the caller loops.
func (k *Kernel) handleUserTrap(h *hart.Hart, p *Process, exit trap.Exit) (bool, klock.IrqToken) {
	if Handle(exit.Proc) != p.handle {
		panic(fmt.Sprintf("proc: frame process handle %#x, running %#x", exit.Proc, uint64(p.handle)))
	}

	sepc := exit.Sepc
	mustYield := false

	switch {
	case !exit.KnownCause:
		panic(fmt.Sprintf("unhandled trap: no match for cause %#x", uint64(exit.Cause)))

	case exit.Cause == riscv.CauseExternalIntr:
		k.handleExternalIntr(h)

	case exit.Cause == riscv.CauseTimerIntr:
		_ = k.Sbi.SetTimer(h.Time + trap.TimerInterval)
		mustYield = true

	case exit.Cause == riscv.CauseEcallFromU:
		if k.Syscall != nil {
			k.Syscall(HartContext{Hart: h}, p)
		} else {
			token := p.Lock()
			p.Kill(nil)
			p.Unlock(token)
		}
		sepc += 4

	case exit.Cause == riscv.CauseLoadPageFault,
		exit.Cause == riscv.CauseStorePageFault,
		exit.Cause == riscv.CauseInsnPageFault:
		token := p.Lock()
		p.Kill(nil)
		pid := p.Pid
		p.Unlock(token)
		k.logf().Warn("user page fault, killing process",
			"pid", pid, "hart", h.ID, "cause", exit.Cause.String(), "addr", fmt.Sprintf("%#x", exit.Stval))

	default:
		token := p.Lock()
		p.Kill(nil)
		pid := p.Pid
		p.Unlock(token)
		k.logf().Warn("user exception, killing process",
			"pid", pid, "hart", h.ID, "cause", exit.Cause.String())
	}

	token := p.Lock()
	p.Frame.SetReg(riscv.RegPC, sepc)

	switch {
	case p.Killed != nil:
		code := *p.Killed
		k.Destroy(p, code)
		token.Release()
		return false, klock.IrqToken{}

	case !mustYield && p.Status != Waiting:
		// Fast path: straight back to user.
		return true, token

	default:
		if p.Status != Waiting {
			p.Status = Idle
		}
		handle := p.handle
		pid := p.Pid
		p.Unlock(token)
		if !k.enqueue(handle) {
			k.logf().Error("re-enqueue failed, destroying process", "pid", pid)
			t := p.Lock()
			k.Destroy(p, KilledFault)
			t.Release()
		}
		return false, klock.IrqToken{}
	}
}

// HartContext carries the executing hart through the syscall layer.
type HartContext struct {
	Hart *hart.Hart
}

// HandleSupervisorTrap services a trap taken while the hart was already in
// kernel mode: external interrupts drain through the PLIC, timer interrupts
// rearm, anything else is fatal.
func (k *Kernel) HandleSupervisorTrap(h *hart.Hart) {
	cause := riscv.Cause(h.Scause)
	switch cause {
	case riscv.CauseExternalIntr:
		k.handleExternalIntr(h)
	case riscv.CauseTimerIntr:
		_ = k.Sbi.SetTimer(h.Time + trap.TimerInterval)
	default:
		panic(fmt.Sprintf("unhandled trap: %s", cause))
	}
}

// handleExternalIntr drains one PLIC claim. A UART interrupt moves a byte
// from the receive buffer into the console device; anything else is logged
// and completed.
func (k *Kernel) handleExternalIntr(h *hart.Hart) {
	if k.Plic == nil {
		return
	}
	irq := k.Plic.HartClaim(h.ID)
	defer irq.Complete()
	if irq.Source() == 0 {
		return
	}

	if irq.IsUart0() {
		if k.UartRx == nil || k.Console == nil {
			return
		}
		b, ok := k.UartRx()
		if !ok {
			return
		}
		if !k.Console.PushByte(b) {
			// Input overrun; ring the bell.
			_, _ = k.Console.Write(0, []byte{0x07})
		}
	} else {
		k.logf().Warn("PLIC interrupt with unknown irq", "irq", irq.Source())
	}
}
