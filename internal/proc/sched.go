package proc

import (
	"github.com/servos-os/servos/internal/hart"
	"github.com/servos-os/servos/internal/klock"
	"github.com/servos-os/servos/internal/trap"
)

// YieldHart is a hart's main loop: enable interrupts and keep looking for
// runnable processes until the kernel halts. Kernel code never context
// switches mid-routine; preemption only happens at the user boundary when a
// timer trap brings a process back here.
func (k *Kernel) YieldHart(h *hart.Hart) {
	hart.SetLocal(h)
	h.EnableInterrupts()
	for !k.Halted() {
		k.TryFindExecute(h)
	}
}

// TryFindExecute makes one best-effort scheduling attempt: try the queue
// lock without spinning, pop the front, rotate Waiting processes to the
// back, and run the first runnable one to its next trap.
func (k *Kernel) TryFindExecute(h *hart.Hart) {
	token, ok := k.schedLock.TryLock()
	if !ok {
		return
	}
	if len(k.awaiting) == 0 {
		k.schedLock.Unlock(token)
		return
	}
	next := k.awaiting[0]
	k.awaiting = k.awaiting[1:]

	p := k.Resolve(next)
	if p == nil {
		// Destroyed while queued; cannot happen per the destroy invariant,
		// but a stale handle must not take the kernel down with it.
		k.schedLock.Unlock(token)
		return
	}

	ptoken := p.Lock()
	if p.Status == Waiting {
		k.awaiting = append(k.awaiting, next)
		p.Unlock(ptoken)
		k.schedLock.Unlock(token)
		return
	}

	k.schedLock.Unlock(token)
	k.runProcess(h, p, ptoken)
}

// runProcess resumes p and services its traps until it yields, parks, or
// dies. The fast path (syscall return with no pending yield) loops here
// without touching the scheduler queue.
func (k *Kernel) runProcess(h *hart.Hart, p *Process, ptoken klock.IrqToken) {
	for {
		exit := k.resume(h, p, ptoken)
		again, token := k.handleUserTrap(h, p, exit)
		if !again {
			return
		}
		ptoken = token
	}
}

// resume runs p on h until its next trap. Called with the process lock
// held; the lock is released on the way into user mode but its interrupt
// mask is kept until the sret.
func (k *Kernel) resume(h *hart.Hart, p *Process, ptoken klock.IrqToken) trap.Exit {
	p.Status = Running
	p.Frame.SetHartid(uint64(h.ID))
	p.Frame.SetKsp(uint64(HartStackTop(h.ID)))
	satp := p.PageTable.MakeSatp()
	frame := p.Frame

	p.lock.UnlockKeepToken()
	return trap.RunUser(h, frame, satp, ptoken)
}
