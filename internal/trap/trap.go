package trap

import (
	"fmt"

	"github.com/servos-os/servos/internal/hart"
	"github.com/servos-os/servos/internal/klock"
	"github.com/servos-os/servos/internal/riscv"
)

// Exit describes the trap that ended a user quantum, as captured by the user
// trap vector.
type Exit struct {
	Sepc  uint64
	Cause riscv.Cause
	// KnownCause is false for scause values outside the enumeration; the
	// dispatcher treats those as fatal.
	KnownCause bool
	Stval      uint64
	// Proc is the packed process handle loaded from the frame.
	Proc uint64
}

// RunUser is the return-to-user path followed by the user trap vector.
//
// Exit half (the trampoline's __return_to_user): program sstatus for user
// mode (SPP=0, SPIE=1), point sscratch at the trap frame, switch SATP to the
// process table between address-space fences, restore the register file and
// PC from the frame, sret. The caller's lock token is consumed here: the
// interrupt mask lifts exactly at the sret, when SPIE becomes SIE.
//
// Entry half (user_trap_vec): on the next trap, save the register file back
// into the frame, stash the faulting PC in regs[0], reload the kernel SATP
// from the frame, check the frame's hartid against the hart (panicking on a
// mismatch), and hand the cause to the caller, who
// tail-calls the dispatcher the frame names.
func RunUser(h *hart.Hart, f Frame, satp uint64, token klock.IrqToken) Exit {
	// __return_to_user
	h.Sstatus &^= riscv.SstatusSPP
	h.Sstatus |= riscv.SstatusSPIE
	h.Sscratch = uint64(UserTrapFrame)
	h.Satp = satp // between sfence.vma pairs on hardware
	for i := 1; i < riscv.NumRegs; i++ {
		h.Regs[i] = f.Reg(i)
	}
	h.Sepc = f.Reg(riscv.RegPC)

	// sret: privilege drops to U and SPIE moves into SIE. The lock token is
	// forgotten rather than released; the mask lift happens here.
	token.Forget()
	h.Sstatus |= riscv.SstatusSIE
	if h.Run == nil {
		panic("trap: hart has no runner installed")
	}
	h.Run(h)

	// user_trap_vec: the hart is back with scause/sepc/stval describing the
	// trap. Interrupts stay masked until the dispatcher decides otherwise.
	h.Sstatus &^= riscv.SstatusSIE
	for i := 1; i < riscv.NumRegs; i++ {
		f.SetReg(i, h.Regs[i])
	}
	f.SetReg(riscv.RegPC, h.Sepc)
	h.Satp = f.Ksatp()
	if f.Hartid() != uint64(h.ID) {
		panic(fmt.Sprintf("trap: frame hartid %d on hart %d", f.Hartid(), h.ID))
	}

	cause, known := causeOf(h.Scause)
	return Exit{
		Sepc:       h.Sepc,
		Cause:      cause,
		KnownCause: known,
		Stval:      h.Stval,
		Proc:       f.Proc(),
	}
}

// HartInstall arms a hart for trap handling: stvec pointed at the trap
// vector on the trampoline page (UserTrapVec), external/timer/software
// interrupts enabled, first timer tick
// programmed, interrupts on. setTimer is the SBI timer call.
func HartInstall(h *hart.Hart, setTimer func(stime uint64) error) {
	h.Stvec = uint64(UserTrapVec)
	h.Sie = riscv.SieSEIE | riscv.SieSTIE | riscv.SieSSIE
	if err := setTimer(h.Time + TimerInterval); err != nil {
		panic("trap: SBI timer support is not present")
	}
	h.EnableInterrupts()
}
