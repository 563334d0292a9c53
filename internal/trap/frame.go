// Package trap owns the user/kernel boundary: the per-process trap frame
// with its fixed layout, the trampoline constants, and the register
// save/restore sequences of the trap vector and the return-to-user path.
package trap

import (
	"github.com/servos-os/servos/internal/mem"
	"github.com/servos-os/servos/internal/riscv"
	"github.com/servos-os/servos/internal/vmm"
)

// The trampoline page sits at the top of the Sv39 range, mapped at the same
// virtual address in the kernel table and every user table so the trap
// vector survives the SATP switch. The trap frame is the page below it.
const (
	UserTrapVec   = vmm.MaxVirtAddr - mem.PageSize
	UserTrapFrame = UserTrapVec - mem.PageSize
)

// TimerInterval is the tick programmed into the SBI timer, in timebase
// cycles.
const TimerInterval = 10_000_000 / 2

// Trap-frame field offsets. The trap vector addresses the frame with literal
// offsets, so the layout is part of the ABI between the kernel and its
// trampoline: 32 registers (slot 0 holds the user PC), then hartid, ksatp,
// ksp, the trap-handler pointer and the process handle.
const (
	frameRegsOff    = 0x00
	frameHartidOff  = 0x100
	frameKsatpOff   = 0x108
	frameKspOff     = 0x110
	frameHandlerOff = 0x118
	frameProcOff    = 0x120

	// FrameSize is the used portion; the frame always occupies a full page.
	FrameSize = frameProcOff + 8
)

// Frame is a view of a trap frame living in a RAM page.
type Frame struct {
	ram *mem.RAM
	pa  mem.PhysAddr
}

// NewFrame views the page at pa as a trap frame. pa must be page-aligned.
func NewFrame(ram *mem.RAM, pa mem.PhysAddr) Frame {
	if mem.PageOffset(uint64(pa)) != 0 {
		panic("trap: frame page not aligned")
	}
	return Frame{ram: ram, pa: pa}
}

// Addr returns the frame's physical address.
func (f Frame) Addr() mem.PhysAddr { return f.pa }

// Reg reads register slot i. Slot riscv.RegPC is the saved user PC.
func (f Frame) Reg(i int) uint64 {
	return f.ram.ReadU64(f.pa + mem.PhysAddr(frameRegsOff+i*8))
}

// SetReg writes register slot i.
func (f Frame) SetReg(i int, v uint64) {
	f.ram.WriteU64(f.pa+mem.PhysAddr(frameRegsOff+i*8), v)
}

func (f Frame) Hartid() uint64     { return f.ram.ReadU64(f.pa + frameHartidOff) }
func (f Frame) SetHartid(v uint64) { f.ram.WriteU64(f.pa+frameHartidOff, v) }

func (f Frame) Ksatp() uint64     { return f.ram.ReadU64(f.pa + frameKsatpOff) }
func (f Frame) SetKsatp(v uint64) { f.ram.WriteU64(f.pa+frameKsatpOff, v) }

func (f Frame) Ksp() uint64     { return f.ram.ReadU64(f.pa + frameKspOff) }
func (f Frame) SetKsp(v uint64) { f.ram.WriteU64(f.pa+frameKspOff, v) }

func (f Frame) Handler() uint64     { return f.ram.ReadU64(f.pa + frameHandlerOff) }
func (f Frame) SetHandler(v uint64) { f.ram.WriteU64(f.pa+frameHandlerOff, v) }

// Proc holds the packed process handle the dispatcher receives.
func (f Frame) Proc() uint64     { return f.ram.ReadU64(f.pa + frameProcOff) }
func (f Frame) SetProc(v uint64) { f.ram.WriteU64(f.pa+frameProcOff, v) }

// MapTrampoline maps the shared trampoline page into pt at UserTrapVec with
// R|X and no U bit. trampoline is the physical page bring-up reserved for
// the vector code.
func MapTrampoline(pt *vmm.PageTable, trampoline mem.PhysAddr) bool {
	return pt.MapPages(trampoline, UserTrapVec, mem.PageSize, vmm.PteRx)
}

// causeOf decodes the hart's scause into a riscv.Cause, reporting whether it
// is one the kernel knows.
func causeOf(scause uint64) (riscv.Cause, bool) {
	c := riscv.Cause(scause)
	switch c {
	case riscv.CauseSoftwareIntr, riscv.CauseTimerIntr, riscv.CauseExternalIntr,
		riscv.CauseCounterIntr,
		riscv.CauseInsnAddrMisaligned, riscv.CauseInsnAccessFault,
		riscv.CauseIllegalInsn, riscv.CauseBreakpoint,
		riscv.CauseLoadMisaligned, riscv.CauseLoadAccessFault,
		riscv.CauseStoreMisaligned, riscv.CauseStoreAccessFault,
		riscv.CauseEcallFromU, riscv.CauseEcallFromS,
		riscv.CauseInsnPageFault, riscv.CauseLoadPageFault,
		riscv.CauseStorePageFault, riscv.CauseSoftwareCheck,
		riscv.CauseHardwareError:
		return c, true
	}
	return c, false
}
