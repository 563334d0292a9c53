// Package plic drives the Platform-Level Interrupt Controller's supervisor
// contexts: per-hart enable and threshold programming and the claim/complete
// protocol the external-interrupt path uses.
//
// Register access goes through the Regs interface; on hardware that is MMIO,
// in tests a word-addressed fake.
package plic

// Standard PLIC register map offsets.
const (
	priorityBase   = 0x000000
	enableBase     = 0x002000
	thresholdsBase = 0x200000
	claimBase      = 0x200000 + 4
	completionBase = claimBase

	maxSources = 1024
)

// Regs is word-granular access to the PLIC register file.
type Regs interface {
	ReadU32(offset uint64) uint32
	WriteU32(offset uint64, v uint32)
}

// Controller programs one PLIC. The uart0 source, when present, gets special
// handling on the drain path.
type Controller struct {
	regs  Regs
	uart0 uint32 // 0 = none
}

// New creates a controller over regs; uart0 is the UART interrupt source or
// zero when there is none.
func New(regs Regs, uart0 uint32) *Controller {
	return &Controller{regs: regs, uart0: uart0}
}

// Uart0 returns the UART interrupt source, or zero.
func (c *Controller) Uart0() uint32 { return c.uart0 }

// SetPriority programs a source's priority.
func (c *Controller) SetPriority(src, priority uint32) {
	if src == 0 || src >= maxSources {
		panic("plic: bad interrupt source")
	}
	c.regs.WriteU32(priorityBase+uint64(src)*4, priority)
}

// HartEnable enables delivery of src to hart's supervisor context.
func (c *Controller) HartEnable(hart int, src uint32) {
	if src == 0 || src >= maxSources {
		panic("plic: bad interrupt source")
	}
	off := enableBase + uint64(src/32)*4 + sCtxOffset(hart, 0x80)
	c.regs.WriteU32(off, c.regs.ReadU32(off)|1<<(src%32))
}

// SetHartThreshold programs the priority threshold of hart's supervisor
// context.
func (c *Controller) SetHartThreshold(hart int, priority uint32) {
	c.regs.WriteU32(thresholdsBase+sCtxOffset(hart, 0x1000), priority)
}

// HartClaim claims the highest-priority pending interrupt for hart's
// supervisor context. The returned Irq must be completed.
func (c *Controller) HartClaim(hart int) Irq {
	src := c.regs.ReadU32(claimBase + sCtxOffset(hart, 0x1000))
	return Irq{c: c, hart: hart, src: src}
}

func (c *Controller) hartComplete(hart int, src uint32) {
	c.regs.WriteU32(completionBase+sCtxOffset(hart, 0x1000), src)
}

// Even contexts are machine mode; supervisor contexts interleave after them.
func sCtxOffset(hart int, stride uint64) uint64 {
	return stride + uint64(hart)*stride*2
}

// Irq is one claimed interrupt. Source zero means nothing was pending.
type Irq struct {
	c    *Controller
	hart int
	src  uint32
}

// Source returns the claimed interrupt source, or zero.
func (i Irq) Source() uint32 { return i.src }

// IsUart0 reports whether the claim is the UART source.
func (i Irq) IsUart0() bool {
	return i.src != 0 && i.src == i.c.uart0
}

// Complete signals the PLIC that handling finished. Completing a zero claim
// is a no-op.
func (i Irq) Complete() {
	if i.src != 0 {
		i.c.hartComplete(i.hart, i.src)
	}
}
