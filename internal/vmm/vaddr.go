package vmm

import (
	"fmt"

	"github.com/servos-os/servos/internal/mem"
	"github.com/servos-os/servos/internal/riscv"
)

// VirtAddr is an Sv39 virtual address:
//
//	30 - 38 | virtual page number 2
//	21 - 29 | VPN1
//	12 - 20 | VPN0
//	 0 - 11 | page offset
type VirtAddr uint64

// MaxVirtAddr is one past the highest virtual address the kernel will map.
// The engine stays out of the sign-extended upper half of the Sv39 space.
const MaxVirtAddr VirtAddr = 1 << 38

func (va VirtAddr) String() string {
	return fmt.Sprintf("%#x", uint64(va))
}

// Page truncates va down to its page boundary.
func (va VirtAddr) Page() VirtAddr {
	return VirtAddr(mem.PageOf(uint64(va)))
}

// NextPage returns the first address of the page after va's.
func (va VirtAddr) NextPage() VirtAddr {
	return VirtAddr(mem.PageOf(uint64(va) + mem.PageSize))
}

// Offset returns the offset of va within its page.
func (va VirtAddr) Offset() uint64 {
	return mem.PageOffset(uint64(va))
}

// vpn extracts the 9-bit virtual page number for the given walk level.
func (va VirtAddr) vpn(level int) uint64 {
	return (uint64(va) >> (riscv.PageShift + level*riscv.VpnBits)) & 0x1ff
}
