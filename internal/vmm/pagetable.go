// Package vmm implements the Sv39 virtual-memory engine: page-table
// construction and teardown, mapping, translation, and the user-pointer
// marshalling the syscall layer is built on.
//
// A PageTable owns the tree rooted at itself. Interior nodes are always
// freed with the table; leaf frames are freed only when their entry carries
// the Owned bit. The kernel's identity-mapped regions are never Owned.
package vmm

import (
	"errors"
	"fmt"

	"github.com/servos-os/servos/internal/mem"
	"github.com/servos-os/servos/internal/riscv"
)

// ErrBadVa is returned when a translation fails: no valid leaf within the
// Sv39 walk depth, or the leaf is missing a required permission bit.
var ErrBadVa = errors.New("vmm: bad virtual address")

const entriesPerTable = 512

// PageTable is an Sv39 page-table tree. The root (and every node) is one
// page-aligned 512-entry table living in RAM; the MMU reads and mutates the
// same bytes the engine writes, so all access goes through the RAM words
// rather than cached copies.
type PageTable struct {
	ram  *mem.RAM
	root mem.PhysAddr
}

// NewPageTable allocates a zeroed root table. Fails only when the frame
// allocator is exhausted.
func NewPageTable(ram *mem.RAM) (*PageTable, error) {
	root, ok := ram.AllocPage(true)
	if !ok {
		return nil, errors.New("vmm: out of memory allocating page table")
	}
	return &PageTable{ram: ram, root: root}, nil
}

// Root returns the physical address of the root table.
func (pt *PageTable) Root() mem.PhysAddr { return pt.root }

// RAM returns the physical memory the table lives in.
func (pt *PageTable) RAM() *mem.RAM { return pt.ram }

// MakeSatp encodes the Sv39 mode and the root PPN into a SATP value.
func (pt *PageTable) MakeSatp() uint64 {
	return uint64(riscv.SatpModeSv39)<<60 | uint64(pt.root)>>12
}

func (pt *PageTable) entryAddr(table mem.PhysAddr, idx uint64) mem.PhysAddr {
	return table + mem.PhysAddr(idx*8)
}

func (pt *PageTable) loadEntry(table mem.PhysAddr, idx uint64) entry {
	return entry(pt.ram.ReadU64(pt.entryAddr(table, idx)))
}

func (pt *PageTable) storeEntry(table mem.PhysAddr, idx uint64, e entry) {
	pt.ram.WriteU64(pt.entryAddr(table, idx), uint64(e))
}

// MapPages maps the contiguous physical range [pa, pa+size) to the
// contiguous virtual range starting at va's page. Neither address needs to
// be page aligned: the range covered is [page(pa), page(pa+size-1)]. perms
// must include at least one of R/W/X; the Owned bit is always cleared.
// Returns false only on allocation failure of an interior table; whatever
// was already mapped is left in place and the caller treats the failure as
// fatal for the whole operation. Panics on remap.
func (pt *PageTable) MapPages(pa mem.PhysAddr, va VirtAddr, size uint64, perms Pte) bool {
	if !perms.Intersects(PteRwx) {
		panic("vmm: mapping with no R/W/X permission")
	}
	if size == 0 {
		panic("vmm: mapping empty range")
	}

	va = va.Page()
	first := mem.PageOf(uint64(pa))
	last := mem.PageOf(uint64(pa) + size - 1)
	if VirtAddr(first) >= MaxVirtAddr || VirtAddr(last) >= MaxVirtAddr || first > last {
		panic(fmt.Sprintf("vmm: bad physical range [%#x, %#x]", first, last))
	}

	for page, i := first, uint64(0); page <= last; page, i = page+mem.PageSize, i+1 {
		if !pt.mapPage(mem.PhysAddr(page), va+VirtAddr(i*mem.PageSize), perms&^PteOwned) {
			return false
		}
	}
	return true
}

// MapOwnedPage installs one frame at va and marks it Owned, transferring the
// frame to the table: it will be freed on Free or UnmapPages.
func (pt *PageTable) MapOwnedPage(page mem.PhysAddr, va VirtAddr, perms Pte) bool {
	if !perms.Intersects(PteRwx) {
		panic("vmm: mapping with no R/W/X permission")
	}
	if va >= MaxVirtAddr {
		panic(fmt.Sprintf("vmm: mapping beyond the Sv39 range at %v", va))
	}
	return pt.mapPage(page, va, perms|PteOwned)
}

// MapNewPages allocates ceil(size/page) fresh frames (zeroed iff zero) and
// installs them Owned over [page(va), page(va+size-1)]. On failure, frames
// already installed remain mapped; the caller is expected to destroy the
// whole table.
func (pt *PageTable) MapNewPages(va VirtAddr, size uint64, perms Pte, zero bool) bool {
	if !perms.Intersects(PteRwx) {
		panic("vmm: mapping with no R/W/X permission")
	}
	if size == 0 {
		panic("vmm: mapping empty range")
	}

	first := mem.PageOf(uint64(va))
	last := mem.PageOf(uint64(va) + size - 1)
	if VirtAddr(first) >= MaxVirtAddr || VirtAddr(last) >= MaxVirtAddr || first > last {
		return false
	}

	for page := first; page <= last; page += mem.PageSize {
		pa, ok := pt.ram.AllocPage(zero)
		if !ok {
			return false
		}
		if !pt.mapPage(pa, VirtAddr(page), perms|PteOwned) {
			pt.ram.FreePage(pa)
			return false
		}
	}
	return true
}

// MapIdentity maps [start, end) at the identical virtual addresses. Only the
// kernel table uses this; start == end maps a single page.
func (pt *PageTable) MapIdentity(start, end mem.PhysAddr, perms Pte) bool {
	size := uint64(mem.PageSize)
	if start != end {
		size = uint64(end - start)
	}
	return pt.MapPages(start, VirtAddr(start), size, perms)
}

// mapPage walks to level 0, allocating interior tables as needed, and
// installs a leaf. Panics if an interior level already holds a leaf
// (mega/gigapages are unsupported) or if the slot is already mapped.
func (pt *PageTable) mapPage(pa mem.PhysAddr, va VirtAddr, perms Pte) bool {
	table := pt.root
	for level := riscv.Sv39Levels - 1; level > 0; level-- {
		e := pt.loadEntry(table, va.vpn(level))
		switch {
		case !e.valid():
			child, ok := pt.ram.AllocPage(true)
			if !ok {
				return false
			}
			pt.storeEntry(table, va.vpn(level), newEntry(child, 0))
			table = child
		case e.leaf():
			panic(fmt.Sprintf("vmm: page table level %d is a leaf node", level))
		default:
			table = e.target()
		}
	}

	if e := pt.loadEntry(table, va.vpn(0)); e.valid() {
		panic(fmt.Sprintf("vmm: remapping virtual addr %v (was %v)", va, e))
	}
	// A and D are set up front: some boards treat them as secondary R and W
	// bits and fault when they are clear.
	pt.storeEntry(table, va.vpn(0), newEntry(pa, perms|PteA|PteD))
	return true
}

// UnmapPages unmaps every page in [vaLo, vaHi] (inclusive, by page). Owned
// leaves have their frame freed; non-Owned leaves are detached only.
// Interior tables are not pruned.
func (pt *PageTable) UnmapPages(vaLo, vaHi VirtAddr) {
	if vaLo >= MaxVirtAddr || vaHi >= MaxVirtAddr || vaLo > vaHi {
		panic(fmt.Sprintf("vmm: bad unmap range [%v, %v]", vaLo, vaHi))
	}
	for page := vaLo.Page(); ; page += mem.PageSize {
		pt.unmapPage(page)
		if page >= vaHi.Page() {
			break
		}
	}
}

func (pt *PageTable) unmapPage(va VirtAddr) bool {
	table := pt.root
	for level := riscv.Sv39Levels - 1; level >= 0; level-- {
		e := pt.loadEntry(table, va.vpn(level))
		switch {
		case !e.valid():
			return false
		case e.leaf():
			if level != 0 {
				panic(fmt.Sprintf("vmm: page table level %d is a leaf node", level))
			}
			if e.owned() {
				pt.ram.FreePage(e.target())
			}
			pt.storeEntry(table, va.vpn(0), 0)
			return true
		default:
			table = e.target()
		}
	}
	return false
}

// ToPhys translates va, requiring every bit of perms on the leaf. Missing
// valid bit, missing permission, or a walk that never reaches a leaf all
// surface as ErrBadVa. Interior leaves (superpages) are treated as invalid.
func (pt *PageTable) ToPhys(va VirtAddr, perms Pte) (mem.PhysAddr, error) {
	table := pt.root
	for level := riscv.Sv39Levels - 1; level >= 0; level-- {
		e := pt.loadEntry(table, va.vpn(level))
		switch {
		case !e.valid():
			return 0, ErrBadVa
		case e.leaf():
			if level != 0 || !e.perms().Has(perms) {
				return 0, ErrBadVa
			}
			return e.target() + mem.PhysAddr(va.Offset()), nil
		default:
			table = e.target()
		}
	}
	return 0, ErrBadVa
}

// Free tears the whole tree down depth-first: interior tables are always
// freed, leaf frames only when Owned. The table must not be installed in
// any hart's SATP.
func (pt *PageTable) Free() {
	pt.freeTable(pt.root, riscv.Sv39Levels-1)
	pt.root = 0
}

func (pt *PageTable) freeTable(table mem.PhysAddr, level int) {
	for i := uint64(0); i < entriesPerTable; i++ {
		e := pt.loadEntry(table, i)
		switch {
		case !e.valid():
		case e.leaf():
			if e.owned() {
				pt.ram.FreePage(e.target())
			}
		default:
			pt.freeTable(e.target(), level-1)
		}
	}
	pt.ram.FreePage(table)
}
