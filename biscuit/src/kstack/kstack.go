// Package kstack hands out fixed-size kernel stacks inside a reserved
// virtual-address band of the kernel AddressSpace (spec.md §2.4).
package kstack

import (
	"fmt"
	"sync"

	"mem"
	"vm"
)

/// Pages is the size of one kernel stack in 4 KiB pages.
const Pages = 4

/// ErrBandExhausted is returned when the reserved band has no more
/// unused stack slots.
var ErrBandExhausted = fmt.Errorf("kstack: band exhausted")

/// Allocator hands out and reclaims fixed-size kernel stacks from a
/// reserved VA band, one guard page apart so a stack overflow faults
/// instead of silently corrupting its neighbor.
type Allocator struct {
	mu       sync.Mutex
	kernelAS *vm.AddressSpace
	base     mem.VirtAddr
	slots    int
	used     []bool
}

/// NewAllocator reserves a band of `slots` kernel stacks, each Pages
/// pages plus one guard page, starting at base in the kernel
/// AddressSpace.
func NewAllocator(kernelAS *vm.AddressSpace, base mem.VirtAddr, slots int) *Allocator {
	return &Allocator{kernelAS: kernelAS, base: base, slots: slots, used: make([]bool, slots)}
}

func (a *Allocator) slotBase(i int) mem.VirtAddr {
	stride := mem.VirtAddr((Pages + 1) * mem.PGSIZE)
	return a.base + mem.VirtAddr(i)*stride
}

/// Alloc reserves and maps a fresh kernel stack, returning the virtual
/// address of its top (the value a new Task's saved RSP starts at).
func (a *Allocator) Alloc() (mem.VirtAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, u := range a.used {
		if u {
			continue
		}
		start := a.slotBase(i)
		region := vm.VirtualRegion{Start: start, Pages: Pages}
		m := vm.NewKernelData(region, 0)
		if err := a.kernelAS.InsertAndMap(m); err != nil {
			return 0, err
		}
		a.used[i] = true
		return region.End(), nil
	}
	return 0, ErrBandExhausted
}

/// Free unmaps and releases the kernel stack whose top is top.
func (a *Allocator) Free(top mem.VirtAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.used {
		start := a.slotBase(i)
		if start+mem.VirtAddr(Pages*mem.PGSIZE) != top {
			continue
		}
		if !a.used[i] {
			return fmt.Errorf("kstack: double free of slot %d", i)
		}
		if err := a.kernelAS.ReleaseRegion(start, Pages); err != nil {
			return err
		}
		a.used[i] = false
		return nil
	}
	return fmt.Errorf("kstack: top %#x does not match any slot", top)
}
