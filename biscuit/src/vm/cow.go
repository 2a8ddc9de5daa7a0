package vm

import (
	"fmt"
	"sync/atomic"

	"mem"
	"ptw"
)

/// ErrNotCOW is returned by PerformCopyOnWrite when the faulting
/// address does not fall inside a Mapping carrying AttrCOW.
var ErrNotCOW = fmt.Errorf("vm: address is not copy-on-write")

/// PerformCopyOnWrite resolves a write fault at addr against a shared
/// COW Mapping. Per spec §9's design note the whole Mapping is made
/// private in one pass, not lazily page by page: every page in the
/// faulting Mapping's range is given a fresh private frame (the
/// contents copied from whatever frame is currently mapped there),
/// remapped writable, and the Mapping itself is replaced in as's set by
/// a new private Mapping with refs == 1. The original shared Mapping's
/// reference count is decremented; if another address space still
/// holds it, its pages remain exactly as they were.
func (as *AddressSpace) PerformCopyOnWrite(addr mem.VirtAddr) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	var idx = -1
	for i, m := range as.mappings {
		if m.Region.Contains(addr) && m.Attr&AttrCOW != 0 {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotCOW
	}
	shared := as.mappings[idx]

	private := &Mapping{
		Region: shared.Region,
		Kind:   shared.Kind,
		Attr:   (shared.Attr &^ AttrCOW) | AttrW | AttrNeedsUnmap,
		refs:   1,
	}

	oldFrames := make([]mem.Pa_t, 0, shared.Region.Pages)

	for p := 0; p < shared.Region.Pages; p++ {
		va := shared.Region.Start + mem.VirtAddr(p*mem.PGSIZE)

		rw := ptw.New(as.pmm, as.Root, va)
		for rw.Level() > 1 {
			if err := rw.Advance(); err != nil {
				return err
			}
		}
		oldFrame, _, err := rw.GetPhysFrame()
		if err != nil {
			return err
		}

		newFrame, err := as.pmm.AllocateFrame()
		if err != nil {
			return err
		}
		copy(as.pmm.Dmap(newFrame)[:], as.pmm.Dmap(oldFrame)[:])

		uw := ptw.New(as.pmm, as.Root, va)
		if _, _, err := uw.Unmap(false); err != nil {
			as.pmm.DeallocateFrame(newFrame)
			return err
		}
		mw := ptw.New(as.pmm, as.Root, va)
		flags := private.pteFlags()
		if err := mw.MapFrame(newFrame, flags); err != nil {
			as.pmm.DeallocateFrame(newFrame)
			return err
		}
		ptw.Invalidate(va)
		oldFrames = append(oldFrames, oldFrame)
	}

	as.mappings[idx] = private
	if atomic.AddInt32(&shared.refs, -1) == 0 {
		// this address space was the last holder of the shared Mapping;
		// the frames it used to alias are no longer referenced by
		// anyone's page tables now that every page here has its own
		// private copy, so they return to the allocator.
		for _, f := range oldFrames {
			as.pmm.DeallocateFrame(f)
		}
	}
	return nil
}
