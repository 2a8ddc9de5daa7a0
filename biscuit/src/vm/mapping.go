// Package vm implements the address space: a top-level page table plus
// an ordered, disjoint set of Mappings, and the copy-on-write machinery
// built on top of ptw's deep copy.
package vm

import "mem"

/// Kind classifies what backs a Mapping's pages and how its frames are
/// treated on unmap. KernelCode/KernelData own fresh PMM frames and
/// return them; MMIO and Identity alias externally-owned physical
/// memory and never return frames; Empty is a zero-value sentinel used
/// only for Mapping-by-address lookups.
type Kind int

const (
	Empty Kind = iota
	KernelCode
	KernelData
	MMIO
	Identity
)

/// Attr is a bitmask of Mapping attributes.
type Attr uint32

const (
	AttrR Attr = 1 << iota
	AttrW
	AttrX
	AttrHuge
	AttrCOW
	AttrNeedsUnmap
	AttrUser
)

/// VirtualRegion is [Start, Start+Pages*PGSIZE).
type VirtualRegion struct {
	Start mem.VirtAddr
	Pages int
}

/// End returns the exclusive end address of the region.
func (r VirtualRegion) End() mem.VirtAddr {
	return r.Start + mem.VirtAddr(r.Pages*mem.PGSIZE)
}

/// Overlaps reports whether r and o share any page.
func (r VirtualRegion) Overlaps(o VirtualRegion) bool {
	return r.Start < o.End() && o.Start < r.End()
}

/// Contains reports whether addr falls within r.
func (r VirtualRegion) Contains(addr mem.VirtAddr) bool {
	return addr >= r.Start && addr < r.End()
}

/// Mapping is a contiguous virtual range backed by frames, plus the
/// bookkeeping needed to unmap it correctly. A Mapping created by a
/// copy-on-write clone is shared by pointer between the original and
/// every descendant address space; Refs counts live holders and gates
/// whether Release may return frames to the PMM (spec §9, resolved
/// Open Question: never return frames unless Refs drops to exactly 0).
type Mapping struct {
	Region VirtualRegion
	Kind   Kind
	Attr   Attr

	// Phys is the base physical address for MMIO/Identity mappings; it
	// is unused (and meaningless) for KernelCode/KernelData, whose
	// pages are a collection of independently allocated frames rather
	// than one contiguous physical run.
	Phys mem.Pa_t

	refs int32
}

/// NewEmpty returns a zero-value Mapping usable only for
/// AddressSpace.MappingContaining lookups.
func NewEmpty() *Mapping {
	return &Mapping{Kind: Empty}
}

/// newOwned constructs a fresh, singly-referenced Mapping for a kind
/// that owns frames (KernelCode/KernelData).
func newOwned(region VirtualRegion, kind Kind, attr Attr) *Mapping {
	return &Mapping{Region: region, Kind: kind, Attr: attr | AttrNeedsUnmap, refs: 1}
}

/// newAliased constructs a Mapping over externally-owned physical
/// memory (MMIO/Identity) that never returns frames.
func newAliased(region VirtualRegion, kind Kind, phys mem.Pa_t, attr Attr) *Mapping {
	return &Mapping{Region: region, Kind: kind, Phys: phys, Attr: attr | AttrNeedsUnmap, refs: 1}
}

// NewKernelCode returns a read+execute Mapping owning fresh frames.
func NewKernelCode(region VirtualRegion) *Mapping {
	return newOwned(region, KernelCode, AttrR|AttrX)
}

// NewKernelData returns a read+write Mapping owning fresh frames. This
// is also the general-purpose kind used for user anonymous memory
// (heap, stack, ELF data segments): the spec's data model names
// KernelData as the kernel-allocation case, and this module reuses the
// same owning/Drop semantics for every non-MMIO, non-identity range —
// see DESIGN.md.
func NewKernelData(region VirtualRegion, attr Attr) *Mapping {
	return newOwned(region, KernelData, attr|AttrR|AttrW)
}

// NewMMIO returns a Mapping that identity-aliases a device's physical
// MMIO window; its frames are never returned to the PMM.
func NewMMIO(region VirtualRegion, phys mem.Pa_t, attr Attr) *Mapping {
	return newAliased(region, MMIO, phys, attr)
}

// NewIdentity returns a Mapping whose virtual range equals its physical
// range (VA == PA); used for early boot mappings.
func NewIdentity(region VirtualRegion, phys mem.Pa_t, attr Attr) *Mapping {
	return newAliased(region, Identity, phys, attr)
}

func (m *Mapping) ownsFrames() bool {
	return m.Kind == KernelCode || m.Kind == KernelData
}

func (m *Mapping) pteFlags() mem.Pa_t {
	var f mem.Pa_t
	if m.Attr&AttrW != 0 {
		f |= mem.PTE_W
	}
	if m.Attr&AttrCOW != 0 {
		f |= mem.PTE_COW
	}
	if m.Attr&AttrUser != 0 {
		f |= mem.PTE_U
	}
	return f
}
