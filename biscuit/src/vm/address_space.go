package vm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"mem"
	"ptw"
)

/// ErrRegionInUse is returned by InsertAndMap when the requested region
/// overlaps an existing Mapping.
var ErrRegionInUse = fmt.Errorf("vm: region already in use")

/// ErrNoSuchMapping is returned by ReleaseRegion and the attribute
/// setters when no Mapping matches.
var ErrNoSuchMapping = fmt.Errorf("vm: no such mapping")

/// AddressSpace is a top-level page table plus its ordered, disjoint
/// set of Mappings (spec §4.3). The kernel holds one distinguished
/// AddressSpace; every user AddressSpace's upper half aliases it.
type AddressSpace struct {
	mu sync.Mutex

	Root mem.Pa_t
	pmm  *mem.PMM

	mappings []*Mapping // sorted by Region.Start, pairwise disjoint
}

/// NewKernel allocates a fresh top-level table and returns the
/// kernel's AddressSpace. It has no mappings yet; the boot sequence
/// populates it via InsertAndMap for kernel text/data/direct-map.
func NewKernel(pmm *mem.PMM) (*AddressSpace, error) {
	root, err := pmm.AllocateFrame()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{Root: root, pmm: pmm}, nil
}

// insertSorted inserts m keeping the slice ordered by start address.
// Caller holds as.mu.
func (as *AddressSpace) insertSorted(m *Mapping) {
	i := sort.Search(len(as.mappings), func(i int) bool {
		return as.mappings[i].Region.Start >= m.Region.Start
	})
	as.mappings = append(as.mappings, nil)
	copy(as.mappings[i+1:], as.mappings[i:])
	as.mappings[i] = m
}

func (as *AddressSpace) overlaps(region VirtualRegion) bool {
	for _, m := range as.mappings {
		if m.Region.Overlaps(region) {
			return true
		}
	}
	return false
}

// frameFor returns the physical frame that should back page p of m,
// allocating a fresh one for owning kinds and computing the offset for
// aliasing kinds.
func (as *AddressSpace) frameFor(m *Mapping, p int) (mem.Pa_t, error) {
	if m.ownsFrames() {
		return as.pmm.AllocateFrame()
	}
	return framePhysFor(m, p), nil
}

func framePhysFor(m *Mapping, p int) mem.Pa_t {
	return m.Phys + mem.Pa_t(p*mem.PGSIZE)
}

/// InsertAndMap installs m into the page table (per-page for normal
/// mappings, per-huge-page when AttrHuge is set) and inserts it into
/// the Mapping set. Overlap with an existing Mapping fails with
/// ErrRegionInUse.
func (as *AddressSpace) InsertAndMap(m *Mapping) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.overlaps(m.Region) {
		return ErrRegionInUse
	}

	flags := m.pteFlags()
	if m.Attr&AttrHuge != 0 {
		step := mem.HUGEPGSIZE / mem.PGSIZE
		for p := 0; p < m.Region.Pages; p += step {
			va := m.Region.Start + mem.VirtAddr(p*mem.PGSIZE)
			phys := framePhysFor(m, p)
			w := ptw.New(as.pmm, as.Root, va)
			if err := w.MapHugeFrame(phys, flags); err != nil {
				return err
			}
		}
	} else {
		for p := 0; p < m.Region.Pages; p++ {
			va := m.Region.Start + mem.VirtAddr(p*mem.PGSIZE)
			phys, err := as.frameFor(m, p)
			if err != nil {
				return err
			}
			w := ptw.New(as.pmm, as.Root, va)
			if err := w.MapFrame(phys, flags); err != nil {
				return err
			}
		}
	}
	as.insertSorted(m)
	return nil
}

// unmapMapping tears down every page table entry for m and, when
// canFree is true, returns the owned frames to the PMM. Caller holds
// as.mu (or is tearing down an AddressSpace no one else can reach).
func (as *AddressSpace) unmapMapping(m *Mapping, canFree bool) {
	for p := 0; p < m.Region.Pages; p++ {
		va := m.Region.Start + mem.VirtAddr(p*mem.PGSIZE)
		w := ptw.New(as.pmm, as.Root, va)
		frame, fl, err := w.Unmap(true)
		if err != nil {
			continue
		}
		fl.Flush()
		if canFree {
			as.pmm.DeallocateFrame(frame)
		}
	}
}

/// ReleaseRegion takes the Mapping starting at vaddr spanning pages out
/// of the set and unmaps every page, returning frames to the PMM for
/// owning kinds whose reference count has dropped to zero (never for
/// MMIO, never for a still-shared COW Mapping — spec §9's resolved
/// Open Question).
func (as *AddressSpace) ReleaseRegion(vaddr mem.VirtAddr, pages int) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	idx := -1
	for i, m := range as.mappings {
		if m.Region.Start == vaddr && m.Region.Pages == pages {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNoSuchMapping
	}
	m := as.mappings[idx]
	as.mappings = append(as.mappings[:idx], as.mappings[idx+1:]...)

	canFree := m.ownsFrames() && atomic.AddInt32(&m.refs, -1) == 0
	as.unmapMapping(m, canFree)
	return nil
}

/// MappingContaining returns the Mapping whose region contains addr.
func (as *AddressSpace) MappingContaining(addr mem.VirtAddr) (*Mapping, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, m := range as.mappings {
		if m.Region.Contains(addr) {
			return m, true
		}
	}
	return nil, false
}

/// FirstAvailableAddrAbove scans the sorted Mapping set for the first
/// gap of at least pages pages at or after base.
func (as *AddressSpace) FirstAvailableAddrAbove(base mem.VirtAddr, pages int) (mem.VirtAddr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	need := mem.VirtAddr(pages * mem.PGSIZE)
	cur := base
	for _, m := range as.mappings {
		if m.Region.Start < cur {
			if m.Region.End() > cur {
				cur = m.Region.End()
			}
			continue
		}
		if m.Region.Start-cur >= need {
			return cur, nil
		}
		cur = m.Region.End()
	}
	return cur, nil
}

func (as *AddressSpace) setAttr(addr mem.VirtAddr, set, clear Attr) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	var m *Mapping
	for _, cand := range as.mappings {
		if cand.Region.Contains(addr) {
			m = cand
			break
		}
	}
	if m == nil {
		return ErrNoSuchMapping
	}
	m.Attr = (m.Attr &^ clear) | set

	flags := m.pteFlags()
	for p := 0; p < m.Region.Pages; p++ {
		va := m.Region.Start + mem.VirtAddr(p*mem.PGSIZE)
		w := ptw.New(as.pmm, as.Root, va)
		for w.Level() > 1 {
			if err := w.Advance(); err != nil {
				break
			}
		}
		w.ClearLowestLevelFlags(mem.PTE_W)
		w.SetFlags(flags & mem.PTE_W)
	}
	return nil
}

/// SetRegionReadonly strips write permission from the Mapping
/// containing addr.
func (as *AddressSpace) SetRegionReadonly(addr mem.VirtAddr) error {
	return as.setAttr(addr, AttrR, AttrW)
}

/// SetRegionReadwrite grants write permission to the Mapping
/// containing addr.
func (as *AddressSpace) SetRegionReadwrite(addr mem.VirtAddr) error {
	return as.setAttr(addr, AttrR|AttrW, 0)
}

/// SetRegionExecutable marks the Mapping containing addr executable.
func (as *AddressSpace) SetRegionExecutable(addr mem.VirtAddr) error {
	return as.setAttr(addr, AttrX, 0)
}

/// NewUserFromKernel clones the kernel AddressSpace's upper half (the
/// reserved PML4 slots) into a fresh top-level table with no user
/// mappings — the blank canvas for a new process.
func NewUserFromKernel(kernel *AddressSpace) (*AddressSpace, error) {
	kernel.mu.Lock()
	defer kernel.mu.Unlock()

	root, err := kernel.pmm.AllocateFrame()
	if err != nil {
		return nil, err
	}
	kt := kernel.pmm.TableAt(kernel.Root)
	ut := kernel.pmm.TableAt(root)
	for i, e := range kt {
		if mem.IsKernelSlot(i) {
			ut[i] = e
		}
	}
	return &AddressSpace{Root: root, pmm: kernel.pmm}, nil
}

/// NewCopyOnWriteFrom deep-copies other's full page-table tree (sharing
/// leaf frames, not cloning them) and strips Writable from every
/// present user-half root entry of the copy, per spec §4.2: the clone's
/// page tables are distinct from other's down to, but not including,
/// the leaf frames and the shared kernel-half slots. Every Mapping
/// other owns is shared by pointer into the new AddressSpace with its
/// reference count bumped and AttrCOW set, so a later write fault on
/// either side resolves through PerformCopyOnWrite.
func NewCopyOnWriteFrom(other *AddressSpace) (*AddressSpace, error) {
	other.mu.Lock()
	defer other.mu.Unlock()

	root, err := ptw.DeepCopy(other.pmm, other.Root, mem.IsKernelSlot)
	if err != nil {
		return nil, err
	}

	rootTable := other.pmm.TableAt(root)
	for i := range rootTable {
		if mem.IsKernelSlot(i) {
			continue
		}
		rootTable[i] &^= mem.PTE_W
	}

	clone := &AddressSpace{Root: root, pmm: other.pmm}
	clone.mappings = make([]*Mapping, len(other.mappings))
	for i, m := range other.mappings {
		if m.ownsFrames() {
			m.Attr |= AttrCOW
			atomic.AddInt32(&m.refs, 1)
		}
		clone.mappings[i] = m
	}
	return clone, nil
}

/// WriteAt copies data into the pages mapped at addr through the
/// direct map, crossing page boundaries as needed, then zero-fills the
/// next zeroPad bytes past data — the copy/zero-fill step execv's ELF
/// loader performs for each PT_LOAD segment (spec §4.8).
func (as *AddressSpace) WriteAt(addr mem.VirtAddr, data []byte, zeroPad int) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	total := len(data) + zeroPad
	written := 0
	for written < total {
		va := addr + mem.VirtAddr(written)
		pageOff := int(va) % mem.PGSIZE
		chunk := mem.PGSIZE - pageOff
		if chunk > total-written {
			chunk = total - written
		}

		w := ptw.New(as.pmm, as.Root, va)
		for w.Level() > 1 {
			if err := w.Advance(); err != nil {
				return fmt.Errorf("vm: WriteAt %#x: %w", va, err)
			}
		}
		frame, _, err := w.GetPhysFrame()
		if err != nil {
			return fmt.Errorf("vm: WriteAt %#x: %w", va, err)
		}
		page := as.pmm.Dmap8(frame)[pageOff : pageOff+chunk]

		if written < len(data) {
			n := chunk
			if written+n > len(data) {
				n = len(data) - written
			}
			copy(page[:n], data[written:written+n])
			for i := n; i < chunk; i++ {
				page[i] = 0
			}
		} else {
			for i := range page {
				page[i] = 0
			}
		}
		written += chunk
	}
	return nil
}

/// Release unmaps every user Mapping and frees the top-level table.
/// Kernel-half (shared) PML4 slots are never torn down, since the
/// frame backing them belongs to the kernel AddressSpace.
func (as *AddressSpace) Release() {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, m := range as.mappings {
		canFree := m.ownsFrames() && atomic.AddInt32(&m.refs, -1) == 0
		as.unmapMapping(m, canFree)
	}
	as.mappings = nil
	as.pmm.DeallocateFrame(as.Root)
}
