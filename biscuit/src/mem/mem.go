// Package mem implements the physical memory manager: physical/virtual
// address types, the page-table entry flags shared by ptw and vm, and a
// bitmap-based frame allocator.
package mem

import (
	"fmt"
	"sync"
	"unsafe"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single 4 KiB page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// HUGEPGSHIFT is the base-2 exponent for a 2 MiB huge page.
const HUGEPGSHIFT uint = 21

/// HUGEPGSIZE is the size of a single 2 MiB huge page in bytes.
const HUGEPGSIZE int = 1 << HUGEPGSHIFT

/// PGOFFSET masks the in-page offset of an address.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^PGOFFSET

/// PTE_P marks a page-table entry present.
const PTE_P Pa_t = 1 << 0

/// PTE_W marks a page-table entry writable.
const PTE_W Pa_t = 1 << 1

/// PTE_U marks a page-table entry user-accessible.
const PTE_U Pa_t = 1 << 2

/// PTE_PCD disables caching for the mapped page.
const PTE_PCD Pa_t = 1 << 4

/// PTE_A is the hardware-set accessed bit.
const PTE_A Pa_t = 1 << 5

/// PTE_D is the hardware-set dirty bit.
const PTE_D Pa_t = 1 << 6

/// PTE_PS marks a level-2/3 entry as a huge page leaf.
const PTE_PS Pa_t = 1 << 7

/// PTE_G marks a global page, unaffected by a non-global TLB flush.
const PTE_G Pa_t = 1 << 8

// bits 9-11 are available to software; biscuit uses one of them for COW.

/// PTE_COW marks an anonymous page as copy-on-write.
const PTE_COW Pa_t = 1 << 9

/// PTE_ADDR extracts the physical frame number from a PTE.
const PTE_ADDR Pa_t = 0x000ffffffffff000

/// Pa_t represents a physical address (or a packed page-table entry:
/// PTE_ADDR bits plus the PTE_* flags above).
type Pa_t uintptr

/// VirtAddr represents a 64-bit virtual address.
type VirtAddr uintptr

/// Pg_t is a generic 4 KiB page viewed as 512 64-bit words.
type Pg_t [512]uint64

/// Bytepg_t is a 4 KiB page viewed as bytes.
type Bytepg_t [4096]uint8

/// PageTable is one level of the 4-level x86_64 page-table hierarchy.
type PageTable [512]Pa_t

/// Pg2bytes reinterprets a word-page as a byte-page.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Round rounds v down to the nearest multiple of to.
func Round(v, to int) int {
	return v - v%to
}

/// Roundup rounds v up to the nearest multiple of to.
func Roundup(v, to int) int {
	return Round(v+to-1, to)
}

/// Page_i abstracts frame allocation away from callers (ptw, vm) that do
/// not need the whole PMM surface — grounded on biscuit's own Page_i.
type Page_i interface {
	AllocateFrame() (Pa_t, error)
	DeallocateFrame(Pa_t)
	Dmap(Pa_t) *Pg_t
}

/// ErrUnableToObtain is returned by RequestFrame when the specific frame
/// requested is not currently free.
var ErrUnableToObtain = fmt.Errorf("mem: unable to obtain requested frame")

/// TrampolinePhys is the fixed sub-1MiB physical frame reserved for the
/// AP real-mode trampoline. The generic allocator path never returns it.
const TrampolinePhys Pa_t = 0x8000

/// PMM is the bitmap-based physical frame allocator described in spec
/// §4.1: one bit per 4 KiB frame across the whole range the firmware
/// memory map advertises, free = 1, used = 0.
type PMM struct {
	mu     sync.Mutex
	bits   Bitvec
	base   Pa_t // physical address of frame index 0
	nframe int

	// phys_offset: virtual base of the direct map installed by the
	// bootloader. PhysToVirt(p) = p + directBase.
	directBase VirtAddr
}

/// NewPMM constructs a PMM covering [base, base+nframes*PGSIZE) with
/// every frame initially marked used (0); callers seed usable ranges
/// with MarkFree and then reserved ranges (e.g. the kernel heap arena)
/// with MarkUsed.
func NewPMM(base Pa_t, nframes int, directBase VirtAddr) *PMM {
	p := &PMM{
		base:       base,
		nframe:     nframes,
		directBase: directBase,
	}
	p.bits = NewBitvec(nframes)
	return p
}

func (p *PMM) idx(frame Pa_t) int {
	off := frame - p.base
	return int(off >> PGSHIFT)
}

func (p *PMM) frameAt(idx int) Pa_t {
	return p.base + Pa_t(idx)<<PGSHIFT
}

func (p *PMM) inRange(frame Pa_t) bool {
	if frame < p.base {
		return false
	}
	return p.idx(frame) < p.nframe
}

/// MarkFree marks every frame in [start, start+n*PGSIZE) as free. Used
/// to seed usable firmware memory-map descriptors.
func (p *PMM) MarkFree(start Pa_t, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		f := start + Pa_t(i)<<PGSHIFT
		if p.inRange(f) {
			p.bits.Set(p.idx(f))
		}
	}
}

/// MarkUsed marks every frame in [start, start+n*PGSIZE) as used. Used
/// to reserve the kernel-heap arena after the memory map is seeded.
func (p *PMM) MarkUsed(start Pa_t, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		f := start + Pa_t(i)<<PGSHIFT
		if p.inRange(f) {
			p.bits.Clear(p.idx(f))
		}
	}
}

/// AllocateFrame returns a zeroed, unused frame. The page at
/// TrampolinePhys is never handed out by this path. Panics on OOM, as
/// this only ever happens during boot per spec §4.1.
func (p *PMM) AllocateFrame() (Pa_t, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tidx := -1
	if p.inRange(TrampolinePhys) {
		tidx = p.idx(TrampolinePhys)
	}

	idx, ok := p.bits.FirstOneFrom(0)
	for ok && idx == tidx {
		idx, ok = p.bits.FirstOneFrom(idx + 1)
	}
	if !ok {
		panic("mem: out of physical memory")
	}
	p.bits.Clear(idx)
	frame := p.frameAt(idx)
	p.zero(frame)
	return frame, nil
}

/// DeallocateFrame marks frame as free. Double-free is a programmer
/// error and is not checked.
func (p *PMM) DeallocateFrame(frame Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bits.Set(p.idx(frame))
}

/// RequestFrame takes a specific frame if it is currently free; used
/// for identity/MMIO mappings and for reclaiming the trampoline frame.
func (p *PMM) RequestFrame(frame Pa_t) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inRange(frame) || !p.bits.Test(p.idx(frame)) {
		return ErrUnableToObtain
	}
	p.bits.Clear(p.idx(frame))
	p.zero(frame)
	return nil
}

/// IsAvailable reports whether frame is currently free.
func (p *PMM) IsAvailable(frame Pa_t) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inRange(frame) && p.bits.Test(p.idx(frame))
}

/// FreeCount returns the number of frames currently marked free. Used
/// by tests asserting that unmap restores the allocator's free count.
func (p *PMM) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bits.PopCount()
}

/// PhysToVirt returns the direct-mapped virtual address of p.
func (p *PMM) PhysToVirt(pa Pa_t) VirtAddr {
	return VirtAddr(pa) + p.directBase
}

/// Dmap returns a page-granularity view of the frame containing p
/// through the direct map.
func (p *PMM) Dmap(pa Pa_t) *Pg_t {
	va := p.PhysToVirt(Pa_t(pa) & PGMASK)
	return (*Pg_t)(unsafe.Pointer(uintptr(va)))
}

/// Dmap8 returns a byte slice mapped to pa (and everything after it in
/// the same page) through the direct map.
func (p *PMM) Dmap8(pa Pa_t) []uint8 {
	pg := p.Dmap(pa)
	off := pa & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

// zero clears a frame through the direct map. Every PMM read/write to
// frame contents goes through the direct map; the PMM never installs
// temporary mappings of its own (spec §4.1).
func (p *PMM) zero(frame Pa_t) {
	pg := p.Dmap(frame)
	for i := range pg {
		pg[i] = 0
	}
}

/// TableAt returns the page-table view of the frame at pa through the
/// direct map, for use by ptw.
func (p *PMM) TableAt(pa Pa_t) *PageTable {
	return (*PageTable)(unsafe.Pointer(uintptr(p.PhysToVirt(pa & PGMASK))))
}
