// Package ptw implements the page-table walker: the stateful helper
// that descends or ascends the 4-level x86_64 page-table hierarchy for
// a single virtual address, installing or removing leaf mappings.
package ptw

import (
	"fmt"

	"mem"
)

/// ErrBottomLevel is returned by Advance when already positioned at
/// level 1 (the page-table proper; no level below it).
var ErrBottomLevel = fmt.Errorf("ptw: already at bottom level")

/// ErrTopLevel is returned by Ascend when already positioned at level 4
/// (the PML4; no level above it).
var ErrTopLevel = fmt.Errorf("ptw: already at top level")

/// ErrNotPresent is returned by Advance when the entry it would descend
/// through is not present.
var ErrNotPresent = fmt.Errorf("ptw: entry not present")

/// ErrPresentEntry is returned by map operations that refuse to
/// overwrite an already-present leaf entry.
var ErrPresentEntry = fmt.Errorf("ptw: entry already present")

/// ErrUnmapNonPresent is returned when unmapping a page that was never
/// mapped.
var ErrUnmapNonPresent = fmt.Errorf("ptw: unmap of non-present page")

/// HugeFrameError is returned by Advance when the entry at the given
/// level is a huge-page leaf rather than a pointer to the next level.
type HugeFrameError struct{ Level int }

func (e HugeFrameError) Error() string {
	return fmt.Sprintf("ptw: entry at level %d is a huge-page leaf", e.Level)
}

// levelIndex extracts the 9-bit index for page-table level lvl (4=PML4
// down to 1=PT) out of a virtual address.
func levelIndex(va mem.VirtAddr, lvl int) int {
	shift := uint(12 + 9*(lvl-1))
	return int((va >> shift) & 0x1ff)
}

/// Walker steps a single virtual address down or up the 4-level
/// hierarchy. Zero value is not usable; construct with New.
type Walker struct {
	va    mem.VirtAddr
	idx   [5]int // idx[4]..idx[1], idx[0] unused
	level int    // level of the table on top of the stack (4 = root)

	tables []*mem.PageTable // tables[0] = root (level 4) ... stack grows downward
	frames []mem.Pa_t       // physical frame backing tables[i], parallel slice

	pmm *mem.PMM
}

/// New constructs a Walker positioned at the root (level 4) of the
/// hierarchy rooted at root, targeting va.
func New(pmm *mem.PMM, root mem.Pa_t, va mem.VirtAddr) *Walker {
	w := &Walker{va: va, level: 4, pmm: pmm}
	for l := 1; l <= 4; l++ {
		w.idx[l] = levelIndex(va, l)
	}
	w.tables = []*mem.PageTable{pmm.TableAt(root)}
	w.frames = []mem.Pa_t{root}
	return w
}

/// Level returns the level of the table the walker currently sits atop
/// (4 at construction, decreasing toward 1 as Advance succeeds).
func (w *Walker) Level() int { return w.level }

func (w *Walker) curTable() *mem.PageTable {
	return w.tables[len(w.tables)-1]
}

func (w *Walker) curEntry() *mem.Pa_t {
	return &w.curTable()[w.idx[w.level]]
}

/// Advance descends one level, consulting (not mutating) the entry at
/// the current level. It fails with ErrBottomLevel at level 1,
/// ErrNotPresent if the entry is empty, or HugeFrameError if the entry
/// is a huge-page leaf above level 1.
func (w *Walker) Advance() error {
	if w.level == 1 {
		return ErrBottomLevel
	}
	pte := *w.curEntry()
	if pte&mem.PTE_P == 0 {
		return ErrNotPresent
	}
	if pte&mem.PTE_PS != 0 {
		return HugeFrameError{Level: w.level}
	}
	next := pte & mem.PTE_ADDR
	w.tables = append(w.tables, w.pmm.TableAt(next))
	w.frames = append(w.frames, next)
	w.level--
	return nil
}

/// Ascend pops back one level. It fails with ErrTopLevel at level 4.
func (w *Walker) Ascend() error {
	if w.level == 4 {
		return ErrTopLevel
	}
	w.tables = w.tables[:len(w.tables)-1]
	w.frames = w.frames[:len(w.frames)-1]
	w.level++
	return nil
}

// descendAlloc is Advance, but allocates and installs an intermediate
// table from pmm when the entry is not present instead of failing.
func (w *Walker) descendAlloc() error {
	err := w.Advance()
	if err == nil {
		return nil
	}
	if err != ErrNotPresent {
		return err
	}
	frame, aerr := w.pmm.AllocateFrame()
	if aerr != nil {
		return aerr
	}
	*w.curEntry() = frame | mem.PTE_P | mem.PTE_W | mem.PTE_U
	return w.Advance()
}

/// MapFrame descends from the walker's current level to level 1,
/// allocating intermediate tables as needed, and installs phys at the
/// leaf with perms (always including Present|Writable as a floor; the
/// caller's perms are ORed in on top, e.g. to add PTE_U). Higher-level
/// entries along the path are kept writable so that the leaf
/// permissions, not the path, govern access.
func (w *Walker) MapFrame(phys mem.Pa_t, perms mem.Pa_t) error {
	for w.level > 1 {
		if err := w.descendAlloc(); err != nil {
			return err
		}
	}
	if *w.curEntry()&mem.PTE_P != 0 {
		return ErrPresentEntry
	}
	*w.curEntry() = (phys & mem.PTE_ADDR) | mem.PTE_P | mem.PTE_W | perms
	return nil
}

/// MapHugeFrame is like MapFrame but stops at level 2 and sets the
/// huge-page bit.
func (w *Walker) MapHugeFrame(phys mem.Pa_t, perms mem.Pa_t) error {
	for w.level > 2 {
		if err := w.descendAlloc(); err != nil {
			return err
		}
	}
	if *w.curEntry()&mem.PTE_P != 0 {
		return ErrPresentEntry
	}
	*w.curEntry() = (phys & mem.PTE_ADDR) | mem.PTE_P | mem.PTE_W | mem.PTE_PS | perms
	return nil
}

/// UnmapNext clears the entry the walker would next descend into and
/// returns the frame that was there.
func (w *Walker) UnmapNext() (mem.Pa_t, error) {
	pte := *w.curEntry()
	if pte&mem.PTE_P == 0 {
		return 0, ErrUnmapNonPresent
	}
	frame := pte & mem.PTE_ADDR
	*w.curEntry() = 0
	return frame, nil
}

/// Unmap walks down to the leaf, clears it, and returns the frame that
/// backed it. If cleanup is true, it then ascends, freeing any
/// now-empty intermediate table back to pmm, stopping at the first
/// non-empty table or the root. The caller is responsible for the
/// returned Flusher's disposition.
func (w *Walker) Unmap(cleanup bool) (mem.Pa_t, *Flusher, error) {
	for w.level > 1 {
		if err := w.Advance(); err != nil {
			return 0, nil, err
		}
	}
	frame, err := w.UnmapNext()
	if err != nil {
		return 0, nil, err
	}
	if cleanup {
		for w.level < 4 && tableEmpty(w.curTable()) {
			emptyFrame := w.frames[len(w.frames)-1]
			if err := w.Ascend(); err != nil {
				break
			}
			*w.curEntry() = 0
			w.pmm.DeallocateFrame(emptyFrame)
		}
	}
	return frame, NewFlusher(w.va), nil
}

func tableEmpty(t *mem.PageTable) bool {
	for _, e := range t {
		if e&mem.PTE_P != 0 {
			return false
		}
	}
	return true
}

/// SetFlags ORs flags into every entry on the path from root to the
/// walker's current level, inclusive. It never sets PTE_PS — huge pages
/// are only ever installed by MapHugeFrame.
func (w *Walker) SetFlags(flags mem.Pa_t) {
	flags &^= mem.PTE_PS
	for i := range w.tables {
		e := &w.tables[i][w.idx[4-i]]
		if *e&mem.PTE_P != 0 {
			*e |= flags
		}
	}
}

/// ClearLowestLevelFlags clears flags in the leaf entry only (the
/// table the walker currently sits atop).
func (w *Walker) ClearLowestLevelFlags(flags mem.Pa_t) {
	*w.curEntry() &^= flags
}

/// ClearHighestLevelFlags clears flags in the root (PML4) entry only.
/// COW uses this to strip Writable from just the top level so the copy
/// can lazily propagate the restriction on first touch of each subtree.
func (w *Walker) ClearHighestLevelFlags(flags mem.Pa_t) {
	root := &w.tables[0][w.idx[4]]
	*root &^= flags
}

/// GetPhysFrame walks from the walker's current position down to the
/// leaf without mutating the walker or any table, and reports the
/// backing frame and whether it is a huge page.
func (w *Walker) GetPhysFrame() (mem.Pa_t, bool, error) {
	level := w.level
	table := w.curTable()
	for {
		pte := table[w.idx[level]]
		if pte&mem.PTE_P == 0 {
			return 0, false, ErrNotPresent
		}
		if pte&mem.PTE_PS != 0 {
			return pte & mem.PTE_ADDR, true, nil
		}
		if level == 1 {
			return pte & mem.PTE_ADDR, false, nil
		}
		table = w.pmm.TableAt(pte & mem.PTE_ADDR)
		level--
	}
}
