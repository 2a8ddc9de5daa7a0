package ptw

import "mem"

// DeepCopy recursively clones the page-table structure rooted at src
// down to the leaves, without cloning the leaf frames themselves — the
// new tree's leaves point at the same physical pages as src, enabling
// shared-read / copy-on-write semantics once the caller strips
// Writable from the copy's top level. The two reserved kernel-half
// PML4 slots are shallow-copied by direct entry assignment (shared
// table, not cloned) so kernel text, data, stacks and the direct map
// stay identical across every address space.
func DeepCopy(pmm *mem.PMM, src mem.Pa_t, kernelSlots func(int) bool) (mem.Pa_t, error) {
	return deepCopyLevel(pmm, src, 4, kernelSlots)
}

func deepCopyLevel(pmm *mem.PMM, src mem.Pa_t, level int, kernelSlots func(int) bool) (mem.Pa_t, error) {
	newFrame, err := pmm.AllocateFrame()
	if err != nil {
		return 0, err
	}
	srcTable := pmm.TableAt(src)
	dstTable := pmm.TableAt(newFrame)

	for i, pte := range srcTable {
		if pte&mem.PTE_P == 0 {
			continue
		}
		if level == 4 && kernelSlots(i) {
			// shallow copy: share the same next-level table.
			dstTable[i] = pte
			continue
		}
		if level == 1 || pte&mem.PTE_PS != 0 {
			// leaf: share the physical frame, copy flags verbatim.
			dstTable[i] = pte
			continue
		}
		child, err := deepCopyLevel(pmm, pte&mem.PTE_ADDR, level-1, kernelSlots)
		if err != nil {
			return 0, err
		}
		dstTable[i] = (pte &^ mem.PTE_ADDR) | child
	}
	return newFrame, nil
}
