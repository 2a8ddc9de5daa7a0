package mem

// KernelPML4Slots replaces the VREC/VDIRECT/VUSER slot numbering
// biscuit's dmap.go uses for its fixed virtual-memory layout, adapted
// to this kernel's single
// direct-map-plus-upper-half scheme: the top two PML4 slots (510, 511)
// are reserved for the direct map and kernel text/data respectively,
// and are shared byte-for-byte across every AddressSpace.

/// KernelPML4Slots are the PML4 (level-4) indices considered "kernel
/// half": every Mapping requested with attribute KernelCode/KernelData,
/// and the direct map itself, lands in one of these slots. vm.AddressSpace
/// shallow-copies exactly these slots from the kernel AS into every new
/// user AS (spec §4.2's deep_copy "top two entries shallow-copied").
var KernelPML4Slots = [2]int{510, 511}

/// USERMIN is the lowest virtual address a user mapping may occupy —
/// one page above the NULL guard page.
const USERMIN int = PGSIZE

/// IsKernelSlot reports whether pml4 index i is one of the reserved
/// kernel-half slots.
func IsKernelSlot(i int) bool {
	for _, s := range KernelPML4Slots {
		if s == i {
			return true
		}
	}
	return false
}
