// Package bootinfo models the bootloader handoff struct: everything
// kmain needs before any subsystem can initialize, and nothing else —
// no subsystem reads a global or an environment variable before its
// Init runs.
package bootinfo

import "mem"

/// MemType is a UEFI memory-descriptor type code, as handed over in the
/// firmware memory map (spec §6).
type MemType uint32

const (
	MemBootServicesCode MemType = 3
	MemBootServicesData MemType = 4
	MemConventional     MemType = 7
	MemACPIReclaim      MemType = 9
)

/// IsInitiallyFree reports whether the PMM should seed descriptors of
/// this type as free before ACPI parsing runs. Type 9 becomes free only
/// after acpi.ParseMADT has consumed whatever tables live in it.
func (t MemType) IsInitiallyFree() bool {
	switch t {
	case MemBootServicesCode, MemBootServicesData, MemConventional:
		return true
	default:
		return false
	}
}

/// MemRegion is one descriptor from the firmware memory map.
type MemRegion struct {
	Type      MemType
	PhysStart mem.Pa_t
	Pages     int
}

/// Framebuffer describes the linear framebuffer the bootloader has
/// already mode-set, if any.
type Framebuffer struct {
	VirtBase mem.VirtAddr
	PhysBase mem.Pa_t
	Size     int
	Width    int
	Height   int
}

/// Bootinfo is the bit-exact handoff struct of spec.md §6, built once by
/// the bootloader's Go-side trampoline and threaded explicitly into
/// every subsystem's Init by cmd/kmain — never read through a global.
type Bootinfo struct {
	RSDP          mem.Pa_t
	PhysOffset    mem.VirtAddr // phys_to_virt(p) = p + PhysOffset
	InitialRSP    mem.VirtAddr
	InitialStackPages int
	FB            Framebuffer
	MemMap        []MemRegion
}

/// PhysToVirt applies the direct-map offset handed over at boot.
func (b *Bootinfo) PhysToVirt(p mem.Pa_t) mem.VirtAddr {
	return mem.VirtAddr(p) + b.PhysOffset
}
