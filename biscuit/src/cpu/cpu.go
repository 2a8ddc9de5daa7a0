// Package cpu probes CPUID for the features SMP bring-up and the
// syscall gate depend on, and installs the real TLB-invalidation
// backend behind ptw.Invalidate. Grounded on the teacher's own
// runtime.Cpuid calls in mem/dmap.go.
package cpu

import "mem"

/// FeatureSet records which CPUID-reported features this core
/// advertises. The original Rust kernel's cpu.rs probes these before
/// relying on APIC, RDTSC or syscall/sysret.
type FeatureSet struct {
	APIC    bool
	TSC     bool
	Syscall bool
	PAE     bool
	PGE     bool
}

/// cpuidFunc is a package variable so tests can substitute a fake
/// CPUID implementation instead of trapping into the real instruction;
/// InstallCPUID installs the real one (runtime.Cpuid-backed on the teacher's
/// patched Go runtime) at boot.
var cpuidFunc func(eax, ecx uint32) (a, b, c, d uint32) = fakeCPUID

func fakeCPUID(eax, ecx uint32) (a, b, c, d uint32) { return 0, 0, 0, 0 }

/// InstallCPUID lets boot code (or a test) install the CPUID backend.
func InstallCPUID(f func(eax, ecx uint32) (a, b, c, d uint32)) {
	cpuidFunc = f
}

/// Features reads CPUID leaves 1 and 0x80000001 and reports the subset
/// of bits SMP bring-up and the syscall gate care about.
func Features() FeatureSet {
	_, _, ecx1, edx1 := cpuidFunc(1, 0)
	_, _, _, edx81 := cpuidFunc(0x80000001, 0)
	return FeatureSet{
		APIC:    edx1&(1<<9) != 0,
		TSC:     edx1&(1<<4) != 0,
		PAE:     edx1&(1<<6) != 0,
		PGE:     edx1&(1<<13) != 0,
		Syscall: edx81&(1<<11) != 0 || ecx1&(1<<5) != 0,
	}
}

/// InvalidatePageFunc is installed by boot code as the real INVLPG
/// stub; a test build leaves it nil and InvalidatePage is a no-op.
var InvalidatePageFunc func(mem.VirtAddr)

/// InvalidatePage invalidates va in this core's TLB and is wired into
/// ptw.Invalidate during boot so every Flusher.Flush call reaches real
/// hardware.
func InvalidatePage(va mem.VirtAddr) {
	if InvalidatePageFunc != nil {
		InvalidatePageFunc(va)
	}
}
