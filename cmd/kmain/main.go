// Command kmain is the kernel's entry point: it receives the
// bootloader's handoff struct and brings every subsystem up in the
// order spec.md §2 fixes (PMM, page tables, kernel stacks, SMP,
// per-core blocks, interrupts, the scheduler, the syscall gate, the
// in-memory filesystem) before handing control to the first task.
//
// This file owns wiring only: every decision of substance (frame
// allocation policy, COW semantics, the syscall table, path
// resolution) lives in the package it wires together.
package main

import (
	"fmt"

	"acpi"
	"apic"
	"bootinfo"
	"cpu"
	"interrupts"
	"kernelclock"
	"klog"
	"kstack"
	"mem"
	"pcb"
	"ptw"
	"sched"
	"smp"
	"sysgate"
	"vfs"
	"vm"
)

// earlyConsole is the Writer klog.Init attaches to before any real
// driver exists; kmain replaces it with /dev/serial once vfs.FS is up.
type earlyConsole struct{ write func([]byte) }

func (e earlyConsole) Write(p []byte) (int, error) {
	e.write(p)
	return len(p), nil
}

// kernelStackBase and kernelStackSlots pick a VA band for kstack.Allocator
// well above any PT_LOAD or direct-map slot (spec §2.4).
const (
	kernelStackBase  = mem.VirtAddr(0x0000700000000000)
	kernelStackSlots = 256
)

// kernelBoundary is the first address a UserPtr must not reach:
// the start of the kernel-half PML4 slots (spec §4.7's UserPtr rule).
const kernelBoundary = mem.VirtAddr(0x0000800000000000)

// TimerVector is the interrupt vector the LAPIC's periodic timer is
// programmed to fire on (spec §4.6's tick-driven switch_next).
const TimerVector = 0x20

// now returns the current wall-clock second, derived from RTCPort
// when architecture-specific boot code has installed one, or 0 under
// `go test` (no wall clock to read, no Sleep deadline that matters).
func now() kernelclock.Seconds {
	if RTCPort == nil {
		return 0
	}
	return kernelclock.Now(RTCPort).Time.ToSeconds()
}

/// boot runs every subsystem's Init in spec §2's dependency order and
/// returns the pieces the first task needs to start running. Factored
/// out of main so it can be exercised by a test harness that supplies
/// a synthetic Bootinfo instead of a real bootloader handoff.
func boot(bi *bootinfo.Bootinfo, console func([]byte)) (*sched.Scheduler, *sysgate.Gate, *pcb.Table, *interrupts.Table, error) {
	klog.Init(earlyConsole{write: console})

	pmm := buildPMM(bi)

	kernelAS, err := vm.NewKernel(pmm)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("kmain: building kernel address space: %w", err)
	}

	stacks := kstack.NewAllocator(kernelAS, kernelStackBase, kernelStackSlots)

	features := cpu.Features()
	if !features.APIC {
		return nil, nil, nil, nil, fmt.Errorf("kmain: this core has no Local APIC")
	}
	ptw.Invalidate = cpu.InvalidatePage

	// bi.RSDP is the bootloader's already-resolved RSDT/XSDT base; this
	// kernel never walks the RSDP's own ACPI-version dispatch, since the
	// bootloader has already picked XSDT-vs-RSDT for us.
	madtBase, ok := acpi.FindTable(pmm, bi.RSDP, "APIC")
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("kmain: no MADT in the firmware tables")
	}
	madt, err := acpi.ParseMADT(pmm, madtBase)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("kmain: parsing MADT: %w", err)
	}

	bspAPICID := readBSPAPICID()
	cpus := smp.BuildCPUList(madt, bspAPICID)
	pcbTable := pcb.NewTable(len(cpus))
	for i, c := range cpus {
		block := pcb.New(i, c.APICID, 0)
		pcbTable.Install(i, block)
	}

	var lapic *apic.LAPIC
	if LAPICController != nil {
		lapic = apic.New(LAPICController)
		lapic.Enable(LegacyPICDisabler, SpuriousVector)
		if PITWait != nil {
			lapic.Calibrate(PITWait)
			if err := lapic.ProgramPeriodic(TimerVector); err != nil {
				klog.KP("boot: timer not armed: %v", err)
			}
		}
	}

	scheduler := sched.New()
	kernelStacks = stacks

	idt := interrupts.NewTable()
	idt.Install(0x0E, func(core int, f *interrupts.Frame) bool {
		err := interrupts.PageFault(kernelAS, mem.VirtAddr(f.RIP), f.ErrorCode, f.RIP >= uintptr(kernelBoundary))
		return err == nil
	})

	// ticks and currentPID are this core table's per-core switch_next
	// bookkeeping (spec §4.6): ticks counts toward the ≥10-tick
	// threshold, currentPID tracks what SwitchNext last bound this core
	// to so the timer handler knows what it's switching away from.
	ticks := make([]interrupts.TickCounter, len(cpus))
	currentPID := make([]int, len(cpus))
	idt.Install(TimerVector, func(core int, f *interrupts.Frame) bool {
		if lapic != nil {
			defer lapic.EOI()
		}
		if core < 0 || core >= len(ticks) || !ticks[core].Tick() {
			return true
		}
		if !interrupts.PreemptionAllowed() {
			return true
		}
		if !scheduler.TryAcquireSwitchLock() {
			return true
		}
		scheduler.PromoteWoken(now())
		prevPID := currentPID[core]
		if next, err := scheduler.SwitchNext(core, prevPID); err == nil {
			currentPID[core] = next.PID
			if block := pcbTable.Get(core); block != nil {
				block.SetKernelStackTop(uintptr(next.KernelStackTop))
			}
		}
		scheduler.ReapDying(prevPID)
		scheduler.ReleaseSwitchLock()
		return true
	})

	out := &serialPort{console: console}
	fs := vfs.NewFS(out, 0, 0, nil)
	gate := sysgate.NewGate(scheduler, fs, kernelBoundary, now)

	if RTCPort != nil {
		klog.KP("boot: RTC reads %s", kernelclock.Now(RTCPort).Time.String())
	}
	klog.KP("boot: %d core(s) discovered, kernel address space ready, stacks=%d slots", len(cpus), kernelStackSlots)

	return scheduler, gate, pcbTable, idt, nil
}

// kernelStacks holds the kernel-stack allocator boot built. Nothing in
// this package hands stacks from it to spawned Tasks.
var kernelStacks *kstack.Allocator

// LAPICController, LegacyPICDisabler, PITWait and RTCPort are the
// hardware seams architecture-specific boot code installs before
// calling boot; all four default to nil so boot runs under `go test`
// without ever touching real MMIO or I/O ports.
var (
	LAPICController   apic.Controller
	LegacyPICDisabler apic.LegacyPIC
	PITWait           apic.PITWaiter
	RTCPort           kernelclock.Port
)

// SpuriousVector is the interrupt vector the LAPIC's spurious-interrupt
// register is programmed with (spec §4.4 step 3).
const SpuriousVector = 0xFF

// buildPMM seeds a PMM from the bootloader's UEFI memory map, marking
// every initially-free region (spec §6's MemType.IsInitiallyFree)
// available before ACPI reclaim narrows it further.
func buildPMM(bi *bootinfo.Bootinfo) *mem.PMM {
	var lowest mem.Pa_t
	var highest mem.Pa_t
	for i, r := range bi.MemMap {
		end := r.PhysStart + mem.Pa_t(r.Pages*mem.PGSIZE)
		if i == 0 || r.PhysStart < lowest {
			lowest = r.PhysStart
		}
		if end > highest {
			highest = end
		}
	}
	nframes := int(highest-lowest) / mem.PGSIZE
	pmm := mem.NewPMM(lowest, nframes, bi.PhysOffset)
	for _, r := range bi.MemMap {
		if r.Type.IsInitiallyFree() {
			pmm.MarkFree(r.PhysStart, r.Pages)
		}
	}
	return pmm
}

// ReadBSPAPICID is installed by architecture-specific boot code before
// boot runs; in a test build it stays nil and readBSPAPICID returns 0,
// treating the synthetic CPU as core 0's BSP.
var ReadBSPAPICID func() uint8

func readBSPAPICID() uint8 {
	if ReadBSPAPICID != nil {
		return ReadBSPAPICID()
	}
	return 0
}

// serialPort adapts the raw byte-writer callback architecture-specific
// code installs into vfs.SerialOut.
type serialPort struct{ console func([]byte) }

func (s *serialPort) WriteByte(b byte) error {
	s.console([]byte{b})
	return nil
}

func main() {
	// The real entry point is reached from architecture-specific
	// assembly that has already switched to long mode, built the
	// Bootinfo struct, and jumped here; this package's own tests drive
	// boot() directly with a synthetic Bootinfo instead.
	panic("kmain: not reachable outside a real boot")
}
