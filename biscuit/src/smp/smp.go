// Package smp discovers and brings up every core the firmware's MADT
// reports: the CPU list, the AP trampoline placed at the fixed
// sub-1MiB frame, and INIT-SIPI-SIPI sequencing with a bounded wait
// for each AP's ready flag (spec §4.4). Grounded on the teacher's
// apic/mem packages for the frame reservation discipline and on
// golang.org/x/sync/errgroup for fanning the per-AP wait-for-ready
// loops out across goroutines the way a real bring-up fans them out
// across interrupts.
package smp

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"acpi"
	"apic"
	"mem"
)

/// CPU describes one processor this kernel will schedule work on.
type CPU struct {
	APICID uint8
	IsBSP  bool
	ready  int32 // atomic; 1 once the AP has signalled in
}

/// Ready reports whether this CPU has checked in (always true for the
/// BSP, which never runs the trampoline path).
func (c *CPU) Ready() bool { return atomic.LoadInt32(&c.ready) != 0 }

func (c *CPU) markReady() { atomic.StoreInt32(&c.ready, 1) }

/// BuildCPUList orders the MADT's enabled processor entries BSP-first,
/// then APs ascending by LAPIC id, per spec §4.4 step 2. bspAPICID is
/// whatever this running core reads from its own LAPIC ID register.
func BuildCPUList(m *acpi.MADT, bspAPICID uint8) []*CPU {
	var aps []*CPU
	haveBSP := false
	cpus := make([]*CPU, 0, len(m.CPUs))
	for _, e := range m.CPUs {
		if !e.Enabled {
			continue
		}
		c := &CPU{APICID: e.APICID}
		if e.APICID == bspAPICID {
			c.IsBSP = true
			c.markReady()
			haveBSP = true
			cpus = append([]*CPU{c}, cpus...)
			continue
		}
		aps = append(aps, c)
	}
	sort.Slice(aps, func(i, j int) bool { return aps[i].APICID < aps[j].APICID })
	if haveBSP {
		cpus = append(cpus[:1], append(cpus[1:], aps...)...)
	} else {
		cpus = aps
	}
	return cpus
}

/// TrampolineArgs is the argument block the bring-up path writes at
/// mem.TrampolinePhys+8 for the AP's real-mode stub to read once it
/// reaches long mode (spec §4.4 step 4).
type TrampolineArgs struct {
	CR3    mem.Pa_t
	RSP    mem.VirtAddr
	Entry  uintptr
	APICID uint8
}

/// TrampolineBlob is the fixed real-mode-to-long-mode stub copied to
/// mem.TrampolinePhys. Its real contents are architecture-specific
/// machine code assembled elsewhere; this package only owns the frame
/// lifecycle and the argument block layout.
type TrampolineBlob []byte

/// IPISender abstracts sending INIT and SIPI interprocessor interrupts
/// to a target APIC id, so bring-up sequencing is unit-testable
/// without a real LAPIC.
type IPISender interface {
	SendINIT(apicID uint8)
	SendSIPI(apicID uint8, vector uint8)
}

/// Waiter abstracts the PIT-derived busy-wait bring-up uses for the
/// 200 ms INIT assert/de-assert spacing.
type Waiter interface {
	Wait(d time.Duration)
}

const (
	sipiVector        = 0x08
	initAssertDelay   = 200 * time.Millisecond
	initDeassertDelay = 200 * time.Millisecond
	readyPollInterval = 10 * time.Millisecond
	readyPollBudget   = 500 // 10ms * 500 = 5s per AP
)

/// ErrAPNeverReady is returned when an AP fails to set its ready flag
/// within the polling budget (spec §4.4 step 5).
type ErrAPNeverReady struct{ APICID uint8 }

func (e ErrAPNeverReady) Error() string {
	return fmt.Sprintf("smp: AP %d never reported ready", e.APICID)
}

// argsOffset is where the argument block starts within the trampoline
// page, after the real-mode-to-long-mode code blob (spec §4.4 step 4).
const argsOffset = 8

func putArgs(pmm *mem.PMM, a TrampolineArgs) {
	buf := pmm.Dmap8(mem.TrampolinePhys)[argsOffset:]
	binary.LittleEndian.PutUint64(buf[0:8], uint64(a.CR3))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(a.RSP))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(a.Entry))
	buf[24] = a.APICID
}

/// BringUp installs the trampoline code blob at mem.TrampolinePhys,
/// then drives INIT-SIPI-SIPI for every AP in cpus concurrently via
/// errgroup, waiting on each AP's ready flag up to its own budget
/// independent of the others. Because every AP boots off the same
/// physical argument block, each AP's args are written and its SIPI
/// fired under a shared lock; only the (slow) ready-polling afterward
/// runs unlocked and concurrent. Once every AP has checked in (or the
/// group returns an error), the trampoline frame is reclaimed.
func BringUp(ctx context.Context, pmm *mem.PMM, cpus []*CPU, blob TrampolineBlob, argsFor func(apicID uint8) TrampolineArgs, ipi IPISender, wait Waiter) error {
	if err := pmm.RequestFrame(mem.TrampolinePhys); err != nil {
		return fmt.Errorf("smp: reserving trampoline frame: %w", err)
	}
	copy(pmm.Dmap8(mem.TrampolinePhys), blob)

	var launchMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range cpus {
		if c.IsBSP {
			continue
		}
		c := c
		g.Go(func() error {
			return bringUpOne(gctx, pmm, c, argsFor(c.APICID), &launchMu, ipi, wait)
		})
	}
	err := g.Wait()

	pmm.DeallocateFrame(mem.TrampolinePhys)
	return err
}

func bringUpOne(ctx context.Context, pmm *mem.PMM, c *CPU, args TrampolineArgs, launchMu *sync.Mutex, ipi IPISender, wait Waiter) error {
	launchMu.Lock()
	putArgs(pmm, args)
	ipi.SendINIT(c.APICID)
	wait.Wait(initAssertDelay)
	wait.Wait(initDeassertDelay)
	ipi.SendSIPI(c.APICID, sipiVector)
	launchMu.Unlock()

	for i := 0; i < readyPollBudget; i++ {
		if c.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		wait.Wait(readyPollInterval)
	}
	return ErrAPNeverReady{APICID: c.APICID}
}

/// MarkReady is called from the AP entry path (via a callback wired
/// through bootinfo/cmd glue) once this core has finished step 4 of
/// its own bring-up and is ready to be scheduled.
func MarkReady(cpus []*CPU, apicID uint8) {
	for _, c := range cpus {
		if c.APICID == apicID {
			c.markReady()
			return
		}
	}
}

/// RealIPISender drives INIT/SIPI via a real LAPIC's ICR register
/// pair. It takes the same apic.Controller the BSP's own apic.LAPIC
/// wraps, rather than the LAPIC itself, since ICR writes bypass the
/// timer-focused helpers apic.LAPIC exposes.
type RealIPISender struct {
	Ctrl apic.Controller
}

const (
	icrLow  = 0x300
	icrHigh = 0x310

	icrDeliverINIT = 0x4500
	icrDeliverSIPI = 0x4600
	icrLevelAssert = 1 << 14
)

func (s RealIPISender) SendINIT(apicID uint8) {
	s.writeICR(apicID, icrDeliverINIT|icrLevelAssert)
}

func (s RealIPISender) SendSIPI(apicID uint8, vector uint8) {
	s.writeICR(apicID, icrDeliverSIPI|uint32(vector))
}

// writeICR loads the destination APIC id into ICR high before writing
// the delivery mode to ICR low, which is what actually triggers
// delivery (Intel SDM vol3 ch10).
func (s RealIPISender) writeICR(apicID uint8, lowBits uint32) {
	s.Ctrl.WriteReg(icrHigh, uint32(apicID)<<24)
	s.Ctrl.WriteReg(icrLow, lowBits)
}
