// Package apic programs the Local APIC: enabling it, disabling the
// legacy PIC, and calibrating its timer against the PIT (spec §4.4
// step 3). The teacher's own apic package ships no source in this
// pack, so this is grounded directly on the spec's calibration
// algorithm plus gopher-os's habit of hiding MMIO behind a small
// interface so the sequencing logic stays unit-testable.
package apic

import "fmt"

/// Register offsets within the LAPIC's 4 KiB MMIO page.
const (
	RegSpuriousVector  = 0xF0
	RegTimerLVT        = 0x320
	RegTimerInitCount  = 0x380
	RegTimerCurCount   = 0x390
	RegTimerDivide     = 0x3E0
	RegEOI             = 0xB0
)

const (
	spuriousEnable   uint32 = 1 << 8
	timerDivideBy16  uint32 = 0x3
	timerPeriodic    uint32 = 1 << 17
	timerMasked      uint32 = 1 << 16
	timerVectorMask  uint32 = 0xFF
)

/// Controller abstracts the LAPIC's MMIO register file so bring-up
/// sequencing can be tested without real hardware.
type Controller interface {
	ReadReg(offset uint32) uint32
	WriteReg(offset uint32, val uint32)
}

/// LegacyPIC abstracts disabling the 8259 PICs via their command/data
/// I/O ports.
type LegacyPIC interface {
	Disable()
}

/// PITWaiter abstracts busy-waiting a fixed interval against the PIT,
/// used only during calibration.
type PITWaiter interface {
	Wait10ms()
}

/// LAPIC drives one core's Local APIC.
type LAPIC struct {
	ctrl Controller

	// TicksPer10ms is filled in by Calibrate on the BSP and then reused
	// verbatim by every AP (spec §4.4 step 3 on the BSP, step 3 on each
	// AP: "same as BSP minus the calibration path").
	TicksPer10ms uint32
}

/// New wraps ctrl as this core's LAPIC handle.
func New(ctrl Controller) *LAPIC {
	return &LAPIC{ctrl: ctrl}
}

/// Enable disables the legacy PIC and programs the spurious-interrupt
/// vector to turn the LAPIC on.
func (l *LAPIC) Enable(pic LegacyPIC, spuriousVector uint8) {
	pic.Disable()
	l.ctrl.WriteReg(RegSpuriousVector, spuriousEnable|uint32(spuriousVector))
}

/// Calibrate measures the LAPIC timer's frequency against the PIT:
/// divide-by-16, load the max count, enable, wait 10ms on the PIT,
/// disable, and compute ticks_per_10ms from how far the counter fell.
func (l *LAPIC) Calibrate(pit PITWaiter) uint32 {
	l.ctrl.WriteReg(RegTimerDivide, timerDivideBy16)
	l.ctrl.WriteReg(RegTimerInitCount, 0xFFFFFFFF)
	l.ctrl.WriteReg(RegTimerLVT, 0) // unmasked, one-shot, any vector

	pit.Wait10ms()

	l.ctrl.WriteReg(RegTimerLVT, timerMasked)
	current := l.ctrl.ReadReg(RegTimerCurCount)
	l.TicksPer10ms = 0xFFFFFFFF - current
	return l.TicksPer10ms
}

/// ErrNotCalibrated is returned by ProgramPeriodic when Calibrate has
/// never run and TicksPer10ms was not supplied by the BSP.
var ErrNotCalibrated = fmt.Errorf("apic: timer not calibrated")

/// ProgramPeriodic arms the timer in periodic mode at the calibrated
/// rate, firing on vector.
func (l *LAPIC) ProgramPeriodic(vector uint8) error {
	if l.TicksPer10ms == 0 {
		return ErrNotCalibrated
	}
	l.ctrl.WriteReg(RegTimerDivide, timerDivideBy16)
	l.ctrl.WriteReg(RegTimerLVT, timerPeriodic|uint32(vector)&timerVectorMask)
	l.ctrl.WriteReg(RegTimerInitCount, l.TicksPer10ms)
	return nil
}

/// EOI signals end-of-interrupt.
func (l *LAPIC) EOI() {
	l.ctrl.WriteReg(RegEOI, 0)
}
