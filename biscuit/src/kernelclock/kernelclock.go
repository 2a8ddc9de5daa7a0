// Package kernelclock models the RTC-derived wall clock the scheduler
// converts sleep deadlines through (spec §4.6). Grounded on
// original_source's time.rs/rtc.rs: BCD-to-binary conversion, the
// double-read-until-stable update-in-progress loop, and the
// Time<->Seconds carry arithmetic, reworked as plain Go value types
// with the port I/O itself behind a small interface.
package kernelclock

import "fmt"

const (
	second = 1
	minute = 60 * second
	hour   = 60 * minute
	day    = 24 * hour
)

/// Seconds is a duration-since-midnight count, the unit sleep
/// deadlines are computed in.
type Seconds int

/// Time is wall-clock time of day, as read off the RTC.
type Time struct {
	Hours, Minutes, Seconds uint8
}

/// ToSeconds flattens Time into Seconds-since-midnight.
func (t Time) ToSeconds() Seconds {
	return Seconds(t.Seconds) + Seconds(t.Minutes)*minute + Seconds(t.Hours)*hour
}

/// TimeFromSeconds reconstructs a Time from a Seconds-since-midnight
/// count, carrying 60/60/24 (testable property #9).
func TimeFromSeconds(s Seconds) Time {
	if s < 0 {
		s = 0
	}
	return Time{
		Seconds: uint8(int(s) % 60),
		Minutes: uint8((int(s) / minute) % 60),
		Hours:   uint8((int(s) / hour) % 24),
	}
}

/// Add returns t advanced by d, wrapping at 24h.
func (t Time) Add(d Seconds) Time {
	total := (t.ToSeconds() + d) % day
	if total < 0 {
		total += day
	}
	return TimeFromSeconds(total)
}

/// Date is a calendar day, as read off the RTC.
type Date struct {
	Day, Month uint8
	Year       uint16
}

/// DateTime is a full RTC snapshot.
type DateTime struct {
	Date Date
	Time Time
}

func (t Time) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hours, t.Minutes, t.Seconds)
}

/// Port abstracts the two I/O ports (0x70 address, 0x71 data) the RTC
/// is read through, so the BCD-decode/stability-loop logic is
/// unit-tested without real hardware.
type Port interface {
	Read(reg uint8) uint8
}

const (
	regStatusA = 0x0A
	regStatusB = 0x0B
	regSeconds = 0x00
	regMinutes = 0x02
	regHours   = 0x04
	regDay     = 0x07
	regMonth   = 0x08
	regYear    = 0x09
	regCentury = 0x32

	statusUpdateInProgress = 1 << 7
	statusBinary           = 1 << 2
)

func fromBCD(v uint8) uint8 {
	return (v & 0xF) + (v/16)*10
}

func updateInProgress(statusA uint8) bool {
	return statusA&statusUpdateInProgress != 0
}

func isBCD(statusB uint8) bool {
	return statusB&statusBinary != statusBinary
}

func readOnce(p Port) DateTime {
	bcd := isBCD(p.Read(regStatusB))
	conv := func(v uint8) uint8 {
		if bcd {
			return fromBCD(v)
		}
		return v
	}

	t := Time{
		Seconds: conv(p.Read(regSeconds)),
		Minutes: conv(p.Read(regMinutes)),
		Hours:   conv(p.Read(regHours)),
	}
	century := p.Read(regCentury)
	year := uint16(conv(p.Read(regYear)))
	if century != 0 {
		year += uint16(conv(century)) * 100
	}
	d := Date{
		Day:   conv(p.Read(regDay)),
		Month: conv(p.Read(regMonth)),
		Year:  year,
	}
	return DateTime{Date: d, Time: t}
}

/// Now reads the RTC through p, retrying until two consecutive reads
/// agree and no update was in progress during either, the same
/// stabilization loop the original RTC driver uses to avoid torn reads
/// mid-tick.
func Now(p Port) DateTime {
	for {
		if updateInProgress(p.Read(regStatusA)) {
			continue
		}
		first := readOnce(p)
		if updateInProgress(p.Read(regStatusA)) {
			continue
		}
		second := readOnce(p)
		if first != second {
			continue
		}
		if first.Time.Seconds < 60 && first.Time.Minutes < 60 && first.Time.Hours < 24 {
			return first
		}
	}
}
