// Package acpi parses just enough of the ACPI tables to bring up SMP:
// the RSDP, the RSDT/XSDT it points to, and the MADT's processor-local
// APIC entries. Grounded on gopher-os's "parse a firmware table into a
// typed Go struct with sub-slices" style (its multiboot parser), since
// gopher-os is the one example repo that walks firmware tables without
// an OS underneath it.
package acpi

import (
	"encoding/binary"
	"fmt"

	"mem"
)

/// ErrBadSignature is returned when a table's signature field doesn't
/// match what the caller expected.
var ErrBadSignature = fmt.Errorf("acpi: bad table signature")

/// ErrUnknownInterruptModel is returned when the MADT names an
/// interrupt controller model this kernel has no driver for (spec §7's
/// SMP error kind).
var ErrUnknownInterruptModel = fmt.Errorf("acpi: unknown interrupt model")

/// Memory abstracts reading physical memory through the direct map, so
/// the parser is exercised by tests against a plain byte slice instead
/// of real firmware tables.
type Memory interface {
	Dmap8(mem.Pa_t) []uint8
}

type sdtHeader struct {
	Signature [4]byte
	Length    uint32
	Revision  uint8
	Checksum  uint8
	OEMID     [6]byte
}

func readHeader(buf []byte) sdtHeader {
	var h sdtHeader
	copy(h.Signature[:], buf[0:4])
	h.Length = binary.LittleEndian.Uint32(buf[4:8])
	h.Revision = buf[8]
	h.Checksum = buf[9]
	copy(h.OEMID[:], buf[10:16])
	return h
}

/// CPUEntry is one processor-local-APIC entry from the MADT.
type CPUEntry struct {
	ACPIProcessorID uint8
	APICID          uint8
	Enabled         bool
}

/// MADT is the parsed result of the Multiple APIC Description Table:
/// the LAPIC MMIO base every core programs, and the list of usable
/// processors in table order (BSP is whichever one the caller already
/// knows its own APIC id matches; see smp.BuildCPUList).
type MADT struct {
	LAPICBase mem.Pa_t
	CPUs      []CPUEntry
}

const (
	madtEntryLocalAPIC = 0
)

/// ParseMADT locates and parses the MADT given its physical base (the
/// caller has already walked RSDT/XSDT to find it; see FindTable).
func ParseMADT(pm Memory, base mem.Pa_t) (*MADT, error) {
	hdrBuf := pm.Dmap8(base)
	h := readHeader(hdrBuf)
	if string(h.Signature[:]) != "APIC" {
		return nil, ErrBadSignature
	}

	body := pm.Dmap8(base)[:h.Length]
	lapicBase := mem.Pa_t(binary.LittleEndian.Uint32(body[36:40]))

	m := &MADT{LAPICBase: lapicBase}
	off := 44 // sizeof(sdt header)=36 on real hardware layouts, +8 for LocalApicAddress/Flags
	for off+2 <= len(body) {
		entryType := body[off]
		entryLen := int(body[off+1])
		if entryLen < 2 || off+entryLen > len(body) {
			break
		}
		if entryType == madtEntryLocalAPIC && entryLen >= 8 {
			m.CPUs = append(m.CPUs, CPUEntry{
				ACPIProcessorID: body[off+2],
				APICID:          body[off+3],
				Enabled:         binary.LittleEndian.Uint32(body[off+4:off+8])&1 != 0,
			})
		}
		off += entryLen
	}
	return m, nil
}

/// FindTable walks the RSDT (32-bit entries) rooted at rsdtBase looking
/// for a table whose signature matches sig, returning its physical
/// base.
func FindTable(pm Memory, rsdtBase mem.Pa_t, sig string) (mem.Pa_t, bool) {
	hdrBuf := pm.Dmap8(rsdtBase)
	h := readHeader(hdrBuf)
	body := pm.Dmap8(rsdtBase)[:h.Length]
	entries := body[36:]
	for i := 0; i+4 <= len(entries); i += 4 {
		addr := mem.Pa_t(binary.LittleEndian.Uint32(entries[i : i+4]))
		eh := readHeader(pm.Dmap8(addr))
		if string(eh.Signature[:]) == sig {
			return addr, true
		}
	}
	return 0, false
}
