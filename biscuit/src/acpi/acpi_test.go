package acpi

import (
	"encoding/binary"
	"testing"

	"mem"
)

type fakeMem struct {
	buf []byte
}

func (f *fakeMem) Dmap8(p mem.Pa_t) []uint8 {
	return f.buf[int(p):]
}

func buildMADT(lapicBase uint32, cpus []CPUEntry) []byte {
	body := make([]byte, 44)
	copy(body[0:4], "APIC")
	binary.LittleEndian.PutUint32(body[36:40], lapicBase)
	for _, c := range cpus {
		entry := make([]byte, 8)
		entry[0] = madtEntryLocalAPIC
		entry[1] = 8
		entry[2] = c.ACPIProcessorID
		entry[3] = c.APICID
		if c.Enabled {
			entry[4] = 1
		}
		body = append(body, entry...)
	}
	binary.LittleEndian.PutUint32(body[4:8], uint32(len(body)))
	return body
}

func TestParseMADT(t *testing.T) {
	cpus := []CPUEntry{
		{ACPIProcessorID: 0, APICID: 0, Enabled: true},
		{ACPIProcessorID: 1, APICID: 2, Enabled: true},
		{ACPIProcessorID: 2, APICID: 4, Enabled: false},
	}
	buf := buildMADT(0xfee00000, cpus)
	fm := &fakeMem{buf: buf}

	m, err := ParseMADT(fm, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.LAPICBase != 0xfee00000 {
		t.Fatalf("LAPICBase = %#x, want 0xfee00000", m.LAPICBase)
	}
	if len(m.CPUs) != 3 {
		t.Fatalf("got %d CPU entries, want 3", len(m.CPUs))
	}
	if m.CPUs[1].APICID != 2 || !m.CPUs[1].Enabled {
		t.Fatalf("CPUs[1] = %+v", m.CPUs[1])
	}
	if m.CPUs[2].Enabled {
		t.Fatal("CPUs[2] should be disabled")
	}
}
