package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"testing"
	"unsafe"

	"mem"
	"vm"
)

func newTestPMM(t *testing.T, nframes int) *mem.PMM {
	t.Helper()
	buf := make([]byte, nframes*mem.PGSIZE+mem.PGSIZE)
	bufaddr := uintptr(unsafe.Pointer(&buf[0]))
	base := mem.Pa_t(mem.Roundup(int(bufaddr), mem.PGSIZE))
	direct := mem.VirtAddr(bufaddr) - mem.VirtAddr(base)
	p := mem.NewPMM(base, nframes, direct)
	p.MarkFree(base, nframes)
	return p
}

// buildMinimalELF hand-assembles the smallest valid little-endian
// x86-64 ET_EXEC image this loader understands: a 64-byte ELF header
// immediately followed by one 56-byte PT_LOAD program header, then the
// segment's file-backed bytes. memsz may exceed len(code), in which
// case Load is expected to zero-fill the remainder.
func buildMinimalELF(entry, vaddr uint64, code []byte, memsz uint64) []byte {
	const ehsize = 64
	const phsize = 56

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1 /* EV_CURRENT */, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(2))  // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(62)) // e_machine = EM_X86_64
	binary.Write(&buf, binary.LittleEndian, uint32(1))  // e_version
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))      // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	offset := uint64(ehsize + phsize)
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // p_type = PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(5)) // p_flags = PF_R|PF_X
	binary.Write(&buf, binary.LittleEndian, offset)    // p_offset
	binary.Write(&buf, binary.LittleEndian, vaddr)     // p_vaddr
	binary.Write(&buf, binary.LittleEndian, vaddr)     // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(code))) // p_filesz
	binary.Write(&buf, binary.LittleEndian, memsz)             // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(mem.PGSIZE)) // p_align

	buf.Write(code)
	return buf.Bytes()
}

func TestLoadMapsSegmentAndCopiesBytes(t *testing.T) {
	pmm := newTestPMM(t, 64)
	as, err := vm.NewKernel(pmm)
	if err != nil {
		t.Fatal(err)
	}

	vaddr := uint64(mem.USERMIN + mem.PGSIZE*4)
	code := []byte{0x90, 0x90, 0xc3} // nop; nop; ret
	image := buildMinimalELF(vaddr, vaddr, code, uint64(len(code)))

	loaded, err := Load(as, image)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Entry != uintptr(vaddr) {
		t.Fatalf("Entry = %#x, want %#x", loaded.Entry, vaddr)
	}

	m, ok := as.MappingContaining(mem.VirtAddr(vaddr))
	if !ok {
		t.Fatal("no mapping covers the loaded segment")
	}
	if m.Attr&vm.AttrW != 0 {
		t.Fatal("read+execute segment should not be writable")
	}
	if m.Attr&vm.AttrX == 0 {
		t.Fatal("segment with PF_X should be executable")
	}
}

func TestLoadAcceptsSegmentWithBSSTail(t *testing.T) {
	pmm := newTestPMM(t, 64)
	as, err := vm.NewKernel(pmm)
	if err != nil {
		t.Fatal(err)
	}

	vaddr := uint64(mem.USERMIN + mem.PGSIZE*8)
	code := []byte{0x01, 0x02, 0x03}
	image := buildMinimalELF(vaddr, vaddr, code, uint64(len(code))+16)

	if _, err := Load(as, image); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// The loader has no read-back API of its own; exercising
	// AddressSpace.WriteAt's zero-fill path is covered directly in the
	// vm package. Here we only confirm Load succeeds across a segment
	// whose mem_size exceeds its file_size.
}

func TestLoadMapsUserStack(t *testing.T) {
	pmm := newTestPMM(t, 64)
	as, err := vm.NewKernel(pmm)
	if err != nil {
		t.Fatal(err)
	}

	vaddr := uint64(mem.USERMIN + mem.PGSIZE*2)
	code := []byte{0xc3}
	image := buildMinimalELF(vaddr, vaddr, code, uint64(len(code)))

	loaded, err := Load(as, image)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.StackTop != UserStackBase+mem.VirtAddr(UserStackPages*mem.PGSIZE) {
		t.Fatalf("StackTop = %#x, want top of the %d-page user stack", loaded.StackTop, UserStackPages)
	}
	if _, ok := as.MappingContaining(UserStackBase); !ok {
		t.Fatal("user stack region was not mapped")
	}
}

// memFile is a minimal in-memory patchTarget, standing in for the
// *os.File a real build script hands PatchEntry.
type memFile struct{ buf []byte }

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(m.buf) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func TestPatchEntryRewritesTheEntryField(t *testing.T) {
	image := buildMinimalELF(0x1000, 0x1000, []byte{0xc3}, 1)
	f := &memFile{buf: append([]byte(nil), image...)}

	if err := PatchEntry(f, 0x2000); err != nil {
		t.Fatalf("PatchEntry: %v", err)
	}

	ef, err := elf.NewFile(bytes.NewReader(f.buf))
	if err != nil {
		t.Fatalf("re-parsing patched image: %v", err)
	}
	if ef.Entry != 0x2000 {
		t.Fatalf("Entry = %#x, want 0x2000", ef.Entry)
	}
}

func TestPatchEntryRejectsAddressAbove32Bits(t *testing.T) {
	image := buildMinimalELF(0x1000, 0x1000, []byte{0xc3}, 1)
	f := &memFile{buf: append([]byte(nil), image...)}

	if err := PatchEntry(f, 1<<32); err != ErrEntryTooHigh {
		t.Fatalf("err = %v, want ErrEntryTooHigh", err)
	}
}

func TestPatchEntryRejectsNonExecutableImage(t *testing.T) {
	f := &memFile{buf: []byte("not an elf")}
	if err := PatchEntry(f, 0x1000); err == nil {
		t.Fatal("PatchEntry should reject a non-ELF file")
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	pmm := newTestPMM(t, 64)
	as, err := vm.NewKernel(pmm)
	if err != nil {
		t.Fatal(err)
	}

	image := buildMinimalELF(0x1000, 0x1000, []byte{0x90}, 1)
	image[18] = 0x03 // corrupt e_machine to EM_386

	if _, err := Load(as, image); err != ErrNotExecutable {
		t.Fatalf("err = %v, want ErrNotExecutable", err)
	}
}
