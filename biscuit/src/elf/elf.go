// Package elf loads PT_LOAD program headers into a fresh user address
// space for execv (spec §4.8). Grounded directly on the teacher's own
// chentry.go, which already reaches for the standard library's
// debug/elf to parse this kernel's binaries rather than a third-party
// ELF library — the one place in the corpus that touches ELF at all,
// and it uses debug/elf.
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"mem"
	"vm"
)

/// ErrNotExecutable is returned when the image isn't a little-endian
/// x86-64 executable this loader knows how to run.
var ErrNotExecutable = fmt.Errorf("elf: not a loadable x86-64 executable")

/// UserStackPages is the fixed size of the stack execv maps for every
/// new process (spec §4.8).
const UserStackPages = 4

/// UserStackBase is the fixed low address the user stack is mapped at:
/// the UserStackPages pages below 0xf000, so a new process starts with
/// its stack pointer at 0xf000.
const UserStackBase = mem.VirtAddr(0xf000) - mem.VirtAddr(UserStackPages*mem.PGSIZE)

/// Loaded describes what execv needs after a successful Load: the
/// entry point to resume at and the top of the freshly mapped stack.
type Loaded struct {
	Entry    uintptr
	StackTop mem.VirtAddr
}

/// Load parses image as an ELF executable, maps each PT_LOAD segment
/// into as (page count covers mem_size plus the segment's offset into
/// its first page, so a segment crossing a page boundary gets the
/// extra page; overlapping ranges
/// tolerated by skipping an already-mapped page), copies file_size
/// bytes from the image and zero-fills the mem_size-file_size tail,
/// then maps the fixed-size user stack.
func Load(as *vm.AddressSpace, image []byte) (*Loaded, error) {
	ef, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB || ef.Machine != elf.EM_X86_64 || ef.Type != elf.ET_EXEC {
		return nil, ErrNotExecutable
	}

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(as, image, prog); err != nil {
			return nil, err
		}
	}

	stackRegion := vm.VirtualRegion{Start: UserStackBase, Pages: UserStackPages}
	stack := vm.NewKernelData(stackRegion, vm.AttrUser)
	if err := as.InsertAndMap(stack); err != nil && err != vm.ErrRegionInUse {
		return nil, fmt.Errorf("elf: mapping user stack: %w", err)
	}

	return &Loaded{Entry: uintptr(ef.Entry), StackTop: stackRegion.End()}, nil
}

func loadSegment(as *vm.AddressSpace, image []byte, prog *elf.Prog) error {
	vaddr := mem.VirtAddr(prog.Vaddr)
	pageOff := int(vaddr) % mem.PGSIZE
	pageBase := vaddr - mem.VirtAddr(pageOff)
	pages := (pageOff + int(prog.Memsz) + mem.PGSIZE - 1) / mem.PGSIZE
	if pages == 0 {
		pages = 1
	}

	attr := vm.AttrUser | vm.AttrR
	if prog.Flags&elf.PF_W != 0 {
		attr |= vm.AttrW
	}
	if prog.Flags&elf.PF_X != 0 {
		attr |= vm.AttrX
	}

	region := vm.VirtualRegion{Start: pageBase, Pages: pages}
	m := vm.NewKernelData(region, attr)
	if prog.Flags&elf.PF_W == 0 {
		// NewKernelData always adds AttrW; keep read-only segments read-only.
		m.Attr &^= vm.AttrW
	}
	if err := as.InsertAndMap(m); err != nil {
		if err == vm.ErrRegionInUse {
			// Overlapping maps within the same page are tolerated: a
			// later segment sharing a page with an earlier one simply
			// writes into the page the earlier InsertAndMap created.
		} else {
			return fmt.Errorf("elf: mapping segment at %#x: %w", vaddr, err)
		}
	}

	data := make([]byte, prog.Filesz)
	if _, err := prog.ReadAt(data, 0); err != nil {
		return fmt.Errorf("elf: reading segment data: %w", err)
	}
	zeroPad := int(prog.Memsz) - int(prog.Filesz)
	if err := as.WriteAt(vaddr, data, zeroPad); err != nil {
		return fmt.Errorf("elf: writing segment at %#x: %w", vaddr, err)
	}
	return nil
}

/// ErrEntryTooHigh is returned by PatchEntry when the requested entry
/// address doesn't fit in the 32-bit field the boot loader reads this
/// kernel's own linked image's entry point from.
var ErrEntryTooHigh = fmt.Errorf("elf: entry address exceeds 32 bits")

/// patchTarget is the minimal file-like handle PatchEntry needs: enough
/// to parse the existing ELF header and rewrite it in place.
type patchTarget interface {
	io.ReaderAt
	io.WriterAt
}

/// PatchEntry rewrites the entry point recorded in a linked kernel
/// image's ELF header. The kernel's own build links at a fixed text
/// address its startup code assumes, and this is the step that patches
/// in the real post-link entry address before the image is handed to
/// the boot loader.
func PatchEntry(f patchTarget, entry uint64) error {
	if entry>>32 != 0 {
		return ErrEntryTooHigh
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB || ef.Machine != elf.EM_X86_64 || ef.Type != elf.ET_EXEC {
		return ErrNotExecutable
	}

	// e_entry sits at byte offset 24 of an ELF64 header.
	var field [8]byte
	binary.LittleEndian.PutUint64(field[:], entry)
	if _, err := f.WriteAt(field[:], 24); err != nil {
		return fmt.Errorf("elf: writing patched header: %w", err)
	}
	return nil
}
