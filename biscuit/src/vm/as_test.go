package vm

import (
	"testing"
	"unsafe"

	"mem"
	"ptw"
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

// TestAddressSpaceOverlapRejected exercises testable property #4: the
// Mapping set stays pairwise disjoint, so a second InsertAndMap over
// already-reserved pages must fail.
func TestAddressSpaceOverlapRejected(t *testing.T) {
	pmm := newTestPMM(t, 128)
	as, err := NewKernel(pmm)
	if err != nil {
		t.Fatal(err)
	}

	region := VirtualRegion{Start: mem.VirtAddr(0x10000), Pages: 4}
	if err := as.InsertAndMap(NewKernelData(region, AttrUser)); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	overlap := VirtualRegion{Start: mem.VirtAddr(0x12000), Pages: 4}
	if err := as.InsertAndMap(NewKernelData(overlap, AttrUser)); err != ErrRegionInUse {
		t.Fatalf("overlapping insert = %v, want ErrRegionInUse", err)
	}

	adjacent := VirtualRegion{Start: mem.VirtAddr(0x14000), Pages: 4}
	if err := as.InsertAndMap(NewKernelData(adjacent, AttrUser)); err != nil {
		t.Fatalf("adjacent insert: %v", err)
	}
}

func TestReleaseRegionRestoresFreeCount(t *testing.T) {
	pmm := newTestPMM(t, 128)
	as, err := NewKernel(pmm)
	if err != nil {
		t.Fatal(err)
	}
	free0 := pmm.FreeCount()

	region := VirtualRegion{Start: mem.VirtAddr(0x20000), Pages: 3}
	m := NewKernelData(region, AttrUser)
	if err := as.InsertAndMap(m); err != nil {
		t.Fatal(err)
	}
	if err := as.ReleaseRegion(region.Start, region.Pages); err != nil {
		t.Fatalf("ReleaseRegion: %v", err)
	}
	if pmm.FreeCount() != free0 {
		t.Fatalf("free count not restored: got %d want %d", pmm.FreeCount(), free0)
	}
}

func TestFirstAvailableAddrAboveSkipsReserved(t *testing.T) {
	pmm := newTestPMM(t, 128)
	as, err := NewKernel(pmm)
	if err != nil {
		t.Fatal(err)
	}

	region := VirtualRegion{Start: mem.VirtAddr(0x30000), Pages: 2}
	if err := as.InsertAndMap(NewKernelData(region, AttrUser)); err != nil {
		t.Fatal(err)
	}

	addr, err := as.FirstAvailableAddrAbove(mem.VirtAddr(0x30000), 1)
	if err != nil {
		t.Fatal(err)
	}
	if addr < region.End() {
		t.Fatalf("FirstAvailableAddrAbove returned %#x inside reserved region %#x-%#x", addr, region.Start, region.End())
	}
}

// TestCopyOnWriteClonePreservesContentThenDiverges exercises the E4
// clone+COW scenario: two address spaces share a frame through a COW
// Mapping until one of them writes, after which each sees its own copy
// and the original is untouched.
func TestCopyOnWriteClonePreservesContentThenDiverges(t *testing.T) {
	pmm := newTestPMM(t, 256)
	parent, err := NewKernel(pmm)
	if err != nil {
		t.Fatal(err)
	}

	region := VirtualRegion{Start: mem.VirtAddr(0x40000), Pages: 1}
	m := NewKernelData(region, AttrUser)
	if err := parent.InsertAndMap(m); err != nil {
		t.Fatal(err)
	}

	pg := pmm.Dmap(firstFrame(t, pmm, parent, region.Start))
	pg[0] = 0xdeadbeef

	child, err := NewCopyOnWriteFrom(parent)
	if err != nil {
		t.Fatal(err)
	}
	if child.Root == parent.Root {
		t.Fatal("clone shares the parent's root frame")
	}

	childFrame := firstFrame(t, pmm, child, region.Start)
	parentFrame := firstFrame(t, pmm, parent, region.Start)
	if childFrame != parentFrame {
		t.Fatalf("clone's unwritten page diverged before any write: %#x != %#x", childFrame, parentFrame)
	}

	if err := child.PerformCopyOnWrite(region.Start); err != nil {
		t.Fatalf("PerformCopyOnWrite: %v", err)
	}

	childFrameAfter := firstFrame(t, pmm, child, region.Start)
	if childFrameAfter == parentFrame {
		t.Fatal("child still aliases the parent's frame after PerformCopyOnWrite")
	}
	if pmm.Dmap(parentFrame)[0] != 0xdeadbeef {
		t.Fatal("parent's page was mutated by the child's copy-on-write fault")
	}
	if pmm.Dmap(childFrameAfter)[0] != 0xdeadbeef {
		t.Fatal("child's new private page did not preserve the original contents")
	}
}

// TestWriteAtCopiesAcrossPageBoundaryAndZeroFills exercises the
// multi-page path execv's ELF loader relies on: a write that starts
// mid-page, crosses into the next physical frame, and leaves a
// zero-filled tail past the copied bytes.
func TestWriteAtCopiesAcrossPageBoundaryAndZeroFills(t *testing.T) {
	pmm := newTestPMM(t, 64)
	as, err := NewKernel(pmm)
	if err != nil {
		t.Fatal(err)
	}

	region := VirtualRegion{Start: mem.VirtAddr(0x50000), Pages: 2}
	if err := as.InsertAndMap(NewKernelData(region, AttrUser)); err != nil {
		t.Fatal(err)
	}

	off := mem.VirtAddr(mem.PGSIZE - 8)
	addr := region.Start + off
	data := make([]byte, 24)
	for i := range data {
		data[i] = byte(i + 1)
	}
	if err := as.WriteAt(addr, data, 8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	readByte := func(va mem.VirtAddr) byte {
		w := ptw.New(pmm, as.Root, va)
		for w.Level() > 1 {
			if err := w.Advance(); err != nil {
				t.Fatal(err)
			}
		}
		frame, _, err := w.GetPhysFrame()
		if err != nil {
			t.Fatal(err)
		}
		pageOff := int(va) % mem.PGSIZE
		return pmm.Dmap8(frame)[pageOff]
	}

	for i := 0; i < len(data); i++ {
		got := readByte(addr + mem.VirtAddr(i))
		if got != data[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got, data[i])
		}
	}
	for i := len(data); i < len(data)+8; i++ {
		got := readByte(addr + mem.VirtAddr(i))
		if got != 0 {
			t.Fatalf("zero-pad byte %d = %#x, want 0", i, got)
		}
	}
}

func firstFrame(t *testing.T, pmm *mem.PMM, as *AddressSpace, va mem.VirtAddr) mem.Pa_t {
	t.Helper()
	if _, ok := as.MappingContaining(va); !ok {
		t.Fatalf("no mapping contains %#x", va)
	}
	w := ptw.New(pmm, as.Root, va)
	for w.Level() > 1 {
		if err := w.Advance(); err != nil {
			t.Fatalf("walk %#x: %v", va, err)
		}
	}
	frame, _, err := w.GetPhysFrame()
	if err != nil {
		t.Fatalf("GetPhysFrame %#x: %v", va, err)
	}
	return frame
}
