package pcb

import "testing"

func TestNewSetsSelfPointer(t *testing.T) {
	b := New(0, 0, 0xdeadbeef)
	if b.TLSSelfPtr != 0xdeadbeef {
		t.Fatalf("TLSSelfPtr = %#x, want 0xdeadbeef", b.TLSSelfPtr)
	}
	if b.Initialized() {
		t.Fatal("new Block should not be initialized yet")
	}
	b.MarkInitialized()
	if !b.Initialized() {
		t.Fatal("MarkInitialized did not stick")
	}
}

func TestSaveAndTakeUserRSPRoundTrips(t *testing.T) {
	b := New(0, 0, 0)
	b.SaveUserRSP(0x7fff0000)
	got := b.TakeUserRSP()
	if got != 0x7fff0000 {
		t.Fatalf("TakeUserRSP = %#x, want 0x7fff0000", got)
	}
	if b.TmpUserRSP != 0 {
		t.Fatal("TakeUserRSP should clear the slot")
	}
}

func TestSetKernelStackTop(t *testing.T) {
	b := New(0, 0, 0)
	b.SetKernelStackTop(0x1000)
	if b.TSS.RSP0 != 0x1000 {
		t.Fatalf("TSS.RSP0 = %#x, want 0x1000", b.TSS.RSP0)
	}
}

func TestTableInstallAndGet(t *testing.T) {
	tbl := NewTable(4)
	if tbl.Get(0) != nil {
		t.Fatal("uninstalled slot should be nil")
	}
	b := New(2, 5, 0x1234)
	tbl.Install(2, b)
	if got := tbl.Get(2); got != b {
		t.Fatalf("Get(2) = %v, want %v", got, b)
	}
	if tbl.Get(99) != nil {
		t.Fatal("out-of-range Get should return nil")
	}
}

func TestNeedsSwapgsGatesOnCPL(t *testing.T) {
	const userCS = 0x2b // ring 3 (typical 64-bit user CS selector)
	const kernelCS = 0x08
	if !NeedsSwapgs(userCS) {
		t.Fatal("userland CS should need swapgs")
	}
	if NeedsSwapgs(kernelCS) {
		t.Fatal("kernel CS should not need swapgs")
	}
}

func TestEnterLeaveKernelRoundTripsUserRSPFromUserland(t *testing.T) {
	const userCS = 0x2b
	b := New(0, 0, 0)
	fromUser := b.EnterKernel(userCS, 0x7fff1000)
	if !fromUser {
		t.Fatal("entry from ring 3 should report fromUser")
	}
	if got := b.LeaveKernel(fromUser); got != 0x7fff1000 {
		t.Fatalf("LeaveKernel = %#x, want 0x7fff1000", got)
	}
}

func TestEnterLeaveKernelNoopFromKernel(t *testing.T) {
	const kernelCS = 0x08
	b := New(0, 0, 0)
	b.SaveUserRSP(0xdead) // simulate a stale slot from a prior syscall
	fromUser := b.EnterKernel(kernelCS, 0x1234)
	if fromUser {
		t.Fatal("entry from ring 0 should not report fromUser")
	}
	if got := b.LeaveKernel(fromUser); got != 0 {
		t.Fatalf("LeaveKernel from a kernel-originated entry = %#x, want 0", got)
	}
	if b.TmpUserRSP != 0xdead {
		t.Fatal("a kernel-originated entry must not touch the stashed user RSP")
	}
}
