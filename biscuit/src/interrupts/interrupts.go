// Package interrupts builds the IDT's Go-level dispatch table and
// implements the page-fault, timer-tick and diagnostic-exception
// handlers those vectors dispatch into (spec §4.6 tick policy, §4.7
// step 3's interrupt frame, §7's fault taxonomy). The IDT gate
// descriptors and their assembly trampolines live outside this
// module's scope; this package owns the policy the trampolines call
// into once they've built a Frame.
package interrupts

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/arch/x86/x86asm"

	"klog"
	"mem"
	"vm"
)

/// Frame is the interrupt frame a trampoline builds on the kernel
/// stack before calling into Go, the same shape spec §4.7 step 3
/// describes for the syscall gate's fast-entry frame.
type Frame struct {
	RIP, CS, RFLAGS, RSP, SS uintptr
	ErrorCode                uintptr
}

/// Handler is a Go-level interrupt handler; it returns true if
/// execution should resume at Frame.RIP (benign), false if the fault
/// is fatal to whatever was running.
type Handler func(core int, f *Frame) bool

/// Table is the Go-level half of the IDT: one Handler slot per vector,
/// installed once during boot and read-only afterward.
type Table struct {
	handlers [256]Handler
}

/// NewTable returns an empty 256-vector table.
func NewTable() *Table { return &Table{} }

/// Install registers h for vector.
func (t *Table) Install(vector uint8, h Handler) {
	t.handlers[vector] = h
}

/// Dispatch is what every trampoline calls after building its Frame.
/// An unregistered vector is itself fatal — an IDT entry exists only
/// for vectors this table knows how to handle.
func (t *Table) Dispatch(vector uint8, core int, f *Frame) bool {
	h := t.handlers[vector]
	if h == nil {
		klog.Panic(fmt.Sprintf("unhandled interrupt vector %#x", vector), core, f.RIP, nil)
		return false
	}
	return h(core, f)
}

const (
	// pageFaultErrWrite is bit 1 of the error code x86 pushes for a
	// page fault: set when the faulting access was a write.
	pageFaultErrWrite = 1 << 1
	// pageFaultErrUser is bit 2: set when the fault happened in ring 3.
	pageFaultErrUser = 1 << 2
)

/// ErrFatalToProcess is returned by PageFault when the fault can't be
/// resolved in-handler and the only recourse is killing whatever
/// process faulted (spec §7: "anything else in user space is (for
/// now) fatal to that process").
var ErrFatalToProcess = fmt.Errorf("interrupts: unresolvable user page fault")

/// PageFault implements spec §7's fault-resolution policy: a kernel
/// address with no covering mapping is fatal to the whole kernel; a
/// user write that lands in a COW mapping is resolved by copying; any
/// other user-space fault is fatal only to that process.
func PageFault(as *vm.AddressSpace, faultAddr mem.VirtAddr, errorCode uintptr, isKernelAddr bool) error {
	isUserFault := errorCode&pageFaultErrUser != 0
	isWrite := errorCode&pageFaultErrWrite != 0

	if isKernelAddr && !isUserFault {
		if _, ok := as.MappingContaining(faultAddr); !ok {
			klog.Panic("page fault at unmapped kernel address", 0, uintptr(faultAddr), nil)
			return ErrFatalToProcess
		}
	}

	if isWrite {
		if err := as.PerformCopyOnWrite(faultAddr); err == nil {
			return nil
		} else if err != vm.ErrNotCOW {
			return err
		}
	}

	return ErrFatalToProcess
}

/// TickCounter tracks per-core timer ticks toward the ≥10-tick
/// switch_next threshold (spec §4.6's tick policy).
type TickCounter struct {
	count int32
}

const ticksBeforeSwitch = 10

/// Tick records one timer interrupt and reports whether this core has
/// now accumulated enough ticks to call switch_next. It resets the
/// counter whenever it fires so the next threshold starts counting
/// from zero.
func (c *TickCounter) Tick() bool {
	n := atomic.AddInt32(&c.count, 1)
	if n < ticksBeforeSwitch {
		return false
	}
	atomic.StoreInt32(&c.count, 0)
	return true
}

/// PreemptionAllowed reports whether the global panic flag permits the
/// timer handler to call switch_next right now (spec §4.6: "a global
/// panic flag disables preemption for all cores during a panic").
func PreemptionAllowed() bool {
	return atomic.LoadInt32(&klog.Panicking) == 0
}

/// Diagnose decodes the single instruction at f.RIP for a diagnostic
/// exception (divide-by-zero, invalid opcode, general protection
/// fault) so the panic screen can show what faulted, the same
/// disassembly klog.Panic already performs for hard panics.
func Diagnose(code []byte) (x86asm.Inst, error) {
	return x86asm.Decode(code, 64)
}
