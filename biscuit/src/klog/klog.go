// Package klog is the kernel's logging and panic-reporting ambient
// stack: one process-wide logger wired to the boot-time console, and
// the panic sequence of spec.md §7 (mask interrupts, force-unlock the
// serial port, print the panic site, halt).
package klog

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/arch/x86/x86asm"
)

var (
	mu     sync.Mutex
	logger = log.New(io.Discard, "", 0)
)

/// Init points the kernel logger at the real console device. Before
/// Init runs, KP calls are silently discarded — gopher-os's early
/// console is the model: callers that must log before a console exists
/// use the architecture-specific early path instead of this package.
func Init(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = log.New(w, "", 0)
}

/// KP ("kernel print") formats and writes one log line. It is the
/// unconditional replacement for the debug-flag-gated Printf calls the
/// teacher scatters through stats.Stats checks: every call here costs a
/// lock and a write, so call sites should be sparse on hot paths.
func KP(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	logger.Printf(format, args...)
}

/// Panicking is set to 1 by Panic, and never cleared, so the
/// scheduler's tick handler can refuse to preempt (spec §4.6's global
/// panic flag).
var Panicking int32

/// MaskInterrupts, ForceUnlockSerial and Halt are installed by cpu/pcb
/// at boot; they default to no-ops so klog is usable from plain `go
/// test` without a real core.
var (
	MaskInterrupts    func() = func() {}
	ForceUnlockSerial func() = func() {}
	Halt              func() = func() {}
)

/// Panic implements the panic sequence: set the kernel-wide flag,
/// disable local interrupts, force-unlock the serial port so the
/// report below actually reaches it, print the panic site plus a
/// disassembly of the faulting instruction, then call Halt. With the
/// default no-op Halt (as under `go test`) Panic returns after printing.
func Panic(site string, coreID int, rip uintptr, code []byte) {
	atomic.StoreInt32(&Panicking, 1)
	MaskInterrupts()
	ForceUnlockSerial()

	mu.Lock()
	logger.Printf("panic: %s (core %d, rip %#x)", site, coreID, rip)
	if inst, err := x86asm.Decode(code, 64); err == nil {
		logger.Printf("  faulting instruction: %s", x86asm.GNUSyntax(inst, uint64(rip), nil))
	} else {
		logger.Printf("  could not disassemble faulting instruction: %v", err)
	}
	mu.Unlock()

	Halt()
}

/// Errorf is a convenience matching the teacher's habit of building
/// %w-wrapped sentinel errors at package boundaries rather than ad hoc
/// strings.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
