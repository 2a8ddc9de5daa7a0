package ptw

import "mem"

/// Invalidate is called by a Flusher to actually invalidate one TLB
/// entry on the issuing core. It is a package variable rather than a
/// hard dependency on an assembly stub so that tests can observe (or
/// simply ignore) invalidations; cpu.InvalidatePage installs the real
/// INVLPG-backed implementation at boot.
var Invalidate func(mem.VirtAddr) = func(mem.VirtAddr) {}

/// Flusher is a scoped handle guaranteeing a TLB invalidation for one
/// virtual address. Go has no destructors, so unlike the Rust original
/// the guarantee is enforced by discipline, not the compiler: every
/// mutating Walker method that changes a live mapping returns one, and
/// callers MUST end its life with either Flush or Ignore. Flush()
/// performs the invalidation; Ignore() dissolves the handle without
/// flushing, for callers that already know a single flush at the end
/// of a batch of changes will cover this address too.
type Flusher struct {
	va   mem.VirtAddr
	done bool
}

/// NewFlusher returns a Flusher pending invalidation of va.
func NewFlusher(va mem.VirtAddr) *Flusher {
	return &Flusher{va: va}
}

/// Flush invalidates the TLB entry for this Flusher's address. Calling
/// Flush or Ignore more than once is a no-op.
func (f *Flusher) Flush() {
	if f.done {
		return
	}
	f.done = true
	Invalidate(f.va)
}

/// Ignore dissolves the handle without flushing.
func (f *Flusher) Ignore() {
	f.done = true
}

/// Pending reports whether neither Flush nor Ignore has been called
/// yet. Exposed for tests that want to assert batching discipline.
func (f *Flusher) Pending() bool {
	return !f.done
}
