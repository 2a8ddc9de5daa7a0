// Package pcb models each core's private data area: the TLS image a
// core addresses through its segment-register base, and the
// TSS/scratch slots that follow it (spec §4.5). Real TLS-base and
// swapgs control belongs to assembly the Go level never emits; this
// package owns the layout and bookkeeping a trusted caller (the
// syscall gate, the scheduler) reads and writes through.
package pcb

import "sync"

/// TSS is the fields of an x86_64 Task State Segment this kernel
/// actually uses: the ring-0 stack pointer loaded on every privilege
/// transition into the kernel.
type TSS struct {
	RSP0 uintptr
}

/// Block is one core's PCB: the self-referential TLS word every
/// %fs/%gs-relative access resolves through, a scratch slot the
/// syscall entry stub uses to stash userland RSP before switching
/// stacks, and this core's TSS.
type Block struct {
	mu sync.Mutex

	// TLSSelfPtr holds this Block's own address, satisfying the SysV
	// self-pointer convention TLS-relative accesses rely on.
	TLSSelfPtr uintptr

	// TmpUserRSP is written by the syscall entry stub before it
	// switches onto the kernel stack, and restored by sysret.
	TmpUserRSP uintptr

	TSS TSS

	CoreIndex int
	APICID    uint8
	initDone  bool
}

/// New builds the Block for core index idx (its position in the
/// bring-up-ordered CPU list) and ties its self-pointer to selfAddr,
/// the address the caller will point this core's segment-register
/// base at.
func New(idx int, apicID uint8, selfAddr uintptr) *Block {
	b := &Block{CoreIndex: idx, APICID: apicID}
	b.TLSSelfPtr = selfAddr
	return b
}

/// MarkInitialized records that this core has finished its
/// one-time TLS/GDT/TSS bring-up (spec §4.4 AP step 2); idempotent.
func (b *Block) MarkInitialized() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initDone = true
}

/// Initialized reports whether MarkInitialized has run on this core.
func (b *Block) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initDone
}

/// SetKernelStackTop updates this core's TSS.RSP0 to the incoming
/// task's kernel-stack top, called on every context switch (spec
/// §4.5, §4.6).
func (b *Block) SetKernelStackTop(top uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.TSS.RSP0 = top
}

/// SaveUserRSP stashes rsp in TmpUserRSP for the syscall entry stub.
func (b *Block) SaveUserRSP(rsp uintptr) {
	b.TmpUserRSP = rsp
}

/// TakeUserRSP returns and clears the stashed userland RSP, for the
/// syscall exit stub to restore before sysret.
func (b *Block) TakeUserRSP() uintptr {
	rsp := b.TmpUserRSP
	b.TmpUserRSP = 0
	return rsp
}

/// Table holds every core's Block, indexed by core index, and is the
/// write-once-then-read-only CPU-indexed table smp.BuildCPUList feeds
/// during bring-up.
type Table struct {
	mu     sync.RWMutex
	blocks []*Block
}

/// NewTable allocates room for n cores' Blocks.
func NewTable(n int) *Table {
	return &Table{blocks: make([]*Block, n)}
}

/// Install records b as core idx's Block.
func (t *Table) Install(idx int, b *Block) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocks[idx] = b
}

/// Get returns core idx's Block, or nil if it was never installed.
func (t *Table) Get(idx int) *Block {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.blocks) {
		return nil
	}
	return t.blocks[idx]
}

// ringFromSelector extracts the CPL (current privilege level) from a
// saved CS selector's low two bits, per the x86_64 segment-selector
// layout.
func ringFromSelector(cs uint16) int {
	return int(cs & 0x3)
}

/// NeedsSwapgs reports whether an interrupt/exception that saved cs as
/// the faulting CS selector interrupted userland, and therefore needs
/// swapgs on entry (and again on exit) to reach the kernel's gs-based
/// PCB (spec §4.5's swapgs discipline).
func NeedsSwapgs(savedCS uint16) bool {
	const ring3 = 3
	return ringFromSelector(savedCS) == ring3
}

/// EnterKernel models the syscall entry stub's swapgs + userland-RSP
/// stash (spec §4.7 steps 1-2): the stub itself is hand-written
/// assembly this package never emits, but the decision of whether a
/// swapgs happened and the bookkeeping it performs belong here so the
/// gate above can be tested without assembly. Returns whether the
/// transition came from userland.
func (b *Block) EnterKernel(savedCS uint16, userRSP uintptr) bool {
	fromUser := NeedsSwapgs(savedCS)
	if fromUser {
		b.SaveUserRSP(userRSP)
	}
	return fromUser
}

/// LeaveKernel mirrors EnterKernel on the return path: when the
/// transition came from userland it hands back the stashed RSP the
/// sysret/iret stub restores before its own swapgs.
func (b *Block) LeaveKernel(fromUser bool) uintptr {
	if !fromUser {
		return 0
	}
	return b.TakeUserRSP()
}
