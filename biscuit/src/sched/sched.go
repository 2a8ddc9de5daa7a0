// Package sched implements the process table and round-robin
// scheduler (spec §4.6): one shared PID->Task table, per-core
// selection via switch_next, sleep/wake against the RTC-derived clock,
// and the PROC_SWITCH_LOCK reentrancy flag. Grounded on the teacher's
// own hashtable.Hashtable_t (lock-free Get, bucket-locked Set/Del) as
// the process table's backing store, reused here keyed by PID instead
// of the teacher's original fd/inode keys.
package sched

import (
	"fmt"
	"sort"
	"sync/atomic"

	"hashtable"
	"kernelclock"
	"mem"
	"vm"
)

/// State is a Task's scheduling state (spec §4.6's transition table).
type State int

const (
	StateNotRunnable State = iota
	StateReady
	StateRunning
	StateBlocked
	StateDying
)

func (s State) String() string {
	switch s {
	case StateNotRunnable:
		return "not-runnable"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateDying:
		return "dying"
	default:
		return "unknown"
	}
}

/// unboundCore marks a Task not yet bound to any core; switch_next
/// binds it to whichever core first selects it.
const unboundCore = -1

/// Context is the callee-saved register state a context switch saves
/// on the way out and restores on the way in (spec §3's Data Model:
/// "saved register context"). The actual save/restore sequence is
/// hand-written assembly this package never emits; this struct is
/// just the storage the assembly reads and writes, plus the pure
/// CR3-skip decision in NeedsCR3Reload.
type Context struct {
	RBX, RBP, R12, R13, R14, R15 uintptr
	RSP, RFLAGS                  uintptr
}

/// Task is one schedulable unit: an address space, a kernel stack, and
/// the bookkeeping switch_next needs.
type Task struct {
	PID            int
	State          State
	CoreID         int
	AS             *vm.AddressSpace
	KernelStackTop mem.VirtAddr
	EntryPoint     uintptr
	WakeAt         kernelclock.Seconds
	Ctx            Context
}

/// NeedsCR3Reload reports whether switching from prev to next requires
/// reloading CR3 (spec: "skip the CR3 reload if CR3 is unchanged").
/// Two Tasks sharing the same AddressSpace's root frame — including
/// the common case of switching into the same Task that's already
/// running — never need a reload.
func NeedsCR3Reload(prev, next *Task) bool {
	if prev == nil || next == nil {
		return true
	}
	if prev.AS == nil || next.AS == nil {
		return prev.AS != next.AS
	}
	return prev.AS.Root != next.AS.Root
}

/// ErrNoneRunnable is returned by SwitchNext when no Task is Ready for
/// this core and the current Task is not Ready either — the core
/// should halt with interrupts enabled until the next tick (spec
/// §4.6's Selection rule).
var ErrNoneRunnable = fmt.Errorf("sched: no runnable task for this core")

/// Scheduler owns the shared process table and the single
/// PROC_SWITCH_LOCK reentrancy flag (spec §4.6).
type Scheduler struct {
	tasks      *hashtable.Hashtable_t
	nextPID    int32
	switchLock int32
}

/// New returns an empty Scheduler. PID 0 is reserved as the "nothing
/// running" sentinel and is never allocated to a real Task.
func New() *Scheduler {
	return &Scheduler{tasks: hashtable.MkHash(64), nextPID: 1}
}

/// Spawn allocates a fresh PID and inserts a Ready, core-unbound Task.
func (s *Scheduler) Spawn(as *vm.AddressSpace, kstackTop mem.VirtAddr, entry uintptr) *Task {
	pid := int(atomic.AddInt32(&s.nextPID, 1)) - 1
	t := &Task{
		PID:            pid,
		State:          StateReady,
		CoreID:         unboundCore,
		AS:             as,
		KernelStackTop: kstackTop,
		EntryPoint:     entry,
	}
	s.tasks.Set(pid, t)
	return t
}

/// Get looks up a Task by PID.
func (s *Scheduler) Get(pid int) (*Task, bool) {
	v, ok := s.tasks.Get(pid)
	if !ok {
		return nil, false
	}
	return v.(*Task), true
}

/// MarkRunning transitions pid to Running.
func (s *Scheduler) MarkRunning(pid int) {
	if t, ok := s.Get(pid); ok {
		t.State = StateRunning
	}
}

/// MarkReady transitions pid back to Ready (explicit yield, or
/// preemption of a still-runnable Task).
func (s *Scheduler) MarkReady(pid int) {
	if t, ok := s.Get(pid); ok {
		t.State = StateReady
	}
}

/// MarkBlocked puts pid to sleep until wakeAt (spec §4.6's Sleep).
func (s *Scheduler) MarkBlocked(pid int, wakeAt kernelclock.Seconds) {
	if t, ok := s.Get(pid); ok {
		t.State = StateBlocked
		t.WakeAt = wakeAt
	}
}

/// MarkDying transitions pid to Dying; it keeps running until its next
/// switch-away, which reaps it (spec §4.6, §5 Cancellation).
func (s *Scheduler) MarkDying(pid int) {
	if t, ok := s.Get(pid); ok {
		t.State = StateDying
	}
}

/// PromoteWoken scans every Blocked Task and moves it to Ready if its
/// wake time has passed now (spec §4.6's per-tick wake pass).
func (s *Scheduler) PromoteWoken(now kernelclock.Seconds) {
	for _, p := range s.tasks.Elems() {
		t := p.Value.(*Task)
		if t.State == StateBlocked && t.WakeAt <= now {
			t.State = StateReady
		}
	}
}

/// TryAcquireSwitchLock attempts to set PROC_SWITCH_LOCK, returning
/// false if a switch is already mid-flight on another core.
func (s *Scheduler) TryAcquireSwitchLock() bool {
	return atomic.CompareAndSwapInt32(&s.switchLock, 0, 1)
}

/// ReleaseSwitchLock clears PROC_SWITCH_LOCK.
func (s *Scheduler) ReleaseSwitchLock() {
	atomic.StoreInt32(&s.switchLock, 0)
}

func (s *Scheduler) sortedPIDs() []int {
	elems := s.tasks.Elems()
	pids := make([]int, len(elems))
	for i, p := range elems {
		pids[i] = p.Key.(int)
	}
	sort.Ints(pids)
	return pids
}

/// SwitchNext implements spec §4.6's Selection rule: walk the process
/// table starting just past prevPID, wrapping, and return the first
/// Task bound (or bindable) to core whose state is Ready. If nothing
/// qualifies and prevPID's own Task is still Ready and bound (or
/// bindable) to core, SwitchNext returns it unchanged (no switch
/// needed). Otherwise it returns
/// ErrNoneRunnable, and the caller should halt the core with
/// interrupts enabled until the next tick.
func (s *Scheduler) SwitchNext(core int, prevPID int) (*Task, error) {
	pids := s.sortedPIDs()
	start := 0
	for i, pid := range pids {
		if pid == prevPID {
			start = i + 1
			break
		}
	}

	for i := 0; i < len(pids); i++ {
		pid := pids[(start+i)%len(pids)]
		t, ok := s.Get(pid)
		if !ok || t.State != StateReady {
			continue
		}
		if t.CoreID != unboundCore && t.CoreID != core {
			continue
		}
		if t.CoreID == unboundCore {
			t.CoreID = core
		}
		return t, nil
	}

	if prev, ok := s.Get(prevPID); ok && prev.State == StateReady && (prev.CoreID == core || prev.CoreID == unboundCore) {
		return prev, nil
	}
	return nil, ErrNoneRunnable
}

/// ReapDying removes pid from the process table if it is Dying, for
/// the caller to then drop its AddressSpace and kernel stack (spec
/// §4.6: "on the next context switch away, the switch hook removes the
/// Task from the process table").
func (s *Scheduler) ReapDying(pid int) (*Task, bool) {
	t, ok := s.Get(pid)
	if !ok || t.State != StateDying {
		return nil, false
	}
	s.tasks.Del(pid)
	return t, true
}
