// Package sysgate is the syscall entry gate (spec §4.7). Named sysgate
// rather than syscall so it doesn't shadow the standard library's
// syscall import path under this module's flat package layout.
//
// The actual swapgs/sysretq sequence and the canonical-RIP check before
// a fast return are hand-written assembly this package never emits
// (spec §4.7 steps 1-3, 5-6); what lives here is everything a trusted
// caller can drive without it: the dispatcher, the syscall table, fd
// bookkeeping, and UserPtr validation. pcb.Block.EnterKernel/LeaveKernel
// model the swapgs-gated RSP handoff those steps perform.
package sysgate

import (
	"fmt"

	"defs"
	"elf"
	"kernelclock"
	"mem"
	"sched"
	"vm"
)

/// Num identifies a syscall by its dispatcher call number (spec §4.7's
/// table; RAX on entry per §6's ABI).
type Num int

const (
	SysOpen Num = iota + 1
	SysClose
	SysRead
	SysWrite
	SysMkdir
	SysRmdir
	SysMkfile
	SysRmfile
	SysExecv
	SysClone
	SysSleep
	SysYield
	SysExit
	SysMmap
	SysMunmap
	SysMprotect
	SysLogprint
)

/// Frame is the dispatcher-visible half of the interrupt frame the
/// entry stub builds on the kernel stack (spec §4.7 step 3): the call
/// number and up to five arguments, plus the userland RIP/RFLAGS/CS the
/// fast-return path must validate before trusting them.
type Frame struct {
	Num  Num
	Args [5]uintptr

	SavedRIP    uintptr
	SavedRFLAGS uintptr
	SavedCS     uint16
}

/// IsCanonicalRIP reports whether rip is a valid canonical address:
/// bits 63:47 must all equal bit 47 (spec §4.7 step 5). A non-canonical
/// RIP reaching sysretq is a privilege-escalation vector, so the entry
/// stub falls back to the slow iretq path whenever this is false.
func IsCanonicalRIP(rip uintptr) bool {
	const signBit = uintptr(1) << 47
	top := rip >> 47
	if rip&signBit == 0 {
		return top == 0
	}
	return top == (^uintptr(0) >> 47)
}

/// UserPtr is a userland-supplied pointer plus length, validated before
/// any kernel code dereferences the address it names (spec §4.7's
/// "every userland pointer is wrapped in a UserPtr" rule).
type UserPtr struct {
	Addr mem.VirtAddr
	Len  int
}

/// ErrInvalidPtr is returned by Validate when the pointer (or the range
/// it covers) is not entirely below the kernel/user boundary.
var ErrInvalidPtr = fmt.Errorf("sysgate: invalid user pointer")

/// Validate checks that p's whole range lies in [USERMIN, boundary),
/// rejecting both addresses below the guard page and ranges that would
/// overflow into or past the kernel half.
func (p UserPtr) Validate(boundary mem.VirtAddr) error {
	if p.Len < 0 {
		return ErrInvalidPtr
	}
	if p.Addr < mem.VirtAddr(mem.USERMIN) {
		return ErrInvalidPtr
	}
	end := p.Addr + mem.VirtAddr(p.Len)
	if end < p.Addr { // overflow
		return ErrInvalidPtr
	}
	if end > boundary {
		return ErrInvalidPtr
	}
	return nil
}

/// Node is the minimal VFS-visible file-like object a syscall handler
/// can open, read, write, and close. The teacher's own Fdops_i contract
/// in fdops/fd.go exists only as a reference to an interface body the
/// retrieval pack never actually ships (fdops/ carries a go.mod and no
/// source), so this is a fresh, narrower interface grounded on the
/// fd.Fd_t/Cwd_t shape rather than a port of the missing original — see
/// DESIGN.md.
type Node interface {
	Read(buf []byte) (int, defs.Err_t)
	Write(buf []byte) (int, defs.Err_t)
	Close() defs.Err_t
	Mmap(as *vm.AddressSpace, pages int, writable bool) (mem.VirtAddr, defs.Err_t)
}

/// VFS resolves paths to Nodes and performs the namespace-mutating
/// calls the dispatcher forwards verbatim (spec §4.7's open/mkdir
/// table row).
type VFS interface {
	Open(path string, flags int) (Node, defs.Err_t)
	Mkdir(path string) defs.Err_t
	Rmdir(path string) defs.Err_t
	Mkfile(path string) defs.Err_t
	Rmfile(path string) defs.Err_t
}

/// fdTable is one process's open-descriptor set.
type fdTable struct {
	next  int
	nodes map[int]Node
}

func newFdTable() *fdTable {
	return &fdTable{next: 3, nodes: make(map[int]Node)} // 0-2 reserved (stdin/out/err)
}

func (t *fdTable) install(n Node) int {
	fd := t.next
	t.next++
	t.nodes[fd] = n
	return fd
}

func (t *fdTable) get(fd int) (Node, bool) {
	n, ok := t.nodes[fd]
	return n, ok
}

func (t *fdTable) remove(fd int) (Node, bool) {
	n, ok := t.nodes[fd]
	if ok {
		delete(t.nodes, fd)
	}
	return n, ok
}

/// Gate wires the syscall table to a Scheduler, a VFS, and the
/// per-process fd tables the dispatcher consults on every open/read/
/// write/close. KernelBoundary is the first address UserPtr.Validate
/// refuses — the start of the kernel half's reserved PML4 slots. Now
/// supplies the current wall-clock second sysSleep computes a wake
/// deadline from (spec §4.6: "records a wake time... current DateTime
/// converted to seconds, plus the requested seconds").
type Gate struct {
	Scheduler      *sched.Scheduler
	VFS            VFS
	KernelBoundary mem.VirtAddr
	Now            func() kernelclock.Seconds

	fds map[int]*fdTable // keyed by PID
}

/// NewGate builds a Gate ready to Dispatch syscalls for tasks spawned
/// from sched. now supplies the current wall-clock second; the caller
/// derives it from kernelclock.Now against a real RTC port.
func NewGate(s *sched.Scheduler, v VFS, kernelBoundary mem.VirtAddr, now func() kernelclock.Seconds) *Gate {
	return &Gate{Scheduler: s, VFS: v, KernelBoundary: kernelBoundary, Now: now, fds: make(map[int]*fdTable)}
}

func (g *Gate) tableFor(pid int) *fdTable {
	t, ok := g.fds[pid]
	if !ok {
		t = newFdTable()
		g.fds[pid] = t
	}
	return t
}

// copyFunc lets tests (and, in the real kernel, the
// trusted copy_from/to_user routines) supply the backing byte slice a
// UserPtr names without this package needing direct access to a raw
// address space's physical pages.
type copyFunc func(p UserPtr) ([]byte, defs.Err_t)

/// Dispatch runs one syscall to completion and returns the value that
/// belongs in RAX on return: non-negative on success, -Err_t on
/// failure, matching spec §4.7's "negative = errno" convention.
// copyIn/copyOut are how the dispatcher reaches into the calling
// process's address space; the real kernel backs them with
// AddressSpace.WriteAt's read-side counterpart, tests back them with
// plain slices.
func (g *Gate) Dispatch(pid int, f Frame, copyIn, copyOut copyFunc) int64 {
	switch f.Num {
	case SysOpen:
		return g.sysOpen(pid, f, copyIn)
	case SysClose:
		return g.sysClose(pid, f)
	case SysRead:
		return g.sysRead(pid, f, copyOut)
	case SysWrite:
		return g.sysWrite(pid, f, copyIn)
	case SysMkdir:
		return errAsRAX(g.sysPathOp(f, copyIn, g.VFS.Mkdir))
	case SysRmdir:
		return errAsRAX(g.sysPathOp(f, copyIn, g.VFS.Rmdir))
	case SysMkfile:
		return errAsRAX(g.sysPathOp(f, copyIn, g.VFS.Mkfile))
	case SysRmfile:
		return errAsRAX(g.sysPathOp(f, copyIn, g.VFS.Rmfile))
	case SysSleep:
		return g.sysSleep(pid, f)
	case SysYield:
		g.Scheduler.MarkReady(pid)
		return 0
	case SysExit:
		g.Scheduler.MarkDying(pid)
		return 0
	default:
		return -int64(defs.ENOSYS)
	}
}

func errAsRAX(e defs.Err_t) int64 {
	if e != 0 {
		return -int64(e)
	}
	return 0
}

func (g *Gate) sysOpen(pid int, f Frame, copyIn copyFunc) int64 {
	ptr := UserPtr{Addr: mem.VirtAddr(f.Args[0]), Len: int(f.Args[1])}
	if err := ptr.Validate(g.KernelBoundary); err != nil {
		return -int64(defs.EINVALIDPTR)
	}
	raw, e := copyIn(ptr)
	if e != 0 {
		return -int64(e)
	}
	node, e := g.VFS.Open(string(raw), int(f.Args[2]))
	if e != 0 {
		return -int64(e)
	}
	fd := g.tableFor(pid).install(node)
	return int64(fd)
}

func (g *Gate) sysClose(pid int, f Frame) int64 {
	node, ok := g.tableFor(pid).remove(int(f.Args[0]))
	if !ok {
		return -int64(defs.EINVALIDFD)
	}
	return errAsRAX(node.Close())
}

func (g *Gate) sysRead(pid int, f Frame, copyOut copyFunc) int64 {
	node, ok := g.tableFor(pid).get(int(f.Args[0]))
	if !ok {
		return -int64(defs.EINVALIDFD)
	}
	ptr := UserPtr{Addr: mem.VirtAddr(f.Args[1]), Len: int(f.Args[2])}
	if err := ptr.Validate(g.KernelBoundary); err != nil {
		return -int64(defs.EINVALIDPTR)
	}
	buf := make([]byte, ptr.Len)
	n, e := node.Read(buf)
	if e != 0 {
		return -int64(e)
	}
	dst, e := copyOut(ptr)
	if e != 0 {
		return -int64(e)
	}
	copy(dst, buf[:n])
	return int64(n)
}

func (g *Gate) sysWrite(pid int, f Frame, copyIn copyFunc) int64 {
	node, ok := g.tableFor(pid).get(int(f.Args[0]))
	if !ok {
		return -int64(defs.EINVALIDFD)
	}
	ptr := UserPtr{Addr: mem.VirtAddr(f.Args[1]), Len: int(f.Args[2])}
	if err := ptr.Validate(g.KernelBoundary); err != nil {
		return -int64(defs.EINVALIDPTR)
	}
	raw, e := copyIn(ptr)
	if e != 0 {
		return -int64(e)
	}
	n, e := node.Write(raw)
	if e != 0 {
		return -int64(e)
	}
	return int64(n)
}

func (g *Gate) sysPathOp(f Frame, copyIn copyFunc, op func(string) defs.Err_t) defs.Err_t {
	ptr := UserPtr{Addr: mem.VirtAddr(f.Args[0]), Len: int(f.Args[1])}
	if err := ptr.Validate(g.KernelBoundary); err != nil {
		return defs.EINVALIDPTR
	}
	raw, e := copyIn(ptr)
	if e != 0 {
		return e
	}
	return op(string(raw))
}

func (g *Gate) sysSleep(pid int, f Frame) int64 {
	secs := kernelclock.Seconds(f.Args[0])
	g.Scheduler.MarkBlocked(pid, g.Now()+secs)
	return 0
}

/// Execv loads image into a fresh user AddressSpace and returns the
/// entry point and stack top the caller's context switch resumes with
/// (spec §4.7's execv row, backed by elf.Load per §4.8). The caller is
/// responsible for installing the returned AddressSpace onto the Task
/// and pushing the enter_user trampoline frame, both of which need the
/// hand-written context-switch assembly this package never emits.
func Execv(as *vm.AddressSpace, image []byte) (*elf.Loaded, error) {
	return elf.Load(as, image)
}
