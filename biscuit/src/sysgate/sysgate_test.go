package sysgate

import (
	"testing"

	"defs"
	"kernelclock"
	"mem"
	"sched"
	"vm"
)

func fixedNow(s kernelclock.Seconds) func() kernelclock.Seconds {
	return func() kernelclock.Seconds { return s }
}

func TestIsCanonicalRIPAcceptsSignExtendedAddresses(t *testing.T) {
	cases := []struct {
		rip  uintptr
		want bool
	}{
		{0x0000400000, true},                      // typical low userland code
		{0xffffffff80000000, true},                 // typical high kernel code
		{0x0000800000000000, false},                 // one past the low canonical half
		{0xffff7fffffffffff, false},                 // one before the high canonical half
	}
	for _, c := range cases {
		if got := IsCanonicalRIP(c.rip); got != c.want {
			t.Errorf("IsCanonicalRIP(%#x) = %v, want %v", c.rip, got, c.want)
		}
	}
}

func TestUserPtrValidateRejectsOutOfRangeAndOverflow(t *testing.T) {
	boundary := mem.VirtAddr(0x800000000000)

	ok := UserPtr{Addr: mem.VirtAddr(mem.USERMIN), Len: 16}
	if err := ok.Validate(boundary); err != nil {
		t.Fatalf("in-range pointer rejected: %v", err)
	}

	belowGuard := UserPtr{Addr: 0, Len: 8}
	if err := belowGuard.Validate(boundary); err == nil {
		t.Fatal("pointer at address 0 should be rejected")
	}

	pastBoundary := UserPtr{Addr: boundary - 4, Len: 16}
	if err := pastBoundary.Validate(boundary); err == nil {
		t.Fatal("range crossing the kernel boundary should be rejected")
	}

	overflow := UserPtr{Addr: ^mem.VirtAddr(0) - 2, Len: 16}
	if err := overflow.Validate(boundary); err == nil {
		t.Fatal("range that overflows should be rejected")
	}
}

type fakeNode struct {
	data   []byte
	closed bool
}

func (n *fakeNode) Read(buf []byte) (int, defs.Err_t) {
	c := copy(buf, n.data)
	return c, 0
}

func (n *fakeNode) Write(buf []byte) (int, defs.Err_t) {
	n.data = append(n.data[:0], buf...)
	return len(buf), 0
}

func (n *fakeNode) Close() defs.Err_t {
	n.closed = true
	return 0
}

func (n *fakeNode) Mmap(as *vm.AddressSpace, pages int, writable bool) (mem.VirtAddr, defs.Err_t) {
	return 0, defs.ENOSYS
}

type fakeVFS struct {
	nodes map[string]*fakeNode
	mkdir []string
}

func newFakeVFS() *fakeVFS {
	return &fakeVFS{nodes: make(map[string]*fakeNode)}
}

func (v *fakeVFS) Open(path string, flags int) (Node, defs.Err_t) {
	n, ok := v.nodes[path]
	if !ok {
		return nil, defs.EINVALIDPATH
	}
	return n, 0
}

func (v *fakeVFS) Mkdir(path string) defs.Err_t {
	v.mkdir = append(v.mkdir, path)
	return 0
}

func (v *fakeVFS) Rmdir(path string) defs.Err_t  { return 0 }
func (v *fakeVFS) Mkfile(path string) defs.Err_t { return 0 }
func (v *fakeVFS) Rmfile(path string) defs.Err_t { return 0 }

func testCopy(data map[mem.VirtAddr][]byte) copyFunc {
	return func(p UserPtr) ([]byte, defs.Err_t) {
		b, ok := data[p.Addr]
		if !ok {
			b = make([]byte, p.Len)
			data[p.Addr] = b
		}
		return b, 0
	}
}

func TestDispatchOpenReadWriteCloseRoundTrip(t *testing.T) {
	vfs := newFakeVFS()
	vfs.nodes["/dev/serial"] = &fakeNode{data: []byte("hello")}

	s := sched.New()
	task := s.Spawn(nil, 0, 0)
	g := NewGate(s, vfs, mem.VirtAddr(0x800000000000), fixedNow(0))

	pathBuf := map[mem.VirtAddr][]byte{0x2000: []byte("/dev/serial")}
	copyIn := testCopy(pathBuf)

	openFrame := Frame{Num: SysOpen, Args: [5]uintptr{0x2000, 11, 0}}
	fd := g.Dispatch(task.PID, openFrame, copyIn, copyIn)
	if fd < 3 {
		t.Fatalf("Dispatch(open) = %d, want a fd >= 3", fd)
	}

	readBuf := map[mem.VirtAddr][]byte{0x3000: make([]byte, 5)}
	readFrame := Frame{Num: SysRead, Args: [5]uintptr{uintptr(fd), 0x3000, 5}}
	n := g.Dispatch(task.PID, readFrame, testCopy(readBuf), testCopy(readBuf))
	if n != 5 {
		t.Fatalf("Dispatch(read) = %d, want 5", n)
	}

	closeFrame := Frame{Num: SysClose, Args: [5]uintptr{uintptr(fd)}}
	if r := g.Dispatch(task.PID, closeFrame, nil, nil); r != 0 {
		t.Fatalf("Dispatch(close) = %d, want 0", r)
	}
	if !vfs.nodes["/dev/serial"].closed {
		t.Fatal("close did not reach the underlying node")
	}

	// A second read against the now-closed fd must fail with EINVALIDFD.
	if r := g.Dispatch(task.PID, readFrame, testCopy(readBuf), testCopy(readBuf)); r != -int64(defs.EINVALIDFD) {
		t.Fatalf("Dispatch(read) after close = %d, want %d", r, -int64(defs.EINVALIDFD))
	}
}

func TestDispatchOpenRejectsInvalidUserPointer(t *testing.T) {
	vfs := newFakeVFS()
	s := sched.New()
	task := s.Spawn(nil, 0, 0)
	g := NewGate(s, vfs, mem.VirtAddr(0x800000000000), fixedNow(0))

	frame := Frame{Num: SysOpen, Args: [5]uintptr{0, 11, 0}} // address 0 is invalid
	if r := g.Dispatch(task.PID, frame, testCopy(nil), testCopy(nil)); r != -int64(defs.EINVALIDPTR) {
		t.Fatalf("Dispatch(open) with bad pointer = %d, want %d", r, -int64(defs.EINVALIDPTR))
	}
}

func TestDispatchUnknownSyscallReturnsENOSYS(t *testing.T) {
	s := sched.New()
	task := s.Spawn(nil, 0, 0)
	g := NewGate(s, newFakeVFS(), mem.VirtAddr(0x800000000000), fixedNow(0))

	frame := Frame{Num: Num(999)}
	if r := g.Dispatch(task.PID, frame, nil, nil); r != -int64(defs.ENOSYS) {
		t.Fatalf("Dispatch(unknown) = %d, want %d", r, -int64(defs.ENOSYS))
	}
}

func TestDispatchSleepBlocksTaskWithWakeDeadline(t *testing.T) {
	s := sched.New()
	task := s.Spawn(nil, 0, 0)
	g := NewGate(s, newFakeVFS(), mem.VirtAddr(0x800000000000), fixedNow(100))

	frame := Frame{Num: SysSleep, Args: [5]uintptr{30}}
	g.Dispatch(task.PID, frame, nil, nil)

	got, _ := s.Get(task.PID)
	if got.State != sched.StateBlocked {
		t.Fatalf("state = %v, want Blocked", got.State)
	}
	if got.WakeAt != 130 {
		t.Fatalf("WakeAt = %d, want 130 (now=100 + 30)", got.WakeAt)
	}
}

func TestDispatchExitMarksDying(t *testing.T) {
	s := sched.New()
	task := s.Spawn(nil, 0, 0)
	g := NewGate(s, newFakeVFS(), mem.VirtAddr(0x800000000000), fixedNow(0))

	g.Dispatch(task.PID, Frame{Num: SysExit}, nil, nil)
	got, _ := s.Get(task.PID)
	if got.State != sched.StateDying {
		t.Fatalf("state = %v, want Dying", got.State)
	}
}

func TestDispatchMkdirForwardsPathToVFS(t *testing.T) {
	vfs := newFakeVFS()
	s := sched.New()
	task := s.Spawn(nil, 0, 0)
	g := NewGate(s, vfs, mem.VirtAddr(0x800000000000), fixedNow(0))

	pathBuf := map[mem.VirtAddr][]byte{0x4000: []byte("/tmp/x")}
	frame := Frame{Num: SysMkdir, Args: [5]uintptr{0x4000, 6}}
	if r := g.Dispatch(task.PID, frame, testCopy(pathBuf), nil); r != 0 {
		t.Fatalf("Dispatch(mkdir) = %d, want 0", r)
	}
	if len(vfs.mkdir) != 1 || vfs.mkdir[0] != "/tmp/x" {
		t.Fatalf("Mkdir calls = %v, want [/tmp/x]", vfs.mkdir)
	}
}
