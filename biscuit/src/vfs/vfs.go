// Package vfs is the path-resolution shim sysgate's open/mkdir/rmdir/
// mkfile/rmfile calls forward to (spec §4.7), plus the three device
// nodes spec §6 names as external collaborators: /dev/serial,
// /dev/fb, /dev/null.
//
// bpath, the teacher's own path-canonicalization package, ships only a
// go.mod in this retrieval pack with no source to adapt, and ustr's
// real source is a byte-slice equality/dot-component helper with no
// Clean-equivalent, so path resolution here is built on the standard
// library's path package (path.Clean) rather than a ported stub — see
// DESIGN.md.
package vfs

import (
	"path"
	"sync"

	"defs"
	"mem"
	"sysgate"
	"vm"
)

/// clean canonicalizes p the way every call into FS expects paths to
/// already be expressed: absolute, with "." and ".." resolved.
func clean(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

/// ramFile is an in-memory regular file: the backing store for mkfile
/// and the compile-time seeded /tmp/include/* test binaries (spec §6's
/// "in-kernel file-content include").
type ramFile struct {
	mu   sync.Mutex
	data []byte
}

/// ramFileNode is one open handle onto a ramFile, with its own
/// independent read/write cursor per spec §4.7's per-fd semantics.
type ramFileNode struct {
	file *ramFile
	pos  int
}

func (n *ramFileNode) Read(buf []byte) (int, defs.Err_t) {
	n.file.mu.Lock()
	defer n.file.mu.Unlock()
	if n.pos >= len(n.file.data) {
		return 0, 0
	}
	c := copy(buf, n.file.data[n.pos:])
	n.pos += c
	return c, 0
}

func (n *ramFileNode) Write(buf []byte) (int, defs.Err_t) {
	n.file.mu.Lock()
	defer n.file.mu.Unlock()
	end := n.pos + len(buf)
	if end > len(n.file.data) {
		grown := make([]byte, end)
		copy(grown, n.file.data)
		n.file.data = grown
	}
	copy(n.file.data[n.pos:end], buf)
	n.pos = end
	return len(buf), 0
}

func (n *ramFileNode) Close() defs.Err_t { return 0 }

func (n *ramFileNode) Mmap(as *vm.AddressSpace, pages int, writable bool) (mem.VirtAddr, defs.Err_t) {
	return 0, defs.ENOSYS
}

/// SerialOut is the COM1 byte sink /dev/serial writes forward to. The
/// actual UART register programming is out of scope (spec §1's
/// non-goals); this is the seam a real driver plugs into.
type SerialOut interface {
	WriteByte(b byte) error
}

/// serialNode backs /dev/serial: writes forward to the port, reads
/// drain a fixed-size ring buffer fed by whatever feeds received bytes
/// in (interrupt handler, test harness), modeled after the teacher's
/// Circbuf_t head/tail/size bookkeeping but over a plain Go byte slice
/// since there is no physical page or refcounting to manage for a
/// software-only ring — see DESIGN.md.
type serialNode struct {
	mu   sync.Mutex
	out  SerialOut
	ring []byte
	head int
	tail int
	full bool
}

func newSerialNode(out SerialOut, ringSize int) *serialNode {
	return &serialNode{out: out, ring: make([]byte, ringSize)}
}

// Feed appends a byte received from the port into the read ring,
// dropping the oldest byte if the ring is full.
func (s *serialNode) Feed(b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.head] = b
	s.head = (s.head + 1) % len(s.ring)
	if s.full {
		s.tail = (s.tail + 1) % len(s.ring)
	}
	s.full = s.head == s.tail
}

func (s *serialNode) Read(buf []byte) (int, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(buf) && (s.full || s.tail != s.head) {
		buf[n] = s.ring[s.tail]
		s.tail = (s.tail + 1) % len(s.ring)
		s.full = false
		n++
	}
	return n, 0
}

func (s *serialNode) Write(buf []byte) (int, defs.Err_t) {
	for _, b := range buf {
		if err := s.out.WriteByte(b); err != nil {
			return 0, defs.EFSERROR
		}
	}
	return len(buf), 0
}

func (s *serialNode) Close() defs.Err_t { return 0 }

func (s *serialNode) Mmap(as *vm.AddressSpace, pages int, writable bool) (mem.VirtAddr, defs.Err_t) {
	return 0, defs.ENOSYS
}

/// nullNode backs /dev/null: reads report EOF, writes discard.
type nullNode struct{}

func (nullNode) Read(buf []byte) (int, defs.Err_t)  { return 0, 0 }
func (nullNode) Write(buf []byte) (int, defs.Err_t) { return len(buf), 0 }
func (nullNode) Close() defs.Err_t                  { return 0 }
func (nullNode) Mmap(as *vm.AddressSpace, pages int, writable bool) (mem.VirtAddr, defs.Err_t) {
	return 0, defs.ENOSYS
}

/// fbNode backs /dev/fb: mmap maps the framebuffer's physical region
/// huge into the caller's address space at the first available
/// address (spec §6: "mmap returns the framebuffer's physical region
/// mapped huge into the caller").
type fbNode struct {
	phys  mem.Pa_t
	pages int // in huge-page units
}

func (f *fbNode) Read(buf []byte) (int, defs.Err_t)  { return 0, defs.EFSERROR }
func (f *fbNode) Write(buf []byte) (int, defs.Err_t) { return 0, defs.EFSERROR }
func (f *fbNode) Close() defs.Err_t                  { return 0 }

func (f *fbNode) Mmap(as *vm.AddressSpace, pages int, writable bool) (mem.VirtAddr, defs.Err_t) {
	start, err := as.FirstAvailableAddrAbove(mem.VirtAddr(mem.USERMIN), f.pages*mem.HUGEPGSIZE/mem.PGSIZE)
	if err != nil {
		return 0, defs.ENOMEM
	}
	region := vm.VirtualRegion{Start: start, Pages: f.pages * mem.HUGEPGSIZE / mem.PGSIZE}
	attr := vm.AttrUser | vm.AttrR | vm.AttrHuge
	if writable {
		attr |= vm.AttrW
	}
	m := vm.NewMMIO(region, f.phys, attr)
	if err := as.InsertAndMap(m); err != nil {
		return 0, defs.ENOMEM
	}
	return start, 0
}

/// SeedFile is one compile-time (path, bytes) pair pre-seeding
/// /tmp/include/* with known userland test binaries (spec §6's
/// in-kernel file-content include).
type SeedFile struct {
	Path string
	Data []byte
}

/// deviceEntry pairs a device node's constructor with the major/minor
/// identifier the rest of the kernel would use to name it outside the
/// path namespace (spec §6's device nodes, numbered the way the
/// teacher's own defs.Mkdev/Unmkdev encode major/minor pairs).
type deviceEntry struct {
	devnum uint
	mk     func() sysgate.Node
}

/// FS is the in-memory namespace sysgate.VFS resolves against: a flat
/// set of directories plus regular files and the three device nodes,
/// with no on-disk persistence (spec §6: "the kernel is a pure
/// in-memory system between boots").
type FS struct {
	mu      sync.Mutex
	dirs    map[string]bool
	files   map[string]*ramFile
	devices map[string]deviceEntry
	serial  *serialNode
}

/// NewFS builds an FS with "/", "/dev", and "/tmp/include" pre-created,
/// the three device nodes installed under /dev, and seed pre-loaded
/// into /tmp/include.
func NewFS(serialOut SerialOut, fbPhys mem.Pa_t, fbHugePages int, seed []SeedFile) *FS {
	fs := &FS{
		dirs:    map[string]bool{"/": true, "/dev": true, "/tmp": true, "/tmp/include": true},
		files:   make(map[string]*ramFile),
		devices: make(map[string]deviceEntry),
	}
	fs.serial = newSerialNode(serialOut, 4096)
	fs.registerDevice("/dev/serial", defs.D_CONSOLE, 0, func() sysgate.Node { return fs.serial })
	fs.registerDevice("/dev/null", defs.D_DEVNULL, 0, func() sysgate.Node { return nullNode{} })
	fs.registerDevice("/dev/fb", defs.D_FB, 0, func() sysgate.Node { return &fbNode{phys: fbPhys, pages: fbHugePages} })

	for _, s := range seed {
		fs.files[clean(s.Path)] = &ramFile{data: append([]byte(nil), s.Data...)}
	}
	return fs
}

func (fs *FS) registerDevice(path string, major, minor int, mk func() sysgate.Node) {
	fs.devices[path] = deviceEntry{devnum: defs.Mkdev(major, minor), mk: mk}
}

/// DeviceNumber returns the major/minor pair a device path was
/// registered under, for callers (diagnostics, a future stat syscall)
/// that need the numeric identifier rather than the path.
func (fs *FS) DeviceNumber(path string) (major, minor int, ok bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, ok := fs.devices[clean(path)]
	if !ok {
		return 0, 0, false
	}
	major, minor = defs.Unmkdev(d.devnum)
	return major, minor, true
}

/// FeedSerial delivers one received byte into /dev/serial's read ring,
/// for whatever feeds the UART's receive interrupt in.
func (fs *FS) FeedSerial(b byte) {
	fs.serial.Feed(b)
}

/// Open resolves path to a Node, per spec §4.7's open row: device nodes
/// resolve to their fixed singleton, regular files resolve to a fresh
/// independent-cursor handle onto the shared ramFile, and flags beyond
/// "does this path exist" are reserved for a future extension (every
/// open today behaves as read+write).
func (fs *FS) Open(p string, flags int) (sysgate.Node, defs.Err_t) {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if d, ok := fs.devices[p]; ok {
		return d.mk(), 0
	}
	if f, ok := fs.files[p]; ok {
		return &ramFileNode{file: f}, 0
	}
	return nil, defs.EINVALIDPATH
}

/// Mkdir records p as an existing directory. Returns Exist if p is
/// already a directory or file.
func (fs *FS) Mkdir(p string) defs.Err_t {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dirs[p] {
		return defs.EEXIST
	}
	if _, ok := fs.files[p]; ok {
		return defs.EEXIST
	}
	fs.dirs[p] = true
	return 0
}

/// Rmdir removes a directory. Returns InvalidPath if it doesn't exist.
func (fs *FS) Rmdir(p string) defs.Err_t {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if p == "/" || !fs.dirs[p] {
		return defs.EINVALIDPATH
	}
	delete(fs.dirs, p)
	return 0
}

/// Mkfile creates an empty regular file at p. Returns Exist if p
/// already names a file or directory.
func (fs *FS) Mkfile(p string) defs.Err_t {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dirs[p] {
		return defs.EEXIST
	}
	if _, ok := fs.files[p]; ok {
		return defs.EEXIST
	}
	fs.files[p] = &ramFile{}
	return 0
}

/// Rmfile removes a regular file. Returns InvalidPath if it doesn't
/// exist.
func (fs *FS) Rmfile(p string) defs.Err_t {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[p]; !ok {
		return defs.EINVALIDPATH
	}
	delete(fs.files, p)
	return 0
}
