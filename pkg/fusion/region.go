package fusion

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// region is one process's view of the heap file.
//
// The whole [Options.MaxHeapSize] range is reserved up front as inaccessible
// anonymous memory, and the file is mapped over its head with MAP_FIXED. Growth
// maps the new tail in place and shrink turns it back into reservation, so an
// address handed out once stays valid in every process for as long as the
// memory behind it is allocated.
type region struct {
	mu     sync.Mutex
	fd     int
	path   string
	mem    []byte // reservation, unmapped on close
	base   unsafe.Pointer
	mapped atomic.Uint64
}

func newRegion(fd int, path string, reserve uint64) (*region, error) {
	mem, err := unix.Mmap(-1, 0, int(reserve), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, osError("reserve", path, err)
	}

	return &region{
		fd:   fd,
		path: path,
		mem:  mem,
		base: unsafe.Pointer(&mem[0]),
	}, nil
}

func (r *region) size() uint64 {
	return r.mapped.Load()
}

func (r *region) limit() uint64 {
	return uint64(len(r.mem))
}

// remap makes exactly [0, size) of the file accessible.
func (r *region) remap(size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.remapLocked(size)
}

// grow extends the mapping to size. A mapping that is already at least size
// is left alone.
func (r *region) grow(size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if size <= r.mapped.Load() {
		return nil
	}

	return r.remapLocked(size)
}

func (r *region) remapLocked(size uint64) error {
	cur := r.mapped.Load()

	switch {
	case size > r.limit():
		return fmt.Errorf("remap %s to %d beyond reservation %d: %w", r.path, size, r.limit(), ErrNoMemory)

	case size > cur:
		_, err := unix.MmapPtr(r.fd, int64(cur), unsafe.Add(r.base, cur), uintptr(size-cur),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED)
		if err != nil {
			return osError("mmap", r.path, err)
		}

	case size < cur:
		_, err := unix.MmapPtr(-1, 0, unsafe.Add(r.base, size), uintptr(cur-size),
			unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED)
		if err != nil {
			return osError("unmap tail", r.path, err)
		}
	}

	r.mapped.Store(size)

	return nil
}

func (r *region) at(off Offset) unsafe.Pointer {
	return unsafe.Add(r.base, off)
}

// contains reports whether addr lies inside the reservation and returns its
// offset.
func (r *region) contains(addr uintptr) (Offset, bool) {
	start := uintptr(r.base)
	if addr < start || addr >= start+uintptr(len(r.mem)) {
		return 0, false
	}

	return Offset(addr - start), true
}

func (r *region) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil
	r.base = nil
	r.mapped.Store(0)

	if err != nil {
		return osError("munmap", r.path, err)
	}

	return nil
}

// faultAddr runs fn with fault panics enabled and returns the faulting
// address if fn touched unmapped memory.
func faultAddr(fn func() error) (addr uintptr, faulted bool, err error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	defer func() {
		r := recover()
		if r == nil {
			return
		}

		fault, ok := r.(interface{ Addr() uintptr })
		if !ok {
			panic(r)
		}

		addr, faulted = fault.Addr(), true
	}()

	return 0, false, fn()
}
