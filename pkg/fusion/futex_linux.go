//go:build linux

package fusion

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations: the words live in a MAP_SHARED file
// mapping, so the kernel keys them by inode and offset and wakes waiters in
// every process that maps the heap.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// pollInterval bounds every futex wait. Waiters re-check their condition
// (including peer liveness and destruction) at least this often, so a lost
// wake-up only costs latency.
const pollInterval = 10 * time.Millisecond

// futexWait blocks while *addr == val, for at most timeout. Spurious returns
// are expected; callers re-check their condition.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	ts := unix.NsecToTimespec(timeout.Nanoseconds())

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	switch {
	case errno == 0,
		errors.Is(errno, unix.EAGAIN),
		errors.Is(errno, unix.EINTR),
		errors.Is(errno, unix.ETIMEDOUT):
		return nil
	default:
		return fmt.Errorf("futex wait: %w", errno)
	}
}

// futexWake wakes up to n waiters on addr.
func futexWake(addr *uint32, n int) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)
}

const wakeAll = 1 << 30
