package fs

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// RangeLocker provides exclusive byte-range locks on a single open file using
// open file description locks (fcntl F_OFD_SETLK / F_OFD_SETLKW).
//
// Each lockable resource is one byte of the file, addressed by its offset.
// The file itself may stay empty: locks beyond EOF are valid.
//
// OFD locks belong to the open file description, not the process:
//   - two RangeLockers over independent opens of the same path exclude each
//     other, even inside one process;
//   - goroutines sharing one RangeLocker do NOT exclude each other, so callers
//     that need in-process exclusion must layer a mutex on top;
//   - the kernel drops every lock when the description is closed, including
//     when the owning process dies. [RangeLocker.Held] uses this to probe
//     whether a peer is still alive.
//
// This implementation is Linux-only.
type RangeLocker struct {
	mu    sync.Mutex
	file  File
	fcntl func(fd uintptr, cmd int, lk *unix.Flock_t) error
}

// NewRangeLocker creates a RangeLocker over file. The RangeLocker takes
// ownership of file and closes it in [RangeLocker.Close].
func NewRangeLocker(file File) *RangeLocker {
	return &RangeLocker{
		file:  file,
		fcntl: unix.FcntlFlock,
	}
}

// errRangeLockerClosed is returned for operations after Close.
var errRangeLockerClosed = errors.New("range locker closed")

// Lock acquires the byte at off, blocking until it is available.
func (l *RangeLocker) Lock(off int64) error {
	return l.set(off, unix.F_WRLCK, unix.F_OFD_SETLKW)
}

// TryLock acquires the byte at off without blocking.
//
// Returns [ErrWouldBlock] if another open file description holds it.
func (l *RangeLocker) TryLock(off int64) error {
	err := l.set(off, unix.F_WRLCK, unix.F_OFD_SETLK)
	if err != nil && isWouldBlock(err) {
		return ErrWouldBlock
	}

	return err
}

// Unlock releases the byte at off.
func (l *RangeLocker) Unlock(off int64) error {
	return l.set(off, unix.F_UNLCK, unix.F_OFD_SETLK)
}

// Held reports whether another open file description currently holds a lock
// on the byte at off. Locks held through this RangeLocker are not reported.
func (l *RangeLocker) Held(off int64) (bool, error) {
	fd, err := l.fd()
	if err != nil {
		return false, err
	}

	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  off,
		Len:    1,
	}

	err = fcntlRetryEINTR(l.fcntl, fd, unix.F_OFD_GETLK, &lk)
	if err != nil {
		return false, fmt.Errorf("fcntl F_OFD_GETLK at %d: %w", off, err)
	}

	return lk.Type != unix.F_UNLCK, nil
}

// Close releases every lock and closes the file. Close is idempotent.
func (l *RangeLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	err := l.file.Close()
	l.file = nil

	if err != nil {
		return fmt.Errorf("closing range lock fd: %w", err)
	}

	return nil
}

func (l *RangeLocker) set(off int64, typ int16, cmd int) error {
	fd, err := l.fd()
	if err != nil {
		return err
	}

	lk := unix.Flock_t{
		Type:   typ,
		Whence: 0,
		Start:  off,
		Len:    1,
	}

	err = fcntlRetryEINTR(l.fcntl, fd, cmd, &lk)
	if err != nil {
		return fmt.Errorf("fcntl at %d: %w", off, err)
	}

	return nil
}

func (l *RangeLocker) fd() (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, errRangeLockerClosed
	}

	return l.file.Fd(), nil
}

// fcntlRetryEINTR wraps fcntl, retrying on EINTR like [flockRetryEINTR].
func fcntlRetryEINTR(fcntl func(fd uintptr, cmd int, lk *unix.Flock_t) error, fd uintptr, cmd int, lk *unix.Flock_t) error {
	var err error
	for range maxEINTRRetries {
		err = fcntl(fd, cmd, lk)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
