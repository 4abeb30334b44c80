package fusion

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/fusion/internal/fs"
)

// Skirmish is a cross-process mutex.
//
// The shared state is one word (live or destroyed) at the skirmish offset. The
// kernel lock is an OFD write lock on the byte at the same offset of the
// world's lock file, and a process-local mutex orders goroutines of one world
// (OFD locks do not exclude holders of the same open file description).
//
// A Skirmish is not reentrant: prevailing twice from the same world without a
// dismiss deadlocks. A process that dies while holding a skirmish has its OFD
// lock released by the kernel, but the shared structure it guarded may be
// half-updated.
type Skirmish struct {
	w   *World
	off Offset
}

// NewSkirmish allocates and initializes a standalone skirmish on the heap.
func NewSkirmish(w *World) (*Skirmish, error) {
	off, err := w.heap.Alloc(sizeofSkirmish)
	if err != nil {
		return nil, fmt.Errorf("allocating skirmish: %w", err)
	}

	initSkirmish(w, off, skirmishAlloc)

	return &Skirmish{w: w, off: off}, nil
}

// initSkirmish formats the state word of an embedded or standalone skirmish.
func initSkirmish(w *World, off Offset, flags uint32) {
	st := (*skirmishState)(w.ptr(off, sizeofSkirmish))
	st.Flags = flags
	atomic.StoreUint32(&st.Magic, skirmishLive)
}

// Skirmish returns a handle for the skirmish at off.
func (w *World) Skirmish(off Offset) *Skirmish {
	return &Skirmish{w: w, off: off}
}

// Offset returns the shared offset of the skirmish.
func (s *Skirmish) Offset() Offset {
	return s.off
}

func (s *Skirmish) state() *skirmishState {
	return (*skirmishState)(s.w.ptr(s.off, sizeofSkirmish))
}

func (s *Skirmish) live() bool {
	return atomic.LoadUint32(&s.state().Magic) == skirmishLive
}

// Prevail acquires the skirmish, blocking until it is available.
//
// Returns [ErrDestroyed] if the skirmish is or becomes destroyed while waiting.
func (s *Skirmish) Prevail() error {
	if !s.live() {
		return ErrDestroyed
	}

	mu := s.w.localMutex(s.off)
	mu.Lock()

	err := s.w.locks.Lock(int64(s.off))
	if err != nil {
		mu.Unlock()

		return osError("prevail", fmt.Sprintf("skirmish 0x%x", s.off), err)
	}

	if !s.live() {
		_ = s.w.locks.Unlock(int64(s.off))
		mu.Unlock()

		return ErrDestroyed
	}

	return nil
}

// Swoop acquires the skirmish without blocking.
//
// Returns [ErrInUse] if it is held by any goroutine or process.
func (s *Skirmish) Swoop() error {
	if !s.live() {
		return ErrDestroyed
	}

	mu := s.w.localMutex(s.off)
	if !mu.TryLock() {
		return ErrInUse
	}

	err := s.w.locks.TryLock(int64(s.off))
	if err != nil {
		mu.Unlock()

		if errors.Is(err, fs.ErrWouldBlock) {
			return ErrInUse
		}

		return osError("swoop", fmt.Sprintf("skirmish 0x%x", s.off), err)
	}

	if !s.live() {
		_ = s.w.locks.Unlock(int64(s.off))
		mu.Unlock()

		return ErrDestroyed
	}

	return nil
}

// Dismiss releases the skirmish. The caller must hold it.
func (s *Skirmish) Dismiss() error {
	err := s.w.locks.Unlock(int64(s.off))
	s.w.localMutex(s.off).Unlock()

	if err != nil {
		return osError("dismiss", fmt.Sprintf("skirmish 0x%x", s.off), err)
	}

	return nil
}

// Destroy marks the skirmish destroyed and releases it. Goroutines and
// processes waiting in [Skirmish.Prevail] return [ErrDestroyed]. A standalone
// skirmish from [NewSkirmish] is freed.
//
// Destroy acquires the skirmish first; use it only when not holding it.
func (s *Skirmish) Destroy() error {
	if err := s.Prevail(); err != nil {
		return err
	}

	return s.destroyHeld()
}

// destroyHeld is Destroy for a caller that already prevails.
func (s *Skirmish) destroyHeld() error {
	st := s.state()
	standalone := st.Flags&skirmishAlloc != 0
	atomic.StoreUint32(&st.Magic, skirmishDead)

	err := s.Dismiss()
	s.w.dropLocalMutex(s.off)

	if standalone {
		err = errors.Join(err, s.w.heap.Free(s.off))
	}

	return err
}

// localMutexes maps skirmish offsets to the mutex ordering goroutines of one
// world.
type localMutexes struct {
	mu sync.Mutex
	m  map[Offset]*sync.Mutex
}

func (l *localMutexes) get(off Offset) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.m == nil {
		l.m = make(map[Offset]*sync.Mutex)
	}

	mu, ok := l.m[off]
	if !ok {
		mu = &sync.Mutex{}
		l.m[off] = mu
	}

	return mu
}

func (l *localMutexes) drop(off Offset) {
	l.mu.Lock()
	delete(l.m, off)
	l.mu.Unlock()
}
