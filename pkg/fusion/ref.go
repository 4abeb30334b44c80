package fusion

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Ref is a cross-process reference counter.
//
// The count is changed only under the gate skirmish, so Up and Down never
// expose an intermediate state. A zero-lock leaves the gate held while the
// count is zero, which blocks every Up until [Ref.Unlock]. Waiters for zero
// sleep on the count word with a shared futex.
type Ref struct {
	w   *World
	off Offset

	// locked is set while this handle holds the gate through a zero-lock.
	locked bool
}

// NewRef allocates a reference counter with count zero.
func NewRef(w *World) (*Ref, error) {
	off, err := w.heap.Alloc(sizeofRef)
	if err != nil {
		return nil, fmt.Errorf("allocating ref: %w", err)
	}

	hdr := (*refHeader)(w.ptr(off, sizeofRef))
	*hdr = refHeader{}
	initSkirmish(w, off, 0)

	return &Ref{w: w, off: off}, nil
}

// Ref returns a handle for the reference counter at off.
func (w *World) Ref(off Offset) *Ref {
	return &Ref{w: w, off: off}
}

// Offset returns the shared offset of the counter.
func (r *Ref) Offset() Offset {
	return r.off
}

func (r *Ref) hdr() *refHeader {
	return (*refHeader)(r.w.ptr(r.off, sizeofRef))
}

func (r *Ref) gate() *Skirmish {
	return &Skirmish{w: r.w, off: r.off}
}

// prevail takes the gate and checks the counter is alive.
func (r *Ref) prevail() (*refHeader, error) {
	if err := r.gate().Prevail(); err != nil {
		return nil, err
	}

	hdr := r.hdr()
	if atomic.LoadUint32(&hdr.Destroyed) != 0 {
		_ = r.gate().Dismiss()

		return nil, ErrDestroyed
	}

	return hdr, nil
}

// Up increments the count. It blocks while another party holds a zero-lock.
func (r *Ref) Up() error {
	hdr, err := r.prevail()
	if err != nil {
		return err
	}

	atomic.AddUint32(&hdr.Count, 1)

	return r.gate().Dismiss()
}

// Down decrements the count.
//
// When the count reaches zero, zero-lock waiters are woken and a watch set
// with [Ref.Watch] is posted to its call owner. Returns [ErrInvalidArgument]
// if the count is already zero.
func (r *Ref) Down() error {
	hdr, err := r.prevail()
	if err != nil {
		return err
	}

	if atomic.LoadUint32(&hdr.Count) == 0 {
		_ = r.gate().Dismiss()

		return fmt.Errorf("ref 0x%x: down at zero: %w", r.off, ErrInvalidArgument)
	}

	zero := atomic.AddUint32(&hdr.Count, ^uint32(0)) == 0
	watch, arg := hdr.WatchCall, hdr.WatchArg

	if err := r.gate().Dismiss(); err != nil {
		return err
	}

	if !zero {
		return nil
	}

	futexWake(&hdr.Count, wakeAll)

	if watch != 0 {
		err := r.w.Call(watch).Post(int(arg), 0)
		if err != nil {
			r.w.log.Warn("posting ref watch",
				zap.Uint64("ref", uint64(r.off)),
				zap.Uint64("call", uint64(watch)),
				zap.Error(err))
		}
	}

	return nil
}

// Stat returns the current count.
func (r *Ref) Stat() (int, error) {
	hdr := r.hdr()
	if atomic.LoadUint32(&hdr.Destroyed) != 0 || !r.gate().live() {
		return 0, ErrDestroyed
	}

	return int(atomic.LoadUint32(&hdr.Count)), nil
}

// ZeroLock blocks until the count is zero and returns with the gate held.
// Concurrent Up calls block until [Ref.Unlock] or [Ref.Destroy].
func (r *Ref) ZeroLock() error {
	for {
		hdr, err := r.prevail()
		if err != nil {
			return err
		}

		count := atomic.LoadUint32(&hdr.Count)
		if count == 0 {
			r.locked = true

			return nil
		}

		if err := r.gate().Dismiss(); err != nil {
			return err
		}

		if err := futexWait(&hdr.Count, count, pollInterval); err != nil {
			return osError("wait", fmt.Sprintf("ref 0x%x", r.off), err)
		}
	}
}

// ZeroTryLock is the non-blocking form of [Ref.ZeroLock]. Returns [ErrInUse]
// if the count is not zero or the gate is held.
func (r *Ref) ZeroTryLock() error {
	if err := r.gate().Swoop(); err != nil {
		return err
	}

	hdr := r.hdr()
	if atomic.LoadUint32(&hdr.Destroyed) != 0 {
		_ = r.gate().Dismiss()

		return ErrDestroyed
	}

	if atomic.LoadUint32(&hdr.Count) != 0 {
		_ = r.gate().Dismiss()

		return ErrInUse
	}

	r.locked = true

	return nil
}

// Unlock releases the gate taken by a zero-lock.
func (r *Ref) Unlock() error {
	if !r.locked {
		return fmt.Errorf("ref 0x%x: unlock without zero-lock: %w", r.off, ErrInvalidArgument)
	}

	r.locked = false

	return r.gate().Dismiss()
}

// Watch registers call to be posted with arg whenever a Down brings the count
// to zero. A zero call clears the watch.
func (r *Ref) Watch(call *Call, arg int) error {
	hdr, err := r.prevail()
	if err != nil {
		return err
	}

	hdr.WatchCall, hdr.WatchArg = 0, int64(arg)
	if call != nil {
		hdr.WatchCall = call.off
	}

	return r.gate().Dismiss()
}

// Destroy tears the counter down and frees it. Parties blocked in Up, Down or
// ZeroLock return [ErrDestroyed]. Destroy may be called with or without a
// zero-lock held through this handle.
func (r *Ref) Destroy() error {
	if !r.locked {
		if _, err := r.prevail(); err != nil {
			return err
		}
	}

	r.locked = false

	hdr := r.hdr()
	atomic.StoreUint32(&hdr.Destroyed, 1)
	atomic.StoreUint32(&hdr.Count, 0)
	futexWake(&hdr.Count, wakeAll)

	return errors.Join(r.gate().destroyHeld(), r.w.heap.Free(r.off))
}
