package fusion

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// ring is a bounded FIFO of fixed-size messages in the shared heap with any
// number of producers and exactly one consumer.
//
// Producers serialize on the ring skirmish and publish by advancing Tail.
// The consumer owns Head and needs no lock. Seq is bumped on every push and
// on close so the consumer can sleep on it with a futex.
//
// A ring is freed by its consumer, or by whoever purges a dead consumer.
type ring struct {
	w   *World
	off Offset
}

var errRingFull = errors.New("ring full")

func newRing(w *World, slot, capacity uint64) (*ring, error) {
	slot = roundUp(slot, 8)

	off, err := w.heap.Alloc(sizeofRing + slot*capacity)
	if err != nil {
		return nil, fmt.Errorf("allocating ring: %w", err)
	}

	hdr := (*ringHeader)(w.ptr(off, sizeofRing))
	*hdr = ringHeader{Slot: uint32(slot), Cap: uint32(capacity)}
	initSkirmish(w, off, 0)

	return &ring{w: w, off: off}, nil
}

func (r *ring) hdr() *ringHeader {
	return (*ringHeader)(r.w.ptr(r.off, sizeofRing))
}

func (r *ring) slot(i uint64) []byte {
	hdr := r.hdr()
	size := uint64(hdr.Slot)
	off := r.off + Offset(sizeofRing+(i%uint64(hdr.Cap))*size)

	return unsafe.Slice((*byte)(r.w.ptr(off, size)), size)
}

// push appends msg. Returns errRingFull without blocking when the ring is
// full and [ErrDestroyed] when it is closed.
func (r *ring) push(msg []byte) error {
	lock := &Skirmish{w: r.w, off: r.off}
	if err := lock.Prevail(); err != nil {
		return err
	}

	hdr := r.hdr()

	if atomic.LoadUint32(&hdr.Closed) != 0 {
		_ = lock.Dismiss()

		return ErrDestroyed
	}

	tail := atomic.LoadUint64(&hdr.Tail)
	if tail-atomic.LoadUint64(&hdr.Head) >= uint64(hdr.Cap) {
		_ = lock.Dismiss()

		return errRingFull
	}

	dst := r.slot(tail)
	n := copy(dst, msg)
	clear(dst[n:])
	atomic.StoreUint64(&hdr.Tail, tail+1)

	if err := lock.Dismiss(); err != nil {
		return err
	}

	atomic.AddUint32(&hdr.Seq, 1)
	futexWake(&hdr.Seq, wakeAll)

	return nil
}

// pop copies the oldest message into buf. Consumer only.
func (r *ring) pop(buf []byte) bool {
	hdr := r.hdr()

	head := atomic.LoadUint64(&hdr.Head)
	if head == atomic.LoadUint64(&hdr.Tail) {
		return false
	}

	copy(buf, r.slot(head))
	atomic.StoreUint64(&hdr.Head, head+1)

	return true
}

func (r *ring) closed() bool {
	return atomic.LoadUint32(&r.hdr().Closed) != 0
}

// seq returns the futex word and its current value. Consumers read it before
// checking for messages and sleep on it with waitSeq.
func (r *ring) seq() (*uint32, uint32) {
	hdr := r.hdr()

	return &hdr.Seq, atomic.LoadUint32(&hdr.Seq)
}

func waitSeq(addr *uint32, seq uint32, timeout time.Duration) {
	_ = futexWait(addr, seq, timeout)
}

// close marks the ring closed and wakes the consumer. Pending messages stay
// readable.
func (r *ring) close() error {
	lock := &Skirmish{w: r.w, off: r.off}
	if err := lock.Prevail(); err != nil {
		return err
	}

	hdr := r.hdr()
	atomic.StoreUint32(&hdr.Closed, 1)

	if err := lock.Dismiss(); err != nil {
		return err
	}

	atomic.AddUint32(&hdr.Seq, 1)
	futexWake(&hdr.Seq, wakeAll)

	return nil
}

// free destroys the ring lock and releases the memory. The caller must be
// the last user.
func (r *ring) free() error {
	st := (*skirmishState)(r.w.ptr(r.off, sizeofSkirmish))
	atomic.StoreUint32(&st.Magic, skirmishDead)
	r.w.dropLocalMutex(r.off)

	return r.w.heap.Free(r.off)
}
