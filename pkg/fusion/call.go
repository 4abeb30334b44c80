package fusion

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
)

// CallHandler serves a [Call] in the owning process.
//
// HandleCall runs on the owner's call dispatcher goroutine for remote callers
// and on the calling goroutine when the owner executes its own call. Handlers
// that block delay every other call to the same process.
type CallHandler interface {
	HandleCall(caller FusionID, arg int, ptr Offset) int
}

// CallHandlerFunc adapts a function to [CallHandler].
type CallHandlerFunc func(caller FusionID, arg int, ptr Offset) int

// HandleCall calls f(caller, arg, ptr).
func (f CallHandlerFunc) HandleCall(caller FusionID, arg int, ptr Offset) int {
	return f(caller, arg, ptr)
}

// Call is a procedure owned by one process that any process can invoke.
//
// Remote invocations travel through the owner's call inbox; the caller
// sleeps on a reply slot in the shared heap until the owner has run the
// handler. A caller never hangs on a destroyed call or a dead owner: both
// turn into [ErrDestroyed].
type Call struct {
	w   *World
	off Offset
}

type callEntry struct {
	id      uint64
	handler CallHandler
}

const (
	sendBackoffMin = time.Millisecond
	sendBackoffMax = 25 * time.Millisecond
)

// NewCall registers handler in this process and returns the shared call.
func NewCall(w *World, handler CallHandler) (*Call, error) {
	if handler == nil {
		return nil, fmt.Errorf("new call with nil handler: %w", ErrInvalidArgument)
	}

	if w.closed.Load() {
		return nil, ErrClosed
	}

	off, err := w.heap.Calloc(1, sizeofCall)
	if err != nil {
		return nil, fmt.Errorf("allocating call: %w", err)
	}

	hdr := (*callHeader)(w.ptr(off, sizeofCall))
	hdr.ID = atomic.AddUint64(&w.sb.Serial, 1)
	hdr.Owner = w.id

	w.callsMu.Lock()
	w.calls[off] = callEntry{id: hdr.ID, handler: handler}
	w.callsMu.Unlock()

	atomic.StoreUint32(&hdr.Magic, callMagic)

	return &Call{w: w, off: off}, nil
}

// OpenCall returns a handle for the call at off.
func OpenCall(w *World, off Offset) (*Call, error) {
	if off == 0 {
		return nil, fmt.Errorf("open call at nil offset: %w", ErrInvalidArgument)
	}

	if _, err := w.ensure(uint64(off) + sizeofCall); err != nil {
		return nil, err
	}

	c := w.Call(off)
	if _, err := c.check(); err != nil {
		return nil, err
	}

	return c, nil
}

// Call returns an unchecked handle for the call at off.
func (w *World) Call(off Offset) *Call {
	return &Call{w: w, off: off}
}

// Offset returns the shared offset of the call.
func (c *Call) Offset() Offset {
	return c.off
}

// Owner returns the id of the process serving the call.
func (c *Call) Owner() FusionID {
	return c.hdr().Owner
}

// Pending returns the number of invocations sent but not yet served.
func (c *Call) Pending() int {
	return int(atomic.LoadInt64(&c.hdr().Pending))
}

func (c *Call) hdr() *callHeader {
	return (*callHeader)(c.w.ptr(c.off, sizeofCall))
}

func (c *Call) check() (*callHeader, error) {
	hdr := c.hdr()
	if atomic.LoadUint32(&hdr.Magic) != callMagic || atomic.LoadUint32(&hdr.Destroyed) != 0 {
		return nil, fmt.Errorf("call 0x%x: %w", c.off, ErrDestroyed)
	}

	return hdr, nil
}

// Execute runs the call with arg and ptr in the owning process and returns
// the handler's result. It blocks until the owner replies.
//
// Returns [ErrDestroyed] if the call is destroyed or the owner dies before
// replying.
func (c *Call) Execute(arg int, ptr Offset) (int, error) {
	w := c.w
	if w.closed.Load() {
		return 0, ErrClosed
	}

	hdr, err := c.check()
	if err != nil {
		return 0, err
	}

	if hdr.Owner == w.id {
		h, ok := w.handler(c.off, hdr.ID)
		if !ok {
			return 0, fmt.Errorf("call 0x%x: %w", c.off, ErrDestroyed)
		}

		return h.HandleCall(w.id, arg, ptr), nil
	}

	replyOff, err := w.heap.Calloc(1, sizeofReply)
	if err != nil {
		return 0, fmt.Errorf("allocating call reply: %w", err)
	}

	reply := (*replySlot)(w.ptr(replyOff, sizeofReply))

	err = c.send(hdr, callMsg{
		Call:   c.off,
		ID:     hdr.ID,
		Arg:    int64(arg),
		Ptr:    ptr,
		Reply:  replyOff,
		Caller: w.id,
	})
	if err != nil {
		_ = w.heap.Free(replyOff)

		return 0, err
	}

	for {
		switch atomic.LoadUint32(&reply.State) {
		case replyDone:
			value := reply.Value
			_ = w.heap.Free(replyOff)

			return int(value), nil

		case replyFailed:
			_ = w.heap.Free(replyOff)

			return 0, fmt.Errorf("call 0x%x: %w", c.off, ErrDestroyed)
		}

		ownerDead := !w.alive(hdr.Owner)
		if ownerDead || w.ctx.Err() != nil || atomic.LoadUint32(&hdr.Destroyed) != 0 || atomic.LoadUint32(&hdr.Magic) != callMagic {
			if atomic.CompareAndSwapUint32(&reply.State, replyPending, replyAbandoned) {
				// A live owner frees the slot when it gets to the message.
				if ownerDead {
					_ = w.heap.Free(replyOff)
				}

				return 0, fmt.Errorf("call 0x%x: %w", c.off, ErrDestroyed)
			}

			continue
		}

		_ = futexWait(&reply.State, replyPending, pollInterval)
	}
}

// Post queues an invocation without waiting for it. The handler runs
// asynchronously in the owner, even when the owner is the calling process.
func (c *Call) Post(arg int, ptr Offset) error {
	w := c.w
	if w.closed.Load() {
		return ErrClosed
	}

	hdr, err := c.check()
	if err != nil {
		return err
	}

	msg := callMsg{Call: c.off, ID: hdr.ID, Arg: int64(arg), Ptr: ptr, Caller: w.id}

	if hdr.Owner == w.id {
		atomic.AddInt64(&hdr.Pending, 1)
		w.goroutines.Go(func() error {
			w.serve(msg)

			return nil
		})

		return nil
	}

	return c.send(hdr, msg)
}

// send queues msg in the owner's call inbox, backing off while the inbox is
// full and the owner alive.
func (c *Call) send(hdr *callHeader, msg callMsg) error {
	w := c.w
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&msg)), sizeofCallMsg)
	backoff := sendBackoffMin

	atomic.AddInt64(&hdr.Pending, 1)

	for {
		err := w.pushCall(hdr.Owner, buf)
		if err == nil {
			return nil
		}

		if !errors.Is(err, errRingFull) {
			atomic.AddInt64(&hdr.Pending, -1)

			return fmt.Errorf("call 0x%x: %w", c.off, err)
		}

		if !w.alive(hdr.Owner) {
			atomic.AddInt64(&hdr.Pending, -1)

			return fmt.Errorf("call 0x%x: owner %d: %w", c.off, hdr.Owner, ErrDestroyed)
		}

		select {
		case <-w.ctx.Done():
			atomic.AddInt64(&hdr.Pending, -1)

			return ErrClosed
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, sendBackoffMax)
	}
}

// Destroy tears the call down. Only the owner may destroy a call. Invocations
// still queued fail with [ErrDestroyed] in their callers.
func (c *Call) Destroy() error {
	w := c.w

	hdr, err := c.check()
	if err != nil {
		return err
	}

	if hdr.Owner != w.id {
		return fmt.Errorf("call 0x%x owned by %d: %w", c.off, hdr.Owner, ErrAccessDenied)
	}

	atomic.StoreUint32(&hdr.Destroyed, 1)

	w.callsMu.Lock()
	delete(w.calls, c.off)
	w.callsMu.Unlock()

	atomic.StoreUint32(&hdr.Magic, 0)

	return w.heap.Free(c.off)
}

func (w *World) handler(off Offset, id uint64) (CallHandler, bool) {
	w.callsMu.Lock()
	defer w.callsMu.Unlock()

	e, ok := w.calls[off]
	if !ok || e.id != id {
		return nil, false
	}

	return e.handler, true
}

// serve runs one invocation taken from this process's call inbox and
// publishes the reply.
func (w *World) serve(msg callMsg) {
	h, ok := w.handler(msg.Call, msg.ID)

	var value int64

	if ok {
		value = int64(h.HandleCall(msg.Caller, int(msg.Arg), msg.Ptr))

		if _, err := w.ensure(uint64(msg.Call) + sizeofCall); err == nil {
			atomic.AddInt64(&w.Call(msg.Call).hdr().Pending, -1)
		}
	} else {
		w.log.Debug("dropping call for unknown or destroyed handler",
			zap.Uint64("call", uint64(msg.Call)),
			zap.Uint64("caller", uint64(msg.Caller)))
	}

	if msg.Reply == 0 {
		return
	}

	if _, err := w.ensure(uint64(msg.Reply) + sizeofReply); err != nil {
		w.log.Error("mapping call reply", zap.Error(err))

		return
	}

	reply := (*replySlot)(w.ptr(msg.Reply, sizeofReply))
	state := replyFailed

	if ok {
		reply.Value = value
		state = replyDone
	}

	if !atomic.CompareAndSwapUint32(&reply.State, replyPending, state) {
		// Caller gave up.
		_ = w.heap.Free(msg.Reply)

		return
	}

	futexWake(&reply.State, wakeAll)
}

// dispatch drains this process's call inbox until the world closes.
func (w *World) dispatch() {
	buf := make([]byte, sizeofCallMsg)

	for w.ctx.Err() == nil {
		addr, seq := w.inbox.seq()

		if w.inbox.pop(buf) {
			w.serve(*(*callMsg)(unsafe.Pointer(&buf[0])))

			continue
		}

		if w.inbox.closed() {
			return
		}

		waitSeq(addr, seq, pollInterval)
	}
}
