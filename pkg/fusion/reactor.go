package fusion

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ReactionResult tells the receiver what to do after a [Reaction] ran.
type ReactionResult int

const (
	// ReactionOK keeps the reaction attached.
	ReactionOK ReactionResult = iota
	// ReactionRemove detaches the reaction.
	ReactionRemove
	// ReactionDrop keeps the reaction but skips the remaining reactions of
	// this process for the current message.
	ReactionDrop
)

// maxMessageSize bounds reactor message sizes.
const maxMessageSize = 64 << 10

// Reaction receives reactor messages. React runs on the receiver goroutine of
// the attaching world, or on the dispatching goroutine for in-process
// delivery. msg is only valid for the duration of the call.
type Reaction interface {
	React(msg []byte) ReactionResult
}

// ReactionFunc adapts a function to [Reaction].
type ReactionFunc func(msg []byte) ReactionResult

// React calls f(msg).
func (f ReactionFunc) React(msg []byte) ReactionResult {
	return f(msg)
}

// Reactor broadcasts fixed-size messages to every attached process.
//
// Each process that attaches gets one node in the reactor: an inbox ring in
// the shared heap drained by a receiver goroutine that runs the process's
// reactions in attach order. Delivery is FIFO per destination. A message for
// a full inbox is dropped.
type Reactor struct {
	w   *World
	off Offset
}

// Attachment is the handle returned by [Reactor.Attach].
type Attachment struct {
	node     *localNode
	reaction Reaction
}

// NewReactor allocates a reactor for messages of exactly msgSize bytes.
func NewReactor(w *World, msgSize int) (*Reactor, error) {
	if msgSize <= 0 || msgSize > maxMessageSize {
		return nil, fmt.Errorf("message size must be in [1, %d], got %d: %w", maxMessageSize, msgSize, ErrInvalidArgument)
	}

	off, err := w.heap.Calloc(1, sizeofReactor)
	if err != nil {
		return nil, fmt.Errorf("allocating reactor: %w", err)
	}

	hdr := (*reactorHeader)(w.ptr(off, sizeofReactor))
	hdr.MsgSize = uint32(msgSize)
	hdr.ID = atomic.AddUint64(&w.sb.Serial, 1)
	hdr.Magic = reactorMagic
	initSkirmish(w, off, 0)

	return &Reactor{w: w, off: off}, nil
}

// OpenReactor returns a handle for the reactor at off.
func OpenReactor(w *World, off Offset) (*Reactor, error) {
	if off == 0 {
		return nil, fmt.Errorf("open reactor at nil offset: %w", ErrInvalidArgument)
	}

	if _, err := w.ensure(uint64(off) + sizeofReactor); err != nil {
		return nil, err
	}

	r := &Reactor{w: w, off: off}
	if atomic.LoadUint32(&r.hdr().Magic) != reactorMagic {
		return nil, fmt.Errorf("reactor 0x%x: %w", off, ErrDestroyed)
	}

	return r, nil
}

// Offset returns the shared offset of the reactor.
func (r *Reactor) Offset() Offset {
	return r.off
}

// ID returns the reactor's world-unique id.
func (r *Reactor) ID() uint64 {
	return r.hdr().ID
}

// MessageSize returns the fixed message size.
func (r *Reactor) MessageSize() int {
	return int(r.hdr().MsgSize)
}

func (r *Reactor) hdr() *reactorHeader {
	return (*reactorHeader)(r.w.ptr(r.off, sizeofReactor))
}

func (r *Reactor) skirmish() *Skirmish {
	return &Skirmish{w: r.w, off: r.off}
}

func (r *Reactor) lock() (*reactorHeader, error) {
	if err := r.skirmish().Prevail(); err != nil {
		return nil, fmt.Errorf("reactor 0x%x: %w", r.off, err)
	}

	hdr := r.hdr()
	if atomic.LoadUint32(&hdr.Magic) != reactorMagic {
		_ = r.skirmish().Dismiss()

		return nil, fmt.Errorf("reactor 0x%x: %w", r.off, ErrDestroyed)
	}

	return hdr, nil
}

// Nodes returns the ids of the processes currently attached.
func (r *Reactor) Nodes() ([]FusionID, error) {
	hdr, err := r.lock()
	if err != nil {
		return nil, err
	}

	var ids []FusionID

	for i := range hdr.Nodes {
		if id := hdr.Nodes[i].Owner; id != 0 {
			ids = append(ids, id)
		}
	}

	return ids, r.skirmish().Dismiss()
}

// Attach adds reaction to this process's reactions on r.
//
// The first attach of a process creates its node and starts the receiver;
// Attach returns once the receiver is running. Returns [ErrLimitReached] if
// all nodes are taken.
func (r *Reactor) Attach(reaction Reaction) (*Attachment, error) {
	if reaction == nil {
		return nil, fmt.Errorf("attach nil reaction: %w", ErrInvalidArgument)
	}

	w := r.w
	if w.closed.Load() {
		return nil, ErrClosed
	}

	w.nodesMu.Lock()
	defer w.nodesMu.Unlock()

	if n := w.nodes[r.off]; n != nil {
		n.mu.Lock()
		gone := n.gone
		a := &Attachment{node: n, reaction: reaction}

		if !gone {
			n.reactions = append(n.reactions, a)
		}
		n.mu.Unlock()

		if !gone {
			return a, nil
		}
	}

	n, err := r.newNode()
	if err != nil {
		return nil, err
	}

	a := &Attachment{node: n, reaction: reaction}
	n.reactions = []*Attachment{a}
	w.nodes[r.off] = n

	ready := w.Ref(n.ready)

	w.goroutines.Go(func() error {
		n.run(ready)

		return nil
	})

	if err := ready.ZeroLock(); err != nil {
		return nil, fmt.Errorf("attach handshake: %w", err)
	}

	if err := ready.Unlock(); err != nil {
		return nil, err
	}

	return a, nil
}

// newNode claims a node slot and allocates its inbox and handshake ref.
// Called with w.nodesMu held.
func (r *Reactor) newNode() (*localNode, error) {
	w := r.w

	hdr, err := r.lock()
	if err != nil {
		return nil, err
	}

	slot := -1

	for i := range hdr.Nodes {
		nd := &hdr.Nodes[i]

		if nd.Owner != 0 && nd.Owner != w.id && !w.alive(nd.Owner) {
			w.log.Warn("purging dead reactor node",
				zap.Uint64("reactor", uint64(r.off)),
				zap.Uint64("owner", uint64(nd.Owner)))
			w.purgeNode(nd)
		}

		if nd.Owner == 0 && slot < 0 {
			slot = i
		}
	}

	if slot < 0 {
		_ = r.skirmish().Dismiss()

		return nil, fmt.Errorf("reactor 0x%x: %d nodes: %w", r.off, maxReactorNodes, ErrLimitReached)
	}

	msgSize := uint64(hdr.MsgSize)

	inbox, err := newRing(w, msgSize, uint64(w.opts.QueueDepth))
	if err != nil {
		_ = r.skirmish().Dismiss()

		return nil, err
	}

	ready, err := NewRef(w)
	if err != nil {
		_ = inbox.free()
		_ = r.skirmish().Dismiss()

		return nil, err
	}

	if err := ready.Up(); err != nil {
		_ = ready.Destroy()
		_ = inbox.free()
		_ = r.skirmish().Dismiss()

		return nil, err
	}

	hdr.Nodes[slot] = reactorNode{Owner: w.id, Inbox: inbox.off, Ready: ready.off}

	if err := r.skirmish().Dismiss(); err != nil {
		return nil, err
	}

	return &localNode{
		w:       w,
		reactor: r.off,
		inbox:   inbox.off,
		ready:   ready.off,
		msgSize: int(msgSize),
		ring:    inbox,
	}, nil
}

// Detach removes an attachment. The node of this process is torn down when
// its last reaction is detached.
func (r *Reactor) Detach(a *Attachment) error {
	if a == nil || a.node == nil || a.node.reactor != r.off {
		return fmt.Errorf("detach: attachment does not belong to reactor 0x%x: %w", r.off, ErrInvalidArgument)
	}

	if !a.node.remove(a) {
		return fmt.Errorf("detach: %w", ErrNotFound)
	}

	return nil
}

// Dispatch sends msg to every attached process. With includeSelf, the
// reactions of the calling process run synchronously before Dispatch
// returns; otherwise this process is skipped.
//
// Inboxes of dead processes are purged. A full inbox drops the message for
// that destination only.
func (r *Reactor) Dispatch(msg []byte, includeSelf bool) error {
	w := r.w
	if w.closed.Load() {
		return ErrClosed
	}

	hdr, err := r.lock()
	if err != nil {
		return err
	}

	if len(msg) != int(hdr.MsgSize) {
		_ = r.skirmish().Dismiss()

		return fmt.Errorf("message of %d bytes, reactor expects %d: %w", len(msg), hdr.MsgSize, ErrInvalidArgument)
	}

	self := false

	for i := range hdr.Nodes {
		nd := &hdr.Nodes[i]

		switch {
		case nd.Owner == 0:
			continue
		case nd.Owner == w.id:
			self = true

			continue
		case !w.alive(nd.Owner):
			w.log.Warn("purging dead reactor node",
				zap.Uint64("reactor", uint64(r.off)),
				zap.Uint64("owner", uint64(nd.Owner)))
			w.purgeNode(nd)

			continue
		}

		err := (&ring{w: w, off: nd.Inbox}).push(msg)

		switch {
		case err == nil:
		case errors.Is(err, errRingFull):
			w.log.Debug("dropping reactor message, inbox full",
				zap.Uint64("reactor", uint64(r.off)),
				zap.Uint64("owner", uint64(nd.Owner)))
		default:
			w.log.Warn("delivering reactor message",
				zap.Uint64("reactor", uint64(r.off)),
				zap.Uint64("owner", uint64(nd.Owner)),
				zap.Error(err))
		}
	}

	if err := r.skirmish().Dismiss(); err != nil {
		return err
	}

	if self && includeSelf {
		w.nodesMu.Lock()
		n := w.nodes[r.off]
		w.nodesMu.Unlock()

		if n != nil {
			n.deliver(slices.Clone(msg))
		}
	}

	return nil
}

// Destroy tears the reactor down. Receivers of live processes drain what is
// already queued and stop; nodes of dead processes are freed directly.
func (r *Reactor) Destroy() error {
	w := r.w

	hdr, err := r.lock()
	if err != nil {
		return err
	}

	for i := range hdr.Nodes {
		nd := &hdr.Nodes[i]

		switch {
		case nd.Owner == 0:
		case nd.Owner == w.id || w.alive(nd.Owner):
			if err := (&ring{w: w, off: nd.Inbox}).close(); err != nil {
				w.log.Warn("closing reactor inbox", zap.Uint64("owner", uint64(nd.Owner)), zap.Error(err))
			}
		default:
			w.purgeNode(nd)
		}

		*nd = reactorNode{}
	}

	atomic.StoreUint32(&hdr.Magic, 0)

	if err := r.skirmish().destroyHeld(); err != nil {
		return err
	}

	return w.heap.Free(r.off)
}

// purgeNode frees the inbox and handshake ref of a node whose owner is gone.
// Called with the reactor locked.
func (w *World) purgeNode(nd *reactorNode) {
	if nd.Inbox != 0 {
		if err := (&ring{w: w, off: nd.Inbox}).free(); err != nil {
			w.log.Warn("freeing dead inbox", zap.Error(err))
		}
	}

	if nd.Ready != 0 {
		if err := w.Ref(nd.Ready).Destroy(); err != nil {
			w.log.Warn("destroying dead node ref", zap.Error(err))
		}
	}

	*nd = reactorNode{}
}

// localNode is this world's node in one reactor.
//
// Lock order: World.nodesMu, then the reactor skirmish, then mu or ringMu.
type localNode struct {
	w       *World
	reactor Offset
	inbox   Offset
	ready   Offset
	msgSize int

	mu        sync.Mutex
	reactions []*Attachment
	gone      bool

	// ringMu guards ring. The receiver only touches the inbox while holding
	// it; teardown sets ring to nil before freeing.
	ringMu sync.Mutex
	ring   *ring
}

// run is the receiver loop.
func (n *localNode) run(ready *Ref) {
	w := n.w

	if err := ready.Down(); err != nil {
		w.log.Error("reactor receiver handshake", zap.Error(err))
	}

	buf := make([]byte, roundUp(uint64(n.msgSize), 8))

	for {
		if w.ctx.Err() != nil {
			return
		}

		n.ringMu.Lock()

		rg := n.ring
		if rg == nil {
			n.ringMu.Unlock()

			return
		}

		addr, seq := rg.seq()
		got := rg.pop(buf)
		closed := !got && rg.closed()
		n.ringMu.Unlock()

		switch {
		case got:
			n.deliver(buf[:n.msgSize])
		case closed:
			n.orphan()

			return
		default:
			waitSeq(addr, seq, pollInterval)
		}
	}
}

// deliver runs the reactions attached at the time of the call.
func (n *localNode) deliver(msg []byte) {
	n.mu.Lock()
	list := slices.Clone(n.reactions)
	n.mu.Unlock()

	for _, a := range list {
		switch a.reaction.React(msg) {
		case ReactionOK:
		case ReactionRemove:
			n.remove(a)
		case ReactionDrop:
			return
		}
	}
}

// remove drops a from the reaction list and tears the node down when the
// list empties. Reports whether a was attached.
func (n *localNode) remove(a *Attachment) bool {
	n.mu.Lock()

	i := slices.Index(n.reactions, a)
	if i < 0 {
		n.mu.Unlock()

		return false
	}

	n.reactions = slices.Delete(n.reactions, i, i+1)
	empty := len(n.reactions) == 0
	n.mu.Unlock()

	if empty {
		n.teardown(false)
	}

	return true
}

// teardown removes the node from the reactor and frees its inbox. Unless
// force is set it does nothing when reactions were attached meanwhile.
func (n *localNode) teardown(force bool) {
	w := n.w

	w.nodesMu.Lock()
	defer w.nodesMu.Unlock()

	n.mu.Lock()

	if n.gone || (!force && len(n.reactions) > 0) {
		n.mu.Unlock()

		return
	}

	n.gone = true
	n.mu.Unlock()

	r := &Reactor{w: w, off: n.reactor}
	if hdr, err := r.lock(); err == nil {
		for i := range hdr.Nodes {
			if nd := &hdr.Nodes[i]; nd.Owner == w.id && nd.Inbox == n.inbox {
				*nd = reactorNode{}
			}
		}

		_ = r.skirmish().Dismiss()
	}

	if w.nodes[n.reactor] == n {
		delete(w.nodes, n.reactor)
	}

	n.release()
}

// orphan is teardown after the reactor was destroyed under the node.
func (n *localNode) orphan() {
	w := n.w

	w.nodesMu.Lock()
	n.mu.Lock()
	n.gone = true
	n.mu.Unlock()

	if w.nodes[n.reactor] == n {
		delete(w.nodes, n.reactor)
	}
	w.nodesMu.Unlock()

	n.release()
}

func (n *localNode) release() {
	n.ringMu.Lock()
	rg := n.ring
	n.ring = nil
	n.ringMu.Unlock()

	if rg == nil {
		return
	}

	if err := rg.free(); err != nil {
		n.w.log.Warn("freeing reactor inbox", zap.Error(err))
	}

	if err := n.w.Ref(n.ready).Destroy(); err != nil {
		n.w.log.Warn("destroying reactor node ref", zap.Error(err))
	}
}
