package fusion

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
)

// ObjectState is the lifecycle state of an [Object].
type ObjectState uint32

const (
	// ObjectInit is the state of a created object until [Object.Activate].
	ObjectInit ObjectState = iota
	// ObjectActive objects are destroyed when their last reference drops.
	ObjectActive
	// ObjectDeinit objects are being destroyed.
	ObjectDeinit
)

func (s ObjectState) String() string {
	switch s {
	case ObjectInit:
		return "init"
	case ObjectActive:
		return "active"
	case ObjectDeinit:
		return "deinit"
	default:
		return fmt.Sprintf("ObjectState(%d)", uint32(s))
	}
}

// TeardownMode tells destructors and arena shutdown hooks why they run.
type TeardownMode int

const (
	// TeardownNormal means the last holder released cleanly.
	TeardownNormal TeardownMode = iota
	// TeardownEmergency means the group is being torn down while holders
	// remain.
	TeardownEmergency
)

func (m TeardownMode) String() string {
	if m == TeardownEmergency {
		return "emergency"
	}

	return "normal"
}

// SharedRef is a counted handle whose count lives in shared memory. The
// release that drops the count to zero notifies the owner, which destroys
// the referenced value.
type SharedRef interface {
	Retain() error
	Release() error
}

var _ SharedRef = (*Object)(nil)

// Destructor is run by the pool owner for every destroyed object.
type Destructor func(obj *Object, mode TeardownMode)

// PoolOptions configures [NewObjectPool].
type PoolOptions struct {
	// Name identifies the pool in logs and tools (at most 31 bytes).
	Name string

	// ObjectSize is the payload size of every object in bytes.
	ObjectSize int

	// MessageSize is the message size of each object's reactor. Zero
	// creates objects without a reactor.
	MessageSize int

	// Destructor runs in the owning process when an object is destroyed.
	// It runs with the pool locked and must not call back into the pool.
	Destructor Destructor
}

// poolDrainTimeout bounds how long Destroy waits for queued watcher calls.
const poolDrainTimeout = time.Second

// ObjectPool owns reference counted objects in the shared heap.
//
// Objects may be created and referenced from any process. When the count of
// an active object drops to zero, the pool's watcher call runs in the process
// that created the pool and destroys the object there, unless a concurrent
// [Object.Ref] revived it first.
type ObjectPool struct {
	w          *World
	off        Offset
	destructor Destructor
}

// Object is a handle on a pooled object.
type Object struct {
	pool *ObjectPool
	off  Offset
}

// NewObjectPool creates a pool owned by this process.
func NewObjectPool(w *World, opts PoolOptions) (*ObjectPool, error) {
	switch {
	case opts.Name == "" || len(opts.Name) > maxNameLen:
		return nil, fmt.Errorf("pool name must be 1-%d bytes, got %q: %w", maxNameLen, opts.Name, ErrInvalidArgument)
	case opts.ObjectSize < 0 || opts.ObjectSize > 1<<30:
		return nil, fmt.Errorf("object size out of range: %d: %w", opts.ObjectSize, ErrInvalidArgument)
	case opts.MessageSize < 0 || opts.MessageSize > maxMessageSize:
		return nil, fmt.Errorf("message size out of range: %d: %w", opts.MessageSize, ErrInvalidArgument)
	}

	off, err := w.heap.Calloc(1, sizeofPool)
	if err != nil {
		return nil, fmt.Errorf("allocating pool: %w", err)
	}

	p := &ObjectPool{w: w, off: off, destructor: opts.Destructor}

	call, err := NewCall(w, CallHandlerFunc(func(_ FusionID, arg int, _ Offset) int {
		p.reap(uint64(arg))

		return 0
	}))
	if err != nil {
		_ = w.heap.Free(off)

		return nil, err
	}

	hdr := p.hdr()
	hdr.ObjectSize = uint32(opts.ObjectSize)
	hdr.MessageSize = uint32(opts.MessageSize)
	hdr.Call = call.off
	putName(&hdr.Name, opts.Name)
	hdr.Magic = poolMagic
	initSkirmish(w, off, 0)

	return p, nil
}

// OpenObjectPool returns a handle on the pool at off. Objects created through
// it are still destroyed by the owning process.
func OpenObjectPool(w *World, off Offset) (*ObjectPool, error) {
	if off == 0 {
		return nil, fmt.Errorf("open pool at nil offset: %w", ErrInvalidArgument)
	}

	if _, err := w.ensure(uint64(off) + sizeofPool); err != nil {
		return nil, err
	}

	p := &ObjectPool{w: w, off: off}
	if atomic.LoadUint32(&p.hdr().Magic) != poolMagic {
		return nil, fmt.Errorf("pool 0x%x: %w", off, ErrDestroyed)
	}

	return p, nil
}

// Offset returns the shared offset of the pool.
func (p *ObjectPool) Offset() Offset {
	return p.off
}

// Name returns the pool name.
func (p *ObjectPool) Name() string {
	return getName(&p.hdr().Name)
}

func (p *ObjectPool) hdr() *poolHeader {
	return (*poolHeader)(p.w.ptr(p.off, sizeofPool))
}

func (p *ObjectPool) skirmish() *Skirmish {
	return &Skirmish{w: p.w, off: p.off}
}

func (p *ObjectPool) lock() (*poolHeader, error) {
	if err := p.skirmish().Prevail(); err != nil {
		return nil, fmt.Errorf("pool 0x%x: %w", p.off, err)
	}

	hdr := p.hdr()
	if atomic.LoadUint32(&hdr.Magic) != poolMagic {
		_ = p.skirmish().Dismiss()

		return nil, fmt.Errorf("pool 0x%x: %w", p.off, ErrDestroyed)
	}

	return hdr, nil
}

func (p *ObjectPool) unlock() error {
	return p.skirmish().Dismiss()
}

// Create allocates an object with reference count 1 in state [ObjectInit].
// The caller activates it with [Object.Activate] once constructed.
func (p *ObjectPool) Create() (*Object, error) {
	hdr, err := p.lock()
	if err != nil {
		return nil, err
	}

	obj, err := p.create(hdr)

	return obj, errors.Join(err, p.unlock())
}

func (p *ObjectPool) create(hdr *poolHeader) (*Object, error) {
	w := p.w

	off, err := w.heap.Calloc(1, sizeofObject+uint64(hdr.ObjectSize))
	if err != nil {
		return nil, fmt.Errorf("allocating object: %w", err)
	}

	hdr.NextID++
	id := hdr.NextID

	ref, err := NewRef(w)
	if err != nil {
		_ = w.heap.Free(off)

		return nil, err
	}

	if err := ref.Up(); err != nil {
		_ = ref.Destroy()
		_ = w.heap.Free(off)

		return nil, err
	}

	if err := ref.Watch(w.Call(hdr.Call), int(id)); err != nil {
		_ = ref.Destroy()
		_ = w.heap.Free(off)

		return nil, err
	}

	var reactor Offset

	if hdr.MessageSize > 0 {
		r, err := NewReactor(w, int(hdr.MessageSize))
		if err != nil {
			_ = ref.Destroy()
			_ = w.heap.Free(off)

			return nil, err
		}

		reactor = r.off
	}

	obj := &Object{pool: p, off: off}
	ohdr := obj.hdr()
	*ohdr = objectHeader{
		ID:      id,
		State:   uint32(ObjectInit),
		Pool:    p.off,
		Ref:     ref.off,
		Reactor: reactor,
		Next:    hdr.Head,
	}

	if hdr.Head != 0 {
		(&Object{pool: p, off: hdr.Head}).hdr().Prev = off
	}

	hdr.Head = off
	hdr.Count++

	return obj, nil
}

// Lookup returns the live object with id. Returns [ErrNotFound] if there is
// none.
func (p *ObjectPool) Lookup(id uint64) (*Object, error) {
	hdr, err := p.lock()
	if err != nil {
		return nil, err
	}

	off := p.find(hdr, id)

	if err := p.unlock(); err != nil {
		return nil, err
	}

	if off == 0 {
		return nil, fmt.Errorf("pool %s: object %d: %w", p.Name(), id, ErrNotFound)
	}

	return &Object{pool: p, off: off}, nil
}

func (p *ObjectPool) find(hdr *poolHeader, id uint64) Offset {
	for off := hdr.Head; off != 0; {
		ohdr := (&Object{pool: p, off: off}).hdr()
		if ohdr.ID == id {
			return off
		}

		off = ohdr.Next
	}

	return 0
}

// Count returns the number of live objects.
func (p *ObjectPool) Count() (int, error) {
	hdr, err := p.lock()
	if err != nil {
		return 0, err
	}

	n := int(hdr.Count)

	return n, p.unlock()
}

func (p *ObjectPool) unlink(hdr *poolHeader, obj *Object) {
	ohdr := obj.hdr()

	if ohdr.Prev != 0 {
		(&Object{pool: p, off: ohdr.Prev}).hdr().Next = ohdr.Next
	} else {
		hdr.Head = ohdr.Next
	}

	if ohdr.Next != 0 {
		(&Object{pool: p, off: ohdr.Next}).hdr().Prev = ohdr.Prev
	}

	ohdr.Next, ohdr.Prev = 0, 0
	hdr.Count--
}

// reap is the watcher: it destroys object id after its count reached zero,
// unless it was revived or never activated.
func (p *ObjectPool) reap(id uint64) {
	log := p.w.log.With(zap.String("pool", p.Name()), zap.Uint64("object", id))

	hdr, err := p.lock()
	if err != nil {
		log.Warn("reaping object", zap.Error(err))

		return
	}

	defer func() { _ = p.unlock() }()

	off := p.find(hdr, id)
	if off == 0 {
		// Every drop to zero posts a reap, so an earlier one may already
		// have destroyed the object.
		if id != 0 && id <= hdr.NextID {
			log.Debug("object to reap already destroyed")
		} else {
			log.Error("object to reap not found")
		}

		return
	}

	obj := &Object{pool: p, off: off}
	ohdr := obj.hdr()
	ref := p.w.Ref(ohdr.Ref)

	if err := ref.ZeroTryLock(); err != nil {
		if errors.Is(err, ErrInUse) {
			log.Debug("object revived, not reaping")
		} else {
			log.Warn("reaping object", zap.Error(err))
		}

		return
	}

	if ObjectState(atomic.LoadUint32(&ohdr.State)) == ObjectInit {
		log.Warn("leaking object released before activation")

		_ = ref.Unlock()

		return
	}

	atomic.StoreUint32(&ohdr.State, uint32(ObjectDeinit))
	p.unlink(hdr, obj)

	if p.destructor != nil {
		p.destructor(obj, TeardownNormal)
	}

	if err := p.release(obj, ref); err != nil {
		log.Warn("releasing object", zap.Error(err))
	}
}

// release frees what an object owns, then the object.
func (p *ObjectPool) release(obj *Object, ref *Ref) error {
	ohdr := obj.hdr()

	var errs []error

	if err := ref.Destroy(); err != nil {
		errs = append(errs, err)
	}

	if ohdr.Reactor != 0 {
		if err := (&Reactor{w: p.w, off: ohdr.Reactor}).Destroy(); err != nil && !errors.Is(err, ErrDestroyed) {
			errs = append(errs, err)
		}
	}

	errs = append(errs, p.w.heap.Free(obj.off))

	return errors.Join(errs...)
}

// Destroy tears the pool down. Only the creating process may destroy a pool.
// Objects still alive are destroyed as zombies: their destructor runs with
// [TeardownEmergency] if references remain, else [TeardownNormal].
func (p *ObjectPool) Destroy() error {
	w := p.w

	call := w.Call(p.hdr().Call)
	if _, ok := w.handler(call.off, call.hdr().ID); !ok {
		return fmt.Errorf("pool %s: not owner: %w", p.Name(), ErrAccessDenied)
	}

	deadline := time.Now().Add(poolDrainTimeout)
	for call.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	hdr, err := p.lock()
	if err != nil {
		return err
	}

	log := w.log.With(zap.String("pool", getName(&hdr.Name)))

	var errs []error

	for hdr.Head != 0 {
		obj := &Object{pool: p, off: hdr.Head}
		ohdr := obj.hdr()
		ref := w.Ref(ohdr.Ref)

		mode := TeardownNormal
		if n, err := ref.Stat(); err == nil && n > 0 {
			mode = TeardownEmergency
		}

		log.Debug("destroying zombie object", zap.Uint64("object", ohdr.ID), zap.Stringer("mode", mode))

		atomic.StoreUint32(&ohdr.State, uint32(ObjectDeinit))
		p.unlink(hdr, obj)

		if p.destructor != nil {
			p.destructor(obj, mode)
		}

		if err := p.release(obj, ref); err != nil {
			errs = append(errs, err)
		}
	}

	if err := call.Destroy(); err != nil {
		errs = append(errs, err)
	}

	atomic.StoreUint32(&hdr.Magic, 0)

	errs = append(errs, p.skirmish().destroyHeld(), w.heap.Free(p.off))

	return errors.Join(errs...)
}

// ID returns the object id, unique within its pool.
func (o *Object) ID() uint64 {
	return o.hdr().ID
}

// Offset returns the shared offset of the object.
func (o *Object) Offset() Offset {
	return o.off
}

// Pool returns the pool the object belongs to.
func (o *Object) Pool() *ObjectPool {
	return o.pool
}

// State returns the lifecycle state.
func (o *Object) State() ObjectState {
	return ObjectState(atomic.LoadUint32(&o.hdr().State))
}

func (o *Object) hdr() *objectHeader {
	return (*objectHeader)(o.pool.w.ptr(o.off, sizeofObject))
}

// Data returns the payload. The slice aliases shared memory.
func (o *Object) Data() []byte {
	size := uint64(o.pool.hdr().ObjectSize)
	if size == 0 {
		return nil
	}

	return unsafe.Slice((*byte)(o.pool.w.ptr(o.off+Offset(sizeofObject), size)), size)
}

// Reactor returns the object's reactor, or nil if the pool has no message
// size.
func (o *Object) Reactor() *Reactor {
	off := o.hdr().Reactor
	if off == 0 {
		return nil
	}

	return &Reactor{w: o.pool.w, off: off}
}

// Activate moves the object from [ObjectInit] to [ObjectActive].
func (o *Object) Activate() error {
	if _, err := o.pool.lock(); err != nil {
		return err
	}

	hdr := o.hdr()
	if ObjectState(atomic.LoadUint32(&hdr.State)) != ObjectInit {
		_ = o.pool.unlock()

		return fmt.Errorf("activate object %d in state %s: %w", hdr.ID, o.State(), ErrInvalidArgument)
	}

	atomic.StoreUint32(&hdr.State, uint32(ObjectActive))

	return o.pool.unlock()
}

// Ref adds a reference.
func (o *Object) Ref() error {
	return o.pool.w.Ref(o.hdr().Ref).Up()
}

// Unref drops a reference. Dropping the last one schedules destruction in
// the pool owner.
func (o *Object) Unref() error {
	return o.pool.w.Ref(o.hdr().Ref).Down()
}

// Refs returns the current reference count.
func (o *Object) Refs() (int, error) {
	return o.pool.w.Ref(o.hdr().Ref).Stat()
}

// Retain is [Object.Ref].
func (o *Object) Retain() error {
	return o.Ref()
}

// Release is [Object.Unref].
func (o *Object) Release() error {
	return o.Unref()
}
