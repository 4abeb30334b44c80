package fusion

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/fusion/internal/fs"
)

// World is one process's attachment to a named fusion domain.
//
// Every process that joins the same name in the same directory shares one
// heap file. Multiple Worlds in one OS process behave like separate
// processes: each owns its own descriptors, locks and mapping.
//
// A World is safe for concurrent use by multiple goroutines.
type World struct {
	name string
	opts Options
	log  *zap.Logger
	fs   fs.FS

	heapPath string
	lockPath string
	joinPath string

	file   fs.File
	locks  *fs.RangeLocker
	region *region
	sb     *superblock
	heap   *Heap

	id    FusionID
	inbox *ring

	locals localMutexes

	nodesMu sync.Mutex
	nodes   map[Offset]*localNode

	callsMu sync.Mutex
	calls   map[Offset]callEntry

	growth  *Reactor
	resized chan struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	goroutines *errgroup.Group

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var errStaleWorld = errors.New("stale world")

const growthMessageSize = 8

// Join attaches the calling process to the world called name, creating the
// backing files if no live process holds them.
//
// A heap file whose registered processes are all dead (or that fails
// validation) is treated as the leftover of a crashed group and recreated.
func Join(name string, opts Options) (*World, error) {
	return join(name, opts, fs.NewReal())
}

func join(name string, opts Options, fsys fs.FS) (*World, error) {
	if err := validateWorldName(name); err != nil {
		return nil, err
	}

	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	if err := fsys.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, osError("mkdir", opts.Dir, err)
	}

	base := filepath.Join(opts.Dir, "fusion."+name)

	w := &World{
		name:     name,
		opts:     opts,
		log:      opts.Logger.With(zap.String("world", name)),
		fs:       fsys,
		heapPath: base + ".heap",
		lockPath: base + ".heap.lock",
		joinPath: base + ".join",
		nodes:    make(map[Offset]*localNode),
		calls:    make(map[Offset]callEntry),
		resized:  make(chan struct{}, 1),
	}

	joinLock, err := fs.NewLocker(fsys).Lock(w.joinPath)
	if err != nil {
		return nil, osError("lock", w.joinPath, err)
	}

	err = w.bootstrap()

	if closeErr := joinLock.Close(); closeErr != nil && err == nil {
		err = osError("unlock", w.joinPath, closeErr)
	}

	if err != nil {
		w.release()

		return nil, err
	}

	w.start()

	return w, nil
}

// bootstrap opens or creates the backing files and registers the process.
// Called with the join lock held.
func (w *World) bootstrap() error {
	lockFile, err := w.fs.OpenFile(w.lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return osError("open", w.lockPath, err)
	}

	w.locks = fs.NewRangeLocker(lockFile)

	exists, err := w.fs.Exists(w.heapPath)
	if err != nil {
		return osError("stat", w.heapPath, err)
	}

	created := false
	requested := w.opts

	if exists {
		err = w.attach()
		if errors.Is(err, errStaleWorld) {
			w.log.Warn("recreating stale world", zap.String("path", w.heapPath), zap.Error(err))
			w.unmap()
			w.opts = requested

			if err := w.fs.Remove(w.heapPath); err != nil && !os.IsNotExist(err) {
				return osError("remove", w.heapPath, err)
			}

			exists = false
		} else if err != nil {
			return err
		}
	}

	if !exists {
		if err := w.create(); err != nil {
			return err
		}

		created = true
	}

	if err := w.register(); err != nil {
		return err
	}

	w.log = w.log.With(zap.Uint64("fusion_id", uint64(w.id)))

	if created {
		growth, err := NewReactor(w, growthMessageSize)
		if err != nil {
			return fmt.Errorf("creating growth reactor: %w", err)
		}

		w.sb.Growth = growth.off
	}

	w.growth = &Reactor{w: w, off: w.sb.Growth}

	w.log.Debug("joined world",
		zap.Bool("created", created),
		zap.Uint64("map_size", atomic.LoadUint64(&w.sb.MapSize)))

	return nil
}

// create formats a fresh heap file.
func (w *World) create() error {
	file, err := w.fs.OpenFile(w.heapPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return osError("create", w.heapPath, err)
	}

	w.file = file

	if err := file.Truncate(int64(w.opts.HeapSize)); err != nil {
		return osError("truncate", w.heapPath, err)
	}

	if err := w.mapRegion(w.opts.MaxHeapSize, w.opts.HeapSize); err != nil {
		return err
	}

	sb := w.sb
	sb.Version = formatVersion
	sb.FinalFree = uint32(w.opts.FinalFreeBlocks)
	sb.MaxSize = w.opts.MaxHeapSize
	sb.MinMapSize = w.opts.HeapSize
	sb.QueueDepth = uint64(w.opts.QueueDepth)
	sb.Created = time.Now().UnixNano()
	atomic.StoreUint64(&sb.MapSize, w.opts.HeapSize)

	w.heap.format()
	initSkirmish(w, offWorldLock, 0)

	atomic.StoreUint64(&sb.Magic, superMagic)

	return nil
}

// attach maps an existing heap file. Returns errStaleWorld if the file is
// not a usable heap or nobody registered in it is alive.
func (w *World) attach() error {
	file, err := w.fs.OpenFile(w.heapPath, os.O_RDWR, 0)
	if err != nil {
		return osError("open", w.heapPath, err)
	}

	w.file = file

	info, err := file.Stat()
	if err != nil {
		return osError("stat", w.heapPath, err)
	}

	buf := make([]byte, unsafe.Sizeof(superblock{}))
	if info.Size() < int64(superSize) {
		return fmt.Errorf("%w: file of %d bytes", errStaleWorld, info.Size())
	}

	if _, err := file.ReadAt(buf, 0); err != nil {
		return osError("read", w.heapPath, err)
	}

	peek := (*superblock)(unsafe.Pointer(&buf[0]))

	switch {
	case peek.Magic != superMagic:
		return fmt.Errorf("%w: bad magic 0x%x", errStaleWorld, peek.Magic)
	case peek.Version != formatVersion:
		return fmt.Errorf("%w: version %d", errStaleWorld, peek.Version)
	case peek.MaxSize > maxMaxHeapSize, peek.MapSize > peek.MaxSize:
		return fmt.Errorf("%w: map size %d, max %d", errStaleWorld, peek.MapSize, peek.MaxSize)
	}

	w.opts.MaxHeapSize = peek.MaxSize
	w.opts.HeapSize = peek.MinMapSize
	w.opts.FinalFreeBlocks = int(peek.FinalFree)
	w.opts.QueueDepth = int(peek.QueueDepth)

	if err := w.mapRegion(peek.MaxSize, peek.MapSize); err != nil {
		return err
	}

	for i := range w.sb.World.Procs {
		if id := w.sb.World.Procs[i].ID; id != 0 && w.alive(id) {
			return nil
		}
	}

	return fmt.Errorf("%w: no live process", errStaleWorld)
}

func (w *World) mapRegion(reserve, size uint64) error {
	rg, err := newRegion(int(w.file.Fd()), w.heapPath, reserve)
	if err != nil {
		return err
	}

	w.region = rg

	if err := rg.remap(size); err != nil {
		return err
	}

	w.sb = (*superblock)(rg.at(0))
	w.heap = newHeap(w)

	return nil
}

// unmap drops the mapping and heap descriptor, keeping the lock file.
func (w *World) unmap() {
	if w.region != nil {
		_ = w.region.close()
		w.region = nil
		w.sb = nil
		w.heap = nil
	}

	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}

// release frees local resources after a failed join or a close.
func (w *World) release() {
	w.unmap()

	if w.locks != nil {
		_ = w.locks.Close()
	}
}

// register claims a process slot, a liveness byte and a call inbox, and
// purges slots of dead processes.
func (w *World) register() error {
	lock := w.Skirmish(offWorldLock)
	if err := lock.Prevail(); err != nil {
		return fmt.Errorf("world lock: %w", err)
	}

	defer func() { _ = lock.Dismiss() }()

	procs := &w.sb.World.Procs
	w.purgeProcs()

	slot := -1

	for i := range procs {
		if procs[i].ID == 0 {
			slot = i

			break
		}
	}

	if slot < 0 {
		return fmt.Errorf("process table: %d entries: %w", maxProcesses, ErrLimitReached)
	}

	w.sb.World.NextID++
	id := FusionID(w.sb.World.NextID)

	if err := w.locks.TryLock(livenessBase + int64(id)); err != nil {
		return osError("lock liveness", w.lockPath, err)
	}

	inbox, err := newRing(w, sizeofCallMsg, uint64(w.opts.QueueDepth))
	if err != nil {
		return fmt.Errorf("creating call inbox: %w", err)
	}

	procs[slot] = procSlot{
		ID:     id,
		Pid:    int64(os.Getpid()),
		Inbox:  inbox.off,
		Joined: time.Now().UnixNano(),
	}

	w.id = id
	w.inbox = inbox

	return nil
}

// purgeProcs clears process slots whose owner died. Called with the world
// lock held.
func (w *World) purgeProcs() {
	procs := &w.sb.World.Procs

	for i := range procs {
		p := &procs[i]
		if p.ID == 0 || p.ID == w.id || w.alive(p.ID) {
			continue
		}

		w.log.Warn("purging dead process", zap.Uint64("id", uint64(p.ID)), zap.Int64("pid", p.Pid))

		if p.Inbox != 0 {
			if err := (&ring{w: w, off: p.Inbox}).free(); err != nil {
				w.log.Warn("freeing dead inbox", zap.Error(err))
			}
		}

		*p = procSlot{}
	}
}

// start launches the call dispatcher, the growth notifier and the growth
// reaction.
func (w *World) start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.goroutines, _ = errgroup.WithContext(w.ctx)

	w.goroutines.Go(func() error {
		w.dispatch()

		return nil
	})

	w.goroutines.Go(func() error {
		w.notifier()

		return nil
	})

	_, err := w.growth.Attach(ReactionFunc(w.onGrowth))
	if err != nil {
		w.log.Warn("attaching growth reaction", zap.Error(err))
	}
}

// onGrowth extends the mapping to the shared size. It never shrinks: the
// holder of the heap lock may be between remapping and publishing the new
// size, and only the heap lock holder may drop mapped pages.
func (w *World) onGrowth([]byte) ReactionResult {
	if err := w.region.grow(atomic.LoadUint64(&w.sb.MapSize)); err != nil {
		w.log.Warn("remapping after growth", zap.Error(err))
	}

	return ReactionOK
}

// notifyResize schedules a growth notification. It never blocks, so the
// heap can call it from any lock context.
func (w *World) notifyResize(uint64) {
	select {
	case w.resized <- struct{}{}:
	default:
	}
}

func (w *World) notifier() {
	msg := make([]byte, growthMessageSize)

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.resized:
		}

		size := atomic.LoadUint64(&w.sb.MapSize)
		binary.LittleEndian.PutUint64(msg, size)

		if err := w.growth.Dispatch(msg, false); err != nil && !errors.Is(err, ErrClosed) {
			w.log.Warn("dispatching growth", zap.Error(err))
		}
	}
}

// ID returns this process's id.
func (w *World) ID() FusionID {
	return w.id
}

// Name returns the world name.
func (w *World) Name() string {
	return w.name
}

// Heap returns the shared allocator.
func (w *World) Heap() *Heap {
	return w.heap
}

// Logger returns the world's logger.
func (w *World) Logger() *zap.Logger {
	return w.log
}

// Options returns the effective options. Joiners report the geometry of the
// world they attached to.
func (w *World) Options() Options {
	return w.opts
}

// Path returns the path of the heap file.
func (w *World) Path() string {
	return w.heapPath
}

// Process describes one registered process.
type Process struct {
	ID     FusionID
	Pid    int
	Joined time.Time
	Alive  bool
}

// Processes returns the registered processes in slot order.
func (w *World) Processes() ([]Process, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}

	lock := w.Skirmish(offWorldLock)
	if err := lock.Prevail(); err != nil {
		return nil, err
	}

	var out []Process

	for i := range w.sb.World.Procs {
		p := w.sb.World.Procs[i]
		if p.ID == 0 {
			continue
		}

		out = append(out, Process{
			ID:     p.ID,
			Pid:    int(p.Pid),
			Joined: time.Unix(0, p.Joined),
			Alive:  w.alive(p.ID),
		})
	}

	return out, lock.Dismiss()
}

// alive reports whether the process with id holds its liveness lock.
func (w *World) alive(id FusionID) bool {
	if id == w.id {
		return !w.closed.Load()
	}

	held, err := w.locks.Held(livenessBase + int64(id))
	if err != nil {
		w.log.Warn("probing liveness", zap.Uint64("id", uint64(id)), zap.Error(err))

		return true
	}

	return held
}

// pushCall queues a call message in the inbox of process id.
func (w *World) pushCall(id FusionID, msg []byte) error {
	lock := w.Skirmish(offWorldLock)
	if err := lock.Prevail(); err != nil {
		return err
	}

	var inbox Offset

	for i := range w.sb.World.Procs {
		if p := &w.sb.World.Procs[i]; p.ID == id {
			inbox = p.Inbox

			break
		}
	}

	if inbox == 0 {
		_ = lock.Dismiss()

		return fmt.Errorf("process %d: %w", id, ErrDestroyed)
	}

	err := (&ring{w: w, off: inbox}).push(msg)

	return errors.Join(err, lock.Dismiss())
}

// ptr returns the local address of [off, off+n), mapping more of the heap
// file first if the range lies beyond the local mapping.
func (w *World) ptr(off Offset, n uint64) unsafe.Pointer {
	if uint64(off)+n > w.region.size() {
		if _, err := w.ensure(uint64(off) + n); err != nil {
			panic(fmt.Sprintf("fusion: access to 0x%x+%d: %v", uint64(off), n, err))
		}
	}

	return w.region.at(off)
}

// ensure makes [0, end) accessible, remapping to the shared size if needed.
// Returns [ErrFault] if end lies beyond the shared size.
func (w *World) ensure(end uint64) (uint64, error) {
	if end <= w.region.size() {
		return w.region.size(), nil
	}

	latest := atomic.LoadUint64(&w.sb.MapSize)
	if end > latest {
		return 0, fmt.Errorf("offset %d beyond heap size %d: %w", end, latest, ErrFault)
	}

	if err := w.region.grow(latest); err != nil {
		return 0, err
	}

	return w.region.size(), nil
}

// sync brings the local mapping to the shared size, shrinking it if the
// heap shrank. Callers hold the heap lock.
func (w *World) sync() (uint64, error) {
	size := atomic.LoadUint64(&w.sb.MapSize)
	if size == w.region.size() {
		return size, nil
	}

	if err := w.region.remap(size); err != nil {
		return 0, err
	}

	return size, nil
}

func (w *World) heapFD() int {
	return int(w.file.Fd())
}

func (w *World) localMutex(off Offset) *sync.Mutex {
	return w.locals.get(off)
}

func (w *World) dropLocalMutex(off Offset) {
	w.locals.drop(off)
}

// Close detaches the process from the world.
//
// Local reactor nodes are torn down, owned calls destroyed and background
// goroutines stopped. The last live process to close removes the backing
// files. Close is idempotent.
func (w *World) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.close()
	})

	return w.closeErr
}

func (w *World) close() error {
	w.closed.Store(true)

	var errs []error

	w.nodesMu.Lock()
	nodes := make([]*localNode, 0, len(w.nodes))

	for _, n := range w.nodes {
		nodes = append(nodes, n)
	}
	w.nodesMu.Unlock()

	for _, n := range nodes {
		n.teardown(true)
	}

	w.callsMu.Lock()
	calls := make([]Offset, 0, len(w.calls))

	for off := range w.calls {
		calls = append(calls, off)
	}
	w.callsMu.Unlock()

	for _, off := range calls {
		if err := w.Call(off).Destroy(); err != nil && !errors.Is(err, ErrDestroyed) {
			errs = append(errs, err)
		}
	}

	w.cancel()
	_ = w.goroutines.Wait()

	joinLock, err := fs.NewLocker(w.fs).Lock(w.joinPath)
	if err != nil {
		errs = append(errs, osError("lock", w.joinPath, err))
	}

	last, err := w.deregister()
	if err != nil {
		errs = append(errs, err)
	}

	if last {
		for _, path := range []string{w.heapPath, w.lockPath, w.joinPath} {
			if err := w.fs.Remove(path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, osError("remove", path, err))
			}
		}
	}

	w.log.Debug("left world", zap.Bool("last", last))
	w.release()

	if joinLock != nil {
		if err := joinLock.Close(); err != nil {
			errs = append(errs, osError("unlock", w.joinPath, err))
		}
	}

	return errors.Join(errs...)
}

// deregister clears the process slot, fails queued calls and frees the
// inbox. Reports whether no other live process remains.
func (w *World) deregister() (bool, error) {
	lock := w.Skirmish(offWorldLock)
	if err := lock.Prevail(); err != nil {
		return false, err
	}

	last := true

	for i := range w.sb.World.Procs {
		p := &w.sb.World.Procs[i]

		switch {
		case p.ID == 0:
		case p.ID == w.id:
			*p = procSlot{}
		case w.alive(p.ID):
			last = false
		}
	}

	if err := lock.Dismiss(); err != nil {
		return last, err
	}

	w.failQueued()

	return last, w.inbox.free()
}

// failQueued answers calls still queued in the inbox with a failure so
// their callers return instead of polling.
func (w *World) failQueued() {
	buf := make([]byte, sizeofCallMsg)

	for w.inbox.pop(buf) {
		msg := (*callMsg)(unsafe.Pointer(&buf[0]))
		if msg.Reply == 0 {
			continue
		}

		if _, err := w.ensure(uint64(msg.Reply) + sizeofReply); err != nil {
			continue
		}

		reply := (*replySlot)(w.ptr(msg.Reply, sizeofReply))
		if atomic.CompareAndSwapUint32(&reply.State, replyPending, replyFailed) {
			futexWake(&reply.State, wakeAll)
		} else {
			_ = w.heap.Free(msg.Reply)
		}
	}
}
