package fusion

import (
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"
)

// ArenaFunc initializes or joins an arena. It runs with the arena locked,
// so fields published by the initializer are visible to every joiner.
type ArenaFunc func(a *Arena) error

// ArenaExitFunc runs when a process leaves an arena.
type ArenaExitFunc func(a *Arena, mode TeardownMode) error

// Arena is a named rendezvous area. The first process to enter it runs the
// initializer, later processes run the joiner, and the last to exit runs the
// shutdown hook.
//
// Arenas publish shared structures by name through a small field table.
type Arena struct {
	w    *World
	off  Offset
	name string

	// held is set while init, join or exit callbacks run with the arena
	// locked through this handle.
	held   bool
	exited bool
}

// ArenaInfo describes an arena for diagnostics.
type ArenaInfo struct {
	Name   string
	Offset Offset
	Nodes  []FusionID
	Fields map[string]Offset
}

func arenaKey(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))

	return h.Sum64()
}

func validateFieldName(kind, name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%s name must be 1-%d bytes, got %q: %w", kind, maxNameLen, name, ErrInvalidArgument)
	}

	return nil
}

// EnterArena enters the arena called name, creating it if needed. init runs
// if this process created the arena, join otherwise. Either may be nil.
//
// Returns [ErrLimitReached] if the arena already has the maximum number of
// nodes. A failing init destroys the arena again; a failing join leaves it.
func (w *World) EnterArena(name string, init, join ArenaFunc) (*Arena, error) {
	if err := validateFieldName("arena", name); err != nil {
		return nil, err
	}

	if w.closed.Load() {
		return nil, ErrClosed
	}

	for {
		a, created, err := w.findOrCreateArena(name)
		if err != nil {
			return nil, err
		}

		if created {
			if err := a.initialize(init); err != nil {
				return nil, err
			}

			return a, nil
		}

		err = a.join(join)
		if errors.Is(err, ErrDestroyed) {
			// Torn down between lookup and lock.
			continue
		}

		if err != nil {
			return nil, err
		}

		return a, nil
	}
}

// findOrCreateArena looks name up in the world's arena list. An existing
// arena gets a reference for the caller; a new one is returned locked.
func (w *World) findOrCreateArena(name string) (*Arena, bool, error) {
	key := arenaKey(name)

	lock := w.Skirmish(offWorldLock)
	if err := lock.Prevail(); err != nil {
		return nil, false, fmt.Errorf("world lock: %w", err)
	}

	defer func() { _ = lock.Dismiss() }()

	for off := w.sb.World.Arenas; off != 0; {
		a := &Arena{w: w, off: off, name: name}
		hdr := a.hdr()

		if hdr.Key == key && getName(&hdr.Name) == name && atomic.LoadUint32(&hdr.Magic) == arenaMagic {
			if err := w.Ref(hdr.Ref).Up(); err != nil {
				return nil, false, err
			}

			return a, false, nil
		}

		off = hdr.Next
	}

	off, err := w.heap.Calloc(1, sizeofArena)
	if err != nil {
		return nil, false, fmt.Errorf("allocating arena: %w", err)
	}

	ref, err := NewRef(w)
	if err != nil {
		_ = w.heap.Free(off)

		return nil, false, err
	}

	if err := ref.Up(); err != nil {
		_ = ref.Destroy()
		_ = w.heap.Free(off)

		return nil, false, err
	}

	a := &Arena{w: w, off: off, name: name}
	hdr := a.hdr()
	hdr.Key = key
	hdr.Ref = ref.off
	hdr.Next = w.sb.World.Arenas
	putName(&hdr.Name, name)
	hdr.Magic = arenaMagic
	initSkirmish(w, off, 0)

	// Unreachable until the world lock is dismissed, so this never blocks.
	if err := a.skirmish().Prevail(); err != nil {
		_ = ref.Destroy()
		_ = w.heap.Free(off)

		return nil, false, err
	}

	w.sb.World.Arenas = off

	return a, true, nil
}

// initialize runs init on a freshly created arena. Called with the arena
// locked.
func (a *Arena) initialize(init ArenaFunc) error {
	hdr := a.hdr()
	hdr.Nodes[0] = a.w.id
	hdr.NodeCount = 1

	if init != nil {
		a.held = true
		err := init(a)
		a.held = false

		if err != nil {
			a.w.log.Warn("arena init failed", zap.String("arena", a.name), zap.Error(err))

			return errors.Join(fmt.Errorf("arena %s init: %w", a.name, err), a.teardown())
		}
	}

	hdr.Initialized = 1
	a.w.log.Debug("created arena", zap.String("arena", a.name))

	return a.skirmish().Dismiss()
}

// join adds this process to an existing arena and runs join. The caller
// holds a reference, which join gives back on failure.
func (a *Arena) join(join ArenaFunc) error {
	w := a.w

	hdr, err := a.lock()
	if err != nil {
		return err
	}

	ref := w.Ref(hdr.Ref)
	a.purgeDead(hdr)

	if hdr.NodeCount >= maxArenaNodes {
		_ = ref.Down()
		_ = a.skirmish().Dismiss()

		return fmt.Errorf("arena %s: %d nodes: %w", a.name, maxArenaNodes, ErrLimitReached)
	}

	hdr.Nodes[hdr.NodeCount] = w.id
	hdr.NodeCount++

	if join != nil {
		a.held = true
		err := join(a)
		a.held = false

		if err != nil {
			a.removeNode(hdr, w.id)
			_ = ref.Down()
			_ = a.skirmish().Dismiss()

			return fmt.Errorf("arena %s join: %w", a.name, err)
		}
	}

	w.log.Debug("joined arena", zap.String("arena", a.name), zap.Uint64("nodes", hdr.NodeCount))

	return a.skirmish().Dismiss()
}

// purgeDead drops nodes of dead processes and their references. Called with
// the arena locked.
func (a *Arena) purgeDead(hdr *arenaHeader) {
	for _, id := range slices.Clone(hdr.Nodes[:hdr.NodeCount]) {
		if id == a.w.id || a.w.alive(id) {
			continue
		}

		a.w.log.Warn("purging dead arena node", zap.String("arena", a.name), zap.Uint64("id", uint64(id)))
		a.removeNode(hdr, id)

		if err := a.w.Ref(hdr.Ref).Down(); err != nil {
			a.w.log.Warn("dropping dead arena reference", zap.Error(err))
		}
	}
}

func (a *Arena) removeNode(hdr *arenaHeader, id FusionID) {
	nodes := hdr.Nodes[:hdr.NodeCount]

	i := slices.Index(nodes, id)
	if i < 0 {
		return
	}

	copy(nodes[i:], nodes[i+1:])
	hdr.NodeCount--
	hdr.Nodes[hdr.NodeCount] = 0
}

func (a *Arena) hdr() *arenaHeader {
	return (*arenaHeader)(a.w.ptr(a.off, sizeofArena))
}

func (a *Arena) skirmish() *Skirmish {
	return &Skirmish{w: a.w, off: a.off}
}

func (a *Arena) lock() (*arenaHeader, error) {
	if err := a.skirmish().Prevail(); err != nil {
		return nil, fmt.Errorf("arena %s: %w", a.name, err)
	}

	hdr := a.hdr()
	if atomic.LoadUint32(&hdr.Magic) != arenaMagic {
		_ = a.skirmish().Dismiss()

		return nil, fmt.Errorf("arena %s: %w", a.name, ErrDestroyed)
	}

	return hdr, nil
}

// Name returns the arena name.
func (a *Arena) Name() string {
	return a.name
}

// Offset returns the shared offset of the arena.
func (a *Arena) Offset() Offset {
	return a.off
}

// World returns the world the arena lives in.
func (a *Arena) World() *World {
	return a.w
}

// withLock runs fn with the arena locked, reusing the lock held by a running
// callback.
func (a *Arena) withLock(fn func(hdr *arenaHeader) error) error {
	if a.held {
		return fn(a.hdr())
	}

	hdr, err := a.lock()
	if err != nil {
		return err
	}

	return errors.Join(fn(hdr), a.skirmish().Dismiss())
}

// AddSharedField publishes value under name. Returns [ErrInvalidArgument]
// for empty, overlong or duplicate names and [ErrLimitReached] when the
// field table is full.
func (a *Arena) AddSharedField(name string, value Offset) error {
	if err := validateFieldName("field", name); err != nil {
		return err
	}

	return a.withLock(func(hdr *arenaHeader) error {
		free := -1

		for i := range hdr.Fields {
			f := &hdr.Fields[i]

			if f.Name[0] == 0 {
				if free < 0 {
					free = i
				}

				continue
			}

			if getName(&f.Name) == name {
				return fmt.Errorf("arena %s: field %q exists: %w", a.name, name, ErrInvalidArgument)
			}
		}

		if free < 0 {
			return fmt.Errorf("arena %s: %d fields: %w", a.name, maxArenaFields, ErrLimitReached)
		}

		putName(&hdr.Fields[free].Name, name)
		hdr.Fields[free].Value = value

		return nil
	})
}

// GetSharedField returns the value published under name. Returns
// [ErrNotFound] for unknown names.
func (a *Arena) GetSharedField(name string) (Offset, error) {
	if err := validateFieldName("field", name); err != nil {
		return 0, err
	}

	var value Offset

	err := a.withLock(func(hdr *arenaHeader) error {
		for i := range hdr.Fields {
			if f := &hdr.Fields[i]; f.Name[0] != 0 && getName(&f.Name) == name {
				value = f.Value

				return nil
			}
		}

		return fmt.Errorf("arena %s: field %q: %w", a.name, name, ErrNotFound)
	})

	return value, err
}

// Exit leaves the arena. The last process to leave runs shutdown and
// destroys the arena; every other process runs leave. Both hooks run with
// the arena locked and receive mode.
func (a *Arena) Exit(shutdown, leave ArenaExitFunc, mode TeardownMode) error {
	if a.exited {
		return fmt.Errorf("arena %s: already exited: %w", a.name, ErrInvalidArgument)
	}

	w := a.w

	hdr, err := a.lock()
	if err != nil {
		return err
	}

	a.exited = true
	a.purgeDead(hdr)
	a.removeNode(hdr, w.id)

	// The zero check and the unlink happen under the world lock, where
	// enterers take their reference.
	worldLock := w.Skirmish(offWorldLock)
	if err := worldLock.Prevail(); err != nil {
		_ = a.skirmish().Dismiss()

		return err
	}

	ref := w.Ref(hdr.Ref)
	downErr := ref.Down()
	n, _ := ref.Stat()
	last := downErr == nil && n == 0

	if last {
		w.unlinkArena(a.off)
	}

	_ = worldLock.Dismiss()

	if downErr != nil {
		_ = a.skirmish().Dismiss()

		return downErr
	}

	hook := leave
	if last {
		hook = shutdown
	}

	var hookErr error

	if hook != nil {
		a.held = true
		hookErr = hook(a, mode)
		a.held = false
	}

	if !last {
		w.log.Debug("left arena", zap.String("arena", a.name))

		return errors.Join(hookErr, a.skirmish().Dismiss())
	}

	w.log.Debug("shut down arena", zap.String("arena", a.name), zap.Stringer("mode", mode))

	return errors.Join(hookErr, a.teardown())
}

// teardown destroys a locked arena that is no longer reachable.
func (a *Arena) teardown() error {
	w := a.w
	hdr := a.hdr()

	lock := w.Skirmish(offWorldLock)
	if err := lock.Prevail(); err == nil {
		w.unlinkArena(a.off)
		_ = lock.Dismiss()
	}

	atomic.StoreUint32(&hdr.Magic, 0)

	return errors.Join(
		w.Ref(hdr.Ref).Destroy(),
		a.skirmish().destroyHeld(),
		w.heap.Free(a.off),
	)
}

// unlinkArena removes off from the world arena list. Called with the world
// lock held; unknown offsets are ignored.
func (w *World) unlinkArena(off Offset) {
	link := &w.sb.World.Arenas

	for *link != 0 {
		if *link == off {
			*link = (&Arena{w: w, off: off}).hdr().Next

			return
		}

		link = &(&Arena{w: w, off: *link}).hdr().Next
	}
}

// Arenas describes every arena in the world.
func (w *World) Arenas() ([]ArenaInfo, error) {
	lock := w.Skirmish(offWorldLock)
	if err := lock.Prevail(); err != nil {
		return nil, err
	}

	var offs []Offset

	for off := w.sb.World.Arenas; off != 0; off = (&Arena{w: w, off: off}).hdr().Next {
		offs = append(offs, off)
	}

	if err := lock.Dismiss(); err != nil {
		return nil, err
	}

	out := make([]ArenaInfo, 0, len(offs))

	for _, off := range offs {
		a := &Arena{w: w, off: off}

		hdr, err := a.lock()
		if err != nil {
			continue
		}

		info := ArenaInfo{
			Name:   getName(&hdr.Name),
			Offset: off,
			Nodes:  slices.Clone(hdr.Nodes[:hdr.NodeCount]),
			Fields: make(map[string]Offset),
		}

		for i := range hdr.Fields {
			if f := &hdr.Fields[i]; f.Name[0] != 0 {
				info.Fields[getName(&f.Name)] = f.Value
			}
		}

		_ = a.skirmish().Dismiss()

		out = append(out, info)
	}

	return out, nil
}
