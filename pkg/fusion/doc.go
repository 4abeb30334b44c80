// Package fusion provides shared-memory coordination between processes on
// one host.
//
// Processes join a named [World] backed by a heap file (by default under
// /dev/shm). Everything shared lives in that file and is addressed by
// [Offset], which means the same thing in every process.
//
// # Basic Usage
//
//	w, err := fusion.Join("compositor", fusion.Options{})
//	if err != nil {
//	    // handle error
//	}
//	defer w.Close()
//
//	arena, err := w.EnterArena("surfaces", func(a *fusion.Arena) error {
//	    pool, err := fusion.NewObjectPool(w, fusion.PoolOptions{Name: "surfaces", ObjectSize: 64})
//	    if err != nil {
//	        return err
//	    }
//	    return a.AddSharedField("pool", pool.Offset())
//	}, nil)
//
// # Primitives
//
//   - [Skirmish]: cross-process mutex
//   - [Ref]: cross-process reference counter with zero-lock and watch
//   - [Heap]: allocator over the shared heap file
//   - [Reactor]: fixed-size message broadcast to attached processes
//   - [Call]: synchronous procedure call served by the owning process
//   - [ObjectPool] and [Object]: counted objects destroyed by their owner
//   - [Arena]: named rendezvous with init, join and shutdown hooks
//
// # Concurrency
//
// All handles are safe for concurrent use unless noted. Shared structures are
// only modified under their skirmish. Lock order is arena, pool, reactor,
// world, ring, heap; callbacks (reactions, call handlers, destructors, arena
// hooks) must not take a lock earlier in that order than the one they run
// under.
//
// A process that dies while holding a skirmish releases the kernel lock, but
// the structure it guarded may be left half-updated. Dead processes are
// detected through liveness locks and pruned from process tables, reactor
// nodes and arena node lists.
//
// # Error Handling
//
// Errors wrap the sentinels in errors.go; use [errors.Is]. [ErrDestroyed]
// means a primitive was torn down under the caller, [ErrInUse] is the normal
// negative result of non-blocking operations.
package fusion
