package fusion

import (
	"sync/atomic"
	"unsafe"

	"github.com/calvinalkan/fusion/internal/fs"
)

// Export internal functions for testing.
// This file is only compiled during tests.

// KillForTesting simulates a crash of the process behind w. Background
// goroutines stop and every descriptor is closed, which releases the
// liveness lock, but no shared state is cleaned up. Close becomes a no-op.
func KillForTesting(w *World) {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.cancel()

		w.nodesMu.Lock()

		for _, n := range w.nodes {
			n.ringMu.Lock()
			n.ring = nil
			n.ringMu.Unlock()
		}

		w.nodesMu.Unlock()

		_ = w.goroutines.Wait()

		w.release()
	})
}

// LocalMapSizeForTesting returns how much of the heap file w has mapped.
func LocalMapSizeForTesting(w *World) uint64 {
	return w.region.size()
}

// ShrinkMappingForTesting makes w's view of the heap stale.
func ShrinkMappingForTesting(w *World, size uint64) error {
	return w.region.remap(size)
}

// GrowthReactionForTesting runs w's reaction to a peer's growth notice.
func GrowthReactionForTesting(w *World) {
	w.onGrowth(nil)
}

// PublishMapSizeForTesting overwrites the shared heap size and returns a func
// restoring the previous value.
func PublishMapSizeForTesting(w *World, size uint64) func() {
	prev := atomic.SwapUint64(&w.sb.MapSize, size)

	return func() { atomic.StoreUint64(&w.sb.MapSize, prev) }
}

// RawBytesForTesting returns heap memory without bringing the mapping up to
// date first.
func RawBytesForTesting(w *World, off Offset, n uint64) []byte {
	return unsafe.Slice((*byte)(w.region.at(off)), n)
}

// LockPoolForTesting holds the pool lock until the returned func is called.
func LockPoolForTesting(p *ObjectPool) (func(), error) {
	if _, err := p.lock(); err != nil {
		return nil, err
	}

	return func() { _ = p.unlock() }, nil
}

// OccupyReactorNodesForTesting registers owner on every free node of r
// without giving the nodes an inbox. The returned func frees them again.
func OccupyReactorNodesForTesting(r *Reactor, owner FusionID) (func() error, error) {
	hdr, err := r.lock()
	if err != nil {
		return nil, err
	}

	var taken []int

	for i := range hdr.Nodes {
		if hdr.Nodes[i].Owner == 0 {
			hdr.Nodes[i] = reactorNode{Owner: owner}
			taken = append(taken, i)
		}
	}

	if err := r.skirmish().Dismiss(); err != nil {
		return nil, err
	}

	return func() error {
		hdr, err := r.lock()
		if err != nil {
			return err
		}

		for _, i := range taken {
			hdr.Nodes[i] = reactorNode{}
		}

		return r.skirmish().Dismiss()
	}, nil
}

// ReapForTesting runs the pool owner's zero-reference handler for id.
func ReapForTesting(p *ObjectPool, id uint64) {
	p.reap(id)
}

// InfoBlockForTesting returns the offset of the heap info table.
func InfoBlockForTesting(w *World) Offset {
	return w.sb.Heap.Info
}

// JoinWithFSForTesting joins like [Join] but opens backing files through
// fsys.
func JoinWithFSForTesting(name string, opts Options, fsys fs.FS) (*World, error) {
	return join(name, opts, fsys)
}
