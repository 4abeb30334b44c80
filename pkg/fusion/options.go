package fusion

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

const (
	// DefaultHeapSize is the initial length of a freshly created heap file.
	DefaultHeapSize = 256 << 10

	// DefaultMaxHeapSize is the default growth ceiling of the shared heap.
	DefaultMaxHeapSize = 1 << 30

	// DefaultFinalFreeBlocks is the default number of trailing free blocks
	// that makes the allocator return core to the system.
	DefaultFinalFreeBlocks = 8

	// DefaultQueueDepth is the default capacity in messages of every reactor
	// node inbox and process call inbox.
	DefaultQueueDepth = 64

	// maxMaxHeapSize keeps every heap offset below the liveness lock range.
	maxMaxHeapSize = 1 << 40

	maxWorldName = 64
)

// Options configures [Join].
//
// Zero values are replaced by the defaults from [DefaultOptions]. Heap
// geometry (HeapSize, MaxHeapSize, FinalFreeBlocks, QueueDepth) is fixed by
// the process that creates the world; joiners adopt the persisted values.
type Options struct {
	// Dir holds the backing files. Defaults to /dev/shm when present, else
	// [os.TempDir].
	Dir string

	// HeapSize is the initial length of the heap file in bytes.
	HeapSize uint64

	// MaxHeapSize is the hard growth ceiling in bytes. Every process reserves
	// this much address space so heap addresses never move.
	MaxHeapSize uint64

	// FinalFreeBlocks is the number of trailing free blocks at which a free
	// returns memory to the system.
	FinalFreeBlocks int

	// QueueDepth is the capacity of every message ring in messages.
	QueueDepth int

	// Logger receives diagnostics. Defaults to [zap.NewNop].
	Logger *zap.Logger
}

// DefaultOptions returns the options used for zero-valued fields.
func DefaultOptions() Options {
	return Options{
		Dir:             defaultDir(),
		HeapSize:        DefaultHeapSize,
		MaxHeapSize:     DefaultMaxHeapSize,
		FinalFreeBlocks: DefaultFinalFreeBlocks,
		QueueDepth:      DefaultQueueDepth,
		Logger:          zap.NewNop(),
	}
}

func defaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}

	return os.TempDir()
}

// Resolve returns o with zero fields filled from [DefaultOptions] and sizes
// rounded to the growth quantum, as [Join] would use them when creating a
// world.
func (o Options) Resolve() (Options, error) {
	return o.withDefaults()
}

func (o Options) withDefaults() (Options, error) {
	def := DefaultOptions()

	if o.Dir == "" {
		o.Dir = def.Dir
	}

	if o.HeapSize == 0 {
		o.HeapSize = def.HeapSize
	}

	if o.MaxHeapSize == 0 {
		o.MaxHeapSize = max(def.MaxHeapSize, o.HeapSize)
	}

	if o.FinalFreeBlocks == 0 {
		o.FinalFreeBlocks = def.FinalFreeBlocks
	}

	if o.QueueDepth == 0 {
		o.QueueDepth = def.QueueDepth
	}

	if o.Logger == nil {
		o.Logger = def.Logger
	}

	o.HeapSize = roundUp(o.HeapSize, growQuantum)
	o.MaxHeapSize = roundUp(o.MaxHeapSize, growQuantum)

	if o.HeapSize < minHeapSize {
		o.HeapSize = roundUp(minHeapSize, growQuantum)
	}

	if o.MaxHeapSize > maxMaxHeapSize {
		return o, fmt.Errorf("max_heap_size must be <= %d, got %d: %w", uint64(maxMaxHeapSize), o.MaxHeapSize, ErrInvalidArgument)
	}

	if o.MaxHeapSize < o.HeapSize {
		return o, fmt.Errorf("max_heap_size (%d) must be >= heap_size (%d): %w", o.MaxHeapSize, o.HeapSize, ErrInvalidArgument)
	}

	if o.FinalFreeBlocks < 1 {
		return o, fmt.Errorf("final_free_blocks must be >= 1, got %d: %w", o.FinalFreeBlocks, ErrInvalidArgument)
	}

	if o.QueueDepth < 1 || o.QueueDepth > 1<<16 {
		return o, fmt.Errorf("queue_depth must be in [1, 65536], got %d: %w", o.QueueDepth, ErrInvalidArgument)
	}

	return o, nil
}

func validateWorldName(name string) error {
	if name == "" {
		return fmt.Errorf("world name is required: %w", ErrInvalidArgument)
	}

	if len(name) > maxWorldName {
		return fmt.Errorf("world name must be <= %d bytes, got %d: %w", maxWorldName, len(name), ErrInvalidArgument)
	}

	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("world name %q contains '/' or NUL: %w", name, ErrInvalidArgument)
	}

	return nil
}

func roundUp(n, to uint64) uint64 {
	return (n + to - 1) / to * to
}
