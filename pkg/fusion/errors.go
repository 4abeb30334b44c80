package fusion

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Sentinel errors returned by fusion operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, fusion.ErrDestroyed) {
//	    // the primitive was torn down by another party
//	}
var (
	// ErrDestroyed indicates the primitive was torn down by another party
	// while the caller was using or waiting on it.
	//
	// It is never retried internally.
	ErrDestroyed = errors.New("fusion: destroyed")

	// ErrInUse indicates a non-blocking operation found the resource held.
	//
	// Returned by [Skirmish.Swoop] and [Ref.ZeroTryLock]. This is an expected
	// negative result, not a failure.
	ErrInUse = errors.New("fusion: in use")

	// ErrLimitReached indicates a fixed-capacity table is full (process
	// table, reactor nodes, arena nodes or arena fields).
	ErrLimitReached = errors.New("fusion: limit reached")

	// ErrAccessDenied indicates a kernel-level rejection (EACCES, EPERM) or an
	// operation reserved to the owning process.
	ErrAccessDenied = errors.New("fusion: access denied")

	// ErrInvalidArgument indicates invalid arguments were provided.
	//
	// This is a programming error.
	ErrInvalidArgument = errors.New("fusion: invalid argument")

	// ErrFailure is the catch-all for unexpected OS errors. The wrapped error
	// carries the operation, the resource and the OS error.
	ErrFailure = errors.New("fusion: failure")

	// ErrNoMemory indicates the shared heap cannot satisfy an allocation,
	// usually because growth would exceed [Options.MaxHeapSize].
	ErrNoMemory = errors.New("fusion: no memory")

	// ErrNotFound indicates a lookup by name or id found nothing.
	ErrNotFound = errors.New("fusion: not found")

	// ErrClosed indicates the [World] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("fusion: closed")

	// ErrFault indicates an access beyond the latest known size of the shared
	// heap. [Heap.Cure] returns it when a remap cannot make the address valid.
	ErrFault = errors.New("fusion: fault")
)

// osError converts an OS error into the fusion taxonomy, keeping the original
// error in the chain. op and resource name the failed operation.
func osError(op, resource string, err error) error {
	kind := ErrFailure

	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		kind = ErrAccessDenied
	case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOSPC):
		kind = ErrNoMemory
	}

	return fmt.Errorf("%w: %s %s: %w", kind, op, resource, err)
}
