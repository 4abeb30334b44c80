package fs

import (
	"errors"
	iofs "io/fs"
	"os"
	"strings"
	"sync"
	"syscall"
)

// InjectedError marks an error as intentionally injected by [Faulty].
//
// It wraps the underlying errno so errors.Is against [syscall.Errno] values
// and [iofs.ErrNotExist] keep working.
type InjectedError struct {
	Err error
}

// Error returns the underlying error's message. Panics if e or e.Err is nil.
func (e *InjectedError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected by
// [Faulty]. Returns false if err is nil.
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Fault selects the calls a [Faulty] fails.
type Fault struct {
	// Op is the [FS] method name, e.g. "OpenFile" or "WriteFileAtomic".
	Op string

	// Suffix restricts the fault to paths ending in it. Empty matches all.
	Suffix string

	// Err is returned wrapped in an [iofs.PathError].
	Err syscall.Errno

	// Count is how many matching calls fail. Zero fails every call.
	Count int
}

// Faulty wraps an [FS] and fails selected operations, standing in for a
// full disk or a read-only mount in tests.
type Faulty struct {
	fs FS

	mu       sync.Mutex
	faults   []*Fault
	injected int
}

// NewFaulty returns a Faulty passing every call through to fs until a fault
// is added.
func NewFaulty(fs FS) *Faulty {
	return &Faulty{fs: fs}
}

// Inject adds a fault. Faults are matched in the order they were added.
func (f *Faulty) Inject(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = append(f.faults, &fault)
}

// Heal removes every fault.
func (f *Faulty) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = nil
}

// Injected returns the number of calls failed so far.
func (f *Faulty) Injected() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.injected
}

func (f *Faulty) check(op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, fault := range f.faults {
		if fault.Op != op || !strings.HasSuffix(path, fault.Suffix) {
			continue
		}

		if fault.Count > 0 {
			fault.Count--
			if fault.Count == 0 {
				f.faults = append(f.faults[:i], f.faults[i+1:]...)
			}
		}

		f.injected++

		return &iofs.PathError{Op: op, Path: path, Err: &InjectedError{Err: fault.Err}}
	}

	return nil
}

// OpenFile passes through to the wrapped FS unless a fault matches.
func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.check("OpenFile", path); err != nil {
		return nil, err
	}

	return f.fs.OpenFile(path, flag, perm)
}

// ReadFile passes through to the wrapped FS unless a fault matches.
func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.check("ReadFile", path); err != nil {
		return nil, err
	}

	return f.fs.ReadFile(path)
}

// WriteFileAtomic passes through to the wrapped FS unless a fault matches.
// A failed write leaves the target untouched.
func (f *Faulty) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := f.check("WriteFileAtomic", path); err != nil {
		return err
	}

	return f.fs.WriteFileAtomic(path, data, perm)
}

// MkdirAll passes through to the wrapped FS unless a fault matches.
func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.check("MkdirAll", path); err != nil {
		return err
	}

	return f.fs.MkdirAll(path, perm)
}

// Stat passes through to the wrapped FS unless a fault matches.
func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.check("Stat", path); err != nil {
		return nil, err
	}

	return f.fs.Stat(path)
}

// Exists passes through to the wrapped FS unless a fault matches.
func (f *Faulty) Exists(path string) (bool, error) {
	if err := f.check("Exists", path); err != nil {
		return false, err
	}

	return f.fs.Exists(path)
}

// Remove passes through to the wrapped FS unless a fault matches.
func (f *Faulty) Remove(path string) error {
	if err := f.check("Remove", path); err != nil {
		return err
	}

	return f.fs.Remove(path)
}

var _ FS = (*Faulty)(nil)
