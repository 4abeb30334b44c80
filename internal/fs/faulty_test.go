package fs

import (
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func Test_Faulty_Fails_Matching_Calls_When_Fault_Is_Injected(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := NewFaulty(NewReal())
	f.Inject(Fault{Op: "OpenFile", Suffix: ".heap", Err: syscall.ENOSPC})

	_, err := f.OpenFile(filepath.Join(dir, "w.heap"), os.O_RDWR|os.O_CREATE, 0o600)
	if !errors.Is(err, syscall.ENOSPC) {
		t.Fatalf("err=%v, want ENOSPC", err)
	}

	if !IsInjected(err) {
		t.Fatalf("IsInjected(%v)=false, want true", err)
	}

	var pathErr *iofs.PathError
	if !errors.As(err, &pathErr) || pathErr.Op != "OpenFile" {
		t.Fatalf("err=%#v, want *PathError for OpenFile", err)
	}

	// Other paths pass through.
	file, err := f.OpenFile(filepath.Join(dir, "w.heap.lock"), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("unmatched path failed: %v", err)
	}

	_ = file.Close()

	if got, want := f.Injected(), 1; got != want {
		t.Fatalf("Injected()=%d, want=%d", got, want)
	}
}

func Test_Faulty_Stops_Failing_When_Count_Is_Used_Up(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	f := NewFaulty(NewReal())
	f.Inject(Fault{Op: "WriteFileAtomic", Err: syscall.EIO, Count: 1})

	if err := f.WriteFileAtomic(path, []byte("{}"), 0o600); !errors.Is(err, syscall.EIO) {
		t.Fatalf("first write err=%v, want EIO", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("failed write created the file: %v", err)
	}

	if err := f.WriteFileAtomic(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}
}

func Test_Faulty_Passes_Through_When_Healed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := NewFaulty(NewReal())
	f.Inject(Fault{Op: "MkdirAll", Err: syscall.EACCES})

	if err := f.MkdirAll(filepath.Join(dir, "a"), 0o750); !errors.Is(err, syscall.EACCES) {
		t.Fatalf("err=%v, want EACCES", err)
	}

	f.Heal()

	if err := f.MkdirAll(filepath.Join(dir, "a"), 0o750); err != nil {
		t.Fatalf("healed MkdirAll: %v", err)
	}

	if IsInjected(nil) {
		t.Fatal("IsInjected(nil)=true")
	}
}
