package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openRangeLocker(t *testing.T, path string) *RangeLocker {
	t.Helper()

	f, err := NewReal().OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err, "open lock file")

	l := NewRangeLocker(f)
	t.Cleanup(func() { _ = l.Close() })

	return l
}

func Test_RangeLocker_TryLock_Returns_ErrWouldBlock_When_Byte_Held_By_Other_Description(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "heap.lock")
	a := openRangeLocker(t, path)
	b := openRangeLocker(t, path)

	require.NoError(t, a.Lock(4096))

	err := b.TryLock(4096)
	require.ErrorIs(t, err, ErrWouldBlock, "second description must not get a held byte")

	require.NoError(t, b.TryLock(4097), "neighbouring byte is an independent lock")
	require.NoError(t, a.Unlock(4096))
	require.NoError(t, b.TryLock(4096), "byte must be free after unlock")
}

func Test_RangeLocker_Lock_Blocks_Until_Other_Description_Unlocks(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "heap.lock")
	a := openRangeLocker(t, path)
	b := openRangeLocker(t, path)

	require.NoError(t, a.Lock(8))

	done := make(chan error, 1)

	go func() { done <- b.Lock(8) }()

	select {
	case err := <-done:
		t.Fatalf("Lock returned while byte was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Unlock(8))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Lock did not return after unlock")
	}
}

func Test_RangeLocker_Held_Reports_Other_Descriptions_Only(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "heap.lock")
	owner := openRangeLocker(t, path)
	probe := openRangeLocker(t, path)

	held, err := probe.Held(1 << 40)
	require.NoError(t, err)
	require.False(t, held, "nobody holds the byte yet")

	require.NoError(t, owner.Lock(1<<40))

	held, err = probe.Held(1 << 40)
	require.NoError(t, err)
	require.True(t, held, "probe must see the owner's lock")

	held, err = owner.Held(1 << 40)
	require.NoError(t, err)
	require.False(t, held, "own locks are not reported")
}

func Test_RangeLocker_Close_Releases_All_Locks(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "heap.lock")
	owner := openRangeLocker(t, path)
	probe := openRangeLocker(t, path)

	require.NoError(t, owner.Lock(1))
	require.NoError(t, owner.Lock(2))
	require.NoError(t, owner.Close())
	require.NoError(t, owner.Close(), "Close is idempotent")

	for _, off := range []int64{1, 2} {
		held, err := probe.Held(off)
		require.NoError(t, err)
		require.False(t, held, "byte %d must be released by Close", off)
	}

	require.Error(t, owner.Lock(1), "operations after Close must fail")
}

func Test_RangeLocker_Retries_When_Fcntl_Is_Interrupted(t *testing.T) {
	l := NewRangeLocker(&stubLockFile{fd: 7})

	var calls int

	l.fcntl = func(uintptr, int, *unix.Flock_t) error {
		calls++
		if calls < 3 {
			return unix.EINTR
		}

		return nil
	}

	require.NoError(t, l.Lock(16))
	require.Equal(t, 3, calls, "two EINTR then success")
}

func Test_RangeLocker_TryLock_Maps_EAGAIN_To_ErrWouldBlock(t *testing.T) {
	l := NewRangeLocker(&stubLockFile{fd: 7})
	l.fcntl = func(uintptr, int, *unix.Flock_t) error { return unix.EAGAIN }

	err := l.TryLock(16)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock: err=%v, want %v", err, ErrWouldBlock)
	}
}
