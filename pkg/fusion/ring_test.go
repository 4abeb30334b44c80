package fusion

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func joinRingWorld(t *testing.T) *World {
	t.Helper()

	w, err := Join("ring", Options{Dir: t.TempDir(), QueueDepth: 4})
	require.NoError(t, err)

	t.Cleanup(func() { _ = w.Close() })

	return w
}

func Test_Ring_Pops_In_Push_Order_And_Reports_Full_When_At_Capacity(t *testing.T) {
	t.Parallel()

	w := joinRingWorld(t)

	r, err := newRing(w, 5, 3)
	require.NoError(t, err)

	require.Equal(t, uint32(8), r.hdr().Slot, "slots are 8-byte aligned")

	for i := range uint64(3) {
		require.NoError(t, r.push(binary.LittleEndian.AppendUint64(nil, i)[:5]))
	}

	require.ErrorIs(t, r.push(make([]byte, 5)), errRingFull)

	buf := make([]byte, 8)

	for i := range uint64(3) {
		require.True(t, r.pop(buf))
		require.Equal(t, i, binary.LittleEndian.Uint64(buf))
	}

	require.False(t, r.pop(buf))

	// Wraps around.
	require.NoError(t, r.push([]byte{9, 9, 9, 9, 9}))
	require.True(t, r.pop(buf))
	require.Equal(t, []byte{9, 9, 9, 9, 9, 0, 0, 0}, buf)

	require.NoError(t, r.free())
}

func Test_Ring_Rejects_Push_But_Keeps_Messages_When_Closed(t *testing.T) {
	t.Parallel()

	w := joinRingWorld(t)

	r, err := newRing(w, 8, 2)
	require.NoError(t, err)

	require.NoError(t, r.push(make([]byte, 8)))
	require.NoError(t, r.close())
	require.True(t, r.closed())

	require.ErrorIs(t, r.push(make([]byte, 8)), ErrDestroyed)
	require.True(t, r.pop(make([]byte, 8)))
	require.False(t, r.pop(make([]byte, 8)))

	require.NoError(t, r.free())
}

func Test_WaitSeq_Returns_When_Producer_Pushes(t *testing.T) {
	t.Parallel()

	w := joinRingWorld(t)

	r, err := newRing(w, 8, 2)
	require.NoError(t, err)

	addr, seq := r.seq()
	woke := make(chan struct{})

	go func() {
		// The wait is bounded, so loop until the sequence moves.
		for atomic.LoadUint32(addr) == seq {
			waitSeq(addr, seq, 10*time.Second)
		}

		close(woke)
	}()

	require.NoError(t, r.push(make([]byte, 8)))

	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer was not woken")
	}

	require.NoError(t, r.free())
}
