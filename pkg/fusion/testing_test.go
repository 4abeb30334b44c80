package fusion_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/fusion/pkg/fusion"
)

const testWorld = "test"

func testOptions(dir string) fusion.Options {
	return fusion.Options{
		Dir:         dir,
		HeapSize:    256 << 10,
		MaxHeapSize: 64 << 20,
		QueueDepth:  16,
	}
}

// joinTestWorld joins the test world in dir as a new simulated process.
func joinTestWorld(t *testing.T, dir string) *fusion.World {
	t.Helper()

	return joinTestWorldWith(t, testOptions(dir))
}

func joinTestWorldWith(t *testing.T, opts fusion.Options) *fusion.World {
	t.Helper()

	w, err := fusion.Join(testWorld, opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = w.Close() })

	return w
}

func requireHeapConsistent(t *testing.T, w *fusion.World) {
	t.Helper()

	require.NoError(t, w.Heap().Check())

	st, err := w.Heap().Stats()
	require.NoError(t, err)
	require.Equal(t, st.Brk-uint64(st.Base), st.BytesUsed+st.BytesFree, "used + free must cover the core")
	require.LessOrEqual(t, st.Brk, st.MapSize)
}
