package fusion_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/fusion/pkg/fusion"
)

func Test_Skirmish_Swoop_Returns_ErrInUse_When_Held_By_Another_Process(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := joinTestWorld(t, dir)
	b := joinTestWorld(t, dir)

	s, err := fusion.NewSkirmish(a)
	require.NoError(t, err)

	require.NoError(t, s.Prevail())

	require.ErrorIs(t, b.Skirmish(s.Offset()).Swoop(), fusion.ErrInUse)
	require.ErrorIs(t, a.Skirmish(s.Offset()).Swoop(), fusion.ErrInUse, "held by another goroutine of the same process")

	require.NoError(t, s.Dismiss())

	peer := b.Skirmish(s.Offset())
	require.NoError(t, peer.Swoop())
	require.NoError(t, peer.Dismiss())

	require.NoError(t, s.Destroy())
}

func Test_Skirmish_Serializes_Updates_When_Processes_Contend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := joinTestWorld(t, dir)
	b := joinTestWorld(t, dir)

	s, err := fusion.NewSkirmish(a)
	require.NoError(t, err)

	counter, err := a.Heap().Calloc(1, 8)
	require.NoError(t, err)

	const perWorker = 200

	var g errgroup.Group

	for _, w := range []*fusion.World{a, a, b, b} {
		g.Go(func() error {
			sk := w.Skirmish(s.Offset())

			for range perWorker {
				if err := sk.Prevail(); err != nil {
					return err
				}

				data, err := w.Heap().Bytes(counter, 8)
				if err != nil {
					_ = sk.Dismiss()

					return err
				}

				// Non-atomic read-modify-write; only the skirmish keeps it exact.
				v := uint64(data[0]) | uint64(data[1])<<8
				v++
				data[0], data[1] = byte(v), byte(v>>8)

				if err := sk.Dismiss(); err != nil {
					return err
				}
			}

			return nil
		})
	}

	require.NoError(t, g.Wait())

	data, err := a.Heap().Bytes(counter, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(4*perWorker), uint64(data[0])|uint64(data[1])<<8)

	require.NoError(t, s.Destroy())
	require.NoError(t, a.Heap().Free(counter))
}

func Test_Skirmish_Returns_ErrDestroyed_When_Used_After_Destroy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := joinTestWorld(t, dir)
	b := joinTestWorld(t, dir)

	s, err := fusion.NewSkirmish(a)
	require.NoError(t, err)

	off := s.Offset()
	require.NoError(t, s.Destroy())

	require.ErrorIs(t, b.Skirmish(off).Prevail(), fusion.ErrDestroyed)
	require.ErrorIs(t, a.Skirmish(off).Swoop(), fusion.ErrDestroyed)
}
