package fusion_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/fusion/pkg/fusion"
)

func Test_Arena_Runs_Init_Once_And_Join_Sees_Fields_When_Processes_Enter_Concurrently(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	worlds := []*fusion.World{joinTestWorld(t, dir), joinTestWorld(t, dir), joinTestWorld(t, dir)}

	var inits, joins atomic.Int32

	arenas := make([]*fusion.Arena, len(worlds))

	var g errgroup.Group

	for i, w := range worlds {
		g.Go(func() error {
			a, err := w.EnterArena("compositor", func(a *fusion.Arena) error {
				inits.Add(1)

				return a.AddSharedField("config", 0x1000)
			}, func(a *fusion.Arena) error {
				joins.Add(1)

				value, err := a.GetSharedField("config")
				if err != nil {
					return err
				}

				if value != 0x1000 {
					return fmt.Errorf("joiner read config 0x%x", value)
				}

				return nil
			})

			arenas[i] = a

			return err
		})
	}

	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), inits.Load())
	require.Equal(t, int32(2), joins.Load())

	for _, a := range arenas {
		require.Equal(t, arenas[0].Offset(), a.Offset())
	}

	infos, err := worlds[0].Arenas()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "compositor", infos[0].Name)
	require.ElementsMatch(t, []fusion.FusionID{worlds[0].ID(), worlds[1].ID(), worlds[2].ID()}, infos[0].Nodes)
	require.Equal(t, map[string]fusion.Offset{"config": 0x1000}, infos[0].Fields)
}

func Test_Arena_Field_Operations_Return_Errors_When_Names_Are_Invalid(t *testing.T) {
	t.Parallel()

	w := joinTestWorld(t, t.TempDir())

	a, err := w.EnterArena("fields", nil, nil)
	require.NoError(t, err)

	require.NoError(t, a.AddSharedField("first", 1))
	require.ErrorIs(t, a.AddSharedField("first", 2), fusion.ErrInvalidArgument)
	require.ErrorIs(t, a.AddSharedField("", 2), fusion.ErrInvalidArgument)
	require.ErrorIs(t, a.AddSharedField(strings.Repeat("x", 32), 2), fusion.ErrInvalidArgument)

	_, err = a.GetSharedField("missing")
	require.ErrorIs(t, err, fusion.ErrNotFound)

	for i := 1; i < 32; i++ {
		require.NoError(t, a.AddSharedField(fmt.Sprintf("field-%d", i), fusion.Offset(i)))
	}

	require.ErrorIs(t, a.AddSharedField("one-too-many", 33), fusion.ErrLimitReached)

	value, err := a.GetSharedField("first")
	require.NoError(t, err)
	require.Equal(t, fusion.Offset(1), value)

	value, err = a.GetSharedField("field-31")
	require.NoError(t, err)
	require.Equal(t, fusion.Offset(31), value)

	_, err = w.EnterArena(strings.Repeat("n", 40), nil, nil)
	require.ErrorIs(t, err, fusion.ErrInvalidArgument)

	require.NoError(t, a.Exit(nil, nil, fusion.TeardownNormal))
}

func Test_Arena_Runs_Leave_Then_Shutdown_When_Processes_Exit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := joinTestWorld(t, dir)
	b := joinTestWorld(t, dir)

	var (
		mu     sync.Mutex
		events []string
	)

	record := func(event string) fusion.ArenaExitFunc {
		return func(arena *fusion.Arena, mode fusion.TeardownMode) error {
			mu.Lock()
			defer mu.Unlock()

			events = append(events, fmt.Sprintf("%s:%s:%s", event, arena.World().Name(), mode))

			return nil
		}
	}

	first, err := a.EnterArena("lifecycle", nil, nil)
	require.NoError(t, err)

	second, err := b.EnterArena("lifecycle", nil, nil)
	require.NoError(t, err)

	require.NoError(t, first.Exit(record("shutdown"), record("leave"), fusion.TeardownNormal))
	require.ErrorIs(t, first.Exit(nil, nil, fusion.TeardownNormal), fusion.ErrInvalidArgument)

	require.NoError(t, second.Exit(record("shutdown"), record("leave"), fusion.TeardownEmergency))

	require.Equal(t, []string{"leave:test:normal", "shutdown:test:emergency"}, events)

	infos, err := a.Arenas()
	require.NoError(t, err)
	require.Empty(t, infos)

	requireHeapConsistent(t, a)
}

func Test_Arena_Runs_Init_Again_When_Entered_After_Shutdown(t *testing.T) {
	t.Parallel()

	w := joinTestWorld(t, t.TempDir())

	var inits atomic.Int32

	init := func(a *fusion.Arena) error {
		inits.Add(1)

		return a.AddSharedField("generation", fusion.Offset(inits.Load()))
	}

	arena, err := w.EnterArena("reborn", init, nil)
	require.NoError(t, err)
	require.NoError(t, arena.Exit(nil, nil, fusion.TeardownNormal))

	arena, err = w.EnterArena("reborn", init, nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), inits.Load())

	value, err := arena.GetSharedField("generation")
	require.NoError(t, err)
	require.Equal(t, fusion.Offset(2), value)

	require.NoError(t, arena.Exit(nil, nil, fusion.TeardownNormal))
}

func Test_Arena_Is_Destroyed_When_Init_Fails(t *testing.T) {
	t.Parallel()

	w := joinTestWorld(t, t.TempDir())
	boom := errors.New("boom")

	arena, err := w.EnterArena("broken", func(*fusion.Arena) error { return boom }, nil)
	require.ErrorIs(t, err, boom)
	require.Nil(t, arena)

	infos, err := w.Arenas()
	require.NoError(t, err)
	require.Empty(t, infos)

	var inits int

	arena, err = w.EnterArena("broken", func(*fusion.Arena) error {
		inits++

		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, inits)
	require.NoError(t, arena.Exit(nil, nil, fusion.TeardownNormal))
}

func Test_Arena_Purges_Dead_Node_When_Survivor_Exits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := joinTestWorld(t, dir)
	b := joinTestWorld(t, dir)

	survivor, err := a.EnterArena("crash", nil, nil)
	require.NoError(t, err)

	_, err = b.EnterArena("crash", nil, nil)
	require.NoError(t, err)

	fusion.KillForTesting(b)

	var shutdowns int

	err = survivor.Exit(func(*fusion.Arena, fusion.TeardownMode) error {
		shutdowns++

		return nil
	}, nil, fusion.TeardownNormal)
	require.NoError(t, err)
	require.Equal(t, 1, shutdowns, "survivor is the last live node")

	infos, err := a.Arenas()
	require.NoError(t, err)
	require.Empty(t, infos)
}

func Test_Arena_Returns_ErrLimitReached_When_Node_List_Is_Full(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	const maxNodes = 32

	for i := range maxNodes {
		w := joinTestWorld(t, dir)

		_, err := w.EnterArena("crowded", nil, nil)
		require.NoError(t, err, "enter %d", i)
	}

	late := joinTestWorld(t, dir)

	_, err := late.EnterArena("crowded", nil, nil)
	require.ErrorIs(t, err, fusion.ErrLimitReached)

	infos, err := late.Arenas()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Len(t, infos[0].Nodes, maxNodes)
	require.NotContains(t, infos[0].Nodes, late.ID())

	requireHeapConsistent(t, late)
}
