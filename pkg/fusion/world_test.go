package fusion_test

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/calvinalkan/fusion/internal/fs"
	"github.com/calvinalkan/fusion/pkg/fusion"
)

func worldFiles(dir string) []string {
	base := filepath.Join(dir, "fusion."+testWorld)

	return []string{base + ".heap", base + ".heap.lock", base + ".join"}
}

func Test_Join_Creates_Backing_Files_And_Registers_Processes_When_Two_Processes_Join(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := joinTestWorld(t, dir)
	b := joinTestWorld(t, dir)

	for _, path := range worldFiles(dir) {
		require.FileExists(t, path)
	}

	require.Equal(t, worldFiles(dir)[0], a.Path())
	require.Equal(t, testWorld, b.Name())
	require.NotZero(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())

	procs, err := b.Processes()
	require.NoError(t, err)
	require.Len(t, procs, 2)

	ids := make([]fusion.FusionID, 0, len(procs))

	for _, p := range procs {
		require.True(t, p.Alive)
		require.Equal(t, os.Getpid(), p.Pid)
		require.False(t, p.Joined.IsZero())

		ids = append(ids, p.ID)
	}

	require.ElementsMatch(t, []fusion.FusionID{a.ID(), b.ID()}, ids)
	requireHeapConsistent(t, b)
}

func Test_Close_Removes_Backing_Files_When_Last_Process_Leaves(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	a, err := fusion.Join(testWorld, testOptions(dir))
	require.NoError(t, err)

	b, err := fusion.Join(testWorld, testOptions(dir))
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "Close is idempotent")

	for _, path := range worldFiles(dir) {
		require.FileExists(t, path, "a live process remains")
	}

	procs, err := b.Processes()
	require.NoError(t, err)
	require.Len(t, procs, 1)
	require.Equal(t, b.ID(), procs[0].ID)

	require.NoError(t, b.Close())

	for _, path := range worldFiles(dir) {
		require.NoFileExists(t, path)
	}
}

func Test_World_Returns_ErrClosed_When_Used_After_Close(t *testing.T) {
	t.Parallel()

	w, err := fusion.Join(testWorld, testOptions(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Processes()
	require.ErrorIs(t, err, fusion.ErrClosed)

	_, err = fusion.NewCall(w, fusion.CallHandlerFunc(func(fusion.FusionID, int, fusion.Offset) int { return 0 }))
	require.ErrorIs(t, err, fusion.ErrClosed)

	_, err = w.EnterArena("late", nil, nil)
	require.ErrorIs(t, err, fusion.ErrClosed)
}

func Test_Join_Recreates_World_When_Every_Registered_Process_Died(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	crashed, err := fusion.Join(testWorld, testOptions(dir))
	require.NoError(t, err)

	_, err = crashed.EnterArena("orphaned", nil, nil)
	require.NoError(t, err)

	fusion.KillForTesting(crashed)

	for _, path := range worldFiles(dir) {
		require.FileExists(t, path, "a crash leaves the files behind")
	}

	core, logs := observer.New(zap.WarnLevel)

	opts := testOptions(dir)
	opts.Logger = zap.New(core)

	w := joinTestWorldWith(t, opts)

	require.Equal(t, 1, logs.FilterMessage("recreating stale world").Len())

	procs, err := w.Processes()
	require.NoError(t, err)
	require.Len(t, procs, 1)
	require.Equal(t, w.ID(), procs[0].ID)

	infos, err := w.Arenas()
	require.NoError(t, err)
	require.Empty(t, infos, "arenas of the dead world are gone")

	requireHeapConsistent(t, w)
}

func Test_Join_Recreates_World_When_Heap_File_Is_Garbage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(worldFiles(dir)[0], []byte(strings.Repeat("garbage!", 2048)), 0o600))

	w := joinTestWorld(t, dir)

	_, err := w.Heap().Alloc(64)
	require.NoError(t, err)
	requireHeapConsistent(t, w)
}

func Test_Join_Adopts_Geometry_Of_Existing_World_When_Joiner_Asks_For_Other_Sizes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	opts := testOptions(dir)
	opts.MaxHeapSize = 8 << 20
	creator := joinTestWorldWith(t, opts)

	other := testOptions(dir)
	other.MaxHeapSize = 256 << 20
	other.QueueDepth = 4
	joiner := joinTestWorldWith(t, other)

	require.Equal(t, uint64(8<<20), joiner.Options().MaxHeapSize)
	require.Equal(t, creator.Options().QueueDepth, joiner.Options().QueueDepth)

	_, err := joiner.Heap().Alloc(16 << 20)
	require.ErrorIs(t, err, fusion.ErrNoMemory)
}

func Test_Join_Returns_ErrInvalidArgument_When_Name_Or_Options_Are_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	for _, name := range []string{"", "a/b", "nul\x00", strings.Repeat("w", 65)} {
		_, err := fusion.Join(name, testOptions(dir))
		require.ErrorIs(t, err, fusion.ErrInvalidArgument, "name %q", name)
	}

	for _, mutate := range []func(*fusion.Options){
		func(o *fusion.Options) { o.HeapSize, o.MaxHeapSize = 4<<20, 1<<20 },
		func(o *fusion.Options) { o.MaxHeapSize = 1 << 41 },
		func(o *fusion.Options) { o.QueueDepth = -1 },
		func(o *fusion.Options) { o.QueueDepth = 1 << 17 },
		func(o *fusion.Options) { o.FinalFreeBlocks = -1 },
	} {
		opts := testOptions(dir)
		mutate(&opts)

		_, err := fusion.Join(testWorld, opts)
		require.ErrorIs(t, err, fusion.ErrInvalidArgument, "options %+v", opts)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "rejected joins must not create files")
}

func Test_DefaultOptions_Fill_Zero_Fields_When_Joining(t *testing.T) {
	t.Parallel()

	w := joinTestWorldWith(t, fusion.Options{Dir: t.TempDir()})

	got := w.Options()
	def := fusion.DefaultOptions()

	require.Equal(t, def.HeapSize, got.HeapSize)
	require.Equal(t, def.MaxHeapSize, got.MaxHeapSize)
	require.Equal(t, def.QueueDepth, got.QueueDepth)
	require.Equal(t, def.FinalFreeBlocks, got.FinalFreeBlocks)
	require.NotNil(t, w.Logger())
}

func Test_Join_Maps_Errno_And_Recovers_When_Heap_File_Cannot_Be_Created(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fsys := fs.NewFaulty(fs.NewReal())
	fsys.Inject(fs.Fault{Op: "OpenFile", Suffix: ".heap", Err: syscall.ENOSPC, Count: 1})

	_, err := fusion.JoinWithFSForTesting(testWorld, fusion.Options{Dir: dir}, fsys)
	require.ErrorIs(t, err, fusion.ErrNoMemory)
	require.ErrorIs(t, err, syscall.ENOSPC)
	require.True(t, fs.IsInjected(err))
	require.NoFileExists(t, filepath.Join(dir, "fusion."+testWorld+".heap"))

	w, err := fusion.JoinWithFSForTesting(testWorld, fusion.Options{Dir: dir}, fsys)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Equal(t, 1, fsys.Injected())
}

func Test_Join_Returns_ErrAccessDenied_When_Directory_Cannot_Be_Created(t *testing.T) {
	t.Parallel()

	fsys := fs.NewFaulty(fs.NewReal())
	fsys.Inject(fs.Fault{Op: "MkdirAll", Err: syscall.EACCES})

	_, err := fusion.JoinWithFSForTesting(testWorld, fusion.Options{Dir: filepath.Join(t.TempDir(), "sub")}, fsys)
	require.ErrorIs(t, err, fusion.ErrAccessDenied)
}
