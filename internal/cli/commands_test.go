package cli_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/fusion/internal/cli"
)

func Test_Help_Lists_Commands_When_Invoked_Without_Arguments(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun()

	for _, name := range []string{"info", "check", "procs", "serve", "shell", "print-config", "init-config"} {
		cli.AssertContains(t, stdout, "  "+name)
	}

	cli.AssertContains(t, stdout, "--cwd")
	cli.AssertContains(t, stdout, "--world")
}

func Test_Run_Fails_When_Command_Is_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "Commands:")
}

func Test_Run_Fails_When_Global_Flag_Is_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--bogus", "info")

	cli.AssertContains(t, stderr, "unknown flag: --bogus")
}

func Test_Command_Help_Shows_Long_Description_When_Help_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("serve", "--help")

	cli.AssertContains(t, stdout, "Usage: fusionctl serve [flags]")
	cli.AssertContains(t, stdout, "--arena")
	cli.AssertContains(t, stdout, "ping call")
}

func Test_Command_Exits_With_Usage_Code_When_Given_Unexpected_Arguments(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, code := c.Run("info", "extra")

	require.Equal(t, 2, code)
	require.Empty(t, stdout)
	cli.AssertContains(t, stderr, "info takes at most 0 argument(s), got 1: extra")
	cli.AssertContains(t, stderr, "Usage: fusionctl info")

	entries, err := os.ReadDir(c.WorldDir)
	if err == nil {
		require.Empty(t, entries, "the world is not joined")
	}
}

func Test_Command_Exits_With_Usage_Code_When_Command_Flag_Is_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, code := c.Run("serve", "--nope")

	require.Equal(t, 2, code)
	require.Empty(t, stdout)
	cli.AssertContains(t, stderr, "unknown flag: --nope")
	cli.AssertContains(t, stderr, "--poll")
}

func Test_Command_Help_Lists_Examples_When_Command_Has_Them(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("shell", "--help")

	cli.AssertContains(t, stdout, "Examples:\n  fusionctl shell\n")
	cli.AssertNotContains(t, stdout, "Flags:")
}

func Test_Info_Prints_World_And_Heap_Statistics_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("-w", "inspect", "info")

	cli.AssertContains(t, stdout, "world=inspect")
	cli.AssertContains(t, stdout, "path="+filepath.Join(c.WorldDir, "fusion.inspect.heap"))
	cli.AssertContains(t, stdout, "fusion_id=")
	cli.AssertContains(t, stdout, "map_size=262144 (256 KiB)")
	cli.AssertContains(t, stdout, "max_size=1073741824 (1.0 GiB)")

	entries, err := os.ReadDir(c.WorldDir)
	require.NoError(t, err)
	require.Empty(t, entries, "the only process removes the world on exit")
}

func Test_Check_Reports_Ok_When_Heap_Is_Consistent(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	require.Equal(t, "ok", c.MustRun("check"))
}

func Test_Procs_Lists_Self_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("procs")

	lines := strings.Split(stdout, "\n")
	require.Len(t, lines, 2)
	cli.AssertContains(t, lines[0], "FUSION_ID")
	cli.AssertContains(t, lines[0], "COMMAND")
	cli.AssertContains(t, lines[1], "alive")
	cli.AssertContains(t, lines[1], "(self)")
}

func Test_Print_Config_Shows_Resolved_Defaults_When_No_Config_Exists(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "effective_cwd="+c.Dir)
	cli.AssertContains(t, stdout, "world=default")
	cli.AssertContains(t, stdout, "dir="+c.WorldDir)
	cli.AssertContains(t, stdout, "heap_size=262144 (256 KiB)")
	cli.AssertContains(t, stdout, "queue_depth=64")
	cli.AssertContains(t, stdout, "(defaults only)")
}

func Test_Print_Config_Reads_Project_File_When_Present(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := c.WriteConfig(".fusion.json", `{
		// comments are fine
		"world": "from-file",
		"heap_size": "1 MiB",
	}`)

	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "world=from-file")
	cli.AssertContains(t, stdout, "heap_size=1048576 (1.0 MiB)")
	cli.AssertContains(t, stdout, "project_config="+path)
}

func Test_Print_Config_Fails_When_Config_Is_Invalid(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteConfig(".fusion.json", `{"queue_depth": 0, "final_free_blocks": -1}`)

	stderr := c.MustFail("print-config")
	cli.AssertContains(t, stderr, "final_free_blocks")
}

func Test_Init_Config_Writes_Defaults_When_File_Is_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := filepath.Join(c.Dir, ".fusion.json")

	stdout := c.MustRun("-w", "seeded", "init-config")
	require.Equal(t, "wrote "+path, stdout)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	cli.AssertContains(t, string(data), `"world": "seeded"`)
	cli.AssertContains(t, string(data), `"heap_size": "256 KiB"`)

	// The written file loads back.
	stdout = c.MustRun("print-config")
	cli.AssertContains(t, stdout, "world=seeded")
	cli.AssertContains(t, stdout, "max_heap_size=1073741824 (1.0 GiB)")
	cli.AssertContains(t, stdout, "project_config="+path)
}

func Test_Init_Config_Refuses_To_Overwrite_When_Force_Is_Not_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("init-config", "custom.json")

	stderr := c.MustFail("init-config", "custom.json")
	cli.AssertContains(t, stderr, "already exists")

	c.MustRun("init-config", "--force", "custom.json")
}
