package cli_test

import (
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/fusion/internal/cli"
	"github.com/calvinalkan/fusion/pkg/fusion"
)

func waitFor(t *testing.T, out *cli.SyncBuffer, substr string) {
	t.Helper()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), substr)
	}, 5*time.Second, 5*time.Millisecond, "waiting for %q in:\n%s", substr, out)
}

// printedOffset returns the offset printed as key=0x... by serve.
func printedOffset(t *testing.T, out string, key string) fusion.Offset {
	t.Helper()

	for line := range strings.SplitSeq(out, "\n") {
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			n, err := strconv.ParseUint(v, 0, 64)
			require.NoError(t, err)

			return fusion.Offset(n)
		}
	}

	t.Fatalf("%s not printed:\n%s", key, out)

	return 0
}

func Test_Serve_Answers_Pings_And_Prints_Events_When_Running(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	sig, out, wait := c.Start(nil, "serve", "--poll", "10ms")

	waitFor(t, out, "ping=")
	cli.AssertContains(t, out.String(), "arena=fusionctl")

	events := printedOffset(t, out.String(), "events")
	ping := printedOffset(t, out.String(), "ping")

	w, err := fusion.Join("default", fusion.Options{Dir: c.WorldDir})
	require.NoError(t, err)

	call, err := fusion.OpenCall(w, ping)
	require.NoError(t, err)

	got, err := call.Execute(41, 0)
	require.NoError(t, err)
	require.Equal(t, 42, got)

	r, err := fusion.OpenReactor(w, events)
	require.NoError(t, err)

	msg := make([]byte, 64)
	copy(msg, "hello from test")
	require.NoError(t, r.Dispatch(msg, false))
	waitFor(t, out, "event: hello from test")

	big, err := w.Heap().Alloc(4 << 20)
	require.NoError(t, err)
	waitFor(t, out, "heap resized: ")
	require.NoError(t, w.Heap().Free(big))

	sig <- os.Interrupt
	require.Equal(t, 0, wait())

	// The last process out of the arena destroyed the events reactor.
	_, err = fusion.OpenReactor(w, events)
	require.ErrorIs(t, err, fusion.ErrDestroyed)

	_, err = call.Execute(1, 0)
	require.ErrorIs(t, err, fusion.ErrDestroyed)

	require.NoError(t, w.Close())
}

func Test_Serve_Joins_Existing_Arena_When_Another_Server_Created_It(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	sig1, out1, wait1 := c.Start(nil, "serve")
	waitFor(t, out1, "ping=")

	sig2, out2, wait2 := c.Start(nil, "serve")
	waitFor(t, out2, "ping=")

	require.Equal(t,
		printedOffset(t, out1.String(), "events"),
		printedOffset(t, out2.String(), "events"),
		"both servers share the reactor published by the first")

	waitFor(t, out1, "event: joined ")

	sig2 <- os.Interrupt
	require.Equal(t, 0, wait2())
	waitFor(t, out1, "event: left ")

	sig1 <- os.Interrupt
	require.Equal(t, 0, wait1())
}

func Test_Serve_Rejects_Non_Positive_Poll_Interval(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("serve", "--poll", "0s")

	cli.AssertContains(t, stderr, "poll interval must be positive")
}
