package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// CLI provides a clean interface for running CLI commands in tests.
// It manages a work directory, a world directory and environment variables.
type CLI struct {
	t *testing.T

	// Dir is the working directory passed as --cwd.
	Dir string

	// WorldDir holds the world files, passed as --dir.
	WorldDir string

	Env map[string]string
}

// NewCLI creates a new test CLI with temp directories. HOME points into the
// temp directory so no user config is picked up.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	return &CLI{
		t:        t,
		Dir:      t.TempDir(),
		WorldDir: t.TempDir(),
		Env:      map[string]string{"HOME": t.TempDir()},
	}
}

func (r *CLI) args(args []string) []string {
	return append([]string{"fusionctl", "--cwd", r.Dir, "--dir", r.WorldDir}, args...)
}

// Run executes the CLI with the given args and returns stdout, stderr, and exit code.
// Args should not include "fusionctl", "--cwd" or "--dir" - those are added automatically.
func (r *CLI) Run(args ...string) (string, string, int) {
	var outBuf, errBuf bytes.Buffer

	code := Run(nil, &outBuf, &errBuf, r.args(args), r.Env, nil)

	return outBuf.String(), errBuf.String(), code
}

// RunWithInput executes the CLI with stdin and returns stdout, stderr, and exit code.
// stdin must be a string or io.Reader; panics otherwise.
func (r *CLI) RunWithInput(stdin any, args ...string) (string, string, int) {
	var inReader io.Reader
	switch v := stdin.(type) {
	case string:
		inReader = strings.NewReader(v)
	case io.Reader:
		inReader = v
	default:
		panic(fmt.Sprintf("stdin must be string or io.Reader, got %T", stdin))
	}

	var outBuf, errBuf bytes.Buffer

	code := Run(inReader, &outBuf, &errBuf, r.args(args), r.Env, nil)

	return outBuf.String(), errBuf.String(), code
}

// Start runs the CLI in the background reading stdin, which may be nil.
// Sending on the returned channel interrupts the command. Output can be read
// through the returned buffer while the command runs; wait returns the exit
// code.
func (r *CLI) Start(stdin io.Reader, args ...string) (chan<- os.Signal, *SyncBuffer, func() int) {
	sigCh := make(chan os.Signal, 1)
	out := &SyncBuffer{}
	errOut := &SyncBuffer{}
	done := make(chan int, 1)

	go func() {
		done <- Run(stdin, out, errOut, r.args(args), r.Env, sigCh)
	}()

	wait := func() int {
		code := <-done
		if code != 0 {
			r.t.Logf("stderr: %s", errOut.String())
		}

		return code
	}

	return sigCh, out, wait
}

// MustRun executes the CLI and fails the test if the command returns non-zero.
// Returns trimmed stdout on success.
func (r *CLI) MustRun(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code != 0 {
		r.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail executes the CLI and fails the test if the command succeeds.
// Also fails if stdout is not empty. Returns trimmed stderr.
func (r *CLI) MustFail(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code == 0 {
		r.t.Fatalf("command %v should have failed but succeeded\nstdout: %s", args, stdout)
	}

	if stdout != "" {
		r.t.Fatalf("command %v failed but stdout should be empty\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// WriteConfig writes content to path relative to Dir, creating parents.
func (r *CLI) WriteConfig(path, content string) string {
	r.t.Helper()

	if !filepath.IsAbs(path) {
		path = filepath.Join(r.Dir, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		r.t.Fatalf("failed to create dir for %s: %v", path, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		r.t.Fatalf("failed to write %s: %v", path, err)
	}

	return path
}

// SyncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

// AssertContains fails the test if content doesn't contain substr.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}
