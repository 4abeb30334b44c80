package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/fusion/pkg/fusion"
)

var (
	errQuit       = errors.New("quit")
	errUsage      = errors.New("usage")
	errNoArena    = errors.New("not in an arena, use 'arena <name>' first")
	errUnknownCmd = errors.New("unknown command")
)

// ShellCmd returns the shell command.
func ShellCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Interactive shell on the shared heap",
		Long: `Join the world and read commands from stdin until quit or EOF.

Offsets may be given in decimal or as 0x hex, sizes as plain bytes or
humanized ("4KiB"). Type 'help' in the shell for the command list.`,
		Examples: []string{
			"fusionctl shell",
			`printf 'strdup hello\nstats\n' | fusionctl shell`,
		},
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			return a.withWorld(func(w *fusion.World) error {
				lr := a.lineReader()
				defer func() { _ = lr.Close() }()

				sh := &shell{io: io, w: w, in: lr, cmds: shellCommands()}

				return sh.run(ctx)
			})
		},
	}
}

// lineReader is the part of [liner.State] the shell uses, so scripted
// input can stand in for a terminal.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// lineReader returns a liner prompt when reading the process's stdin and a
// plain line scanner for anything else.
func (a *app) lineReader() lineReader {
	if a.in == nil {
		return &scanReader{sc: bufio.NewScanner(strings.NewReader(""))}
	}

	if a.in != os.Stdin {
		return &scanReader{sc: bufio.NewScanner(a.in)}
	}

	l := liner.NewLiner()
	l.SetCtrlCAborts(true)

	if a.historyPath == "" {
		return l
	}

	if f, err := os.Open(a.historyPath); err == nil {
		_, _ = l.ReadHistory(f)
		_ = f.Close()
	}

	return &historyLiner{State: l, path: a.historyPath}
}

// historyLiner saves the history on close.
type historyLiner struct {
	*liner.State

	path string
}

func (h *historyLiner) Close() error {
	if f, err := os.Create(h.path); err == nil {
		_, _ = h.WriteHistory(f)
		_ = f.Close()
	}

	return h.State.Close()
}

type scanReader struct {
	sc *bufio.Scanner
}

func (s *scanReader) Prompt(string) (string, error) {
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}

	if err := s.sc.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (*scanReader) AppendHistory(string) {}

func (*scanReader) Close() error { return nil }

type shellCmd struct {
	args string
	help string
	run  func(s *shell, args []string) error
}

func shellCommands() map[string]shellCmd {
	return map[string]shellCmd{
		"alloc":    {"<size>", "allocate size bytes, print the offset", (*shell).cmdAlloc},
		"free":     {"<off>", "free an allocation", (*shell).cmdFree},
		"realloc":  {"<off> <size>", "resize an allocation, print the new offset", (*shell).cmdRealloc},
		"strdup":   {"<text>", "copy text into the heap, print the offset", (*shell).cmdStrdup},
		"str":      {"<off>", "print the string at off", (*shell).cmdStr},
		"stats":    {"", "print heap statistics", (*shell).cmdStats},
		"arena":    {"[name]", "list arenas, or enter the named one", (*shell).cmdArena},
		"field":    {"<name> [off]", "get or publish a field of the current arena", (*shell).cmdField},
		"dispatch": {"<off> <text>", "send text to the reactor at off", (*shell).cmdDispatch},
		"watch":    {"<off>", "print messages of the reactor at off", (*shell).cmdWatch},
		"call":     {"<off> <arg>", "execute the call at off", (*shell).cmdCall},
		"help":     {"", "show this list", (*shell).cmdHelp},
		"quit":     {"", "leave the shell", func(*shell, []string) error { return errQuit }},
	}
}

type shell struct {
	io   *IO
	w    *fusion.World
	in   lineReader
	cmds map[string]shellCmd

	// mu serializes output; reactions print from receiver goroutines.
	mu sync.Mutex

	arena   *fusion.Arena
	watches []watch
}

type watch struct {
	reactor *fusion.Reactor
	att     *fusion.Attachment
}

func (s *shell) run(ctx context.Context) error {
	defer s.leave()

	for ctx.Err() == nil {
		line, err := s.in.Prompt("fusion> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}

			return err
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		s.in.AppendHistory(line)

		err = s.exec(line)
		if errors.Is(err, errQuit) {
			return nil
		}

		if err != nil {
			s.errorf("error: %v", err)
		}
	}

	return nil
}

func (s *shell) exec(line string) error {
	fields := strings.Fields(line)
	name := fields[0]

	if name == "exit" {
		name = "quit"
	}

	c, ok := s.cmds[name]
	if !ok {
		return fmt.Errorf("%w: %s (try 'help')", errUnknownCmd, name)
	}

	err := c.run(s, fields[1:])
	if errors.Is(err, errUsage) {
		return fmt.Errorf("usage: %s %s", name, c.args)
	}

	return err
}

// leave undoes what the session attached to.
func (s *shell) leave() {
	for _, wt := range s.watches {
		_ = wt.reactor.Detach(wt.att)
	}

	s.watches = nil

	if s.arena != nil {
		_ = s.arena.Exit(nil, nil, fusion.TeardownNormal)
		s.arena = nil
	}
}

func (s *shell) printf(format string, a ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.io.Printf(format+"\n", a...)
}

func (s *shell) errorf(format string, a ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.io.ErrPrintln(fmt.Sprintf(format, a...))
}

func (s *shell) cmdAlloc(args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	size, err := parseSizeArg(args[0])
	if err != nil {
		return err
	}

	off, err := s.w.Heap().Alloc(size)
	if err != nil {
		return err
	}

	s.printf("%s", formatOffset(off))

	return nil
}

func (s *shell) cmdFree(args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	off, err := parseOffset(args[0])
	if err != nil {
		return err
	}

	// Free panics on offsets the heap never handed out.
	if err := s.guard(func() error { return s.w.Heap().Free(off) }); err != nil {
		return err
	}

	s.printf("ok")

	return nil
}

func (s *shell) cmdRealloc(args []string) error {
	if len(args) != 2 {
		return errUsage
	}

	off, err := parseOffset(args[0])
	if err != nil {
		return err
	}

	size, err := parseSizeArg(args[1])
	if err != nil {
		return err
	}

	var moved fusion.Offset

	err = s.guard(func() error {
		moved, err = s.w.Heap().Realloc(off, size)

		return err
	})
	if err != nil {
		return err
	}

	s.printf("%s", formatOffset(moved))

	return nil
}

func (s *shell) cmdStrdup(args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	off, err := s.w.Heap().Strdup(strings.Join(args, " "))
	if err != nil {
		return err
	}

	s.printf("%s", formatOffset(off))

	return nil
}

func (s *shell) cmdStr(args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	off, err := parseOffset(args[0])
	if err != nil {
		return err
	}

	str, err := s.w.Heap().String(off)
	if err != nil {
		return err
	}

	s.printf("%q", str)

	return nil
}

func (s *shell) cmdStats(args []string) error {
	if len(args) != 0 {
		return errUsage
	}

	stats, err := s.w.Heap().Stats()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	printStats(s.io, stats)

	return nil
}

func (s *shell) cmdArena(args []string) error {
	switch len(args) {
	case 0:
		return s.listArenas()
	case 1:
	default:
		return errUsage
	}

	if s.arena != nil {
		if err := s.arena.Exit(nil, nil, fusion.TeardownNormal); err != nil {
			return err
		}

		s.arena = nil
	}

	created := false

	arena, err := s.w.EnterArena(args[0], func(*fusion.Arena) error {
		created = true

		return nil
	}, nil)
	if err != nil {
		return err
	}

	s.arena = arena

	if created {
		s.printf("created arena %s at %s", arena.Name(), formatOffset(arena.Offset()))
	} else {
		s.printf("joined arena %s at %s", arena.Name(), formatOffset(arena.Offset()))
	}

	return nil
}

func (s *shell) listArenas() error {
	arenas, err := s.w.Arenas()
	if err != nil {
		return err
	}

	for _, info := range arenas {
		names := make([]string, 0, len(info.Fields))
		for name := range info.Fields {
			names = append(names, name)
		}

		sort.Strings(names)

		fields := make([]string, 0, len(names))
		for _, name := range names {
			fields = append(fields, name+"="+formatOffset(info.Fields[name]))
		}

		s.printf("%s %s nodes=%d fields=[%s]", info.Name, formatOffset(info.Offset), len(info.Nodes), strings.Join(fields, " "))
	}

	return nil
}

func (s *shell) cmdField(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}

	if s.arena == nil {
		return errNoArena
	}

	if len(args) == 1 {
		off, err := s.arena.GetSharedField(args[0])
		if err != nil {
			return err
		}

		s.printf("%s", formatOffset(off))

		return nil
	}

	off, err := parseOffset(args[1])
	if err != nil {
		return err
	}

	if err := s.arena.AddSharedField(args[0], off); err != nil {
		return err
	}

	s.printf("ok")

	return nil
}

func (s *shell) cmdDispatch(args []string) error {
	if len(args) < 2 {
		return errUsage
	}

	r, err := s.openReactor(args[0])
	if err != nil {
		return err
	}

	msg, err := eventMessage(strings.Join(args[1:], " "), r.MessageSize())
	if err != nil {
		return err
	}

	return r.Dispatch(msg, true)
}

func (s *shell) cmdWatch(args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	r, err := s.openReactor(args[0])
	if err != nil {
		return err
	}

	prefix := formatOffset(r.Offset())

	att, err := r.Attach(fusion.ReactionFunc(func(msg []byte) fusion.ReactionResult {
		s.printf("[%s] %s", prefix, bytes.TrimRight(msg, "\x00"))

		return fusion.ReactionOK
	}))
	if err != nil {
		return err
	}

	s.watches = append(s.watches, watch{reactor: r, att: att})
	s.printf("watching %s", prefix)

	return nil
}

func (s *shell) cmdCall(args []string) error {
	if len(args) != 2 {
		return errUsage
	}

	off, err := parseOffset(args[0])
	if err != nil {
		return err
	}

	arg, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid argument %q", args[1])
	}

	c, err := fusion.OpenCall(s.w, off)
	if err != nil {
		return err
	}

	ret, err := c.Execute(arg, 0)
	if err != nil {
		return err
	}

	s.printf("%d", ret)

	return nil
}

func (s *shell) cmdHelp([]string) error {
	names := make([]string, 0, len(s.cmds))
	for name := range s.cmds {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		c := s.cmds[name]
		s.printf("  %-24s %s", strings.TrimSpace(name+" "+c.args), c.help)
	}

	return nil
}

func (s *shell) openReactor(arg string) (*fusion.Reactor, error) {
	off, err := parseOffset(arg)
	if err != nil {
		return nil, err
	}

	var r *fusion.Reactor

	err = s.guard(func() error {
		r, err = fusion.OpenReactor(s.w, off)

		return err
	})

	return r, err
}

// guard turns a panic from a bad offset into an error.
func (s *shell) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	return fn()
}
