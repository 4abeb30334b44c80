package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/fusion/pkg/fusion"
)

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil; otherwise a signal on it cancels the running command.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("fusionctl", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	flagCwd := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := globals.StringP("config", "c", "", "Use specified config `file`")
	flagDir := globals.String("dir", "", "Directory holding the world files")
	flagWorld := globals.StringP("world", "w", "", "World `name` to join")
	flagVerbose := globals.BoolP("verbose", "v", false, "Log diagnostics to stderr")
	flagHelp := globals.BoolP("help", "h", false, "Show help")

	if len(args) > 0 {
		args = args[1:]
	}

	if err := globals.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals, nil)

		return 1
	}

	workDir := *flagCwd
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			fprintln(errOut, "error: cannot get working directory:", err)

			return 1
		}
	}

	cfg, err := LoadConfig(workDir, *flagConfig, Config{World: *flagWorld, Dir: *flagDir}, env)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	logger := zap.NewNop()
	if *flagVerbose {
		logger = newLogger(errOut)
	}

	defer func() { _ = logger.Sync() }()

	a := &app{cfg: &cfg, logger: logger, in: in, workDir: workDir}
	if home := env["HOME"]; home != "" {
		a.historyPath = filepath.Join(home, ".fusionctl_history")
	}

	commands := allCommands(a)

	rest := globals.Args()
	if *flagHelp || len(rest) == 0 {
		printUsage(out, globals, commands)

		return 0
	}

	var cmd *Command

	for _, c := range commands {
		if c.Name() == rest[0] {
			cmd = c

			break
		}
	}

	if cmd == nil {
		fprintln(errOut, "error: unknown command:", rest[0])
		printUsage(errOut, globals, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, NewIO(out, errOut), rest[1:])
}

// app carries what every command needs besides its arguments.
type app struct {
	cfg     *Config
	logger  *zap.Logger
	in      io.Reader
	workDir string

	historyPath string
}

// join joins the configured world.
func (a *app) join() (*fusion.World, error) {
	opts, err := a.cfg.Options()
	if err != nil {
		return nil, err
	}

	opts.Logger = a.logger

	w, err := fusion.Join(a.cfg.World, opts)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", a.cfg.World, err)
	}

	return w, nil
}

// withWorld joins the world, runs fn and leaves again.
func (a *app) withWorld(fn func(w *fusion.World) error) error {
	w, err := a.join()
	if err != nil {
		return err
	}

	return errors.Join(fn(w), w.Close())
}

func allCommands(a *app) []*Command {
	return []*Command{
		InfoCmd(a),
		CheckCmd(a),
		ProcsCmd(a),
		ServeCmd(a),
		ShellCmd(a),
		PrintConfigCmd(a.cfg),
		InitConfigCmd(a),
	}
}

// newLogger returns a development logger writing to w.
func newLogger(w io.Writer) *zap.Logger {
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel)

	return zap.New(core, zap.Development())
}

func printUsage(w io.Writer, globals *flag.FlagSet, commands []*Command) {
	fprintln(w, "fusionctl - inspect and drive fusion worlds")
	fprintln(w)
	fprintln(w, "Usage: fusionctl [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprint(w, globals.FlagUsages())

	if len(commands) == 0 {
		return
	}

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range commands {
		fprintln(w, c.HelpLine())
	}

	fprintln(w)
	fprintln(w, "Run 'fusionctl <command> --help' for more information on a command.")
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func fprint(w io.Writer, a ...any) {
	_, _ = fmt.Fprint(w, a...)
}
