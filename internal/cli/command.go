package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Exit codes of fusionctl.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// Command is one fusionctl subcommand. Most commands join the configured
// world in Exec and leave it before returning.
type Command struct {
	// Flags holds the command's own flags. Nil means none.
	Flags *flag.FlagSet

	// Usage follows "fusionctl" in help and starts with the command name,
	// e.g. "serve [flags]".
	Usage string

	// Short is the line shown in the command listing.
	Short string

	// Long is shown by "fusionctl <command> --help", falling back to Short.
	Long string

	// Examples are printed verbatim below the description.
	Examples []string

	// MaxArgs caps the positional arguments left after flag parsing.
	MaxArgs int

	// Exec runs the command with the positional arguments.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's entry in the top-level usage.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// PrintHelp writes the command's usage, description, examples and flags.
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: fusionctl", c.Usage)
	o.Println()

	if c.Long != "" {
		o.Println(c.Long)
	} else {
		o.Println(c.Short)
	}

	if len(c.Examples) > 0 {
		o.Println()
		o.Println("Examples:")

		for _, ex := range c.Examples {
			o.Println("  " + ex)
		}
	}

	if c.Flags == nil || !c.Flags.HasFlags() {
		return
	}

	var defaults strings.Builder

	c.Flags.SetOutput(&defaults)
	c.Flags.PrintDefaults()

	o.Println()
	o.Println("Flags:")
	o.Printf("%s", defaults.String())
}

// Run parses args and calls Exec. Bad flags or too many arguments exit with
// code 2 and the command's help on stderr, Exec errors with code 1.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	if c.Flags == nil {
		c.Flags = flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	}

	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)

			return exitOK
		}

		return c.usageError(o, err)
	}

	rest := c.Flags.Args()
	if len(rest) > c.MaxArgs {
		return c.usageError(o, fmt.Errorf("%s takes at most %d argument(s), got %d: %s",
			c.Name(), c.MaxArgs, len(rest), strings.Join(rest, " ")))
	}

	if err := c.Exec(ctx, o, rest); err != nil {
		o.ErrPrintln("error:", err)

		return exitError
	}

	return o.Finish()
}

func (c *Command) usageError(o *IO, err error) int {
	o.ErrPrintln("error:", err)
	o.ErrPrintln()

	errOut := NewIO(o.errOut, o.errOut)
	c.PrintHelp(errOut)
	_ = errOut.Finish()

	return exitUsage
}
