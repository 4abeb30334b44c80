package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/fusion/pkg/fusion"
)

// CheckCmd returns the check command.
func CheckCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("check", flag.ContinueOnError),
		Usage: "check",
		Short: "Verify heap consistency",
		Long:  "Walk the heap's block table and free lists and report the first inconsistency.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return a.withWorld(func(w *fusion.World) error {
				if err := w.Heap().Check(); err != nil {
					return err
				}

				io.Println("ok")

				return nil
			})
		},
	}
}
