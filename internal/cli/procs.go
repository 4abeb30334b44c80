package cli

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/process"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/fusion/pkg/fusion"
)

// ProcsCmd returns the procs command.
func ProcsCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("procs", flag.ContinueOnError),
		Usage: "procs",
		Short: "List processes joined to the world",
		Long: `List the processes registered in the world, including this one.

A process marked dead exited without leaving and is purged by the next
process to join.`,
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return a.withWorld(func(w *fusion.World) error {
				return execProcs(io, w)
			})
		},
	}
}

func execProcs(io *IO, w *fusion.World) error {
	procs, err := w.Processes()
	if err != nil {
		return err
	}

	io.Printf("%-20s %-8s %-6s %-16s %s\n", "FUSION_ID", "PID", "STATE", "COMMAND", "JOINED")

	for _, p := range procs {
		state := "alive"
		if !p.Alive {
			state = "dead"
		}

		self := ""
		if p.ID == w.ID() {
			self = " (self)"
		}

		io.Printf("%-20d %-8d %-6s %-16s %s%s\n", p.ID, p.Pid, state, commandName(p), humanize.Time(p.Joined), self)
	}

	return nil
}

// commandName looks up the executable name of a live process, or "-".
func commandName(p fusion.Process) string {
	if !p.Alive {
		return "-"
	}

	proc, err := process.NewProcess(int32(p.Pid))
	if err != nil {
		return "-"
	}

	name, err := proc.Name()
	if err != nil || name == "" {
		return "-"
	}

	return name
}
