package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg *Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execPrintConfig(io, cfg)
		},
	}
}

func execPrintConfig(io *IO, cfg *Config) error {
	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	// Render what Join would actually use.
	resolved, err := opts.Resolve()
	if err != nil {
		return err
	}

	io.Println("effective_cwd=" + cfg.EffectiveCwd)
	io.Println("world=" + cfg.World)
	io.Println("dir=" + resolved.Dir)
	io.Println("heap_size=" + formatBytes(resolved.HeapSize))
	io.Println("max_heap_size=" + formatBytes(resolved.MaxHeapSize))
	io.Println("final_free_blocks=" + strconv.Itoa(resolved.FinalFreeBlocks))
	io.Println("queue_depth=" + strconv.Itoa(resolved.QueueDepth))

	io.Println("")
	io.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		io.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			io.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			io.Println("project_config=" + cfg.Sources.Project)
		}
	}

	return nil
}
