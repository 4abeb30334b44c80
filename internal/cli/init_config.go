package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/fusion/internal/fs"
	"github.com/calvinalkan/fusion/pkg/fusion"
)

var errConfigExists = errors.New("config file already exists")

// InitConfigCmd returns the init-config command.
func InitConfigCmd(a *app) *Command {
	flags := flag.NewFlagSet("init-config", flag.ContinueOnError)
	force := flags.BoolP("force", "f", false, "Overwrite an existing file")

	return &Command{
		Flags: flags,
		Usage: "init-config [flags] [path]",
		Short: "Write a config file with the default settings",
		Long: `Write the resolved default settings to path, .fusion.json in the working
directory if omitted. The file is replaced atomically.`,
		MaxArgs: 1,
		Exec: func(_ context.Context, io *IO, args []string) error {
			path := filepath.Join(a.workDir, ConfigFileName)
			if len(args) == 1 {
				path = args[0]
				if !filepath.IsAbs(path) {
					path = filepath.Join(a.workDir, path)
				}
			}

			return execInitConfig(io, fs.NewReal(), path, a.cfg.World, *force)
		},
	}
}

func execInitConfig(io *IO, fsys fs.FS, path, world string, force bool) error {
	exists, err := fsys.Exists(path)
	if err != nil {
		return err
	}

	if exists && !force {
		return fmt.Errorf("%w: %s (use --force)", errConfigExists, path)
	}

	def := fusion.DefaultOptions()
	cfg := Config{
		World:           world,
		Dir:             def.Dir,
		HeapSize:        formatSize(def.HeapSize),
		MaxHeapSize:     formatSize(def.MaxHeapSize),
		QueueDepth:      def.QueueDepth,
		FinalFreeBlocks: def.FinalFreeBlocks,
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := fsys.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	io.Println("wrote " + path)

	return nil
}
