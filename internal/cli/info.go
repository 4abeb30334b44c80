package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/fusion/pkg/fusion"
)

// InfoCmd returns the info command.
func InfoCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("info", flag.ContinueOnError),
		Usage: "info",
		Short: "Show world and heap statistics",
		Long: `Join the world, print its backing file, this process' fusion id and the
heap statistics, then leave again.

Joining creates the world if no process holds it.`,
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return a.withWorld(func(w *fusion.World) error {
				return execInfo(io, w)
			})
		},
	}
}

func execInfo(io *IO, w *fusion.World) error {
	stats, err := w.Heap().Stats()
	if err != nil {
		return err
	}

	io.Println("world=" + w.Name())
	io.Println("path=" + w.Path())
	io.Println("fusion_id=" + strconv.FormatUint(uint64(w.ID()), 10))
	printStats(io, stats)

	return nil
}

func printStats(io *IO, stats fusion.HeapStats) {
	io.Println("base=" + formatOffset(stats.Base))
	io.Println("brk=" + formatBytes(stats.Brk))
	io.Println("map_size=" + formatBytes(stats.MapSize))
	io.Println("max_size=" + formatBytes(stats.MaxSize))
	io.Println("info_entries=" + strconv.FormatUint(stats.InfoEntries, 10))
	io.Println("bytes_used=" + formatBytes(stats.BytesUsed))
	io.Println("bytes_free=" + formatBytes(stats.BytesFree))
	io.Println("chunks_used=" + strconv.FormatUint(stats.ChunksUsed, 10))
	io.Println("chunks_free=" + strconv.FormatUint(stats.ChunksFree, 10))
}
