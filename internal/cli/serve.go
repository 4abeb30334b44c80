package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/fusion/pkg/fusion"
)

const (
	defaultServeArena = "fusionctl"
	eventsField       = "events"
	eventSize         = 64
)

var errEventTooLong = errors.New("event text too long")

// ServeCmd returns the serve command.
func ServeCmd(a *app) *Command {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	arenaName := flags.String("arena", defaultServeArena, "Arena to enter")
	poll := flags.Duration("poll", 100*time.Millisecond, "Heap size poll `interval`")

	return &Command{
		Flags: flags,
		Usage: "serve [flags]",
		Short: "Hold the world open and report events",
		Long: `Join the world and enter an arena until interrupted.

The first process in the arena creates an events reactor of 64-byte
messages and publishes it as the "events" field. Every serve process
attaches to it and prints what arrives, registers a ping call that
returns its argument plus one, and reports heap size changes.

The offsets of the reactor and the ping call are printed on startup.`,
		Examples: []string{
			"fusionctl serve",
			"fusionctl -w compositor serve --arena surfaces --poll 1s",
		},
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			if *poll <= 0 {
				return fmt.Errorf("poll interval must be positive, got %s", *poll)
			}

			return a.withWorld(func(w *fusion.World) error {
				return execServe(ctx, io, w, *arenaName, *poll)
			})
		},
	}
}

func execServe(ctx context.Context, io *IO, w *fusion.World, arenaName string, poll time.Duration) error {
	var events *fusion.Reactor

	arena, err := w.EnterArena(arenaName,
		func(ar *fusion.Arena) error {
			r, err := fusion.NewReactor(w, eventSize)
			if err != nil {
				return err
			}

			events = r

			return ar.AddSharedField(eventsField, r.Offset())
		},
		func(ar *fusion.Arena) error {
			off, err := ar.GetSharedField(eventsField)
			if err != nil {
				return err
			}

			events, err = fusion.OpenReactor(w, off)

			return err
		})
	if err != nil {
		return fmt.Errorf("enter arena %s: %w", arenaName, err)
	}

	err = serveArena(ctx, io, w, arenaName, events, poll)

	exitErr := arena.Exit(func(_ *fusion.Arena, _ fusion.TeardownMode) error {
		return events.Destroy()
	}, nil, fusion.TeardownNormal)

	return errors.Join(err, exitErr)
}

func serveArena(ctx context.Context, io *IO, w *fusion.World, arenaName string, events *fusion.Reactor, poll time.Duration) error {
	ping, err := fusion.NewCall(w, fusion.CallHandlerFunc(func(_ fusion.FusionID, arg int, _ fusion.Offset) int {
		return arg + 1
	}))
	if err != nil {
		return err
	}

	defer func() { _ = ping.Destroy() }()

	// Reactions run on the receiver goroutine; output stays on this one.
	msgs := make(chan string, 64)

	att, err := events.Attach(fusion.ReactionFunc(func(msg []byte) fusion.ReactionResult {
		select {
		case msgs <- string(bytes.TrimRight(msg, "\x00")):
		default:
		}

		return fusion.ReactionOK
	}))
	if err != nil {
		return err
	}

	defer func() { _ = events.Detach(att) }()

	stats, err := w.Heap().Stats()
	if err != nil {
		return err
	}

	io.Println("arena=" + arenaName)
	io.Println("events=" + formatOffset(events.Offset()))
	io.Println("ping=" + formatOffset(ping.Offset()))

	announce(w, events, fmt.Sprintf("joined %d", w.ID()))
	defer announce(w, events, fmt.Sprintf("left %d", w.ID()))

	mapSize := stats.MapSize

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			io.Println("event: " + msg)
		case <-ticker.C:
			stats, err := w.Heap().Stats()
			if err != nil {
				return err
			}

			if stats.MapSize != mapSize {
				io.Printf("heap resized: %s -> %s\n", humanize.IBytes(mapSize), humanize.IBytes(stats.MapSize))
				mapSize = stats.MapSize
			}
		}
	}
}

// announce tells the other serve processes about us. Failures only cost
// the message.
func announce(w *fusion.World, events *fusion.Reactor, text string) {
	msg, err := eventMessage(text, events.MessageSize())
	if err == nil {
		err = events.Dispatch(msg, false)
	}

	if err != nil {
		w.Logger().Debug("announce failed", zap.String("text", text), zap.Error(err))
	}
}

// eventMessage pads text with NULs to the reactor message size.
func eventMessage(text string, size int) ([]byte, error) {
	if len(text) > size {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", errEventTooLong, len(text), size)
	}

	msg := make([]byte, size)
	copy(msg, text)

	return msg, nil
}
