package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/kanban"
	"github.com/roach88/tandem/internal/transport"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Server string
	Count  int
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <board-id>",
		Short: "Follow a board as it changes",
		Long: `Print a board, then print it again every time the server publishes a
new version. Runs until interrupted, or until --count snapshots were shown.

Example:
  tandem watch roadmap --server http://127.0.0.1:8080
  tandem watch roadmap --count 1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "server URL (default $TANDEM_SERVER_URL)")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "stop after this many snapshots (0 = forever)")

	return cmd
}

func runWatch(opts *WatchOptions, id string, cmd *cobra.Command) error {
	c, err := remoteClient(opts.RootOptions, opts.Server)
	if err != nil {
		return err
	}
	formatter := opts.formatter(cmd)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	seen := 0
	err = c.Subscribe(ctx, id, func(version int, m kanban.Model) {
		snap := snapshot{ID: id, Version: version, Board: m}
		if err := formatter.Emit(snap, func(w io.Writer) {
			if seen > 0 {
				fmt.Fprintln(w)
			}
			printBoard(w, id, version, m)
		}); err != nil {
			slog.Error("failed to write snapshot", "error", err)
		}
		seen++
		if opts.Count > 0 && seen >= opts.Count {
			cancel()
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return commandError("watch failed", err)
	}
	return nil
}

// remoteClient connects to url, or to the configured server.
func remoteClient(root *RootOptions, url string) (*boardClient, error) {
	if url == "" {
		cfg, err := root.config()
		if err != nil {
			return nil, err
		}
		url = cfg.ServerURL
	}
	c, err := transport.NewClient(url, boardCodec)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid server URL", err)
	}
	return c, nil
}
