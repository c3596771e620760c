package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/effect"
	"github.com/roach88/tandem/internal/kanban"
)

// EditOptions holds flags for the edit command.
type EditOptions struct {
	*RootOptions
	Server  string
	Timeout time.Duration
}

// EditResult is the output of the edit command.
type EditResult struct {
	snapshot
	Sent     int `json:"sent"`
	Rejected int `json:"rejected"`
	Pending  int `json:"pending"`
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit <board-id>",
		Short: "Queue actions from stdin and sync them with a server",
		Long: `Read one JSON action per line from stdin and run them through an
optimistic client, the way an interactive editor would.

Each action is applied locally at once and queued. The queue is sent to the
server one action at a time; conflicts are retried after a resync, and
realtime updates from other writers are folded in while the queue drains.
Blank lines and lines starting with # are ignored.

Exit codes: 0 every action accepted, 1 some rejected or left unsent,
2 usage error.

Example:
  tandem edit roadmap --server http://127.0.0.1:8080 < actions.jsonl`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "server URL (default $TANDEM_SERVER_URL)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for the queue to drain")

	return cmd
}

func runEdit(opts *EditOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	c, err := remoteClient(opts.RootOptions, opts.Server)
	if err != nil {
		return err
	}

	actions, err := readActions(cmd.InOrStdin())
	if err != nil {
		return err
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	snap, err := c.Get(ctx, id)
	if err != nil {
		return commandError("failed to read board", err)
	}

	var queued, rejected atomic.Int64
	changed := make(chan struct{}, 1)
	driver := effect.NewDriver(kanban.Domain, effect.Transport[kanban.Model, kanban.Action](c.For(id)),
		effect.Init[kanban.Model, kanban.Action](snap.Version, snap.Model),
		effect.WithTickInterval(cfg.TickInterval),
		effect.WithObserver(func(s effect.Snapshot) {
			switch s.Event {
			case userActionEvent:
				queued.Add(1)
			case rejectedEvent:
				rejected.Add(1)
				slog.Warn("action rejected", "board", id, "error", s.Err)
			}
			select {
			case changed <- struct{}{}:
			default:
			}
		}),
	)

	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()

	go func() {
		err := c.Subscribe(ctx, id, func(version int, m kanban.Model) {
			driver.Enqueue(effect.RealtimeUpdate[kanban.Model]{Version: version, Model: m})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("realtime stream ended", "board", id, "error", err)
		}
	}()

	for _, a := range actions {
		driver.Dispatch(a)
		formatter.VerboseLog("queued %s", describe(a))
	}
	driver.Enqueue(effect.Flush{})

	all := func() bool { return queued.Load() >= int64(len(actions)) }
	state, err := awaitDrained(ctx, driver, changed, all, cfg.TickInterval, opts.Timeout)
	driver.Stop()
	cancel()
	if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("effect driver failed", "error", runErr)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "edit did not complete", err)
	}

	result := EditResult{
		snapshot: snapshot{ID: id, Version: state.Client.BaseVersion, Board: state.Client.Present},
		Sent:     len(actions),
		Rejected: int(rejected.Load()),
		Pending:  state.Client.PendingCount(),
	}
	if err := formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Sent %d actions: %d rejected\n\n", result.Sent, result.Rejected)
		printBoard(w, id, result.Version, result.Board)
	}); err != nil {
		return err
	}
	if result.Rejected > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d actions rejected", result.Rejected))
	}
	return nil
}

var (
	userActionEvent = effect.UserAction[kanban.Action]{}.EventName()
	rejectedEvent   = effect.DispatchRejected[kanban.Model]{}.EventName()
)

// awaitDrained waits until every action was taken in and nothing is pending
// or in flight. A Flush is re-sent every interval so that a lost connection
// is retried.
func awaitDrained(
	ctx context.Context,
	driver *effect.Driver[kanban.Model, kanban.Action],
	changed <-chan struct{},
	queued func() bool,
	interval, timeout time.Duration,
) (effect.State[kanban.Model, kanban.Action], error) {
	retry := time.NewTicker(interval)
	defer retry.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		st := driver.State()
		if queued() && !st.Busy() && st.Client.PendingCount() == 0 {
			return st, nil
		}
		if errors.Is(st.Err, effect.ErrTooManyConflicts) {
			return st, st.Err
		}
		select {
		case <-changed:
		case <-retry.C:
			driver.Enqueue(effect.Flush{})
		case <-deadline.C:
			return st, fmt.Errorf("%d actions still pending after %s", st.Client.PendingCount(), timeout)
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

func readActions(r io.Reader) ([]kanban.Action, error) {
	var actions []kanban.Action
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		a, err := kanban.UnmarshalAction([]byte(text))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("line %d: invalid action", line), err)
		}
		actions = append(actions, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read actions", err)
	}
	return actions, nil
}
