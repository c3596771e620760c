package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/effect"
	"github.com/roach88/tandem/internal/kanban"
	"github.com/roach88/tandem/internal/multi"
	"github.com/roach88/tandem/internal/service"
	"github.com/roach88/tandem/internal/transport"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	targetOptions
	Action string
	Base   int
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch <board-id>",
		Short: "Send one action to a board",
		Long: `Dispatch an action against a base version of a board.

The action is rebased over everything applied since --base. Without --base
the board's current version is used, so nothing is rebased.

Exit codes: 0 accepted, 1 rejected or conflict, 2 usage error.

Example:
  tandem dispatch roadmap --action '{"type":"add_card","col":"Todo","title":"Ship"}'
  tandem dispatch roadmap --base 3 --action '{"type":"move_card","id":1,"to_col":"Done","place":{"at":"end"}}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(opts, args[0], cmd)
		},
	}

	opts.register(cmd, true)
	cmd.Flags().StringVar(&opts.Action, "action", "", "action as JSON (required)")
	cmd.Flags().IntVar(&opts.Base, "base", -1, "base version (default: current)")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func runDispatch(opts *DispatchOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	action, err := parseAction(opts.Action)
	if err != nil {
		return err
	}

	b, err := opts.open(opts.RootOptions)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := cmd.Context()
	base := opts.Base
	if base < 0 {
		snap, err := b.Get(ctx, id)
		if err != nil {
			return commandError("failed to read board", err)
		}
		base = snap.Version
	}

	out, err := b.Dispatch(ctx, id, base, action)
	if err != nil {
		return commandError("dispatch failed", err)
	}
	formatter.VerboseLog("dispatched %s at base %d", describe(action), base)

	if err := formatter.Emit(out, func(w io.Writer) { printOutcome(w, id, out) }); err != nil {
		return err
	}
	if out.Status != transport.StatusAccepted {
		return NewExitError(ExitFailure, fmt.Sprintf("dispatch %s", out.Status))
	}
	return nil
}

func printOutcome(w io.Writer, id string, out outcome) {
	switch out.Status {
	case transport.StatusAccepted:
		if out.NoChange {
			fmt.Fprintf(w, "Accepted (no change): %s stays at version %d\n", id, out.Version)
		} else {
			fmt.Fprintf(w, "Accepted: %s now at version %d\n", id, out.Version)
		}
		fmt.Fprintf(w, "Applied: %s\n", out.Applied)
	case transport.StatusRejected:
		fmt.Fprintf(w, "Rejected: %s (%s)\n", out.Reason, out.Detail)
	default:
		fmt.Fprintf(w, "Conflict: %s\n", out.Reason)
	}
}

// MultiDispatchOptions holds flags for the multi-dispatch command.
type MultiDispatchOptions struct {
	*RootOptions
	targetOptions
	Action  string
	Bases   map[string]int
	Timeout time.Duration
}

// NewMultiDispatchCommand creates the multi-dispatch command.
func NewMultiDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MultiDispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "multi-dispatch",
		Short: "Send one action spanning several boards",
		Long: `Dispatch a multi-board action atomically.

Either every touched board accepts its part or nothing is applied. Boards
without a --base are taken at their current version. When a base turns out
to be stale, the touched boards are refetched and the action is sent again,
up to the retry limit.

Exit codes: 0 accepted, 1 rejected or out of retries, 2 usage error or
server unreachable.

Example:
  tandem multi-dispatch --base a=4 --base b=2 \
    --action '{"type":"move_between","src":"a","dst":"b","card_id":1,"to_col":"Todo","place":{"at":"end"}}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMultiDispatch(opts, cmd)
		},
	}

	opts.register(cmd, true)
	cmd.Flags().StringVar(&opts.Action, "action", "", "multi-action as JSON (required)")
	cmd.Flags().StringToIntVar(&opts.Bases, "base", nil, "base version per board, as id=version")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for the action to settle")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func runMultiDispatch(opts *MultiDispatchOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	cfg, err := opts.config()
	if err != nil {
		return err
	}

	x, err := kanban.UnmarshalMultiAction([]byte(opts.Action))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --action", err)
	}

	b, err := opts.open(opts.RootOptions)
	if err != nil {
		return err
	}
	defer b.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	rec := &recordingTransport{next: b.Multi()}
	initial, err := touchedBoards(ctx, b.Multi(), x, opts.Bases)
	if err != nil {
		return commandError("failed to read boards", err)
	}

	var queued atomic.Bool
	changed := make(chan struct{}, 1)
	driver := multi.NewDriver(boardsDomain, boardsTransport(rec), initial,
		multi.WithTickInterval(cfg.TickInterval),
		multi.WithObserver(func(s multi.Snapshot) {
			if s.Event == multiUserActionEvent {
				queued.Store(true)
			}
			select {
			case changed <- struct{}{}:
			default:
			}
		}),
	)

	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()
	driver.Dispatch(x)

	state, err := awaitSettled(ctx, driver, changed, queued.Load, opts.Timeout)
	driver.Stop()
	cancel()
	if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("multi driver failed", "error", runErr)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "multi-dispatch did not complete", err)
	}

	resp, sendErr := rec.last()
	if state.Connectivity == effect.Offline && sendErr != nil {
		return commandError("multi-dispatch failed", sendErr)
	}

	out := multiOutcome{
		Status:   resp.Status,
		Changed:  resp.Changed,
		Versions: resp.Versions,
		NoChange: resp.NoChange,
		Reason:   resp.Reason,
		Detail:   resp.Detail,
		Seq:      resp.Seq,
	}
	if errors.Is(state.Err, effect.ErrTooManyConflicts) {
		out.Status = transport.StatusConflict
		out.Detail = state.Err.Error()
	}
	if out.Changed == nil {
		out.Changed = []string{}
	}

	err = formatter.Emit(out, func(w io.Writer) {
		switch out.Status {
		case transport.StatusAccepted:
			if out.NoChange {
				fmt.Fprintln(w, "Accepted (no change)")
				return
			}
			fmt.Fprintf(w, "Accepted: changed %s\n", strings.Join(out.Changed, ", "))
			for _, id := range out.Changed {
				fmt.Fprintf(w, "  %s now at version %d\n", id, out.Versions[id])
			}
		case transport.StatusRejected:
			fmt.Fprintf(w, "Rejected: %s (%s)\n", out.Reason, out.Detail)
		default:
			fmt.Fprintf(w, "Conflict: %s (%s)\n", out.Reason, out.Detail)
		}
	})
	if err != nil {
		return err
	}
	if out.Status != transport.StatusAccepted {
		return NewExitError(ExitFailure, fmt.Sprintf("multi-dispatch %s", out.Status))
	}
	return nil
}

var multiUserActionEvent = effect.UserAction[kanban.MultiAction]{}.EventName()

// touchedBoards fetches the boards x touches. A board that does not exist is
// left out so the server can reject the action for it. bases override the
// fetched versions.
func touchedBoards(ctx context.Context, t boardsTransport, x kanban.MultiAction, bases map[string]int) (multi.State[kanban.Model, kanban.Action, kanban.MultiAction], error) {
	versions := make(map[string]int)
	models := make(map[string]kanban.Model)
	for _, id := range multi.TouchedIDs(boardsDomain, x) {
		v, m, err := t.Fetch(ctx, id)
		switch {
		case service.IsNotFound(err), transport.IsNotFound(err):
			continue
		case err != nil:
			return multi.State[kanban.Model, kanban.Action, kanban.MultiAction]{}, err
		}
		versions[id] = v
		models[id] = m
	}
	for id, v := range bases {
		if _, ok := models[id]; ok {
			versions[id] = v
		}
	}
	return multi.Init[kanban.Model, kanban.Action, kanban.MultiAction](versions, models), nil
}

// awaitSettled waits until the action has been taken in and the driver has
// gone idle with nothing pending, out of retries, or offline.
func awaitSettled(
	ctx context.Context,
	driver *multi.Driver[kanban.Model, kanban.Action, kanban.MultiAction],
	changed <-chan struct{},
	queued func() bool,
	timeout time.Duration,
) (multi.State[kanban.Model, kanban.Action, kanban.MultiAction], error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		st := driver.State()
		if queued() && !st.Busy() {
			switch {
			case st.Client.PendingCount() == 0,
				st.Connectivity == effect.Offline,
				errors.Is(st.Err, effect.ErrTooManyConflicts):
				return st, nil
			}
		}
		select {
		case <-changed:
		case <-deadline.C:
			return st, fmt.Errorf("multi-action still pending after %s", timeout)
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// recordingTransport remembers the last answer and the last failure so the
// command can report them once the driver has settled.
type recordingTransport struct {
	next boardsTransport

	mu   sync.Mutex
	resp multi.Response[kanban.Model]
	err  error
}

func (r *recordingTransport) MultiDispatch(ctx context.Context, bases map[string]int, x kanban.MultiAction, requestID string) (multi.Response[kanban.Model], error) {
	resp, err := r.next.MultiDispatch(ctx, bases, x, requestID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.err = err
		return resp, err
	}
	r.resp, r.err = resp, nil
	return resp, nil
}

func (r *recordingTransport) Fetch(ctx context.Context, id string) (int, kanban.Model, error) {
	v, m, err := r.next.Fetch(ctx, id)
	if err != nil {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
	}
	return v, m, err
}

func (r *recordingTransport) last() (multi.Response[kanban.Model], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp, r.err
}
