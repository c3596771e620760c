package multi

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/roach88/tandem/internal/effect"
)

// Response is the server's answer to a multi-dispatch. Versions and Models
// cover the touched aggregates that exist; a conflict may carry neither.
type Response[M any] struct {
	Status   string
	Versions map[string]int
	Models   map[string]M
	Changed  []string
	NoChange bool
	Reason   string
	Detail   string
	Seq      int64
}

// Transport is the network side of a multi-aggregate client. Errors are
// treated as transient network failures.
type Transport[M, X any] interface {
	MultiDispatch(ctx context.Context, baseVersions map[string]int, x X, requestID string) (Response[M], error)
	Fetch(ctx context.Context, id string) (version int, model M, err error)
}

// Snapshot is a type-erased view of State, handed to observers after every
// transition.
type Snapshot struct {
	Event        string
	Mode         effect.Mode
	Connectivity effect.Connectivity
	BaseVersions map[string]int
	Pending      int
	Retries      int
	Err          error
}

// Snapshot summarizes s after ev.
func (s State[M, A, X]) Snapshot(ev effect.Event) Snapshot {
	return Snapshot{
		Event:        ev.EventName(),
		Mode:         s.Mode,
		Connectivity: s.Connectivity,
		BaseVersions: maps.Clone(s.Client.BaseVersions),
		Pending:      s.Client.PendingCount(),
		Retries:      s.Retries,
		Err:          s.Err,
	}
}

type driverConfig struct {
	tick      time.Duration
	ids       effect.RequestIDGenerator
	observers []func(Snapshot)
}

// Option configures a Driver.
type Option func(*driverConfig)

// WithTickInterval delivers an effect.Tick every d. Zero disables ticks.
func WithTickInterval(d time.Duration) Option {
	return func(c *driverConfig) { c.tick = d }
}

// WithRequestIDs replaces the UUIDv7 request id generator.
func WithRequestIDs(g effect.RequestIDGenerator) Option {
	return func(c *driverConfig) { c.ids = g }
}

// WithObserver registers fn to be called after every transition, on the
// Run goroutine.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *driverConfig) { c.observers = append(c.observers, fn) }
}

// Driver runs Step on an effect.Loop and performs the multi-dispatches it
// asks for.
type Driver[M, A, X any] struct {
	md        Domain[M, A, X]
	transport Transport[M, X]
	cfg       driverConfig
	loop      *effect.Loop[State[M, A, X], Command]
}

// NewDriver creates a driver starting from initial.
func NewDriver[M, A, X any](md Domain[M, A, X], t Transport[M, X], initial State[M, A, X], opts ...Option) *Driver[M, A, X] {
	cfg := driverConfig{ids: effect.UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	dr := &Driver[M, A, X]{md: md, transport: t, cfg: cfg}
	dr.loop = effect.NewLoop(initial, dr.step, dr.exec, dr.observe, cfg.tick)
	return dr
}

// Enqueue submits an event. Returns false once the driver has stopped.
func (dr *Driver[M, A, X]) Enqueue(ev effect.Event) bool {
	return dr.loop.Enqueue(ev)
}

// Dispatch enqueues a local multi-action.
func (dr *Driver[M, A, X]) Dispatch(x X) bool {
	return dr.Enqueue(effect.UserAction[X]{Action: x})
}

// State returns the current orchestrator state.
func (dr *Driver[M, A, X]) State() State[M, A, X] {
	return dr.loop.State()
}

// Run processes events until ctx is cancelled or Stop is called.
//
// Must be called from exactly one goroutine.
func (dr *Driver[M, A, X]) Run(ctx context.Context) error {
	return dr.loop.Run(ctx)
}

// Stop closes the event queue; Run returns once it has drained.
func (dr *Driver[M, A, X]) Stop() {
	dr.loop.Stop()
}

func (dr *Driver[M, A, X]) step(s State[M, A, X], ev effect.Event) (State[M, A, X], Command) {
	return Step(dr.md, s, ev)
}

func (dr *Driver[M, A, X]) observe(s State[M, A, X], ev effect.Event) {
	snap := s.Snapshot(ev)
	slog.Debug("multi step",
		"event", snap.Event,
		"mode", snap.Mode.String(),
		"connectivity", snap.Connectivity.String(),
		"pending", snap.Pending,
		"retries", snap.Retries,
	)
	for _, fn := range dr.cfg.observers {
		fn(snap)
	}
}

func (dr *Driver[M, A, X]) exec(cmd Command) effect.RoundTrip {
	send, ok := cmd.(SendMulti[X])
	if !ok {
		return nil
	}
	requestID := dr.cfg.ids.Generate()
	return func(ctx context.Context) effect.Event {
		return dr.roundTrip(ctx, send, requestID)
	}
}

// roundTrip performs one multi-dispatch and turns its outcome into a reply
// event. A conflict refetches only the touched aggregates; a rejection
// carries the snapshots the server decided against.
func (dr *Driver[M, A, X]) roundTrip(ctx context.Context, cmd SendMulti[X], requestID string) effect.Event {
	resp, err := dr.transport.MultiDispatch(ctx, cmd.BaseVersions, cmd.Action, requestID)
	if err != nil {
		slog.Warn("multi-dispatch failed", "request_id", requestID, "error", err)
		return effect.NetworkError{Err: err}
	}

	switch resp.Status {
	case effect.StatusAccepted:
		return Accepted[M]{Versions: resp.Versions, Models: resp.Models}

	case effect.StatusConflict:
		versions, models, err := FetchTouched(ctx, dr.md, cmd.Action, dr.transport.Fetch)
		if err != nil {
			slog.Warn("fetch after conflict failed", "request_id", requestID, "error", err)
			return effect.NetworkError{Err: err}
		}
		slog.Info("multi-dispatch conflict, resyncing", "request_id", requestID, "aggregates", len(versions))
		return Conflict[M]{Versions: versions, Models: models}

	case effect.StatusRejected:
		slog.Info("multi-dispatch rejected", "request_id", requestID, "reason", resp.Reason, "detail", resp.Detail)
		return Rejected[M]{Versions: resp.Versions, Models: resp.Models, Reason: resp.Reason}

	default:
		return effect.NetworkError{Err: fmt.Errorf("multi-dispatch %s: unknown status %q", requestID, resp.Status)}
	}
}
