package effect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tandem/internal/domain"
)

// Dispatch response statuses.
const (
	StatusAccepted = "accepted"
	StatusConflict = "conflict"
	StatusRejected = "rejected"
)

// Response is the server's answer to a dispatch request. For accepted
// responses Version and Model are the new snapshot.
type Response[M any] struct {
	Status  string
	Version int
	Model   M
	Reason  string
}

// Transport is the network side of one client. Errors from either method
// are treated as transient network failures.
type Transport[M, A any] interface {
	Dispatch(ctx context.Context, baseVersion int, action A, requestID string) (Response[M], error)
	Fetch(ctx context.Context) (version int, model M, err error)
}

// Snapshot is a type-erased view of State, handed to observers after every
// transition.
type Snapshot struct {
	Event         string
	Mode          Mode
	Connectivity  Connectivity
	BaseVersion   int
	ServerVersion int
	Pending       int
	Retries       int
	Err           error
}

// Snapshot summarizes s after ev.
func (s State[M, A]) Snapshot(ev Event) Snapshot {
	return Snapshot{
		Event:         ev.EventName(),
		Mode:          s.Mode,
		Connectivity:  s.Connectivity,
		BaseVersion:   s.Client.BaseVersion,
		ServerVersion: s.ServerVersion,
		Pending:       s.Client.PendingCount(),
		Retries:       s.Retries,
		Err:           s.Err,
	}
}

type driverConfig struct {
	tick      time.Duration
	ids       RequestIDGenerator
	observers []func(Snapshot)
}

// Option configures a Driver.
type Option func(*driverConfig)

// WithTickInterval delivers a Tick event every d. Zero disables ticks.
func WithTickInterval(d time.Duration) Option {
	return func(c *driverConfig) { c.tick = d }
}

// WithRequestIDs replaces the UUIDv7 request id generator.
func WithRequestIDs(g RequestIDGenerator) Option {
	return func(c *driverConfig) { c.ids = g }
}

// WithObserver registers fn to be called after every transition, on the
// Run goroutine.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *driverConfig) { c.observers = append(c.observers, fn) }
}

// Driver runs Step on an event Loop and performs the commands it returns
// against a Transport.
type Driver[M, A any] struct {
	domain    domain.Domain[M, A]
	transport Transport[M, A]
	cfg       driverConfig
	loop      *Loop[State[M, A], Command]
}

// NewDriver creates a driver starting from initial.
func NewDriver[M, A any](d domain.Domain[M, A], t Transport[M, A], initial State[M, A], opts ...Option) *Driver[M, A] {
	cfg := driverConfig{ids: UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	dr := &Driver[M, A]{domain: d, transport: t, cfg: cfg}
	dr.loop = NewLoop(initial, dr.step, dr.exec, dr.observe, cfg.tick)
	return dr
}

// Enqueue submits an event. Returns false once the driver has stopped.
func (dr *Driver[M, A]) Enqueue(ev Event) bool {
	return dr.loop.Enqueue(ev)
}

// Dispatch enqueues a local edit.
func (dr *Driver[M, A]) Dispatch(a A) bool {
	return dr.Enqueue(UserAction[A]{Action: a})
}

// State returns the current orchestrator state.
func (dr *Driver[M, A]) State() State[M, A] {
	return dr.loop.State()
}

// Run processes events until ctx is cancelled or Stop is called.
//
// Must be called from exactly one goroutine.
func (dr *Driver[M, A]) Run(ctx context.Context) error {
	return dr.loop.Run(ctx)
}

// Stop closes the event queue; Run returns once it has drained.
func (dr *Driver[M, A]) Stop() {
	dr.loop.Stop()
}

func (dr *Driver[M, A]) step(s State[M, A], ev Event) (State[M, A], Command) {
	return Step(dr.domain, s, ev)
}

func (dr *Driver[M, A]) observe(s State[M, A], ev Event) {
	snap := s.Snapshot(ev)
	slog.Debug("effect step",
		"event", snap.Event,
		"mode", snap.Mode.String(),
		"connectivity", snap.Connectivity.String(),
		"base_version", snap.BaseVersion,
		"pending", snap.Pending,
		"retries", snap.Retries,
	)
	for _, fn := range dr.cfg.observers {
		fn(snap)
	}
}

func (dr *Driver[M, A]) exec(cmd Command) RoundTrip {
	send, ok := cmd.(SendDispatch[A])
	if !ok {
		return nil
	}
	requestID := dr.cfg.ids.Generate()
	return func(ctx context.Context) Event {
		return dr.roundTrip(ctx, send, requestID)
	}
}

// roundTrip performs one dispatch and turns its outcome into a reply event.
// Conflicts and rejections fetch a fresh snapshot before replying.
func (dr *Driver[M, A]) roundTrip(ctx context.Context, cmd SendDispatch[A], requestID string) Event {
	resp, err := dr.transport.Dispatch(ctx, cmd.BaseVersion, cmd.Action, requestID)
	if err != nil {
		slog.Warn("dispatch failed", "request_id", requestID, "error", err)
		return NetworkError{Err: err}
	}

	switch resp.Status {
	case StatusAccepted:
		return DispatchAccepted[M]{Version: resp.Version, Model: resp.Model}

	case StatusConflict, StatusRejected:
		version, model, err := dr.transport.Fetch(ctx)
		if err != nil {
			slog.Warn("fetch after "+resp.Status+" failed", "request_id", requestID, "error", err)
			return NetworkError{Err: err}
		}
		if resp.Status == StatusConflict {
			slog.Info("dispatch conflict, resyncing", "request_id", requestID, "version", version)
			return DispatchConflict[M]{Version: version, Model: model}
		}
		slog.Info("dispatch rejected", "request_id", requestID, "reason", resp.Reason)
		return DispatchRejected[M]{Version: version, Model: model, Reason: resp.Reason}

	default:
		return NetworkError{Err: fmt.Errorf("dispatch %s: unknown status %q", requestID, resp.Status)}
	}
}
