package testutil

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/roach88/tandem/internal/domain"
	"github.com/roach88/tandem/internal/effect"
	"github.com/roach88/tandem/internal/server"
)

// ErrUnreachable is returned by a MemoryTransport that is offline or told
// to fail.
var ErrUnreachable = errors.New("memory transport: unreachable")

// MemoryServer is an in-process authoritative server shared by any number
// of MemoryTransports.
type MemoryServer[M, A any] struct {
	mu    sync.Mutex
	d     domain.Domain[M, A]
	state server.State[M, A]
}

// NewMemoryServer starts an aggregate at version 0.
func NewMemoryServer[M, A any](d domain.Domain[M, A]) *MemoryServer[M, A] {
	return &MemoryServer[M, A]{d: d, state: server.Init(d)}
}

// Dispatch reconciles a against base.
func (s *MemoryServer[M, A]) Dispatch(base int, a A) server.Reply[M, A] {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, reply := server.Dispatch(s.d, s.state, base, a)
	s.state = next
	return reply
}

// Apply dispatches a at the current version, as a client that is fully
// caught up would.
func (s *MemoryServer[M, A]) Apply(a A) server.Reply[M, A] {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, reply := server.Dispatch(s.d, s.state, s.state.Version(), a)
	s.state = next
	return reply
}

// Snapshot returns the current version and model.
func (s *MemoryServer[M, A]) Snapshot() (int, M) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Version(), s.state.Present
}

// State returns the full authoritative state.
func (s *MemoryServer[M, A]) State() server.State[M, A] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transport returns a new client connection to s.
func (s *MemoryServer[M, A]) Transport() *MemoryTransport[M, A] {
	return &MemoryTransport[M, A]{srv: s}
}

// MemoryTransport is an effect.Transport backed by a MemoryServer, with
// fault injection.
type MemoryTransport[M, A any] struct {
	srv *MemoryServer[M, A]

	mu        sync.Mutex
	offline   bool
	failures  int
	conflicts int
	requests  []string
}

var _ effect.Transport[int, int] = (*MemoryTransport[int, int])(nil)

// SetOffline makes every call fail until reset.
func (t *MemoryTransport[M, A]) SetOffline(offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline = offline
}

// FailNext makes the next n calls fail with ErrUnreachable.
func (t *MemoryTransport[M, A]) FailNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = n
}

// ConflictNext answers the next n dispatches with a conflict without
// applying them.
func (t *MemoryTransport[M, A]) ConflictNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conflicts = n
}

// RequestIDs returns the request ids of every dispatch that reached the
// transport, in order.
func (t *MemoryTransport[M, A]) RequestIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.requests)
}

func (t *MemoryTransport[M, A]) Dispatch(ctx context.Context, base int, action A, requestID string) (effect.Response[M], error) {
	if err := t.fault(ctx); err != nil {
		return effect.Response[M]{}, err
	}

	t.mu.Lock()
	t.requests = append(t.requests, requestID)
	conflict := t.conflicts > 0
	if conflict {
		t.conflicts--
	}
	t.mu.Unlock()

	if conflict {
		return effect.Response[M]{Status: effect.StatusConflict}, nil
	}

	reply := t.srv.Dispatch(base, action)
	if !reply.Accepted {
		return effect.Response[M]{Status: effect.StatusRejected, Version: reply.Version, Reason: reply.Reason}, nil
	}
	return effect.Response[M]{Status: effect.StatusAccepted, Version: reply.Version, Model: reply.Present}, nil
}

func (t *MemoryTransport[M, A]) Fetch(ctx context.Context) (int, M, error) {
	if err := t.fault(ctx); err != nil {
		var zero M
		return 0, zero, err
	}
	v, m := t.srv.Snapshot()
	return v, m, nil
}

func (t *MemoryTransport[M, A]) fault(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offline {
		return ErrUnreachable
	}
	if t.failures > 0 {
		t.failures--
		return ErrUnreachable
	}
	return nil
}
