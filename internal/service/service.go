// Package service is the durable, concurrent aggregate server.
//
// It wraps the pure reconciler in internal/server with persistence in
// internal/store: each dispatch loads the authoritative state, runs
// server.Dispatch, commits the result with an optimistic version check and
// publishes the new snapshot.
//
// Dispatches to one aggregate are serialized by a per-aggregate lock. A
// multi-dispatch holds the locks of its whole touched set, taken in sorted
// id order.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tandem/internal/domain"
	"github.com/roach88/tandem/internal/multi"
	"github.com/roach88/tandem/internal/realtime"
	"github.com/roach88/tandem/internal/server"
	"github.com/roach88/tandem/internal/store"
	"github.com/roach88/tandem/internal/telemetry"
)

// Publisher receives the snapshot of every aggregate that changed.
type Publisher interface {
	Publish(u realtime.Update)
}

// Option configures a Service.
type Option func(*config)

type config struct {
	kind      string
	publisher Publisher
	seq       Sequencer
	tracer    trace.Tracer
}

// WithKind sets the aggregate kind recorded for new aggregates.
func WithKind(kind string) Option {
	return func(c *config) { c.kind = kind }
}

// WithPublisher publishes changed snapshots, e.g. to a realtime.Hub.
func WithPublisher(p Publisher) Option {
	return func(c *config) { c.publisher = p }
}

// WithSequencer replaces the default Clock.
func WithSequencer(s Sequencer) Option {
	return func(c *config) { c.seq = s }
}

// WithTracer replaces the global module tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *config) { c.tracer = t }
}

// Service serves one aggregate kind.
type Service[M, A, X any] struct {
	d     domain.Domain[M, A]
	md    multi.Domain[M, A, X]
	codec Codec[M, A, X]
	store *store.Store
	cfg   config

	locks sync.Map // id -> *sync.Mutex

	mu    sync.Mutex
	cache map[string]server.State[M, A]
}

// New creates a service over an open store.
func New[M, A, X any](md multi.Domain[M, A, X], codec Codec[M, A, X], st *store.Store, opts ...Option) *Service[M, A, X] {
	cfg := config{kind: "aggregate"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.seq == nil {
		cfg.seq = NewClock()
	}
	if cfg.tracer == nil {
		cfg.tracer = telemetry.Tracer()
	}
	return &Service[M, A, X]{
		d:     md.Single(),
		md:    md,
		codec: codec,
		store: st,
		cfg:   cfg,
		cache: make(map[string]server.State[M, A]),
	}
}

// Snapshot is the current version and model of one aggregate.
type Snapshot[M any] struct {
	ID      string
	Version int
	Present M
}

// Create makes a new aggregate at version 0 with the domain's initial
// model. Creating an existing aggregate returns its snapshot and
// created=false.
func (s *Service[M, A, X]) Create(ctx context.Context, id string) (Snapshot[M], bool, error) {
	unlock := s.lock(id)
	defer unlock()

	state, err := s.codec.EncodeModel(s.d.Init())
	if err != nil {
		return Snapshot[M]{}, false, fmt.Errorf("create %s: %w", id, err)
	}
	agg, created, err := s.store.CreateAggregate(ctx, id, s.cfg.kind, state)
	if err != nil {
		return Snapshot[M]{}, false, fmt.Errorf("create %s: %w", id, err)
	}
	m, err := s.codec.DecodeModel(agg.State)
	if err != nil {
		return Snapshot[M]{}, false, fmt.Errorf("create %s: %w", id, err)
	}
	if created {
		slog.Info("aggregate created", "aggregate", id, "kind", s.cfg.kind)
	}
	return Snapshot[M]{ID: id, Version: agg.Version, Present: m}, created, nil
}

// Get returns the latest snapshot of an aggregate.
func (s *Service[M, A, X]) Get(ctx context.Context, id string) (Snapshot[M], error) {
	agg, err := s.store.ReadAggregate(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot[M]{}, newNotFoundError(id)
	}
	if err != nil {
		return Snapshot[M]{}, err
	}
	m, err := s.codec.DecodeModel(agg.State)
	if err != nil {
		return Snapshot[M]{}, fmt.Errorf("get %s: %w", id, err)
	}
	return Snapshot[M]{ID: id, Version: agg.Version, Present: m}, nil
}

// List returns the ids of every aggregate of the service's kind.
func (s *Service[M, A, X]) List(ctx context.Context) ([]string, error) {
	aggs, err := s.store.ListAggregates(ctx, s.cfg.kind)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(aggs))
	for i, a := range aggs {
		ids[i] = a.ID
	}
	return ids, nil
}

// lock takes the lock of one aggregate.
func (s *Service[M, A, X]) lock(id string) func() {
	mu, _ := s.locks.LoadOrStore(id, new(sync.Mutex))
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// lockAll takes the locks of ids in sorted order and returns a function
// releasing them in reverse.
func (s *Service[M, A, X]) lockAll(ids []string) func() {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, id := range sorted {
		unlocks = append(unlocks, s.lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// load returns the authoritative state of id. The caller holds id's lock.
func (s *Service[M, A, X]) load(ctx context.Context, id string) (server.State[M, A], error) {
	s.mu.Lock()
	st, ok := s.cache[id]
	s.mu.Unlock()
	if ok {
		return st, nil
	}

	agg, err := s.store.ReadAggregate(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return server.State[M, A]{}, newNotFoundError(id)
	}
	if err != nil {
		return server.State[M, A]{}, err
	}

	st, err = s.restore(ctx, id)
	if err != nil {
		return server.State[M, A]{}, err
	}
	stored, err := s.codec.DecodeModel(agg.State)
	if err != nil {
		return server.State[M, A]{}, fmt.Errorf("load %s: %w", id, err)
	}
	if st.Version() != agg.Version || !s.d.Equal(st.Present, stored) {
		return server.State[M, A]{}, fmt.Errorf("load %s: stored state does not match its applied log", id)
	}

	s.remember(id, st)
	slog.Debug("aggregate loaded", "aggregate", id, "version", st.Version())
	return st, nil
}

// restore rebuilds id's state by replaying its logs.
func (s *Service[M, A, X]) restore(ctx context.Context, id string) (server.State[M, A], error) {
	rows, err := s.store.ReadAppliedActions(ctx, id, 0)
	if err != nil {
		return server.State[M, A]{}, err
	}
	applied := make([]A, len(rows))
	for i, r := range rows {
		if applied[i], err = s.codec.DecodeAction(r.Action); err != nil {
			return server.State[M, A]{}, fmt.Errorf("restore %s: version %d: %w", id, r.Version, err)
		}
	}

	records, err := s.store.ReadAudit(ctx, id)
	if err != nil {
		return server.State[M, A]{}, err
	}
	audit := make([]server.RequestRecord[A], len(records))
	for i, r := range records {
		if audit[i], err = decodeRecord(s.codec, r.Record); err != nil {
			return server.State[M, A]{}, fmt.Errorf("restore %s: audit %d: %w", id, r.Seq, err)
		}
	}

	st, err := server.Restore(s.d, applied, audit)
	if err != nil {
		return server.State[M, A]{}, fmt.Errorf("restore %s: %w", id, err)
	}
	return st, nil
}

func (s *Service[M, A, X]) remember(id string, st server.State[M, A]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[id] = st
}

func (s *Service[M, A, X]) forget(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.cache, id)
	}
}

// publish announces a changed snapshot. Encoding failures are logged, not
// returned: the commit has already happened.
func (s *Service[M, A, X]) publish(id string, version int, m M) {
	if s.cfg.publisher == nil {
		return
	}
	state, err := s.codec.EncodeModel(m)
	if err != nil {
		slog.Error("publish failed", "aggregate", id, "error", err)
		return
	}
	s.cfg.publisher.Publish(realtime.Update{AggregateID: id, Version: version, State: json.RawMessage(state)})
}
