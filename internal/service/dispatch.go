package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tandem/internal/multi"
	"github.com/roach88/tandem/internal/server"
	"github.com/roach88/tandem/internal/store"
)

// Result is a committed single-aggregate dispatch.
type Result[M, A any] struct {
	Seq   int64
	Reply server.Reply[M, A]
}

// Dispatch reconciles action, written against baseVersion, with the stored
// state of aggregate id and commits the outcome.
//
// A rejected action is a successful dispatch with Reply.Accepted false; its
// audit record is still committed. Errors are *Error for an unknown
// aggregate, a base version outside [0, version] or a concurrent writer
// (VERSION_CONFLICT), and plain errors for storage failures.
func (s *Service[M, A, X]) Dispatch(ctx context.Context, id string, baseVersion int, action A) (res Result[M, A], err error) {
	ctx, span := s.cfg.tracer.Start(ctx, "service.Dispatch", trace.WithAttributes(
		attribute.String("tandem.aggregate", id),
		attribute.Int("tandem.base_version", baseVersion),
	))
	defer func() { endSpan(span, err) }()

	unlock := s.lock(id)
	defer unlock()

	st, err := s.load(ctx, id)
	if err != nil {
		return Result[M, A]{}, err
	}
	if baseVersion < 0 || baseVersion > st.Version() {
		return Result[M, A]{}, newBaseVersionError(id, baseVersion, st.Version())
	}

	seq := s.cfg.seq.Next()
	next, reply := server.Dispatch(s.d, st, baseVersion, action)

	w, err := s.write(id, st.Version(), next, reply.Accepted)
	if err != nil {
		return Result[M, A]{}, fmt.Errorf("dispatch %s: %w", id, err)
	}
	if err := s.store.Commit(ctx, store.Batch{Writes: []store.Write{w}}); err != nil {
		s.forget(id)
		if errors.Is(err, store.ErrVersionConflict) {
			slog.Info("dispatch conflict", "aggregate", id, "seq", seq, "version", st.Version())
			return Result[M, A]{}, newConflictError(id)
		}
		return Result[M, A]{}, fmt.Errorf("dispatch %s: %w", id, err)
	}
	s.remember(id, next)

	span.SetAttributes(
		attribute.Bool("tandem.accepted", reply.Accepted),
		attribute.Int("tandem.version", reply.Version),
	)
	if reply.Accepted {
		slog.Info("dispatch accepted", "aggregate", id, "seq", seq, "base", baseVersion, "version", reply.Version, "no_change", reply.NoChange)
		s.publish(id, reply.Version, reply.Present)
	} else {
		slog.Info("dispatch rejected", "aggregate", id, "seq", seq, "base", baseVersion, "reason", reply.Reason, "detail", reply.Detail)
	}
	return Result[M, A]{Seq: seq, Reply: reply}, nil
}

// write builds the store write for the last dispatch recorded in next.
// current is the version the state was loaded at.
func (s *Service[M, A, X]) write(id string, current int, next server.State[M, A], accepted bool) (store.Write, error) {
	w := store.Write{Aggregate: id, BaseVersion: current}

	audit, err := encodeRecord(s.codec, next.AuditLog[len(next.AuditLog)-1])
	if err != nil {
		return w, err
	}
	w.Audit = audit

	if !accepted {
		return w, nil
	}
	if w.State, err = s.codec.EncodeModel(next.Present); err != nil {
		return w, fmt.Errorf("encode state: %w", err)
	}
	if w.Action, err = s.codec.EncodeAction(next.AppliedLog[len(next.AppliedLog)-1]); err != nil {
		return w, fmt.Errorf("encode action: %w", err)
	}
	return w, nil
}

// MultiResult is a committed multi-aggregate dispatch.
type MultiResult[M, A, X any] struct {
	Seq   int64
	Reply multi.Reply[M, A, X]
}

// MultiDispatch reconciles x with the stored states of every aggregate it
// touches and commits all changed aggregates in one transaction. The locks
// of the whole touched set are held throughout.
//
// baseVersions may omit aggregates; an omitted base means the current
// version. An unknown touched aggregate rejects x with
// multi.ReasonMissingAggregate.
func (s *Service[M, A, X]) MultiDispatch(ctx context.Context, baseVersions map[string]int, x X) (res MultiResult[M, A, X], err error) {
	touched := multi.TouchedIDs(s.md, x)

	ctx, span := s.cfg.tracer.Start(ctx, "service.MultiDispatch", trace.WithAttributes(
		attribute.StringSlice("tandem.touched", touched),
	))
	defer func() { endSpan(span, err) }()

	unlock := s.lockAll(touched)
	defer unlock()

	servers := make(map[string]server.State[M, A], len(touched))
	for _, id := range touched {
		st, err := s.load(ctx, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return MultiResult[M, A, X]{}, err
		}
		if base, ok := baseVersions[id]; ok && (base < 0 || base > st.Version()) {
			return MultiResult[M, A, X]{}, newBaseVersionError(id, base, st.Version())
		}
		servers[id] = st
	}

	seq := s.cfg.seq.Next()
	next, reply, rec := multi.Dispatch(s.md, servers, baseVersions, x)

	batch := store.Batch{Multi: &store.MultiAudit{Touched: touched}}
	if batch.Multi.Record, err = encodeMultiRecord(s.codec, rec); err != nil {
		return MultiResult[M, A, X]{}, fmt.Errorf("multi dispatch: %w", err)
	}
	for _, id := range reply.Changed {
		w, err := s.write(id, servers[id].Version(), next[id], true)
		if err != nil {
			return MultiResult[M, A, X]{}, fmt.Errorf("multi dispatch %s: %w", id, err)
		}
		batch.Writes = append(batch.Writes, w)
	}

	if err := s.store.Commit(ctx, batch); err != nil {
		s.forget(touched...)
		if errors.Is(err, store.ErrVersionConflict) {
			slog.Info("multi dispatch conflict", "touched", touched, "seq", seq)
			return MultiResult[M, A, X]{}, newConflictError(touched...)
		}
		return MultiResult[M, A, X]{}, fmt.Errorf("multi dispatch: %w", err)
	}
	for _, id := range reply.Changed {
		s.remember(id, next[id])
	}

	span.SetAttributes(attribute.Bool("tandem.accepted", reply.Accepted))
	if reply.Accepted {
		slog.Info("multi dispatch accepted", "touched", touched, "seq", seq, "changed", reply.Changed, "no_change", reply.NoChange)
		for _, id := range reply.Changed {
			s.publish(id, reply.Versions[id], reply.Presents[id])
		}
	} else {
		slog.Info("multi dispatch rejected", "touched", touched, "seq", seq, "reason", reply.Reason, "detail", reply.Detail)
	}
	return MultiResult[M, A, X]{Seq: seq, Reply: reply}, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
