package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tandem/internal/domain"
	"github.com/roach88/tandem/internal/multi"
	"github.com/roach88/tandem/internal/server"
	"github.com/roach88/tandem/internal/store"
)

// AuditEntry is one decoded audit record of an aggregate.
type AuditEntry[A any] struct {
	ID     string
	Seq    int64
	Record server.RequestRecord[A]
}

// MultiAuditEntry is one decoded multi-dispatch audit record.
type MultiAuditEntry[X any] struct {
	ID      string
	Seq     int64
	Touched []string
	Record  multi.Record[X]
}

// Audit returns the audit trail of an aggregate, oldest first.
func (s *Service[M, A, X]) Audit(ctx context.Context, id string) ([]AuditEntry[A], error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.store.ReadAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry[A], len(rows))
	for i, r := range rows {
		rec, err := decodeRecord(s.codec, r.Record)
		if err != nil {
			return nil, fmt.Errorf("audit %s seq %d: %w", id, r.Seq, err)
		}
		out[i] = AuditEntry[A]{ID: r.ID, Seq: r.Seq, Record: rec}
	}
	return out, nil
}

// MultiAudit returns the multi-dispatch records that touched an aggregate,
// or all of them when id is empty.
func (s *Service[M, A, X]) MultiAudit(ctx context.Context, id string) ([]MultiAuditEntry[X], error) {
	rows, err := s.store.ReadMultiAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]MultiAuditEntry[X], len(rows))
	for i, r := range rows {
		rec, err := decodeMultiRecord(s.codec, r.Record)
		if err != nil {
			return nil, fmt.Errorf("multi audit seq %d: %w", r.Seq, err)
		}
		out[i] = MultiAuditEntry[X]{ID: r.ID, Seq: r.Seq, Touched: r.Touched, Record: rec}
	}
	return out, nil
}

// Report is the result of verifying one aggregate against its logs.
type Report struct {
	Aggregate string
	Version   int
	Applied   int
	Audit     int
	Problems  []string
}

// OK reports whether verification found no problems.
func (r Report) OK() bool { return len(r.Problems) == 0 }

// Verify replays an aggregate from its applied log and checks the result
// against the stored row. It bypasses the cache.
func (s *Service[M, A, X]) Verify(ctx context.Context, id string) (Report, error) {
	integrity, err := s.store.CheckIntegrity(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Report{}, newNotFoundError(id)
	}
	if err != nil {
		return Report{}, err
	}
	r := Report{
		Aggregate: id,
		Version:   integrity.Version,
		Applied:   integrity.Applied,
		Audit:     integrity.Audit,
		Problems:  integrity.Problems,
	}
	report := func(format string, args ...any) {
		r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
	}

	snap, err := s.Get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	st, err := s.restore(ctx, id)
	if err != nil {
		var re *domain.ReplayError
		if errors.As(err, &re) {
			report("applied action %d does not replay: %v", re.Index+1, re.Err)
			return r, nil
		}
		report("%v", err)
		return r, nil
	}
	if !s.d.Equal(st.Present, snap.Present) {
		report("replayed state differs from stored state at version %d", snap.Version)
	}
	return r, nil
}

// VerifyAll verifies every aggregate of the service's kind.
func (s *Service[M, A, X]) VerifyAll(ctx context.Context) ([]Report, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(ids))
	for _, id := range ids {
		r, err := s.Verify(ctx, id)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// RawAudit returns the stored audit records of an aggregate without
// decoding them.
func (s *Service[M, A, X]) RawAudit(ctx context.Context, id string) ([]store.AuditRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ReadAudit(ctx, id)
}
