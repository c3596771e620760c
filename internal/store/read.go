package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Aggregate is one stored aggregate row.
type Aggregate struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Version   int             `json:"version"`
	State     json.RawMessage `json:"state"`
	StateHash string          `json:"state_hash"`
}

// AppliedAction is one entry of an aggregate's applied log.
type AppliedAction struct {
	Version int             `json:"version"`
	Action  json.RawMessage `json:"action"`
}

// AuditRecord is one stored dispatch outcome.
type AuditRecord struct {
	ID        string          `json:"id"`
	Aggregate string          `json:"aggregate"`
	Seq       int64           `json:"seq"`
	Record    json.RawMessage `json:"record"`
}

// MultiAuditRecord is one stored cross-aggregate dispatch outcome.
type MultiAuditRecord struct {
	ID      string          `json:"id"`
	Seq     int64           `json:"seq"`
	Touched []string        `json:"touched"`
	Record  json.RawMessage `json:"record"`
}

// ReadAggregate returns the aggregate row, or ErrNotFound.
func (s *Store) ReadAggregate(ctx context.Context, id string) (Aggregate, error) {
	var (
		agg   Aggregate
		state string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, version, state, state_hash
		FROM aggregates
		WHERE id = ?
	`, id).Scan(&agg.ID, &agg.Kind, &agg.Version, &state, &agg.StateHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Aggregate{}, fmt.Errorf("read aggregate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Aggregate{}, fmt.Errorf("read aggregate %s: %w", id, err)
	}
	agg.State = json.RawMessage(state)
	return agg, nil
}

// ListAggregates returns every aggregate of the given kind ordered by id.
// An empty kind lists all aggregates.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ListAggregates(ctx context.Context, kind string) ([]Aggregate, error) {
	query := `SELECT id, kind, version, state, state_hash FROM aggregates`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	defer rows.Close()

	aggs := []Aggregate{}
	for rows.Next() {
		var (
			agg   Aggregate
			state string
		)
		if err := rows.Scan(&agg.ID, &agg.Kind, &agg.Version, &state, &agg.StateHash); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		agg.State = json.RawMessage(state)
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}
	return aggs, nil
}

// ReadAppliedActions returns the applied log entries after version after,
// ordered by version. after = 0 returns the whole log.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadAppliedActions(ctx context.Context, id string, after int) ([]AppliedAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, action
		FROM applied_actions
		WHERE aggregate_id = ? AND version > ?
		ORDER BY version ASC
	`, id, after)
	if err != nil {
		return nil, fmt.Errorf("read applied actions %s: %w", id, err)
	}
	defer rows.Close()

	out := []AppliedAction{}
	for rows.Next() {
		var (
			a      AppliedAction
			action string
		)
		if err := rows.Scan(&a.Version, &action); err != nil {
			return nil, fmt.Errorf("scan applied action: %w", err)
		}
		a.Action = json.RawMessage(action)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied actions: %w", err)
	}
	return out, nil
}

// ReadAudit returns the audit records of an aggregate ordered by seq.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadAudit(ctx context.Context, id string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_id, seq, record
		FROM audit_records
		WHERE aggregate_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("read audit %s: %w", id, err)
	}
	defer rows.Close()

	out := []AuditRecord{}
	for rows.Next() {
		var (
			r      AuditRecord
			record string
		)
		if err := rows.Scan(&r.ID, &r.Aggregate, &r.Seq, &record); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Record = json.RawMessage(record)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}

// ReadMultiAudit returns multi-dispatch audit records ordered by seq. A
// non-empty touching filters to records that touched that aggregate.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadMultiAudit(ctx context.Context, touching string) ([]MultiAuditRecord, error) {
	query := `SELECT id, seq, touched, record FROM multi_audit_records`
	var args []any
	if touching != "" {
		query += ` WHERE EXISTS (SELECT 1 FROM json_each(touched) WHERE value = ?)`
		args = append(args, touching)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read multi audit: %w", err)
	}
	defer rows.Close()

	out := []MultiAuditRecord{}
	for rows.Next() {
		var (
			r       MultiAuditRecord
			touched string
			record  string
		)
		if err := rows.Scan(&r.ID, &r.Seq, &touched, &record); err != nil {
			return nil, fmt.Errorf("scan multi audit record: %w", err)
		}
		if r.Touched, err = unmarshalTouched(touched); err != nil {
			return nil, err
		}
		r.Record = json.RawMessage(record)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate multi audit records: %w", err)
	}
	return out, nil
}
