package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/tandem/internal/canonical"
)

// Write is one aggregate's share of a Commit.
//
// BaseVersion is the version the caller read. When State is set the row
// advances to BaseVersion+1 and Action is logged as that version; when State
// is nil only Audit is appended, still guarded by BaseVersion.
type Write struct {
	Aggregate   string
	BaseVersion int
	State       json.RawMessage
	Action      json.RawMessage
	Audit       json.RawMessage
}

// MultiAudit is the audit record of one cross-aggregate dispatch.
type MultiAudit struct {
	Touched []string
	Record  json.RawMessage
}

// Batch is the unit of Commit: every write lands or none does.
type Batch struct {
	Writes []Write
	Multi  *MultiAudit
}

// CreateAggregate inserts a new aggregate at version 0.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - creating an existing
// aggregate returns the stored row and created=false.
func (s *Store) CreateAggregate(ctx context.Context, id, kind string, state json.RawMessage) (Aggregate, bool, error) {
	if id == "" {
		return Aggregate{}, false, fmt.Errorf("create aggregate: empty id")
	}
	text, hash, err := canonicalState(state)
	if err != nil {
		return Aggregate{}, false, fmt.Errorf("create aggregate %s: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregates (id, kind, version, state, state_hash)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, kind, text, hash)
	if err != nil {
		return Aggregate{}, false, fmt.Errorf("create aggregate %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Aggregate{}, false, fmt.Errorf("create aggregate %s: %w", id, err)
	}

	agg, err := s.ReadAggregate(ctx, id)
	if err != nil {
		return Aggregate{}, false, err
	}
	return agg, n == 1, nil
}

// Commit applies a batch in one transaction.
//
// Returns ErrVersionConflict if any aggregate moved past its write's
// BaseVersion and ErrNotFound if any aggregate is missing. Nothing is
// written in either case.
func (s *Store) Commit(ctx context.Context, b Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, w := range b.Writes {
		if err := applyWrite(ctx, tx, w); err != nil {
			return fmt.Errorf("commit %s: %w", w.Aggregate, err)
		}
	}

	if b.Multi != nil {
		if err := appendMultiAudit(ctx, tx, *b.Multi); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func applyWrite(ctx context.Context, tx *sql.Tx, w Write) error {
	if w.State == nil {
		if err := checkVersion(ctx, tx, w.Aggregate, w.BaseVersion); err != nil {
			return err
		}
	} else {
		if err := advance(ctx, tx, w); err != nil {
			return err
		}
	}

	if w.Audit != nil {
		if err := appendAudit(ctx, tx, w.Aggregate, w.Audit); err != nil {
			return err
		}
	}
	return nil
}

// advance moves the row from BaseVersion to BaseVersion+1 and logs the
// action. The WHERE version = ? clause is the optimistic lock.
func advance(ctx context.Context, tx *sql.Tx, w Write) error {
	text, hash, err := canonicalState(w.State)
	if err != nil {
		return err
	}
	action, err := canonicalText("action", w.Action)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE aggregates
		SET version = version + 1, state = ?, state_hash = ?
		WHERE id = ? AND version = ?
	`, text, hash, w.Aggregate, w.BaseVersion)
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	if n == 0 {
		// Distinguish a missing row from a lost race.
		if err := checkVersion(ctx, tx, w.Aggregate, w.BaseVersion); err != nil {
			return err
		}
		return ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO applied_actions (aggregate_id, version, action)
		VALUES (?, ?, ?)
	`, w.Aggregate, w.BaseVersion+1, action); err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

func checkVersion(ctx context.Context, tx *sql.Tx, id string, want int) error {
	var version int
	err := tx.QueryRowContext(ctx, `SELECT version FROM aggregates WHERE id = ?`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version != want {
		return ErrVersionConflict
	}
	return nil
}

func appendAudit(ctx context.Context, tx *sql.Tx, aggregate string, record json.RawMessage) error {
	text, err := canonicalText("audit record", record)
	if err != nil {
		return err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_records WHERE aggregate_id = ?
	`, aggregate).Scan(&seq); err != nil {
		return fmt.Errorf("next audit seq: %w", err)
	}

	id, err := canonical.AuditRecordID(aggregate, seq, []byte(text))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_records (id, aggregate_id, seq, record)
		VALUES (?, ?, ?, ?)
	`, id, aggregate, seq, text); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// multiAuditScope namespaces multi-dispatch record ids away from aggregate
// ids.
const multiAuditScope = "*multi"

func appendMultiAudit(ctx context.Context, tx *sql.Tx, m MultiAudit) error {
	text, err := canonicalText("multi audit record", m.Record)
	if err != nil {
		return err
	}
	touched, err := marshalTouched(m.Touched)
	if err != nil {
		return err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM multi_audit_records
	`).Scan(&seq); err != nil {
		return fmt.Errorf("next multi audit seq: %w", err)
	}

	id, err := canonical.AuditRecordID(multiAuditScope, seq, []byte(text))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO multi_audit_records (id, seq, touched, record)
		VALUES (?, ?, ?, ?)
	`, id, seq, touched, text); err != nil {
		return fmt.Errorf("append multi audit: %w", err)
	}
	return nil
}
