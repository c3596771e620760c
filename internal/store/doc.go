// Package store provides SQLite-backed durable storage for aggregates.
//
// Each aggregate is one row holding its materialized state and version,
// plus two append-only logs:
//   - applied_actions: the action that produced each version
//   - audit_records: every dispatch outcome, accepted or rejected
//
// Cross-aggregate dispatches are audited once in multi_audit_records.
//
// # Optimistic locking
//
// Commit only advances an aggregate from the version the caller read:
// UPDATE ... WHERE id = ? AND version = ?. A miss means another writer got
// there first and surfaces as ErrVersionConflict. A batch of writes is one
// transaction, so a multi-aggregate commit lands on every row or none.
//
// # Determinism
//
// All reads order by version or seq. State, actions and records are stored
// as RFC 8785 canonical JSON, so equal values are stored byte-identically
// and state_hash is stable across encoders.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The store is domain-agnostic: it deals in JSON documents. Encoding models
// and actions is the caller's job.
package store
