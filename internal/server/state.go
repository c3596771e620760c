// Package server implements the authoritative side of optimistic sync: a
// version-stamped present model, the log of actions that produced it, and an
// audit trail of every request, accepted or not.
//
// All functions are pure. Callers own persistence and serialization; see
// internal/service for the durable, concurrent wrapper.
package server

import (
	"fmt"
	"slices"

	"github.com/roach88/tandem/internal/domain"
)

// Outcome statuses recorded in the audit log.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Outcome is what happened to one request.
type Outcome struct {
	Status   string `json:"status"`
	NoChange bool   `json:"no_change,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// RequestRecord is one audit entry. Chosen is the zero value when the
// request was rejected.
type RequestRecord[A any] struct {
	BaseVersion int     `json:"base_version"`
	Orig        A       `json:"orig"`
	Rebased     A       `json:"rebased"`
	Chosen      A       `json:"chosen"`
	Outcome     Outcome `json:"outcome"`
}

// State is the authoritative state of one aggregate.
//
// INVARIANTS:
//   - Version() == len(AppliedLog)
//   - folding TryStep over AppliedLog from Init yields Present
//   - AuditLog gains exactly one entry per Dispatch
type State[M, A any] struct {
	Present    M
	AppliedLog []A
	AuditLog   []RequestRecord[A]
}

// Init returns the state of a freshly created aggregate at version 0.
func Init[M, A any](d domain.Domain[M, A]) State[M, A] {
	return State[M, A]{
		Present:    d.Init(),
		AppliedLog: []A{},
		AuditLog:   []RequestRecord[A]{},
	}
}

// Restore builds a state from persisted logs. The present model is
// recomputed by replaying applied from Init.
func Restore[M, A any](d domain.Domain[M, A], applied []A, audit []RequestRecord[A]) (State[M, A], error) {
	present, err := domain.ApplyAll(d, d.Init(), applied)
	if err != nil {
		return State[M, A]{}, fmt.Errorf("restore: %w", err)
	}
	return State[M, A]{
		Present:    present,
		AppliedLog: slices.Clone(nonNil(applied)),
		AuditLog:   slices.Clone(nonNil(audit)),
	}, nil
}

// Version is the number of actions applied so far.
func (s State[M, A]) Version() int { return len(s.AppliedLog) }

// Suffix returns the actions applied after base, oldest first. base is
// clamped into [0, Version()].
func (s State[M, A]) Suffix(base int) []A {
	base = min(max(base, 0), s.Version())
	return s.AppliedLog[base:]
}

// Append returns a new state with applied at the end of the log, next as the
// present model and rec in the audit trail. s is not modified.
func (s State[M, A]) Append(next M, applied A, rec RequestRecord[A]) State[M, A] {
	return State[M, A]{
		Present:    next,
		AppliedLog: append(slices.Clip(s.AppliedLog), applied),
		AuditLog:   append(slices.Clip(s.AuditLog), rec),
	}
}

// Record returns a new state with only rec added to the audit trail.
func (s State[M, A]) Record(rec RequestRecord[A]) State[M, A] {
	return State[M, A]{
		Present:    s.Present,
		AppliedLog: s.AppliedLog,
		AuditLog:   append(slices.Clip(s.AuditLog), rec),
	}
}

// Verify replays the applied log and checks it reproduces Present.
func (s State[M, A]) Verify(d domain.Domain[M, A]) error {
	replayed, err := domain.ApplyAll(d, d.Init(), s.AppliedLog)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !d.Equal(replayed, s.Present) {
		return fmt.Errorf("verify: replay of %d actions does not reproduce present", s.Version())
	}
	return nil
}

func nonNil[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}
