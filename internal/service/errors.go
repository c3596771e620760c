package service

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes service errors. Codes are stable and shared with
// the HTTP API.
type ErrorCode string

const (
	// CodeVersionConflict indicates another writer advanced the aggregate
	// between load and commit. The caller should fetch fresh state and retry.
	CodeVersionConflict ErrorCode = "VERSION_CONFLICT"

	// CodeNotFound indicates the aggregate does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeInvalidBaseVersion indicates a base version outside [0, version].
	CodeInvalidBaseVersion ErrorCode = "INVALID_BASE_VERSION"

	// CodeRejected indicates every candidate of an action was refused.
	CodeRejected ErrorCode = "REJECTED"
)

// Error is a service failure with a stable code.
type Error struct {
	Code      ErrorCode
	Message   string
	Aggregate string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Aggregate != "" {
		return fmt.Sprintf("%s: %s (aggregate=%s)", e.Code, e.Message, e.Aggregate)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the code of a service error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool { return CodeOf(err) == CodeVersionConflict }

// IsNotFound reports whether err is an unknown aggregate.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsInvalidBaseVersion reports whether err is a bad base version.
func IsInvalidBaseVersion(err error) bool { return CodeOf(err) == CodeInvalidBaseVersion }

func newConflictError(ids ...string) *Error {
	e := &Error{Code: CodeVersionConflict, Message: "aggregate changed concurrently"}
	if len(ids) == 1 {
		e.Aggregate = ids[0]
	} else if len(ids) > 1 {
		e.Message = fmt.Sprintf("aggregates %v changed concurrently", ids)
	}
	return e
}

func newNotFoundError(id string) *Error {
	return &Error{Code: CodeNotFound, Message: "no such aggregate", Aggregate: id}
}

func newBaseVersionError(id string, base, version int) *Error {
	return &Error{
		Code:      CodeInvalidBaseVersion,
		Message:   fmt.Sprintf("base version %d outside [0, %d]", base, version),
		Aggregate: id,
	}
}

// NewRejectedError reports a rejected dispatch as an error, for callers
// that treat rejection as failure.
func NewRejectedError(id, reason, detail string) *Error {
	msg := reason
	if detail != "" {
		msg = reason + ": " + detail
	}
	return &Error{Code: CodeRejected, Message: msg, Aggregate: id}
}
