package domain

import (
	"errors"
	"fmt"
)

// ReasonDomainInvalid is reported when no candidate of a dispatched action
// validates against the server model.
const ReasonDomainInvalid = "DomainInvalid"

// RejectedError is a domain validation failure. Reason is a stable,
// machine-readable tag; Detail is for humans.
type RejectedError struct {
	Reason string
	Detail string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return "rejected: " + e.Reason
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
}

// Reject builds a RejectedError with a formatted detail message.
func Reject(reason, format string, args ...any) *RejectedError {
	return &RejectedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err is (or wraps) a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// ReasonOf returns the rejection reason carried by err, or "" if err is not
// a rejection.
func ReasonOf(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// ReplayError reports which action of a log failed to apply.
type ReplayError struct {
	Index int
	Err   error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("action %d: %v", e.Index, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}
