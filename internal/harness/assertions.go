package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/tandem/internal/kanban"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s %s\n", ev.Seq, ev.Step, ev.Client, ev.Action, ev.Status)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(h, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(h *Harness, a Assertion) error {
	fail := func(expected, actual any) error {
		return &AssertionError{
			Type:     a.Type,
			Expected: encode(expected),
			Actual:   encode(actual),
			Trace:    h.result.Trace,
		}
	}
	clientOf := func() (clientState, error) {
		c, ok := h.clients[a.Client]
		if !ok {
			return clientState{}, fmt.Errorf("unknown client %q", a.Client)
		}
		return c, nil
	}

	switch a.Type {
	case AssertServerVersion:
		if got := h.server.Version(); got != a.Value {
			return fail(a.Value, got)
		}

	case AssertClientVersion:
		c, err := clientOf()
		if err != nil {
			return err
		}
		if c.BaseVersion != a.Value {
			return fail(a.Value, c.BaseVersion)
		}

	case AssertPendingCount:
		c, err := clientOf()
		if err != nil {
			return err
		}
		if got := c.PendingCount(); got != a.Value {
			return fail(a.Value, got)
		}

	case AssertLane:
		m := h.server.Present
		if a.Client != "" {
			c, err := clientOf()
			if err != nil {
				return err
			}
			m = c.Present
		}
		if !m.HasColumn(a.Column) {
			return fail(fmt.Sprintf("column %q", a.Column), "missing")
		}
		want := a.Cards
		if want == nil {
			want = []int{}
		}
		if got := lane(m, a.Column); !slices.Equal(got, want) {
			return fail(want, got)
		}

	case AssertAuditCount:
		if got := len(h.server.AuditLog); got != a.Value {
			return fail(a.Value, got)
		}

	case AssertRejectedCount:
		if got := h.rejected(); got != a.Value {
			return fail(a.Value, got)
		}

	case AssertConverged:
		c, err := clientOf()
		if err != nil {
			return err
		}
		if !kanban.Equal(c.Present, h.server.Present) {
			return fail(h.server.Present, c.Present)
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
