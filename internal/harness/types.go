package harness

import (
	"bytes"
	"encoding/json"

	"github.com/roach88/tandem/internal/canonical"
)

// TraceEvent records one step and its outcome. Version is the server
// version after the step; Pending is set for client steps.
type TraceEvent struct {
	Seq      int64           `json:"seq"`
	Step     string          `json:"step"`
	Client   string          `json:"client,omitempty"`
	Action   json.RawMessage `json:"action,omitempty"`
	Status   string          `json:"status,omitempty"`
	Applied  json.RawMessage `json:"applied,omitempty"`
	NoChange bool            `json:"no_change,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Version  int             `json:"version"`
	Pending  *int            `json:"pending,omitempty"`
}

// Result is the outcome of running one scenario.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// TraceBytes serializes the trace as canonical JSON, one event per line.
func (r *Result) TraceBytes() ([]byte, error) {
	var buf bytes.Buffer
	for _, ev := range r.Trace {
		line, err := canonical.Marshal(ev)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
