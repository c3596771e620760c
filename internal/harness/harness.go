package harness

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/tandem/internal/client"
	"github.com/roach88/tandem/internal/kanban"
	"github.com/roach88/tandem/internal/server"
	"github.com/roach88/tandem/internal/template"
	"github.com/roach88/tandem/internal/testutil"
)

type (
	serverState = server.State[kanban.Model, kanban.Action]
	clientState = client.State[kanban.Model, kanban.Action]
	reply       = server.Reply[kanban.Model, kanban.Action]
)

// Harness holds one scenario's server and clients.
type Harness struct {
	server  serverState
	clients map[string]clientState
	clock   *testutil.DeterministicClock
	result  *Result
}

// Run executes a scenario and evaluates its assertions. The error is
// non-nil only when the scenario cannot be set up; failed assertions are
// reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	h := &Harness{
		server:  server.Init(kanban.Domain),
		clients: make(map[string]clientState, len(scenario.Clients)),
		clock:   testutil.NewDeterministicClock(),
		result:  NewResult(),
	}

	if err := h.seed(scenario); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}
	for _, name := range scenario.Clients {
		h.clients[name] = client.Init[kanban.Model, kanban.Action](h.server.Version(), h.server.Present)
	}

	for i, step := range scenario.Steps {
		if err := h.step(step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for _, msg := range EvaluateAssertions(h, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) seed(s *Scenario) error {
	var actions []kanban.Action
	if s.Template != "" {
		tpl, err := template.Builtin(s.Template)
		if err != nil {
			return err
		}
		actions = tpl.Actions()
	}
	for _, m := range s.Seed {
		a, err := decodeAction(m)
		if err != nil {
			return err
		}
		actions = append(actions, a)
	}
	for _, a := range actions {
		next, r := server.Dispatch(kanban.Domain, h.server, h.server.Version(), a)
		if !r.Accepted {
			return fmt.Errorf("seed %s rejected: %s", a.Kind(), r.Detail)
		}
		h.server = next
	}
	return nil
}

func (h *Harness) step(step Step) error {
	kind, name := step.Kind()
	ev := TraceEvent{Seq: h.clock.Next(), Step: kind, Client: name}

	var c clientState
	if name != "" {
		var ok bool
		if c, ok = h.clients[name]; !ok {
			return fmt.Errorf("unknown client %q", name)
		}
	}

	switch kind {
	case StepServer:
		a, err := decodeAction(step.Server)
		if err != nil {
			return err
		}
		next, r := server.Dispatch(kanban.Domain, h.server, h.server.Version(), a)
		h.server = next
		if err := ev.record(a, r); err != nil {
			return err
		}

	case StepLocal:
		a, err := decodeAction(step.Local.Action)
		if err != nil {
			return err
		}
		if ev.Action, err = kanban.MarshalAction(a); err != nil {
			return err
		}
		c = client.LocalDispatch(kanban.Domain, c, a)

	case StepFlush:
		head, _ := c.Head()
		next, nc, r, sent := client.FlushOne(kanban.Domain, h.server, c)
		if sent {
			h.server, c = next, nc
			if err := ev.record(head, r); err != nil {
				return err
			}
		}

	case StepFlushAll:
		next, nc, replies := client.FlushAll(kanban.Domain, h.server, c)
		h.server, c = next, nc
		accepted := 0
		for _, r := range replies {
			if r.Accepted {
				accepted++
			}
		}
		if len(replies) > 0 {
			ev.Status = fmt.Sprintf("%d/%d accepted", accepted, len(replies))
		}

	case StepRealtime:
		c = client.HandleRealtimeUpdate(kanban.Domain, c, h.server.Version(), h.server.Present)

	case StepSync:
		c = client.Sync[kanban.Model, kanban.Action](h.server.Version(), h.server.Present)

	default:
		return fmt.Errorf("empty step")
	}

	if name != "" {
		h.clients[name] = c
		pending := c.PendingCount()
		ev.Pending = &pending
	}
	ev.Version = h.server.Version()
	h.result.Trace = append(h.result.Trace, ev)
	return nil
}

// record fills the outcome of dispatching a.
func (ev *TraceEvent) record(a kanban.Action, r reply) error {
	var err error
	if ev.Action, err = kanban.MarshalAction(a); err != nil {
		return err
	}
	if !r.Accepted {
		ev.Status = server.StatusRejected
		ev.Reason = r.Reason
		ev.Detail = r.Detail
		return nil
	}
	ev.Status = server.StatusAccepted
	ev.NoChange = r.NoChange
	ev.Applied, err = kanban.MarshalAction(r.Applied)
	return err
}

// Server returns the authoritative state after the run.
func (h *Harness) Server() serverState { return h.server }

// rejected counts rejected audit records.
func (h *Harness) rejected() int {
	n := 0
	for _, rec := range h.server.AuditLog {
		if rec.Outcome.Status == server.StatusRejected {
			n++
		}
	}
	return n
}

func lane(m kanban.Model, col string) []int {
	out := m.Lane(col)
	if out == nil {
		return []int{}
	}
	return out
}

func encode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
