// Package effect is the orchestrator that decides when a client talks to the
// server.
//
// Step is a pure transition function over (State, Event) that returns the
// next state and at most one Command. The Driver is the imperative shell:
// it runs Step on a single goroutine and performs the commands it returns.
//
// Thread-safety model:
//   - Step: pure, safe anywhere
//   - Driver.Enqueue, Driver.State: safe from any goroutine
//   - Driver.Run: must be called from exactly one goroutine
package effect

import (
	"errors"
	"fmt"

	"github.com/roach88/tandem/internal/client"
)

// MaxRetries bounds consecutive version conflicts for one head action.
// Reaching it stops sending and surfaces ErrTooManyConflicts.
const MaxRetries = 5

// ErrTooManyConflicts is surfaced when MaxRetries consecutive conflicts were
// seen. The pending queue is kept. Ticks do not retry; a user action, Flush,
// ManualGoOnline or NetworkRestored does.
var ErrTooManyConflicts = errors.New("too many conflicts, please retry")

// Connectivity is the orchestrator's belief about the network.
type Connectivity int

const (
	Online Connectivity = iota
	Offline
)

func (c Connectivity) String() string {
	switch c {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("connectivity(%d)", int(c))
	}
}

// Mode is what the orchestrator is doing.
type Mode int

const (
	// Idle: nothing in flight.
	Idle Mode = iota
	// Dispatching: the head pending action is in flight.
	Dispatching
	// Flushing: like Dispatching, entered by an explicit Flush request.
	Flushing
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Dispatching:
		return "dispatching"
	case Flushing:
		return "flushing"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is the orchestrator state.
//
// INVARIANTS (see Check):
//   - Mode != Idle implies Client.PendingCount() > 0
//   - 0 <= Retries <= MaxRetries
//   - Deferred != nil implies Mode != Idle
type State[M, A any] struct {
	Client        client.State[M, A]
	ServerVersion int
	Connectivity  Connectivity
	Mode          Mode
	Retries       int

	// Err is the last user-visible failure: a rejection or
	// ErrTooManyConflicts. Cleared by the next accepted reply.
	Err error

	// Deferred is the newest realtime update that arrived while busy. It is
	// folded in when the orchestrator next goes Idle, unless a reply has
	// already moved the client to or past its version.
	Deferred *RealtimeUpdate[M]
}

// Init starts online and idle from a server snapshot.
func Init[M, A any](version int, model M) State[M, A] {
	return State[M, A]{
		Client:        client.Init[M, A](version, model),
		ServerVersion: version,
		Connectivity:  Online,
		Mode:          Idle,
	}
}

// Busy reports whether a dispatch is in flight.
func (s State[M, A]) Busy() bool { return s.Mode != Idle }

// Check verifies the state invariants.
func (s State[M, A]) Check() error {
	if s.Busy() && s.Client.PendingCount() == 0 {
		return fmt.Errorf("mode %s with nothing pending", s.Mode)
	}
	if s.Retries < 0 || s.Retries > MaxRetries {
		return fmt.Errorf("retries %d outside [0, %d]", s.Retries, MaxRetries)
	}
	if !s.Busy() && s.Deferred != nil {
		return fmt.Errorf("idle with a deferred update at version %d", s.Deferred.Version)
	}
	return nil
}
