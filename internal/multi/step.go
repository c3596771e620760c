package multi

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/tandem/internal/domain"
	"github.com/roach88/tandem/internal/effect"
)

// State is the multi-aggregate orchestrator state. It follows the same
// rules as effect.State, with per-aggregate versions.
type State[M, A, X any] struct {
	Client       Client[M, A, X]
	Connectivity effect.Connectivity
	Mode         effect.Mode
	Retries      int
	Err          error

	// Deferred holds, per aggregate, the newest realtime update skipped
	// because the in-flight multi-action touches that aggregate. It is
	// folded in when the orchestrator next goes Idle.
	Deferred map[string]RealtimeUpdate[M]
}

// Init starts online and idle.
func Init[M, A, X any](versions map[string]int, models map[string]M) State[M, A, X] {
	return State[M, A, X]{
		Client:       NewClient[M, A, X](versions, models),
		Connectivity: effect.Online,
		Mode:         effect.Idle,
	}
}

// Busy reports whether a multi-dispatch is in flight.
func (s State[M, A, X]) Busy() bool { return s.Mode != effect.Idle }

// Check verifies the orchestrator invariants.
func (s State[M, A, X]) Check() error {
	if s.Busy() && s.Client.PendingCount() == 0 {
		return fmt.Errorf("mode %s with nothing pending", s.Mode)
	}
	if s.Retries < 0 || s.Retries > effect.MaxRetries {
		return fmt.Errorf("retries %d outside [0, %d]", s.Retries, effect.MaxRetries)
	}
	if !s.Busy() && len(s.Deferred) > 0 {
		return fmt.Errorf("idle with %d deferred updates", len(s.Deferred))
	}
	return nil
}

// Accepted reports that the in-flight multi-action was applied. Versions and
// Models cover its touched aggregates.
type Accepted[M any] struct {
	Versions map[string]int
	Models   map[string]M
}

// Conflict reports a lost version race on a touched aggregate, with fresh
// snapshots of the touched aggregates.
type Conflict[M any] struct {
	Versions map[string]int
	Models   map[string]M
}

// Rejected reports that the server refused the in-flight multi-action.
type Rejected[M any] struct {
	Versions map[string]int
	Models   map[string]M
	Reason   string
}

// RealtimeUpdate is a pushed snapshot of one aggregate.
type RealtimeUpdate[M any] struct {
	Aggregate string
	Version   int
	Model     M
}

func (Accepted[M]) EventName() string       { return "multi_accepted" }
func (Conflict[M]) EventName() string       { return "multi_conflict" }
func (Rejected[M]) EventName() string       { return "multi_rejected" }
func (RealtimeUpdate[M]) EventName() string { return "multi_realtime_update" }

// Command is an effect the multi-aggregate Step asks the shell to perform.
type Command interface {
	isMultiCommand()
}

// NoOp asks for nothing.
type NoOp struct{}

// SendMulti asks for Action to be sent with the base versions of its touched
// aggregates.
type SendMulti[X any] struct {
	BaseVersions map[string]int
	Action       X
}

func (NoOp) isMultiCommand()         {}
func (SendMulti[X]) isMultiCommand() {}

// Step is the multi-aggregate transition function. It accepts
// effect.UserAction[X] and the connectivity events of package effect in
// addition to the reply events above.
//
// A realtime update for an aggregate the in-flight multi-action touches is
// deferred to the next transition to Idle; updates for other aggregates are
// applied at once.
func Step[M, A, X any](md Domain[M, A, X], s State[M, A, X], ev effect.Event) (State[M, A, X], Command) {
	switch ev := ev.(type) {
	case effect.UserAction[X]:
		s.Client = LocalDispatch(md, s.Client, ev.Action)
		return start(md, s, effect.Dispatching)

	case Accepted[M]:
		if !s.Busy() {
			return s, NoOp{}
		}
		s.Client = AcceptReply(md, s.Client, ev.Versions, ev.Models)
		s.Retries = 0
		s.Err = nil
		return continueOrIdle(md, s)

	case Conflict[M]:
		if !s.Busy() {
			return s, NoOp{}
		}
		s.Client = Resync(md, s.Client, ev.Versions, ev.Models)
		s.Retries++
		if s.Retries >= effect.MaxRetries {
			s.Retries = effect.MaxRetries
			s.Err = effect.ErrTooManyConflicts
			return settle(md, s), NoOp{}
		}
		return continueOrIdle(md, s)

	case Rejected[M]:
		if !s.Busy() {
			return s, NoOp{}
		}
		s.Client = RejectReply(md, s.Client, ev.Versions, ev.Models)
		s.Retries = 0
		s.Err = &domain.RejectedError{Reason: ev.Reason}
		return continueOrIdle(md, s)

	case RealtimeUpdate[M]:
		if s.Busy() && inFlightTouches(md, s, ev.Aggregate) {
			if prev, ok := s.Deferred[ev.Aggregate]; !ok || ev.Version > prev.Version {
				deferred := maps.Clone(s.Deferred)
				if deferred == nil {
					deferred = make(map[string]RealtimeUpdate[M])
				}
				deferred[ev.Aggregate] = ev
				s.Deferred = deferred
			}
			return s, NoOp{}
		}
		s.Client = HandleRealtimeUpdate(md, s.Client, ev.Aggregate, ev.Version, ev.Model)
		return s, NoOp{}

	case effect.NetworkError:
		s.Connectivity = effect.Offline
		s.Retries = 0
		return settle(md, s), NoOp{}

	case effect.NetworkRestored, effect.ManualGoOnline:
		s.Connectivity = effect.Online
		return start(md, s, effect.Dispatching)

	case effect.ManualGoOffline:
		s.Connectivity = effect.Offline
		return s, NoOp{}

	case effect.Tick:
		if errors.Is(s.Err, effect.ErrTooManyConflicts) {
			return s, NoOp{}
		}
		return start(md, s, effect.Dispatching)

	case effect.Flush:
		s.Connectivity = effect.Online
		return start(md, s, effect.Flushing)

	default:
		return s, NoOp{}
	}
}

func start[M, A, X any](md Domain[M, A, X], s State[M, A, X], mode effect.Mode) (State[M, A, X], Command) {
	if s.Busy() || s.Connectivity != effect.Online || s.Client.PendingCount() == 0 {
		return s, NoOp{}
	}
	s.Mode = mode
	s.Retries = 0
	return s, send(md, s)
}

func continueOrIdle[M, A, X any](md Domain[M, A, X], s State[M, A, X]) (State[M, A, X], Command) {
	if s.Connectivity != effect.Online || s.Client.PendingCount() == 0 {
		return settle(md, s), NoOp{}
	}
	return s, send(md, s)
}

// settle goes Idle and folds in every deferred update that is newer than
// the client's base for its aggregate.
func settle[M, A, X any](md Domain[M, A, X], s State[M, A, X]) State[M, A, X] {
	s.Mode = effect.Idle
	deferred := s.Deferred
	s.Deferred = nil
	for _, id := range slices.Sorted(maps.Keys(deferred)) {
		u := deferred[id]
		s.Client = HandleRealtimeUpdate(md, s.Client, id, u.Version, u.Model)
	}
	return s
}

// inFlightTouches reports whether the head multi-action touches id.
func inFlightTouches[M, A, X any](md Domain[M, A, X], s State[M, A, X], id string) bool {
	head, ok := s.Client.Head()
	return ok && md.Touched(head).Contains(id)
}

func send[M, A, X any](md Domain[M, A, X], s State[M, A, X]) Command {
	head, _ := s.Client.Head()
	return SendMulti[X]{BaseVersions: s.Client.BasesFor(md, head), Action: head}
}

// FetchTouched fetches fresh snapshots of exactly the aggregates x touches,
// for conflict and rejection recovery.
func FetchTouched[M, A, X any](
	ctx context.Context,
	md Domain[M, A, X],
	x X,
	fetch func(ctx context.Context, id string) (int, M, error),
) (map[string]int, map[string]M, error) {
	ids := TouchedIDs(md, x)
	versions := make(map[string]int, len(ids))
	models := make(map[string]M, len(ids))
	for _, id := range ids {
		v, m, err := fetch(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch %s: %w", id, err)
		}
		versions[id] = v
		models[id] = m
	}
	return versions, models, nil
}
