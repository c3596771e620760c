package effect

import (
	"errors"

	"github.com/roach88/tandem/internal/client"
	"github.com/roach88/tandem/internal/domain"
)

// Step is the orchestrator transition function. At most one SendDispatch is
// outstanding at a time: sends start only from Idle or continue from a
// reply, and replies arriving while Idle are ignored. Realtime updates that
// arrive while busy are deferred to the next transition to Idle.
//
// Events whose type parameters do not match M and A fall through to the
// default case and leave the state unchanged.
func Step[M, A any](d domain.Domain[M, A], s State[M, A], ev Event) (State[M, A], Command) {
	switch ev := ev.(type) {
	case UserAction[A]:
		s.Client = client.LocalDispatch(d, s.Client, ev.Action)
		return start(s, Dispatching)

	case DispatchAccepted[M]:
		if !s.Busy() {
			return s, NoOp{}
		}
		s.Client = client.AcceptReply(d, s.Client, ev.Version, ev.Model)
		s.ServerVersion = ev.Version
		s.Retries = 0
		s.Err = nil
		return continueOrIdle(d, s)

	case DispatchConflict[M]:
		if !s.Busy() {
			return s, NoOp{}
		}
		s.Client = client.Resync(d, s.Client, ev.Version, ev.Model)
		s.ServerVersion = ev.Version
		s.Retries++
		if s.Retries >= MaxRetries {
			s.Retries = MaxRetries
			s.Err = ErrTooManyConflicts
			return settle(d, s), NoOp{}
		}
		return continueOrIdle(d, s)

	case DispatchRejected[M]:
		if !s.Busy() {
			return s, NoOp{}
		}
		s.Client = client.RejectReply(d, s.Client, ev.Version, ev.Model)
		s.ServerVersion = ev.Version
		s.Retries = 0
		s.Err = &domain.RejectedError{Reason: ev.Reason}
		return continueOrIdle(d, s)

	case NetworkError:
		s.Connectivity = Offline
		s.Retries = 0
		return settle(d, s), NoOp{}

	case NetworkRestored, ManualGoOnline:
		s.Connectivity = Online
		return start(s, Dispatching)

	case ManualGoOffline:
		s.Connectivity = Offline
		return s, NoOp{}

	case Tick:
		if errors.Is(s.Err, ErrTooManyConflicts) {
			return s, NoOp{}
		}
		return start(s, Dispatching)

	case Flush:
		s.Connectivity = Online
		return start(s, Flushing)

	case RealtimeUpdate[M]:
		if s.Busy() {
			if s.Deferred == nil || ev.Version > s.Deferred.Version {
				s.Deferred = &ev
			}
			return s, NoOp{}
		}
		return applyRealtime(d, s, ev), NoOp{}

	default:
		return s, NoOp{}
	}
}

// start begins sending the head action when online, idle and something is
// pending.
func start[M, A any](s State[M, A], mode Mode) (State[M, A], Command) {
	if s.Busy() || s.Connectivity != Online || s.Client.PendingCount() == 0 {
		return s, NoOp{}
	}
	s.Mode = mode
	s.Retries = 0
	return s, send(s)
}

// continueOrIdle sends the next head after a reply, keeping the current busy
// mode, or goes Idle.
func continueOrIdle[M, A any](d domain.Domain[M, A], s State[M, A]) (State[M, A], Command) {
	if s.Connectivity != Online || s.Client.PendingCount() == 0 {
		return settle(d, s), NoOp{}
	}
	return s, send(s)
}

// settle goes Idle and folds in the deferred realtime update if it is newer
// than what the replies brought.
func settle[M, A any](d domain.Domain[M, A], s State[M, A]) State[M, A] {
	s.Mode = Idle
	u := s.Deferred
	s.Deferred = nil
	if u != nil && u.Version > s.Client.BaseVersion {
		s = applyRealtime(d, s, *u)
	}
	return s
}

func applyRealtime[M, A any](d domain.Domain[M, A], s State[M, A], u RealtimeUpdate[M]) State[M, A] {
	s.Client = client.HandleRealtimeUpdate(d, s.Client, u.Version, u.Model)
	s.ServerVersion = max(s.ServerVersion, u.Version)
	return s
}

func send[M, A any](s State[M, A]) Command {
	head, _ := s.Client.Head()
	return SendDispatch[A]{BaseVersion: s.Client.BaseVersion, Action: head}
}
