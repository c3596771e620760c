// Package client implements the optimistic side of sync: a last-known server
// snapshot plus a queue of local actions that have not been acknowledged yet.
//
// The present model a UI renders is always the server snapshot with the
// pending queue reapplied on top. Rejected pending actions are skipped when
// reapplying; the server arbitrates them when they are flushed.
package client

import (
	"slices"

	"github.com/roach88/tandem/internal/domain"
	"github.com/roach88/tandem/internal/server"
)

// State is one client's view of an aggregate.
//
// INVARIANTS:
//   - Present == Reapply(snapshot at BaseVersion, Pending)
//   - Pending is in dispatch order; only Pending[0] is ever in flight
type State[M, A any] struct {
	BaseVersion int
	Present     M
	Pending     []A
}

// Init starts a client from a server snapshot with nothing pending.
func Init[M, A any](version int, model M) State[M, A] {
	return State[M, A]{BaseVersion: version, Present: model, Pending: []A{}}
}

// PendingCount is the number of unacknowledged local actions.
func (c State[M, A]) PendingCount() int { return len(c.Pending) }

// Head returns the oldest pending action.
func (c State[M, A]) Head() (A, bool) {
	if len(c.Pending) == 0 {
		var zero A
		return zero, false
	}
	return c.Pending[0], true
}

// LocalDispatch queues a for the server and applies it optimistically. An
// action the domain refuses locally is still queued; it leaves Present as it
// was.
func LocalDispatch[M, A any](d domain.Domain[M, A], c State[M, A], a A) State[M, A] {
	present := c.Present
	if next, err := d.TryStep(c.Present, a); err == nil {
		present = next
	}
	return State[M, A]{
		BaseVersion: c.BaseVersion,
		Present:     present,
		Pending:     append(slices.Clip(c.Pending), a),
	}
}

// AcceptReply consumes the server's acceptance of the head action: the head
// is dropped, the snapshot becomes (version, model) and the remaining
// pending actions are reapplied on top of it. A reply with nothing pending
// just adopts the snapshot.
func AcceptReply[M, A any](d domain.Domain[M, A], c State[M, A], version int, model M) State[M, A] {
	return rebuild(d, version, model, dropHead(c.Pending))
}

// RejectReply consumes the server's rejection of the head action. The head
// is discarded and the rest of the queue is replayed on the fresh snapshot.
func RejectReply[M, A any](d domain.Domain[M, A], c State[M, A], version int, model M) State[M, A] {
	return rebuild(d, version, model, dropHead(c.Pending))
}

// Resync adopts a fresh snapshot and replays the whole queue on it. Used
// after a conflict, when the head was not applied and must be sent again.
func Resync[M, A any](d domain.Domain[M, A], c State[M, A], version int, model M) State[M, A] {
	return rebuild(d, version, model, c.Pending)
}

// HandleRealtimeUpdate folds in a pushed snapshot. Updates at or below the
// client's base version are stale and ignored; pending actions are kept and
// reapplied on newer ones.
func HandleRealtimeUpdate[M, A any](d domain.Domain[M, A], c State[M, A], version int, model M) State[M, A] {
	if version <= c.BaseVersion {
		return c
	}
	return rebuild(d, version, model, c.Pending)
}

// Sync discards the pending queue and resets to the server's snapshot. It is
// the last resort after conflicts cannot be resolved.
func Sync[M, A any](version int, model M) State[M, A] {
	return Init[M, A](version, model)
}

// FlushOne sends the head pending action to an in-process server. ok is false
// when nothing is pending.
func FlushOne[M, A any](d domain.Domain[M, A], s server.State[M, A], c State[M, A]) (server.State[M, A], State[M, A], server.Reply[M, A], bool) {
	head, ok := c.Head()
	if !ok {
		return s, c, server.Reply[M, A]{}, false
	}
	s, reply := server.Dispatch(d, s, c.BaseVersion, head)
	if reply.Accepted {
		return s, AcceptReply(d, c, reply.Version, reply.Present), reply, true
	}
	return s, RejectReply(d, c, s.Version(), s.Present), reply, true
}

// FlushAll drains the pending queue against an in-process server and returns
// every reply in order.
func FlushAll[M, A any](d domain.Domain[M, A], s server.State[M, A], c State[M, A]) (server.State[M, A], State[M, A], []server.Reply[M, A]) {
	var replies []server.Reply[M, A]
	for {
		next, nc, reply, ok := FlushOne(d, s, c)
		if !ok {
			return s, c, replies
		}
		s, c = next, nc
		replies = append(replies, reply)
	}
}

func rebuild[M, A any](d domain.Domain[M, A], version int, model M, pending []A) State[M, A] {
	return State[M, A]{
		BaseVersion: version,
		Present:     domain.Reapply(d, model, pending),
		Pending:     slices.Clone(pending),
	}
}

func dropHead[A any](pending []A) []A {
	if len(pending) == 0 {
		return []A{}
	}
	return pending[1:]
}
