package multi

import (
	"maps"
	"slices"

	"github.com/roach88/tandem/internal/server"
)

// Client is the optimistic view of a set of aggregates with a queue of
// unacknowledged multi-actions.
type Client[M, A, X any] struct {
	BaseVersions map[string]int
	Snapshots    map[string]M
	Present      map[string]M
	Pending      []X
}

// NewClient starts from server snapshots with nothing pending.
func NewClient[M, A, X any](versions map[string]int, models map[string]M) Client[M, A, X] {
	return Client[M, A, X]{
		BaseVersions: maps.Clone(versions),
		Snapshots:    maps.Clone(models),
		Present:      maps.Clone(models),
		Pending:      []X{},
	}
}

// PendingCount is the number of unacknowledged multi-actions.
func (c Client[M, A, X]) PendingCount() int { return len(c.Pending) }

// Head returns the oldest pending multi-action.
func (c Client[M, A, X]) Head() (X, bool) {
	if len(c.Pending) == 0 {
		var zero X
		return zero, false
	}
	return c.Pending[0], true
}

// BasesFor returns the client's base versions for the aggregates x touches.
func (c Client[M, A, X]) BasesFor(md Domain[M, A, X], x X) map[string]int {
	out := make(map[string]int)
	for _, id := range TouchedIDs(md, x) {
		if v, ok := c.BaseVersions[id]; ok {
			out[id] = v
		}
	}
	return out
}

// LocalDispatch queues x and applies it optimistically when every touched
// aggregate accepts it.
func LocalDispatch[M, A, X any](md Domain[M, A, X], c Client[M, A, X], x X) Client[M, A, X] {
	present := c.Present
	if next, _, err := TryMultiStep(md, c.Present, x); err == nil {
		present = Merge(c.Present, next)
	}
	return Client[M, A, X]{
		BaseVersions: c.BaseVersions,
		Snapshots:    c.Snapshots,
		Present:      present,
		Pending:      append(slices.Clip(c.Pending), x),
	}
}

// AcceptReply drops the head and folds in the fresh snapshots of the
// aggregates the reply covers.
func AcceptReply[M, A, X any](md Domain[M, A, X], c Client[M, A, X], versions map[string]int, models map[string]M) Client[M, A, X] {
	return rebuild(md, c, versions, models, dropHead(c.Pending))
}

// RejectReply drops the head and folds in fresh snapshots.
func RejectReply[M, A, X any](md Domain[M, A, X], c Client[M, A, X], versions map[string]int, models map[string]M) Client[M, A, X] {
	return rebuild(md, c, versions, models, dropHead(c.Pending))
}

// Resync folds in fresh snapshots and keeps the whole queue.
func Resync[M, A, X any](md Domain[M, A, X], c Client[M, A, X], versions map[string]int, models map[string]M) Client[M, A, X] {
	return rebuild(md, c, versions, models, c.Pending)
}

// HandleRealtimeUpdate folds in a pushed snapshot of one aggregate when it
// is newer than the client's base for it.
func HandleRealtimeUpdate[M, A, X any](md Domain[M, A, X], c Client[M, A, X], id string, version int, model M) Client[M, A, X] {
	if base, ok := c.BaseVersions[id]; ok && version <= base {
		return c
	}
	return rebuild(md, c, map[string]int{id: version}, map[string]M{id: model}, c.Pending)
}

// Sync discards the queue and resets to the given snapshots.
func Sync[M, A, X any](versions map[string]int, models map[string]M) Client[M, A, X] {
	return NewClient[M, A, X](versions, models)
}

// FlushOne sends the head multi-action to in-process servers.
func FlushOne[M, A, X any](md Domain[M, A, X], servers map[string]server.State[M, A], c Client[M, A, X]) (map[string]server.State[M, A], Client[M, A, X], Reply[M, A, X], bool) {
	head, ok := c.Head()
	if !ok {
		return servers, c, Reply[M, A, X]{}, false
	}
	servers, reply, _ := Dispatch(md, servers, c.BasesFor(md, head), head)
	if reply.Accepted {
		return servers, AcceptReply(md, c, reply.Versions, reply.Presents), reply, true
	}
	return servers, RejectReply(md, c, reply.Versions, reply.Presents), reply, true
}

// FlushAll drains the queue against in-process servers.
func FlushAll[M, A, X any](md Domain[M, A, X], servers map[string]server.State[M, A], c Client[M, A, X]) (map[string]server.State[M, A], Client[M, A, X], []Reply[M, A, X]) {
	var replies []Reply[M, A, X]
	for {
		next, nc, reply, ok := FlushOne(md, servers, c)
		if !ok {
			return servers, c, replies
		}
		servers, c = next, nc
		replies = append(replies, reply)
	}
}

func rebuild[M, A, X any](md Domain[M, A, X], c Client[M, A, X], versions map[string]int, models map[string]M, pending []X) Client[M, A, X] {
	snapshots := Merge(c.Snapshots, models)
	present := maps.Clone(snapshots)
	for _, x := range pending {
		if next, _, err := TryMultiStep(md, present, x); err == nil {
			maps.Copy(present, next)
		}
	}
	return Client[M, A, X]{
		BaseVersions: Merge(c.BaseVersions, versions),
		Snapshots:    snapshots,
		Present:      present,
		Pending:      slices.Clone(pending),
	}
}

func dropHead[X any](pending []X) []X {
	if len(pending) == 0 {
		return []X{}
	}
	return pending[1:]
}
