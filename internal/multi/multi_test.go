package multi_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/domain"
	"github.com/roach88/tandem/internal/effect"
	"github.com/roach88/tandem/internal/kanban"
	"github.com/roach88/tandem/internal/multi"
	"github.com/roach88/tandem/internal/server"
)

type (
	kServer = server.State[kanban.Model, kanban.Action]
	kClient = multi.Client[kanban.Model, kanban.Action, kanban.MultiAction]
	kState  = multi.State[kanban.Model, kanban.Action, kanban.MultiAction]
)

var boards multi.Domain[kanban.Model, kanban.Action, kanban.MultiAction] = kanban.Boards{}

func serverOf(t *testing.T, actions ...kanban.Action) kServer {
	t.Helper()
	s := server.Init(kanban.Domain)
	for _, a := range actions {
		var reply server.Reply[kanban.Model, kanban.Action]
		s, reply = server.Dispatch(kanban.Domain, s, s.Version(), a)
		require.True(t, reply.Accepted, "%s: %s", a.Kind(), reply.Detail)
	}
	return s
}

// fixture: src has Todo [1 A, 2 B]; dst has Inbox [1 X] with room for one
// more card.
func fixture(t *testing.T) map[string]kServer {
	t.Helper()
	return map[string]kServer{
		"src": serverOf(t,
			kanban.AddColumn{Col: "Todo", Limit: 5},
			kanban.AddCard{Col: "Todo", Title: "A"},
			kanban.AddCard{Col: "Todo", Title: "B"},
		),
		"dst": serverOf(t,
			kanban.AddColumn{Col: "Inbox", Limit: 2},
			kanban.AddCard{Col: "Inbox", Title: "X"},
		),
	}
}

func versionsOf(servers map[string]kServer) map[string]int {
	out := map[string]int{}
	for id, s := range servers {
		out[id] = s.Version()
	}
	return out
}

func modelsOf(servers map[string]kServer) map[string]kanban.Model {
	out := map[string]kanban.Model{}
	for id, s := range servers {
		out[id] = s.Present
	}
	return out
}

func TestTryMultiStep_Atomic(t *testing.T) {
	ms := modelsOf(fixture(t))

	next, projected, err := multi.TryMultiStep(boards, ms, kanban.MultiAction(kanban.MoveBetween{Src: "src", Dst: "dst", CardID: 1, ToCol: "Inbox", Place: kanban.AtEnd()}))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, next["src"].Lane("Todo"))
	assert.Equal(t, []int{1, 2}, next["dst"].Lane("Inbox"))
	assert.Equal(t, kanban.Action(kanban.DeleteCard{ID: 1}), projected["src"])

	// Destination column does not exist: the source must not lose the card.
	_, _, err = multi.TryMultiStep(boards, ms, kanban.MultiAction(kanban.MoveBetween{Src: "src", Dst: "dst", CardID: 1, ToCol: "Nope", Place: kanban.AtEnd()}))
	assert.Equal(t, kanban.ReasonMissingColumn, domain.ReasonOf(err))
	assert.Equal(t, []int{1, 2}, ms["src"].Lane("Todo"), "input untouched")

	_, _, err = multi.TryMultiStep(boards, ms, kanban.MultiAction(kanban.CopyBetween{Src: "src", Dst: "elsewhere", CardID: 1, ToCol: "Inbox"}))
	assert.Equal(t, multi.ReasonMissingAggregate, domain.ReasonOf(err))
}

func TestDispatch_MoveBetweenBoards(t *testing.T) {
	servers := fixture(t)
	x := kanban.MultiAction(kanban.MoveBetween{Src: "src", Dst: "dst", CardID: 2, ToCol: "Inbox", Place: kanban.Before(1)})

	out, reply, rec := multi.Dispatch(boards, servers, versionsOf(servers), x)
	require.True(t, reply.Accepted)
	assert.Equal(t, []string{"dst", "src"}, reply.Changed)
	assert.Equal(t, map[string]int{"src": 4, "dst": 3}, reply.Versions)
	assert.Equal(t, []int{1}, out["src"].Present.Lane("Todo"))
	assert.Equal(t, []int{2, 1}, out["dst"].Present.Lane("Inbox"))
	assert.Equal(t, "B", out["dst"].Present.Cards[2].Title)
	assert.Equal(t, server.StatusAccepted, rec.Outcome.Status)

	for id, s := range out {
		require.NoError(t, s.Verify(kanban.Domain), id)
	}
	assert.Equal(t, 3, servers["src"].Version(), "input not modified")
}

func TestDispatch_AllOrNothing(t *testing.T) {
	servers := fixture(t)
	servers["dst"] = serverOf(t,
		kanban.AddColumn{Col: "Inbox", Limit: 1},
		kanban.AddCard{Col: "Inbox", Title: "X"},
	)

	x := kanban.MultiAction(kanban.MoveBetween{Src: "src", Dst: "dst", CardID: 1, ToCol: "Inbox", Place: kanban.AtEnd()})
	out, reply, rec := multi.Dispatch(boards, servers, versionsOf(servers), x)
	assert.False(t, reply.Accepted)
	assert.Equal(t, domain.ReasonDomainInvalid, reply.Reason)
	assert.Equal(t, kanban.ReasonWipExceeded, reply.Detail)
	assert.Equal(t, server.StatusRejected, rec.Outcome.Status)

	assert.Equal(t, versionsOf(servers), versionsOf(out))
	assert.Equal(t, []int{1, 2}, out["src"].Present.Lane("Todo"))
}

func TestDispatch_RebasesOnlyTouchedSuffixes(t *testing.T) {
	servers := fixture(t)
	bases := versionsOf(servers)

	// Another client deletes the destination anchor.
	var r server.Reply[kanban.Model, kanban.Action]
	servers["dst"], r = server.Dispatch(kanban.Domain, servers["dst"], bases["dst"], kanban.Action(kanban.DeleteCard{ID: 1}))
	require.True(t, r.Accepted)

	x := kanban.MultiAction(kanban.MoveBetween{Src: "src", Dst: "dst", CardID: 1, ToCol: "Inbox", Place: kanban.After(1)})
	out, reply, _ := multi.Dispatch(boards, servers, bases, x)
	require.True(t, reply.Accepted)
	assert.Equal(t, kanban.AtEnd(), reply.Rebased.(kanban.MoveBetween).Place)
	assert.Equal(t, []int{2}, out["dst"].Present.Lane("Inbox"))
}

func TestDispatch_CopyLeavesSourceVersion(t *testing.T) {
	servers := fixture(t)
	x := kanban.MultiAction(kanban.CopyBetween{Src: "src", Dst: "dst", CardID: 1, ToCol: "Inbox", Place: kanban.AtEnd()})

	out, reply, _ := multi.Dispatch(boards, servers, versionsOf(servers), x)
	require.True(t, reply.Accepted)
	assert.Equal(t, []string{"dst"}, reply.Changed)
	assert.Equal(t, 3, out["src"].Version())
	assert.Equal(t, 3, out["dst"].Version())
	assert.Equal(t, "A", out["dst"].Present.Cards[2].Title)
}

func TestDispatch_NoChange(t *testing.T) {
	servers := fixture(t)
	x := kanban.MultiAction(kanban.Single{Board: "src", Action: kanban.NoOp{}})

	out, reply, rec := multi.Dispatch(boards, servers, nil, x)
	require.True(t, reply.Accepted)
	assert.True(t, reply.NoChange)
	assert.Empty(t, reply.Changed)
	assert.Equal(t, versionsOf(servers), versionsOf(out))
	assert.True(t, rec.Outcome.NoChange)
}

func TestDispatch_MissingAggregate(t *testing.T) {
	servers := fixture(t)
	x := kanban.MultiAction(kanban.MoveBetween{Src: "src", Dst: "ghost", CardID: 1, ToCol: "Inbox"})

	out, reply, rec := multi.Dispatch(boards, servers, nil, x)
	assert.False(t, reply.Accepted)
	assert.Equal(t, multi.ReasonMissingAggregate, reply.Reason)
	assert.Equal(t, "ghost", reply.Detail)
	assert.Equal(t, server.StatusRejected, rec.Outcome.Status)
	assert.Equal(t, versionsOf(servers), versionsOf(out))
}

func TestClient_FlushAllConverges(t *testing.T) {
	servers := fixture(t)
	c := multi.NewClient[kanban.Model, kanban.Action, kanban.MultiAction](versionsOf(servers), modelsOf(servers))

	c = multi.LocalDispatch(boards, c, kanban.MultiAction(kanban.MoveBetween{Src: "src", Dst: "dst", CardID: 1, ToCol: "Inbox", Place: kanban.AtEnd()}))
	c = multi.LocalDispatch(boards, c, kanban.MultiAction(kanban.Single{Board: "src", Action: kanban.EditTitle{ID: 2, Title: "B2"}}))
	assert.Equal(t, 2, c.PendingCount())
	assert.Equal(t, []int{2}, c.Present["src"].Lane("Todo"))
	assert.Equal(t, "B2", c.Present["src"].Cards[2].Title)

	out, c, replies := multi.FlushAll(boards, servers, c)
	require.Len(t, replies, 2)
	assert.True(t, replies[0].Accepted)
	assert.True(t, replies[1].Accepted)
	assert.Equal(t, 0, c.PendingCount())
	for id, s := range out {
		assert.True(t, kanban.Equal(s.Present, c.Present[id]), id)
		assert.Equal(t, s.Version(), c.BaseVersions[id], id)
	}
}

func TestClient_RealtimeUpdate(t *testing.T) {
	servers := fixture(t)
	c := multi.NewClient[kanban.Model, kanban.Action, kanban.MultiAction](versionsOf(servers), modelsOf(servers))

	stale := multi.HandleRealtimeUpdate(boards, c, "src", 3, kanban.Empty())
	assert.Equal(t, c, stale)

	fresh := serverOf(t, kanban.AddColumn{Col: "Todo", Limit: 5})
	got := multi.HandleRealtimeUpdate(boards, c, "src", 9, fresh.Present)
	assert.Equal(t, 9, got.BaseVersions["src"])
	assert.Equal(t, 3, got.BaseVersions["dst"])
	assert.Empty(t, got.Present["src"].Lane("Todo"))
}

func TestStep_SendsTouchedBasesOnly(t *testing.T) {
	servers := fixture(t)
	servers["other"] = serverOf(t, kanban.AddColumn{Col: "Misc", Limit: 1})
	s := multi.Init[kanban.Model, kanban.Action, kanban.MultiAction](versionsOf(servers), modelsOf(servers))

	x := kanban.MultiAction(kanban.MoveBetween{Src: "src", Dst: "dst", CardID: 1, ToCol: "Inbox", Place: kanban.AtEnd()})
	s, cmd := multi.Step(boards, s, effect.UserAction[kanban.MultiAction]{Action: x})
	require.NoError(t, s.Check())
	send, ok := cmd.(multi.SendMulti[kanban.MultiAction])
	require.True(t, ok)
	assert.Equal(t, map[string]int{"src": 3, "dst": 2}, send.BaseVersions)
	assert.Equal(t, effect.Dispatching, s.Mode)

	out, reply, _ := multi.Dispatch(boards, servers, send.BaseVersions, send.Action)
	require.True(t, reply.Accepted)
	s, cmd = multi.Step(boards, s, multi.Accepted[kanban.Model]{Versions: reply.Versions, Models: reply.Presents})
	assert.Equal(t, multi.Command(multi.NoOp{}), cmd)
	assert.Equal(t, effect.Idle, s.Mode)
	assert.True(t, kanban.Equal(out["dst"].Present, s.Client.Present["dst"]))
}

func TestStep_ConflictBoundAndNetwork(t *testing.T) {
	servers := fixture(t)
	s := multi.Init[kanban.Model, kanban.Action, kanban.MultiAction](versionsOf(servers), modelsOf(servers))
	x := kanban.MultiAction(kanban.Single{Board: "src", Action: kanban.EditTitle{ID: 1, Title: "A2"}})
	s, _ = multi.Step(boards, s, effect.UserAction[kanban.MultiAction]{Action: x})

	conflict := multi.Conflict[kanban.Model]{Versions: versionsOf(servers), Models: modelsOf(servers)}
	for i := 1; i < effect.MaxRetries; i++ {
		var cmd multi.Command
		s, cmd = multi.Step(boards, s, conflict)
		_, ok := cmd.(multi.SendMulti[kanban.MultiAction])
		require.True(t, ok, "retry %d", i)
	}
	s, cmd := multi.Step(boards, s, conflict)
	assert.Equal(t, multi.Command(multi.NoOp{}), cmd)
	assert.ErrorIs(t, s.Err, effect.ErrTooManyConflicts)
	assert.Equal(t, 1, s.Client.PendingCount())
	require.NoError(t, s.Check())

	// Ticks leave the exhausted queue alone; a flush starts over.
	for range 3 {
		s, cmd = multi.Step(boards, s, effect.Tick{})
		assert.Equal(t, multi.Command(multi.NoOp{}), cmd)
		assert.Equal(t, effect.Idle, s.Mode)
		assert.Equal(t, effect.MaxRetries, s.Retries)
	}
	flushed, cmd := multi.Step(boards, s, effect.Flush{})
	_, ok := cmd.(multi.SendMulti[kanban.MultiAction])
	assert.True(t, ok)
	assert.Equal(t, 0, flushed.Retries)
	assert.Equal(t, effect.Flushing, flushed.Mode)

	s, _ = multi.Step(boards, s, effect.NetworkError{Err: errors.New("down")})
	assert.Equal(t, effect.Offline, s.Connectivity)
	_, cmd = multi.Step(boards, s, effect.NetworkRestored{})
	_, ok = cmd.(multi.SendMulti[kanban.MultiAction])
	assert.True(t, ok)
}

// busyMove dispatches a move from src to dst and returns the busy state with
// the command it produced.
func busyMove(t *testing.T, servers map[string]kServer) (kState, multi.SendMulti[kanban.MultiAction]) {
	t.Helper()
	s := multi.Init[kanban.Model, kanban.Action, kanban.MultiAction](versionsOf(servers), modelsOf(servers))
	x := kanban.MultiAction(kanban.MoveBetween{Src: "src", Dst: "dst", CardID: 1, ToCol: "Inbox", Place: kanban.AtEnd()})
	s, cmd := multi.Step(boards, s, effect.UserAction[kanban.MultiAction]{Action: x})
	send, ok := cmd.(multi.SendMulti[kanban.MultiAction])
	require.True(t, ok)
	require.True(t, s.Busy())
	return s, send
}

func TestStep_RealtimeForUntouchedAggregateAppliedWhileBusy(t *testing.T) {
	servers := fixture(t)
	servers["other"] = serverOf(t, kanban.AddColumn{Col: "Misc", Limit: 1})
	s, _ := busyMove(t, servers)

	other := serverOf(t, kanban.AddColumn{Col: "Misc", Limit: 1}, kanban.AddCard{Col: "Misc", Title: "M"})
	s, cmd := multi.Step(boards, s, multi.RealtimeUpdate[kanban.Model]{Aggregate: "other", Version: 2, Model: other.Present})
	assert.Equal(t, multi.Command(multi.NoOp{}), cmd)
	assert.Equal(t, 2, s.Client.BaseVersions["other"])
	assert.Equal(t, []int{1}, s.Client.Present["other"].Lane("Misc"))
	assert.Empty(t, s.Deferred)
	require.NoError(t, s.Check())
}

func TestStep_RealtimeForTouchedAggregateDeferredUntilIdle(t *testing.T) {
	servers := fixture(t)
	s, send := busyMove(t, servers)

	out, reply, _ := multi.Dispatch(boards, servers, send.BaseVersions, send.Action)
	require.True(t, reply.Accepted)
	require.Equal(t, 4, reply.Versions["src"])

	// Another writer lands on src right after the move; its push overtakes
	// the move's reply.
	v5, r := server.Dispatch(kanban.Domain, out["src"], 4, kanban.Action(kanban.EditTitle{ID: 2, Title: "B2"}))
	require.True(t, r.Accepted)
	push := multi.RealtimeUpdate[kanban.Model]{Aggregate: "src", Version: 5, Model: v5.Present}
	older := multi.RealtimeUpdate[kanban.Model]{Aggregate: "src", Version: 4, Model: out["src"].Present}

	deferred, cmd := multi.Step(boards, s, push)
	assert.Equal(t, multi.Command(multi.NoOp{}), cmd)
	assert.Equal(t, 3, deferred.Client.BaseVersions["src"])
	assert.Equal(t, 5, deferred.Deferred["src"].Version)
	require.NoError(t, deferred.Check())

	deferred, _ = multi.Step(boards, deferred, older)
	assert.Equal(t, 5, deferred.Deferred["src"].Version)
	assert.Nil(t, s.Deferred, "deferring must not write through to the previous state")

	accepted := multi.Accepted[kanban.Model]{Versions: reply.Versions, Models: reply.Presents}
	got, _ := multi.Step(boards, deferred, accepted)
	assert.Equal(t, effect.Idle, got.Mode)
	assert.Empty(t, got.Deferred)
	assert.Equal(t, 5, got.Client.BaseVersions["src"])
	assert.Equal(t, "B2", got.Client.Present["src"].Cards[2].Title)
	require.NoError(t, got.Check())

	// Same as if the push had arrived after the reply.
	direct, _ := multi.Step(boards, s, accepted)
	direct, _ = multi.Step(boards, direct, push)
	assert.Equal(t, direct.Client, got.Client)
}

func TestStep_DeferredRealtimeSupersededByReply(t *testing.T) {
	servers := fixture(t)
	s, send := busyMove(t, servers)

	out, reply, _ := multi.Dispatch(boards, servers, send.BaseVersions, send.Action)
	require.True(t, reply.Accepted)

	s, _ = multi.Step(boards, s, multi.RealtimeUpdate[kanban.Model]{Aggregate: "dst", Version: 3, Model: kanban.Empty()})
	s, _ = multi.Step(boards, s, multi.Accepted[kanban.Model]{Versions: reply.Versions, Models: reply.Presents})
	assert.Equal(t, 3, s.Client.BaseVersions["dst"])
	assert.True(t, kanban.Equal(out["dst"].Present, s.Client.Present["dst"]))
	assert.Empty(t, s.Deferred)
}

func TestStep_DeferredRealtimeAppliedOnNetworkError(t *testing.T) {
	servers := fixture(t)
	s, _ := busyMove(t, servers)

	v4 := serverOf(t, kanban.AddColumn{Col: "Todo", Limit: 5}, kanban.AddCard{Col: "Todo", Title: "A"},
		kanban.AddCard{Col: "Todo", Title: "B"}, kanban.AddCard{Col: "Todo", Title: "C"})
	s, _ = multi.Step(boards, s, multi.RealtimeUpdate[kanban.Model]{Aggregate: "src", Version: 4, Model: v4.Present})
	s, _ = multi.Step(boards, s, effect.NetworkError{Err: errors.New("down")})

	assert.Equal(t, effect.Offline, s.Connectivity)
	assert.Equal(t, effect.Idle, s.Mode)
	assert.Equal(t, 4, s.Client.BaseVersions["src"])
	assert.Equal(t, 1, s.Client.PendingCount())
	// The queued move is replayed over the pushed board.
	assert.Equal(t, []int{2, 3}, s.Client.Present["src"].Lane("Todo"))
	require.NoError(t, s.Check())
}

func TestState_CheckDeferred(t *testing.T) {
	s := multi.Init[kanban.Model, kanban.Action, kanban.MultiAction](nil, nil)
	s.Deferred = map[string]multi.RealtimeUpdate[kanban.Model]{"src": {Aggregate: "src", Version: 1}}
	assert.Error(t, s.Check())
}

func TestFetchTouched(t *testing.T) {
	servers := fixture(t)
	servers["other"] = serverOf(t)
	var fetched []string
	fetch := func(_ context.Context, id string) (int, kanban.Model, error) {
		fetched = append(fetched, id)
		s := servers[id]
		return s.Version(), s.Present, nil
	}

	x := kanban.MultiAction(kanban.CopyBetween{Src: "src", Dst: "dst", CardID: 1, ToCol: "Inbox"})
	versions, models, err := multi.FetchTouched(context.Background(), boards, x, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"dst", "src"}, fetched)
	assert.Equal(t, map[string]int{"src": 3, "dst": 2}, versions)
	assert.Len(t, models, 2)

	_, _, err = multi.FetchTouched(context.Background(), boards, x, func(context.Context, string) (int, kanban.Model, error) {
		return 0, kanban.Model{}, errors.New("boom")
	})
	assert.Error(t, err)
}
