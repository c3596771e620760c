package effect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/domain"
	"github.com/roach88/tandem/internal/kanban"
)

type kState = State[kanban.Model, kanban.Action]

func todoBoard(t *testing.T, actions ...kanban.Action) kanban.Model {
	t.Helper()
	all := append([]kanban.Action{kanban.AddColumn{Col: "Todo", Limit: 5}}, actions...)
	m, err := domain.ApplyAll(kanban.Domain, kanban.Domain.Init(), all)
	require.NoError(t, err)
	return m
}

func step(t *testing.T, s kState, ev Event) (kState, Command) {
	t.Helper()
	next, cmd := Step(kanban.Domain, s, ev)
	require.NoError(t, next.Check(), "after %s", ev.EventName())
	return next, cmd
}

func user(a kanban.Action) Event { return UserAction[kanban.Action]{Action: a} }

func requireSend(t *testing.T, cmd Command) SendDispatch[kanban.Action] {
	t.Helper()
	send, ok := cmd.(SendDispatch[kanban.Action])
	require.True(t, ok, "expected SendDispatch, got %T", cmd)
	return send
}

func TestStep_UserActionStartsDispatch(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))

	s, cmd := step(t, s, user(kanban.AddCard{Col: "Todo", Title: "A"}))
	send := requireSend(t, cmd)
	assert.Equal(t, 1, send.BaseVersion)
	assert.Equal(t, kanban.Action(kanban.AddCard{Col: "Todo", Title: "A"}), send.Action)
	assert.Equal(t, Dispatching, s.Mode)
	assert.Equal(t, []int{1}, s.Client.Present.Lane("Todo"))

	// A second edit while busy is queued but not sent.
	s, cmd = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "B"}))
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, 2, s.Client.PendingCount())
}

func TestStep_AcceptedContinuesThenIdles(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	s, _ = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "A"}))
	s, _ = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "B"}))

	s, cmd := step(t, s, DispatchAccepted[kanban.Model]{Version: 2, Model: todoBoard(t, kanban.AddCard{Col: "Todo", Title: "A"})})
	send := requireSend(t, cmd)
	assert.Equal(t, 2, send.BaseVersion)
	assert.Equal(t, kanban.Action(kanban.AddCard{Col: "Todo", Title: "B"}), send.Action)
	assert.Equal(t, Dispatching, s.Mode)
	assert.Equal(t, 2, s.ServerVersion)

	s, cmd = step(t, s, DispatchAccepted[kanban.Model]{Version: 3, Model: todoBoard(t,
		kanban.AddCard{Col: "Todo", Title: "A"},
		kanban.AddCard{Col: "Todo", Title: "B"},
	)})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, Idle, s.Mode)
	assert.Equal(t, 0, s.Client.PendingCount())
	assert.Equal(t, 3, s.Client.BaseVersion)
}

func TestStep_RepliesIgnoredWhenIdle(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	events := []Event{
		DispatchAccepted[kanban.Model]{Version: 9, Model: kanban.Empty()},
		DispatchConflict[kanban.Model]{Version: 9, Model: kanban.Empty()},
		DispatchRejected[kanban.Model]{Version: 9, Model: kanban.Empty(), Reason: "x"},
	}
	for _, ev := range events {
		next, cmd := step(t, s, ev)
		assert.Equal(t, NoOp{}, cmd, ev.EventName())
		assert.Equal(t, s, next, ev.EventName())
	}
}

func TestStep_ConflictRetriesAreBounded(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	s, _ = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "A"}))

	var cmd Command
	for i := 1; i < MaxRetries; i++ {
		fresh := todoBoard(t, kanban.AddCard{Col: "Todo", Title: "theirs"})
		s, cmd = step(t, s, DispatchConflict[kanban.Model]{Version: 1 + i, Model: fresh})
		send := requireSend(t, cmd)
		assert.Equal(t, 1+i, send.BaseVersion)
		assert.Equal(t, i, s.Retries)
		assert.Equal(t, 1, s.Client.PendingCount(), "conflict keeps the head")
	}

	s, cmd = step(t, s, DispatchConflict[kanban.Model]{Version: 10, Model: todoBoard(t)})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, Idle, s.Mode)
	assert.Equal(t, MaxRetries, s.Retries)
	assert.True(t, errors.Is(s.Err, ErrTooManyConflicts))
	assert.Equal(t, 1, s.Client.PendingCount(), "nothing is dropped")

	// Ticks do not restart a contended head.
	for range 3 {
		s, cmd = step(t, s, Tick{})
		assert.Equal(t, NoOp{}, cmd)
		assert.Equal(t, Idle, s.Mode)
		assert.Equal(t, MaxRetries, s.Retries)
	}

	// An explicit flush retries with a fresh budget.
	s, cmd = step(t, s, Flush{})
	requireSend(t, cmd)
	assert.Equal(t, 0, s.Retries)
	assert.Equal(t, Flushing, s.Mode)
}

func TestStep_UserActionRestartsAfterConflictExhaustion(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	s, _ = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "A"}))
	for range MaxRetries {
		s, _ = step(t, s, DispatchConflict[kanban.Model]{Version: 1, Model: todoBoard(t)})
	}
	require.ErrorIs(t, s.Err, ErrTooManyConflicts)

	s, cmd := step(t, s, user(kanban.AddCard{Col: "Todo", Title: "B"}))
	send := requireSend(t, cmd)
	assert.Equal(t, kanban.Action(kanban.AddCard{Col: "Todo", Title: "A"}), send.Action)
	assert.Equal(t, 2, s.Client.PendingCount())
}

func TestStep_AcceptedResetsRetriesAndError(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	s, _ = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "A"}))
	s, _ = step(t, s, DispatchConflict[kanban.Model]{Version: 2, Model: todoBoard(t)})
	require.Equal(t, 1, s.Retries)

	s, _ = step(t, s, DispatchAccepted[kanban.Model]{Version: 3, Model: todoBoard(t, kanban.AddCard{Col: "Todo", Title: "A"})})
	assert.Equal(t, 0, s.Retries)
	assert.NoError(t, s.Err)
}

func TestStep_RejectedDropsHead(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	s, _ = step(t, s, user(kanban.EditTitle{ID: 7, Title: "ghost"}))
	s, _ = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "A"}))

	s, cmd := step(t, s, DispatchRejected[kanban.Model]{Version: 2, Model: todoBoard(t), Reason: domain.ReasonDomainInvalid})
	send := requireSend(t, cmd)
	assert.Equal(t, kanban.Action(kanban.AddCard{Col: "Todo", Title: "A"}), send.Action)
	assert.Equal(t, 1, s.Client.PendingCount())
	assert.Equal(t, domain.ReasonDomainInvalid, domain.ReasonOf(s.Err))
}

func TestStep_NetworkErrorGoesOffline(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	s, _ = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "A"}))

	s, cmd := step(t, s, NetworkError{Err: errors.New("connection refused")})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, Offline, s.Connectivity)
	assert.Equal(t, Idle, s.Mode)
	assert.NoError(t, s.Err, "offline is not surfaced as a failure")

	// Offline edits queue up and nothing is sent.
	s, cmd = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "B"}))
	assert.Equal(t, NoOp{}, cmd)
	s, cmd = step(t, s, Tick{})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, 2, s.Client.PendingCount())

	s, cmd = step(t, s, NetworkRestored{})
	send := requireSend(t, cmd)
	assert.Equal(t, kanban.Action(kanban.AddCard{Col: "Todo", Title: "A"}), send.Action)
	assert.Equal(t, Online, s.Connectivity)
}

func TestStep_ManualGoOfflineLetsInflightFinish(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	s, _ = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "A"}))
	s, _ = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "B"}))

	s, cmd := step(t, s, ManualGoOffline{})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, Dispatching, s.Mode)

	s, cmd = step(t, s, DispatchAccepted[kanban.Model]{Version: 2, Model: todoBoard(t, kanban.AddCard{Col: "Todo", Title: "A"})})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, Idle, s.Mode)
	assert.Equal(t, 1, s.Client.PendingCount())

	_, cmd = step(t, s, ManualGoOnline{})
	requireSend(t, cmd)
}

func TestStep_Flush(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	s, _ = step(t, s, ManualGoOffline{})
	s, _ = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "A"}))

	s, cmd := step(t, s, Flush{})
	requireSend(t, cmd)
	assert.Equal(t, Flushing, s.Mode)
	assert.Equal(t, Online, s.Connectivity)

	s, cmd = step(t, s, DispatchAccepted[kanban.Model]{Version: 2, Model: todoBoard(t, kanban.AddCard{Col: "Todo", Title: "A"})})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, Idle, s.Mode)

	_, cmd = step(t, s, Flush{})
	assert.Equal(t, NoOp{}, cmd, "nothing to flush")
}

func TestStep_RealtimeSkippedWhileBusy(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	pushed := todoBoard(t, kanban.AddCard{Col: "Todo", Title: "theirs"})

	busy, _ := step(t, s, user(kanban.AddCard{Col: "Todo", Title: "mine"}))
	after, cmd := step(t, busy, RealtimeUpdate[kanban.Model]{Version: 2, Model: pushed})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, busy.Client, after.Client)
	assert.Equal(t, Dispatching, after.Mode)
	require.NotNil(t, after.Deferred)
	assert.Equal(t, 2, after.Deferred.Version)

	// An older push does not replace a newer deferred one.
	after, _ = step(t, after, RealtimeUpdate[kanban.Model]{Version: 1, Model: todoBoard(t)})
	assert.Equal(t, 2, after.Deferred.Version)

	idle, cmd := step(t, s, RealtimeUpdate[kanban.Model]{Version: 2, Model: pushed})
	assert.Equal(t, NoOp{}, cmd)
	assert.Nil(t, idle.Deferred)
	assert.Equal(t, 2, idle.Client.BaseVersion)
	assert.Equal(t, 2, idle.ServerVersion)
	assert.Equal(t, "theirs", idle.Client.Present.Cards[1].Title)
}

func TestStep_DeferredRealtimeAppliedWhenIdle(t *testing.T) {
	mine := kanban.AddCard{Col: "Todo", Title: "mine"}
	theirs := kanban.AddCard{Col: "Todo", Title: "theirs"}
	atV2 := todoBoard(t, mine)
	atV3 := todoBoard(t, mine, theirs)

	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	s, _ = step(t, s, user(mine))
	s, _ = step(t, s, RealtimeUpdate[kanban.Model]{Version: 3, Model: atV3})
	s, cmd := step(t, s, DispatchAccepted[kanban.Model]{Version: 2, Model: atV2})
	assert.Equal(t, NoOp{}, cmd)
	s, _ = step(t, s, Tick{})

	assert.Equal(t, Idle, s.Mode)
	assert.Nil(t, s.Deferred)
	assert.Equal(t, 0, s.Client.PendingCount())
	assert.Equal(t, 3, s.Client.BaseVersion)
	assert.Equal(t, 3, s.ServerVersion)
	assert.Equal(t, []int{1, 2}, s.Client.Present.Lane("Todo"))
	assert.True(t, kanban.Equal(atV3, s.Client.Present))

	// Same result as receiving the push after the reply.
	direct := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	direct, _ = step(t, direct, user(mine))
	direct, _ = step(t, direct, DispatchAccepted[kanban.Model]{Version: 2, Model: atV2})
	direct, _ = step(t, direct, RealtimeUpdate[kanban.Model]{Version: 3, Model: atV3})
	assert.Equal(t, direct.Client, s.Client)
	assert.Equal(t, direct.ServerVersion, s.ServerVersion)
}

func TestStep_DeferredRealtimeSupersededByReply(t *testing.T) {
	a := kanban.AddCard{Col: "Todo", Title: "A"}
	b := kanban.AddCard{Col: "Todo", Title: "B"}

	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	s, _ = step(t, s, user(a))
	s, _ = step(t, s, user(b))
	s, _ = step(t, s, RealtimeUpdate[kanban.Model]{Version: 2, Model: todoBoard(t, a)})

	// The deferred update survives while the queue keeps draining.
	s, cmd := step(t, s, DispatchAccepted[kanban.Model]{Version: 2, Model: todoBoard(t, a)})
	requireSend(t, cmd)
	require.NotNil(t, s.Deferred)

	s, _ = step(t, s, DispatchAccepted[kanban.Model]{Version: 3, Model: todoBoard(t, a, b)})
	assert.Equal(t, Idle, s.Mode)
	assert.Nil(t, s.Deferred)
	assert.Equal(t, 3, s.Client.BaseVersion)
	assert.Equal(t, []int{1, 2}, s.Client.Present.Lane("Todo"))
}

func TestStep_DeferredRealtimeAppliedOnNetworkError(t *testing.T) {
	pushed := todoBoard(t, kanban.AddCard{Col: "Todo", Title: "theirs"})

	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	s, _ = step(t, s, user(kanban.AddCard{Col: "Todo", Title: "mine"}))
	s, _ = step(t, s, RealtimeUpdate[kanban.Model]{Version: 2, Model: pushed})
	s, _ = step(t, s, NetworkError{Err: errors.New("reset")})

	assert.Equal(t, Offline, s.Connectivity)
	assert.Nil(t, s.Deferred)
	assert.Equal(t, 2, s.Client.BaseVersion)
	assert.Equal(t, 1, s.Client.PendingCount(), "the edit stays queued")
	assert.Equal(t, []int{1, 2}, s.Client.Present.Lane("Todo"))
}

func TestStep_MismatchedEventIgnored(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](1, todoBoard(t))
	next, cmd := step(t, s, UserAction[string]{Action: "wrong type"})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, s, next)
}

func TestCheck(t *testing.T) {
	s := Init[kanban.Model, kanban.Action](0, kanban.Empty())
	require.NoError(t, s.Check())

	s.Mode = Dispatching
	assert.Error(t, s.Check())

	s.Mode = Idle
	s.Retries = MaxRetries + 1
	assert.Error(t, s.Check())

	s.Retries = 0
	s.Deferred = &RealtimeUpdate[kanban.Model]{Version: 3}
	assert.Error(t, s.Check())
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "online", Online.String())
	assert.Equal(t, "offline", Offline.String())
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "dispatching", Dispatching.String())
	assert.Equal(t, "flushing", Flushing.String())
	assert.Equal(t, "mode(9)", Mode(9).String())
}
