package multi_test

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/domain"
	"github.com/roach88/tandem/internal/effect"
	"github.com/roach88/tandem/internal/kanban"
	"github.com/roach88/tandem/internal/multi"
	"github.com/roach88/tandem/internal/testutil"
)

type kDriver = multi.Driver[kanban.Model, kanban.Action, kanban.MultiAction]

// memoryBoards is an in-process multi.Transport over a set of boards.
type memoryBoards struct {
	mu        sync.Mutex
	servers   map[string]kServer
	conflicts int
	requests  []string
	fetched   []string
}

func newMemoryBoards(servers map[string]kServer) *memoryBoards {
	return &memoryBoards{servers: maps.Clone(servers)}
}

// conflictNext answers the next n dispatches with a conflict.
func (m *memoryBoards) conflictNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = n
}

func (m *memoryBoards) MultiDispatch(_ context.Context, bases map[string]int, x kanban.MultiAction, requestID string) (multi.Response[kanban.Model], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, requestID)
	if m.conflicts > 0 {
		m.conflicts--
		return multi.Response[kanban.Model]{Status: effect.StatusConflict}, nil
	}
	for id, base := range bases {
		if s, ok := m.servers[id]; ok && base > s.Version() {
			return multi.Response[kanban.Model]{Status: effect.StatusConflict}, nil
		}
	}

	next, reply, _ := multi.Dispatch(boards, m.servers, bases, x)
	m.servers = next
	resp := multi.Response[kanban.Model]{
		Status:   effect.StatusRejected,
		Versions: reply.Versions,
		Models:   reply.Presents,
		Changed:  reply.Changed,
		NoChange: reply.NoChange,
		Reason:   reply.Reason,
		Detail:   reply.Detail,
	}
	if reply.Accepted {
		resp.Status = effect.StatusAccepted
	}
	return resp, nil
}

func (m *memoryBoards) Fetch(_ context.Context, id string) (int, kanban.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetched = append(m.fetched, id)
	s, ok := m.servers[id]
	if !ok {
		return 0, kanban.Model{}, fmt.Errorf("board %s not found", id)
	}
	return s.Version(), s.Present, nil
}

func (m *memoryBoards) snapshot() (servers map[string]kServer, requests, fetched []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.servers), slices.Clone(m.requests), slices.Clone(m.fetched)
}

func startMultiDriver(t *testing.T, tr *memoryBoards, opts ...multi.Option) *kDriver {
	t.Helper()
	servers, _, _ := tr.snapshot()
	opts = append([]multi.Option{multi.WithRequestIDs(testutil.NewSequentialIDs(""))}, opts...)
	d := multi.NewDriver(boards, multi.Transport[kanban.Model, kanban.MultiAction](tr),
		multi.Init[kanban.Model, kanban.Action, kanban.MultiAction](versionsOf(servers), modelsOf(servers)), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

// drained reports whether the driver has sent something and has nothing
// left in flight or queued.
func drained(d *kDriver, tr *memoryBoards) func() bool {
	return func() bool {
		_, requests, _ := tr.snapshot()
		s := d.State()
		return len(requests) > 0 && !s.Busy() && s.Client.PendingCount() == 0
	}
}

func TestDriver_ConflictRefetchesTouchedBoards(t *testing.T) {
	servers := fixture(t)
	servers["other"] = serverOf(t, kanban.AddColumn{Col: "Misc", Limit: 1})
	tr := newMemoryBoards(servers)
	tr.conflictNext(1)
	d := startMultiDriver(t, tr)

	d.Dispatch(kanban.MoveBetween{Src: "src", Dst: "dst", CardID: 1, ToCol: "Inbox", Place: kanban.AtEnd()})
	require.Eventually(t, drained(d, tr), time.Second, 5*time.Millisecond)

	latest, requests, fetched := tr.snapshot()
	assert.Equal(t, []string{"req-1", "req-2"}, requests)
	assert.Equal(t, []string{"dst", "src"}, fetched)

	s := d.State()
	assert.NoError(t, s.Err)
	assert.Equal(t, map[string]int{"src": 4, "dst": 3, "other": 1}, s.Client.BaseVersions)
	for id, srv := range latest {
		assert.True(t, kanban.Equal(srv.Present, s.Client.Present[id]), id)
	}
	require.NoError(t, s.Check())
}

func TestDriver_RejectionDropsAction(t *testing.T) {
	tr := newMemoryBoards(fixture(t))
	d := startMultiDriver(t, tr)

	d.Dispatch(kanban.MoveBetween{Src: "src", Dst: "dst", CardID: 9, ToCol: "Inbox", Place: kanban.AtEnd()})
	require.Eventually(t, drained(d, tr), time.Second, 5*time.Millisecond)

	s := d.State()
	var rejected *domain.RejectedError
	require.True(t, errors.As(s.Err, &rejected), "got %v", s.Err)
	assert.Equal(t, domain.ReasonDomainInvalid, rejected.Reason)

	latest, _, fetched := tr.snapshot()
	assert.Empty(t, fetched)
	assert.Equal(t, 3, latest["src"].Version())
}

func TestDriver_TickerDoesNotRetryAfterConflictExhaustion(t *testing.T) {
	tr := newMemoryBoards(fixture(t))
	tr.conflictNext(1000)
	d := startMultiDriver(t, tr, multi.WithTickInterval(2*time.Millisecond))

	d.Dispatch(kanban.Single{Board: "src", Action: kanban.EditTitle{ID: 1, Title: "A2"}})
	require.Eventually(t, func() bool {
		return d.State().Err != nil
	}, time.Second, 5*time.Millisecond)

	// Many tick intervals pass without another send.
	time.Sleep(50 * time.Millisecond)
	s := d.State()
	assert.ErrorIs(t, s.Err, effect.ErrTooManyConflicts)
	assert.Equal(t, effect.Idle, s.Mode)
	assert.Equal(t, 1, s.Client.PendingCount())
	_, requests, _ := tr.snapshot()
	assert.Len(t, requests, effect.MaxRetries)

	tr.conflictNext(0)
	d.Enqueue(effect.Flush{})
	require.Eventually(t, drained(d, tr), time.Second, 5*time.Millisecond)
	latest, requests, _ := tr.snapshot()
	assert.Len(t, requests, effect.MaxRetries+1)
	assert.Equal(t, "A2", latest["src"].Present.Cards[1].Title)
	assert.NoError(t, d.State().Err)
}

func TestDriver_ObserverSeesEveryTransition(t *testing.T) {
	tr := newMemoryBoards(fixture(t))

	var mu sync.Mutex
	var seen []string
	d := startMultiDriver(t, tr, multi.WithObserver(func(s multi.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Event)
	}))

	d.Dispatch(kanban.Single{Board: "dst", Action: kanban.EditTitle{ID: 1, Title: "X2"}})
	require.Eventually(t, drained(d, tr), time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		effect.UserAction[kanban.MultiAction]{}.EventName(),
		multi.Accepted[kanban.Model]{}.EventName(),
	}, seen)
}
