package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/effect"
	"github.com/roach88/tandem/internal/kanban"
)

func TestMemoryTransport_Dispatch(t *testing.T) {
	ctx := context.Background()
	srv := NewMemoryServer(kanban.Domain)
	tr := srv.Transport()

	resp, err := tr.Dispatch(ctx, 0, kanban.AddColumn{Col: "Todo", Limit: 1}, "req-1")
	require.NoError(t, err)
	assert.Equal(t, effect.StatusAccepted, resp.Status)
	assert.Equal(t, 1, resp.Version)
	assert.True(t, resp.Model.HasColumn("Todo"))

	resp, err = tr.Dispatch(ctx, 1, kanban.DeleteCard{ID: 4}, "req-2")
	require.NoError(t, err)
	assert.Equal(t, effect.StatusRejected, resp.Status)
	assert.NotEmpty(t, resp.Reason)

	assert.Equal(t, []string{"req-1", "req-2"}, tr.RequestIDs())
	require.NoError(t, srv.State().Verify(kanban.Domain))
}

func TestMemoryTransport_Faults(t *testing.T) {
	ctx := context.Background()
	srv := NewMemoryServer(kanban.Domain)
	tr := srv.Transport()

	tr.FailNext(1)
	_, err := tr.Dispatch(ctx, 0, kanban.AddColumn{Col: "Todo", Limit: 1}, "a")
	assert.ErrorIs(t, err, ErrUnreachable)

	tr.ConflictNext(1)
	resp, err := tr.Dispatch(ctx, 0, kanban.AddColumn{Col: "Todo", Limit: 1}, "b")
	require.NoError(t, err)
	assert.Equal(t, effect.StatusConflict, resp.Status)
	v, _ := srv.Snapshot()
	assert.Equal(t, 0, v, "conflicts do not apply")

	tr.SetOffline(true)
	_, _, err = tr.Fetch(ctx)
	assert.ErrorIs(t, err, ErrUnreachable)
	tr.SetOffline(false)

	_, _, err = tr.Fetch(ctx)
	assert.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = tr.Dispatch(cancelled, 0, kanban.NoOp{}, "c")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("")
	assert.Equal(t, "req-1", g.Generate())
	assert.Equal(t, "req-2", g.Generate())
	assert.Equal(t, "c-1", NewSequentialIDs("c").Generate())
}
