package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/transport"
)

func TestServe_StartsAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrs := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: testRoot(t, "text"),
		Addr:        "127.0.0.1:0",
		OnListen:    func(addr string) { addrs <- addr },
	}
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	out := &bytes.Buffer{}
	cmd.SetOut(out)

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	var addr string
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The CLI can talk to the server it just started.
	created, err := execute(NewCreateCommand(testRoot(t, "text")), "", "roadmap", "--builtin", "basic", "--server", "http://"+addr)
	require.NoError(t, err)
	assert.Contains(t, created, "Created board roadmap at version 3")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Contains(t, out.String(), "Listening on http://"+addr)
}

func TestServe_BadAddress(t *testing.T) {
	root := testRoot(t, "text")
	_, err := execute(NewServeCommand(root), "", "--addr", "not-an-address")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRemote_DispatchAndShow(t *testing.T) {
	url := startServer(t)
	root := testRoot(t, "text")

	_, err := execute(NewCreateCommand(root), "", "roadmap", "--builtin", "basic", "--server", url)
	require.NoError(t, err)

	out, err := execute(NewDispatchCommand(root), "", "roadmap", "--server", url, "--action", addTodo)
	require.NoError(t, err)
	assert.Contains(t, out, "Accepted: roadmap now at version 4")

	out, err = execute(NewDispatchCommand(root), "", "roadmap", "--server", url, "--base", "9", "--action", addTodo)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Conflict: INVALID_BASE_VERSION")

	out, err = execute(NewShowCommand(root), "", "roadmap", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "#1 Write docs")

	out, err = execute(NewAuditCommand(root), "", "roadmap", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "(4 records)")

	_, err = execute(NewShowCommand(root), "", "ghost", "--server", url)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRemote_MultiDispatch(t *testing.T) {
	url := startServer(t)
	root := testRoot(t, "text")
	for _, id := range []string{"a", "b"} {
		_, err := execute(NewCreateCommand(root), "", id, "--builtin", "basic", "--server", url)
		require.NoError(t, err)
	}
	_, err := execute(NewDispatchCommand(root), "", "a", "--server", url, "--action", addTodo)
	require.NoError(t, err)

	move := `{"type":"move_between","src":"a","dst":"b","card_id":1,"to_col":"Doing","place":{"at":"end"}}`
	out, err := execute(NewMultiDispatchCommand(root), "", "--server", url, "--base", "a=4", "--action", move)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Accepted: changed a, b")
	assert.Contains(t, out, "a now at version 5")

	out, err = execute(NewMultiDispatchCommand(root), "", "--server", url, "--action", move)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Rejected:")

	out, err = execute(NewShowCommand(root), "", "b", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "#1 Write docs")
}

func TestRemote_MultiDispatchUnreachable(t *testing.T) {
	root := testRoot(t, "text")
	_, err := execute(NewMultiDispatchCommand(root), "", "--server", "http://127.0.0.1:1",
		"--action", `{"type":"move_between","src":"a","dst":"b","card_id":1,"to_col":"Doing","place":{"at":"end"}}`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, transport.ErrNetwork)
}

func TestRemote_Unreachable(t *testing.T) {
	root := testRoot(t, "text")
	_, err := execute(NewShowCommand(root), "", "roadmap", "--server", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, transport.ErrNetwork)
}

func TestRemote_DBAndServerExclusive(t *testing.T) {
	root := testRoot(t, "text")
	_, err := execute(NewShowCommand(root), "", "roadmap", "--server", "http://x", "--db", "x.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")
}

func TestWatch_Count(t *testing.T) {
	url := startServer(t)
	root := testRoot(t, "json")
	_, err := execute(NewCreateCommand(root), "", "roadmap", "--builtin", "basic", "--server", url)
	require.NoError(t, err)

	out, err := execute(NewWatchCommand(root), "", "roadmap", "--server", url, "--count", "1")
	require.NoError(t, err)

	var resp struct {
		Data snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 3, resp.Data.Version)
	assert.Equal(t, []string{"Todo", "Doing", "Done"}, resp.Data.Board.Cols)
}

func TestWatch_SeesUpdates(t *testing.T) {
	url := startServer(t)
	root := testRoot(t, "text")
	_, err := execute(NewCreateCommand(root), "", "roadmap", "--builtin", "basic", "--server", url)
	require.NoError(t, err)

	type result struct {
		out string
		err error
	}
	watch := NewWatchCommand(testRoot(t, "text"))
	done := make(chan result, 1)
	go func() {
		out, err := execute(watch, "", "roadmap", "--server", url, "--count", "2")
		done <- result{out, err}
	}()

	// Keep dispatching until the watcher has seen a second version; the
	// first dispatch may land before it subscribed.
	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		_, err := execute(NewDispatchCommand(root), "", "roadmap", "--server", url,
			"--action", fmt.Sprintf(`{"type":"add_card","col":"Done","title":"card %d"}`, i))
		require.NoError(t, err)
		select {
		case r := <-done:
			require.NoError(t, r.err)
			assert.Equal(t, 2, strings.Count(r.out, "Board roadmap (version"))
			assert.Contains(t, r.out, "card 0")
			return
		case <-deadline:
			t.Fatal("watch did not see an update")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestEdit_DrainsQueue(t *testing.T) {
	url := startServer(t)
	root := testRoot(t, "text")
	_, err := execute(NewCreateCommand(root), "", "roadmap", "--builtin", "basic", "--server", url)
	require.NoError(t, err)

	stdin := strings.Join([]string{
		`# plan for today`,
		`{"type":"add_card","col":"Todo","title":"a"}`,
		``,
		`{"type":"add_card","col":"Todo","title":"b"}`,
		`{"type":"move_card","id":1,"to_col":"Doing","place":{"at":"end"}}`,
	}, "\n")
	out, err := execute(NewEditCommand(root), stdin, "roadmap", "--server", url, "--timeout", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent 3 actions: 0 rejected")
	assert.Contains(t, out, "Board roadmap (version 6)")
	assert.Contains(t, out, "Doing [1/3]")

	c, err := transport.NewClient(url, boardCodec)
	require.NoError(t, err)
	snap, err := c.Get(context.Background(), "roadmap")
	require.NoError(t, err)
	assert.Equal(t, 6, snap.Version)
	assert.Equal(t, []int{2}, snap.Model.Lane("Todo"))
	assert.Equal(t, []int{1}, snap.Model.Lane("Doing"))
}

func TestEdit_ReportsRejections(t *testing.T) {
	url := startServer(t)
	root := testRoot(t, "json")
	_, err := execute(NewCreateCommand(root), "", "roadmap", "--builtin", "basic", "--server", url)
	require.NoError(t, err)

	stdin := `{"type":"add_card","col":"Nope","title":"lost"}` + "\n" +
		`{"type":"add_card","col":"Todo","title":"kept"}` + "\n"
	out, err := execute(NewEditCommand(root), stdin, "roadmap", "--server", url, "--timeout", "5s")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Data EditResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Data.Sent)
	assert.Equal(t, 1, resp.Data.Rejected)
	assert.Equal(t, 0, resp.Data.Pending)
	assert.Equal(t, 4, resp.Data.Version)
}

func TestEdit_InvalidInput(t *testing.T) {
	root := testRoot(t, "text")
	_, err := execute(NewEditCommand(root), "{\"type\":\"explode\"}\n", "roadmap", "--server", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "line 1")
}
