package cli

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/config"
	"github.com/roach88/tandem/internal/realtime"
	"github.com/roach88/tandem/internal/service"
	"github.com/roach88/tandem/internal/transport"
)

// testRoot returns root options with a fixed configuration so tests do not
// depend on TANDEM_* variables.
func testRoot(t *testing.T, format string) *RootOptions {
	t.Helper()
	return &RootOptions{
		Format: format,
		cfg: &config.Config{
			Addr:         "127.0.0.1:0",
			DBPath:       filepath.Join(t.TempDir(), "tandem.db"),
			LogLevel:     "error",
			ServerURL:    "http://127.0.0.1:1",
			TickInterval: 20 * time.Millisecond,
		},
	}
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(cmd *cobra.Command, stdin string, args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// startServer serves a fresh database over HTTP.
func startServer(t *testing.T) string {
	t.Helper()
	hub := realtime.NewHub(realtime.DefaultBuffer)
	svc, st, err := openService(testRoot(t, "text"), "", service.WithPublisher(hub))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(transport.NewServer(svc, boardCodec, hub).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}
