package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/realtime"
	"github.com/roach88/tandem/internal/service"
	"github.com/roach88/tandem/internal/telemetry"
	"github.com/roach88/tandem/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string

	// OnListen, if set, is called with the bound address (for testing).
	OnListen func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve boards over HTTP and WebSocket",
		Long: `Start the board server.

The server owns the authoritative copy of every board in a SQLite database.
Clients dispatch actions over HTTP and follow boards over a WebSocket.

Example:
  tandem serve --db ./boards.db --addr 127.0.0.1:8080
  TANDEM_OTEL_ENDPOINT=http://localhost:4318 tandem serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default $TANDEM_ADDR)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $TANDEM_DB_PATH)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	if err := opts.setupLogging(); err != nil {
		return err
	}
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	addr := opts.Addr
	if addr == "" {
		addr = cfg.Addr
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "tandem", cfg.OTelEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("error flushing traces", "error", err)
		}
	}()

	hub := realtime.NewHub(realtime.DefaultBuffer)
	svc, st, err := openService(opts.RootOptions, opts.Database,
		service.WithPublisher(hub),
		service.WithTracer(telemetry.Tracer()),
	)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           transport.NewServer(svc, boardCodec, hub).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	bound := ln.Addr().String()
	slog.Info("server starting", "addr", bound, "otel", cfg.OTelEndpoint != "")
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", bound)
	if opts.OnListen != nil {
		opts.OnListen(bound)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitFailure, "shutdown error", err)
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}
