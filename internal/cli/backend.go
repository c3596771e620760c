package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/kanban"
	"github.com/roach88/tandem/internal/multi"
	"github.com/roach88/tandem/internal/service"
	"github.com/roach88/tandem/internal/store"
	"github.com/roach88/tandem/internal/transport"
)

type (
	boardService = service.Service[kanban.Model, kanban.Action, kanban.MultiAction]
	boardClient  = transport.Client[kanban.Model, kanban.Action, kanban.MultiAction]

	boardsTransport = multi.Transport[kanban.Model, kanban.MultiAction]
)

var (
	boardsDomain multi.Domain[kanban.Model, kanban.Action, kanban.MultiAction] = kanban.Boards{}
	boardCodec   service.Codec[kanban.Model, kanban.Action, kanban.MultiAction]  = kanban.Codec{}
)

// boardKind is the aggregate kind stored for kanban boards.
const boardKind = "board"

// snapshot is one board at a version.
type snapshot struct {
	ID      string       `json:"id"`
	Version int          `json:"version"`
	Board   kanban.Model `json:"board"`
}

// outcome is the answer to a single-board dispatch.
type outcome struct {
	Status   string          `json:"status"`
	Version  int             `json:"version,omitempty"`
	Applied  json.RawMessage `json:"applied,omitempty"`
	NoChange bool            `json:"no_change,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Seq      int64           `json:"seq,omitempty"`
}

// multiOutcome is the answer to a cross-board dispatch.
type multiOutcome struct {
	Status   string         `json:"status"`
	Changed  []string       `json:"changed"`
	Versions map[string]int `json:"versions,omitempty"`
	NoChange bool           `json:"no_change,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Seq      int64          `json:"seq,omitempty"`
}

// backend is a board database, opened directly or reached over HTTP.
type backend interface {
	Create(ctx context.Context, id string) (snapshot, bool, error)
	Get(ctx context.Context, id string) (snapshot, error)
	Dispatch(ctx context.Context, id string, base int, a kanban.Action) (outcome, error)
	Multi() boardsTransport
	Audit(ctx context.Context, id string) ([]store.AuditRecord, error)
	Close() error
}

// targetOptions selects a backend: --server for a running server,
// otherwise --db (default TANDEM_DB_PATH).
type targetOptions struct {
	DB     string
	Server string
}

func (t *targetOptions) register(cmd *cobra.Command, remote bool) {
	cmd.Flags().StringVar(&t.DB, "db", "", "path to SQLite database (default $TANDEM_DB_PATH)")
	if remote {
		cmd.Flags().StringVar(&t.Server, "server", "", "server URL; talk to a running server instead of --db")
		cmd.MarkFlagsMutuallyExclusive("db", "server")
	}
}

func (t *targetOptions) open(root *RootOptions) (backend, error) {
	if t.Server != "" {
		c, err := transport.NewClient(t.Server, boardCodec)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid server URL", err)
		}
		return &remoteBackend{c: c}, nil
	}
	svc, st, err := openService(root, t.DB)
	if err != nil {
		return nil, err
	}
	return &localBackend{svc: svc, st: st}, nil
}

// openService opens the database at path, or the configured one.
func openService(root *RootOptions, path string, opts ...service.Option) (*boardService, *store.Store, error) {
	if path == "" {
		cfg, err := root.config()
		if err != nil {
			return nil, nil, err
		}
		path = cfg.DBPath
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	opts = append([]service.Option{service.WithKind(boardKind)}, opts...)
	return service.New(boardsDomain, boardCodec, st, opts...), st, nil
}

// commandError turns service and transport failures into exit codes.
func commandError(op string, err error) error {
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return err
	case service.IsNotFound(err), transport.IsNotFound(err):
		return WrapExitError(ExitCommandError, op, err)
	case errors.Is(err, transport.ErrNetwork):
		return WrapExitError(ExitCommandError, op+": server unreachable", err)
	default:
		return WrapExitError(ExitFailure, op, err)
	}
}

type localBackend struct {
	svc *boardService
	st  *store.Store
}

func (b *localBackend) Create(ctx context.Context, id string) (snapshot, bool, error) {
	snap, created, err := b.svc.Create(ctx, id)
	if err != nil {
		return snapshot{}, false, err
	}
	return snapshot{ID: id, Version: snap.Version, Board: snap.Present}, created, nil
}

func (b *localBackend) Get(ctx context.Context, id string) (snapshot, error) {
	snap, err := b.svc.Get(ctx, id)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{ID: id, Version: snap.Version, Board: snap.Present}, nil
}

func (b *localBackend) Dispatch(ctx context.Context, id string, base int, a kanban.Action) (outcome, error) {
	res, err := b.svc.Dispatch(ctx, id, base, a)
	if service.IsConflict(err) || service.IsInvalidBaseVersion(err) {
		return outcome{Status: transport.StatusConflict, Reason: string(service.CodeOf(err)), Detail: err.Error()}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	r := res.Reply
	out := outcome{Version: r.Version, NoChange: r.NoChange, Reason: r.Reason, Detail: r.Detail, Seq: res.Seq}
	if !r.Accepted {
		out.Status = transport.StatusRejected
		return out, nil
	}
	out.Status = transport.StatusAccepted
	if out.Applied, err = kanban.MarshalAction(r.Applied); err != nil {
		return outcome{}, err
	}
	return out, nil
}

func (b *localBackend) Multi() boardsTransport { return b.svc.MultiTransport() }

func (b *localBackend) Audit(ctx context.Context, id string) ([]store.AuditRecord, error) {
	return b.svc.RawAudit(ctx, id)
}

func (b *localBackend) Close() error { return b.st.Close() }

type remoteBackend struct {
	c *boardClient
}

func (b *remoteBackend) Create(ctx context.Context, id string) (snapshot, bool, error) {
	snap, created, err := b.c.Create(ctx, id)
	if err != nil {
		return snapshot{}, false, err
	}
	return snapshot{ID: id, Version: snap.Version, Board: snap.Model}, created, nil
}

func (b *remoteBackend) Get(ctx context.Context, id string) (snapshot, error) {
	snap, err := b.c.Get(ctx, id)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{ID: id, Version: snap.Version, Board: snap.Model}, nil
}

func (b *remoteBackend) Dispatch(ctx context.Context, id string, base int, a kanban.Action) (outcome, error) {
	resp, err := b.c.Dispatch(ctx, id, base, a, "")
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		Status:   resp.Status,
		Version:  resp.Version,
		Applied:  resp.Applied,
		NoChange: resp.NoChange,
		Reason:   resp.Reason,
		Detail:   resp.Detail,
		Seq:      resp.Seq,
	}, nil
}

func (b *remoteBackend) Multi() boardsTransport { return b.c.Multi() }

func (b *remoteBackend) Audit(ctx context.Context, id string) ([]store.AuditRecord, error) {
	return b.c.Audit(ctx, id)
}

func (b *remoteBackend) Close() error { return nil }

// parseAction decodes a kanban action from its JSON wire form.
func parseAction(s string) (kanban.Action, error) {
	a, err := kanban.UnmarshalAction([]byte(s))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --action", err)
	}
	return a, nil
}

func describe(a kanban.Action) string {
	data, err := kanban.MarshalAction(a)
	if err != nil {
		return fmt.Sprintf("%T", a)
	}
	return string(data)
}
