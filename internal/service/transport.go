package service

import (
	"context"
	"log/slog"

	"github.com/roach88/tandem/internal/effect"
	"github.com/roach88/tandem/internal/multi"
)

// LocalTransport connects an effect.Driver to a Service in the same
// process.
type LocalTransport[M, A, X any] struct {
	svc *Service[M, A, X]
	id  string
}

// Transport returns an effect.Transport for one aggregate.
func (s *Service[M, A, X]) Transport(id string) *LocalTransport[M, A, X] {
	return &LocalTransport[M, A, X]{svc: s, id: id}
}

// Dispatch maps a service dispatch onto a driver response. A concurrent
// writer or a base version the server never had both answer conflict, so
// the driver refetches and retries.
func (t *LocalTransport[M, A, X]) Dispatch(ctx context.Context, base int, action A, requestID string) (effect.Response[M], error) {
	res, err := t.svc.Dispatch(ctx, t.id, base, action)
	switch {
	case IsConflict(err), IsInvalidBaseVersion(err):
		slog.Debug("local dispatch conflict", "aggregate", t.id, "request_id", requestID, "error", err)
		return effect.Response[M]{Status: effect.StatusConflict}, nil
	case err != nil:
		return effect.Response[M]{}, err
	}

	r := res.Reply
	if !r.Accepted {
		return effect.Response[M]{Status: effect.StatusRejected, Version: r.Version, Model: r.Present, Reason: r.Reason}, nil
	}
	return effect.Response[M]{Status: effect.StatusAccepted, Version: r.Version, Model: r.Present}, nil
}

// Fetch returns the aggregate's latest snapshot.
func (t *LocalTransport[M, A, X]) Fetch(ctx context.Context) (int, M, error) {
	snap, err := t.svc.Get(ctx, t.id)
	if err != nil {
		var zero M
		return 0, zero, err
	}
	return snap.Version, snap.Present, nil
}

// LocalMultiTransport connects a multi.Driver to a Service in the same
// process.
type LocalMultiTransport[M, A, X any] struct {
	svc *Service[M, A, X]
}

// MultiTransport returns a multi.Transport over the service.
func (s *Service[M, A, X]) MultiTransport() *LocalMultiTransport[M, A, X] {
	return &LocalMultiTransport[M, A, X]{svc: s}
}

// MultiDispatch maps a service multi-dispatch onto a driver response, with
// the same conflict mapping as LocalTransport.Dispatch.
func (t *LocalMultiTransport[M, A, X]) MultiDispatch(ctx context.Context, bases map[string]int, x X, requestID string) (multi.Response[M], error) {
	res, err := t.svc.MultiDispatch(ctx, bases, x)
	switch {
	case IsConflict(err), IsInvalidBaseVersion(err):
		slog.Debug("local multi dispatch conflict", "request_id", requestID, "error", err)
		return multi.Response[M]{Status: effect.StatusConflict, Reason: string(CodeOf(err)), Detail: err.Error()}, nil
	case err != nil:
		return multi.Response[M]{}, err
	}

	r := res.Reply
	out := multi.Response[M]{
		Status:   effect.StatusRejected,
		Versions: r.Versions,
		Models:   r.Presents,
		Changed:  r.Changed,
		NoChange: r.NoChange,
		Reason:   r.Reason,
		Detail:   r.Detail,
		Seq:      res.Seq,
	}
	if r.Accepted {
		out.Status = effect.StatusAccepted
	}
	return out, nil
}

// Fetch returns the latest snapshot of id.
func (t *LocalMultiTransport[M, A, X]) Fetch(ctx context.Context, id string) (int, M, error) {
	return t.svc.Transport(id).Fetch(ctx)
}
