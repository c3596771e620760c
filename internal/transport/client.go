package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/roach88/tandem/internal/effect"
	"github.com/roach88/tandem/internal/multi"
	"github.com/roach88/tandem/internal/realtime"
	"github.com/roach88/tandem/internal/service"
	"github.com/roach88/tandem/internal/store"
)

// ErrNetwork wraps failures to reach the server or read its answer.
var ErrNetwork = errors.New("network error")

// APIError is a non-2xx answer carrying an ErrorBody.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// Client talks to a Server.
type Client[M, A, X any] struct {
	base  *url.URL
	codec service.Codec[M, A, X]
	http  *http.Client
}

// NewClient parses baseURL, e.g. http://127.0.0.1:8080.
func NewClient[M, A, X any](baseURL string, codec service.Codec[M, A, X]) (*Client[M, A, X], error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	return &Client[M, A, X]{base: u, codec: codec, http: http.DefaultClient}, nil
}

// Snapshot is a decoded aggregate snapshot.
type Snapshot[M any] struct {
	ID      string
	Version int
	Model   M
}

// Create creates id if needed and returns its snapshot.
func (c *Client[M, A, X]) Create(ctx context.Context, id string) (Snapshot[M], bool, error) {
	var body SnapshotBody
	status, err := c.do(ctx, http.MethodPut, c.aggregatePath(id), nil, &body)
	if err != nil {
		return Snapshot[M]{}, false, err
	}
	snap, err := c.snapshot(body)
	return snap, status == http.StatusCreated, err
}

// Get returns the latest snapshot of id.
func (c *Client[M, A, X]) Get(ctx context.Context, id string) (Snapshot[M], error) {
	var body SnapshotBody
	if _, err := c.do(ctx, http.MethodGet, c.aggregatePath(id), nil, &body); err != nil {
		return Snapshot[M]{}, err
	}
	return c.snapshot(body)
}

// List returns every aggregate id.
func (c *Client[M, A, X]) List(ctx context.Context) ([]string, error) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if _, err := c.do(ctx, http.MethodGet, c.base.JoinPath("aggregates"), nil, &body); err != nil {
		return nil, err
	}
	return body.IDs, nil
}

// Dispatch sends action written against base. A lost version race comes
// back as a conflict response, not an error.
func (c *Client[M, A, X]) Dispatch(ctx context.Context, id string, base int, action A, requestID string) (DispatchResponse, error) {
	raw, err := c.codec.EncodeAction(action)
	if err != nil {
		return DispatchResponse{}, fmt.Errorf("encode action: %w", err)
	}
	req := DispatchRequest{BaseVersion: base, Action: raw, RequestID: requestID}

	var resp DispatchResponse
	_, err = c.do(ctx, http.MethodPost, c.aggregatePath(id).JoinPath("dispatch"), req, &resp)
	var ae *APIError
	if errors.As(err, &ae) {
		switch {
		case ae.Status == http.StatusConflict, ae.Code == string(service.CodeInvalidBaseVersion):
			return DispatchResponse{Status: StatusConflict, Reason: ae.Code}, nil
		}
	}
	return resp, err
}

// MultiDispatch sends x with the base versions of its touched aggregates.
func (c *Client[M, A, X]) MultiDispatch(ctx context.Context, bases map[string]int, x X, requestID string) (MultiDispatchResponse, error) {
	raw, err := c.codec.EncodeMulti(x)
	if err != nil {
		return MultiDispatchResponse{}, fmt.Errorf("encode multi-action: %w", err)
	}
	req := MultiDispatchRequest{BaseVersions: bases, Action: raw, RequestID: requestID}

	var resp MultiDispatchResponse
	_, err = c.do(ctx, http.MethodPost, c.base.JoinPath("multi-dispatch"), req, &resp)
	var ae *APIError
	if errors.As(err, &ae) {
		switch {
		case ae.Status == http.StatusConflict, ae.Code == string(service.CodeInvalidBaseVersion):
			return MultiDispatchResponse{Status: StatusConflict, Reason: ae.Code}, nil
		}
	}
	return resp, err
}

// Audit returns the raw audit records of id.
func (c *Client[M, A, X]) Audit(ctx context.Context, id string) ([]store.AuditRecord, error) {
	var body AuditBody
	if _, err := c.do(ctx, http.MethodGet, c.aggregatePath(id).JoinPath("audit"), nil, &body); err != nil {
		return nil, err
	}
	return body.Records, nil
}

// Subscribe streams realtime updates of id to fn until ctx ends or the
// connection drops. The first update is the current snapshot.
func (c *Client[M, A, X]) Subscribe(ctx context.Context, id string, fn func(version int, model M)) error {
	u := *c.aggregatePath(id).JoinPath("realtime")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrNetwork, u.String(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read realtime: %w", ErrNetwork, err)
		}
		update, err := realtime.Decode(frame)
		if err != nil {
			slog.Warn("dropping realtime frame", "aggregate", id, "error", err)
			continue
		}
		m, err := c.codec.DecodeModel(update.State)
		if err != nil {
			slog.Warn("dropping realtime frame", "aggregate", id, "error", err)
			continue
		}
		fn(update.Version, m)
	}
}

// For returns an effect.Transport bound to one aggregate.
func (c *Client[M, A, X]) For(id string) *AggregateTransport[M, A, X] {
	return &AggregateTransport[M, A, X]{c: c, id: id}
}

// AggregateTransport adapts a Client to effect.Transport.
type AggregateTransport[M, A, X any] struct {
	c  *Client[M, A, X]
	id string
}

// Dispatch sends action and decodes the answer for the driver.
func (t *AggregateTransport[M, A, X]) Dispatch(ctx context.Context, base int, action A, requestID string) (effect.Response[M], error) {
	resp, err := t.c.Dispatch(ctx, t.id, base, action, requestID)
	if err != nil {
		return effect.Response[M]{}, err
	}
	out := effect.Response[M]{Status: resp.Status, Version: resp.Version, Reason: resp.Reason}
	switch resp.Status {
	case StatusConflict:
		return out, nil
	case StatusAccepted, StatusRejected:
		m, err := t.c.codec.DecodeModel(resp.State)
		if err != nil {
			return effect.Response[M]{}, fmt.Errorf("decode state: %w", err)
		}
		out.Model = m
		return out, nil
	default:
		return effect.Response[M]{}, fmt.Errorf("unknown dispatch status %q", resp.Status)
	}
}

// Fetch returns the aggregate's latest snapshot.
func (t *AggregateTransport[M, A, X]) Fetch(ctx context.Context) (int, M, error) {
	snap, err := t.c.Get(ctx, t.id)
	if err != nil {
		var zero M
		return 0, zero, err
	}
	return snap.Version, snap.Model, nil
}

// Multi returns a multi.Transport over the client.
func (c *Client[M, A, X]) Multi() *MultiTransport[M, A, X] {
	return &MultiTransport[M, A, X]{c: c}
}

// MultiTransport adapts a Client to multi.Transport.
type MultiTransport[M, A, X any] struct {
	c *Client[M, A, X]
}

// MultiDispatch sends x and decodes the touched snapshots for the driver.
func (t *MultiTransport[M, A, X]) MultiDispatch(ctx context.Context, bases map[string]int, x X, requestID string) (multi.Response[M], error) {
	resp, err := t.c.MultiDispatch(ctx, bases, x, requestID)
	if err != nil {
		return multi.Response[M]{}, err
	}
	out := multi.Response[M]{
		Status:   resp.Status,
		Versions: resp.Versions,
		Changed:  resp.Changed,
		NoChange: resp.NoChange,
		Reason:   resp.Reason,
		Detail:   resp.Detail,
		Seq:      resp.Seq,
	}
	switch resp.Status {
	case StatusConflict:
		return out, nil
	case StatusAccepted, StatusRejected:
		out.Models = make(map[string]M, len(resp.States))
		for id, raw := range resp.States {
			m, err := t.c.codec.DecodeModel(raw)
			if err != nil {
				return multi.Response[M]{}, fmt.Errorf("decode %s: %w", id, err)
			}
			out.Models[id] = m
		}
		return out, nil
	default:
		return multi.Response[M]{}, fmt.Errorf("unknown multi-dispatch status %q", resp.Status)
	}
}

// Fetch returns the latest snapshot of id.
func (t *MultiTransport[M, A, X]) Fetch(ctx context.Context, id string) (int, M, error) {
	return t.c.For(id).Fetch(ctx)
}

func (c *Client[M, A, X]) aggregatePath(id string) *url.URL {
	return c.base.JoinPath("aggregates", id)
}

func (c *Client[M, A, X]) snapshot(body SnapshotBody) (Snapshot[M], error) {
	m, err := c.codec.DecodeModel(body.State)
	if err != nil {
		return Snapshot[M]{}, fmt.Errorf("decode %s: %w", body.ID, err)
	}
	return Snapshot[M]{ID: body.ID, Version: body.Version, Model: m}, nil
}

// do sends in as JSON and decodes a 2xx answer into out. Non-2xx answers
// become *APIError; everything else is wrapped in ErrNetwork.
func (c *Client[M, A, X]) do(ctx context.Context, method string, u *url.URL, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, u.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}
	if resp.StatusCode/100 != 2 {
		var eb ErrorBody
		if json.Unmarshal(raw, &eb) != nil || eb.Error.Code == "" {
			// 409 dispatch answers carry a DispatchResponse instead.
			eb.Error.Code = http.StatusText(resp.StatusCode)
			eb.Error.Message = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Code: eb.Error.Code, Message: eb.Error.Message}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode response: %w", ErrNetwork, err)
		}
	}
	return resp.StatusCode, nil
}

// BaseURL returns the server address the client was created with.
func (c *Client[M, A, X]) BaseURL() string {
	return strings.TrimSuffix(c.base.String(), "/")
}
