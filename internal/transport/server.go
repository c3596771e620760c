package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/tandem/internal/realtime"
	"github.com/roach88/tandem/internal/service"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// writeWait bounds a single websocket write.
const writeWait = 10 * time.Second

// Server serves one aggregate service over HTTP.
type Server[M, A, X any] struct {
	svc      *service.Service[M, A, X]
	codec    service.Codec[M, A, X]
	hub      *realtime.Hub
	upgrader websocket.Upgrader
}

// NewServer wraps svc. hub must be the publisher svc was created with for
// realtime subscriptions to see its updates.
func NewServer[M, A, X any](svc *service.Service[M, A, X], codec service.Codec[M, A, X], hub *realtime.Hub) *Server[M, A, X] {
	return &Server[M, A, X]{
		svc:   svc,
		codec: codec,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the routed handler with access logging.
func (s *Server[M, A, X]) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(accessLog)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/aggregates").HandlerFunc(s.list)
	r.Methods(http.MethodPut).Path("/aggregates/{id}").HandlerFunc(s.create)
	r.Methods(http.MethodGet).Path("/aggregates/{id}").HandlerFunc(s.get)
	r.Methods(http.MethodPost).Path("/aggregates/{id}/dispatch").HandlerFunc(s.dispatch)
	r.Methods(http.MethodGet).Path("/aggregates/{id}/audit").HandlerFunc(s.audit)
	r.Methods(http.MethodGet).Path("/aggregates/{id}/realtime").HandlerFunc(s.realtime)
	r.Methods(http.MethodPost).Path("/multi-dispatch").HandlerFunc(s.multiDispatch)
	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		slog.Info("handled", "method", r.Method, "url", r.URL, "duration", m.Duration, "status", m.Code, "bytes", m.Written)
	})
}

func (s *Server[M, A, X]) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server[M, A, X]) list(w http.ResponseWriter, r *http.Request) {
	ids, err := s.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"ids": ids})
}

func (s *Server[M, A, X]) create(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, created, err := s.svc.Create(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := s.snapshotBody(snap)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, body)
}

func (s *Server[M, A, X]) get(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := s.snapshotBody(snap)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server[M, A, X]) dispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req DispatchRequest
	if err := readJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	action, err := s.codec.DecodeAction(req.Action)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	res, err := s.svc.Dispatch(r.Context(), id, req.BaseVersion, action)
	if service.IsConflict(err) {
		slog.Info("dispatch conflict", "aggregate", id, "request_id", req.RequestID)
		writeJSON(w, http.StatusConflict, DispatchResponse{Status: StatusConflict, Reason: string(service.CodeVersionConflict)})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	reply := res.Reply
	resp := DispatchResponse{
		Status:   StatusRejected,
		Version:  reply.Version,
		NoChange: reply.NoChange,
		Reason:   reply.Reason,
		Detail:   reply.Detail,
		Seq:      res.Seq,
	}
	if resp.State, err = s.codec.EncodeModel(reply.Present); err != nil {
		writeError(w, err)
		return
	}
	if reply.Accepted {
		resp.Status = StatusAccepted
		if resp.Applied, err = s.codec.EncodeAction(reply.Applied); err != nil {
			writeError(w, err)
			return
		}
	}
	slog.Debug("dispatch handled", "aggregate", id, "request_id", req.RequestID, "status", resp.Status, "version", resp.Version)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server[M, A, X]) multiDispatch(w http.ResponseWriter, r *http.Request) {
	var req MultiDispatchRequest
	if err := readJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	x, err := s.codec.DecodeMulti(req.Action)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	res, err := s.svc.MultiDispatch(r.Context(), req.BaseVersions, x)
	if service.IsConflict(err) {
		slog.Info("multi dispatch conflict", "request_id", req.RequestID)
		writeJSON(w, http.StatusConflict, MultiDispatchResponse{Status: StatusConflict, Reason: string(service.CodeVersionConflict)})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	reply := res.Reply
	slog.Debug("multi dispatch handled", "request_id", req.RequestID, "accepted", reply.Accepted, "changed", reply.Changed)
	resp := MultiDispatchResponse{
		Status:   StatusRejected,
		Changed:  reply.Changed,
		Versions: reply.Versions,
		States:   make(map[string]json.RawMessage, len(reply.Presents)),
		NoChange: reply.NoChange,
		Reason:   reply.Reason,
		Detail:   reply.Detail,
		Seq:      res.Seq,
	}
	if reply.Accepted {
		resp.Status = StatusAccepted
	}
	if resp.Changed == nil {
		resp.Changed = []string{}
	}
	if resp.Versions == nil {
		resp.Versions = map[string]int{}
	}
	for id, m := range reply.Presents {
		if resp.States[id], err = s.codec.EncodeModel(m); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server[M, A, X]) audit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	records, err := s.svc.RawAudit(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditBody{ID: id, Records: records})
}

// realtime streams the aggregate's current snapshot and then every
// published update until the client goes away.
func (s *Server[M, A, X]) realtime(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// Subscribe before reading the snapshot so no update falls in between.
	sub := s.hub.Subscribe(id)
	defer sub.Close()

	snap, err := s.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := s.codec.EncodeModel(snap.Present)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade", "aggregate", id, "error", err)
		return
	}
	defer conn.Close()

	// The read side only watches for the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeUpdate(conn, realtime.Update{AggregateID: id, Version: snap.Version, State: state}); err != nil {
		slog.Error("realtime write failed", "aggregate", id, "error", err)
		return
	}
	for {
		select {
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			// Older than what the peer already has.
			if u.Version <= snap.Version {
				continue
			}
			if err := writeUpdate(conn, u); err != nil {
				slog.Error("realtime write failed", "aggregate", id, "error", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeUpdate(conn *websocket.Conn, u realtime.Update) error {
	frame, err := realtime.Encode(u)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *Server[M, A, X]) snapshotBody(snap service.Snapshot[M]) (SnapshotBody, error) {
	state, err := s.codec.EncodeModel(snap.Present)
	if err != nil {
		return SnapshotBody{}, fmt.Errorf("encode %s: %w", snap.ID, err)
	}
	return SnapshotBody{ID: snap.ID, Version: snap.Version, State: state}, nil
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Code: "BAD_REQUEST", Message: err.Error()}})
}

// writeError maps service error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var se *service.Error
	if !errors.As(err, &se) {
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{Code: "INTERNAL", Message: "internal error"}})
		return
	}
	status := http.StatusInternalServerError
	switch se.Code {
	case service.CodeNotFound:
		status = http.StatusNotFound
	case service.CodeInvalidBaseVersion:
		status = http.StatusBadRequest
	case service.CodeVersionConflict:
		status = http.StatusConflict
	case service.CodeRejected:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: string(se.Code), Message: se.Error()}})
}
