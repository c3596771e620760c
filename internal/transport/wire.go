// Package transport exposes a service over HTTP and websocket and provides
// the matching client.
//
// Routes:
//
//	GET  /healthz
//	GET  /aggregates
//	PUT  /aggregates/{id}             create (idempotent)
//	GET  /aggregates/{id}             snapshot
//	POST /aggregates/{id}/dispatch    single-aggregate dispatch
//	GET  /aggregates/{id}/audit       audit records
//	GET  /aggregates/{id}/realtime    websocket, msgpack realtime.Update frames
//	POST /multi-dispatch              cross-aggregate dispatch
package transport

import (
	"encoding/json"

	"github.com/roach88/tandem/internal/store"
)

// Dispatch statuses on the wire.
const (
	StatusAccepted = "accepted"
	StatusConflict = "conflict"
	StatusRejected = "rejected"
)

// SnapshotBody is the wire form of an aggregate snapshot.
type SnapshotBody struct {
	ID      string          `json:"id"`
	Version int             `json:"version"`
	State   json.RawMessage `json:"state"`
}

// DispatchRequest is the body of POST /aggregates/{id}/dispatch.
type DispatchRequest struct {
	BaseVersion int             `json:"baseVersion"`
	Action      json.RawMessage `json:"action"`
	RequestID   string          `json:"requestId,omitempty"`
}

// DispatchResponse answers a dispatch. Version and State are the new
// snapshot when accepted and the current one otherwise.
type DispatchResponse struct {
	Status   string          `json:"status"`
	Version  int             `json:"version,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	Applied  json.RawMessage `json:"applied,omitempty"`
	NoChange bool            `json:"noChange,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Seq      int64           `json:"seq,omitempty"`
}

// MultiDispatchRequest is the body of POST /multi-dispatch.
type MultiDispatchRequest struct {
	BaseVersions map[string]int  `json:"baseVersions"`
	Action       json.RawMessage `json:"action"`
	RequestID    string          `json:"requestId,omitempty"`
}

// MultiDispatchResponse answers a multi-dispatch. Versions and States cover
// every existing touched aggregate.
type MultiDispatchResponse struct {
	Status   string                     `json:"status"`
	Changed  []string                   `json:"changed"`
	Versions map[string]int             `json:"versions"`
	States   map[string]json.RawMessage `json:"states"`
	NoChange bool                       `json:"noChange,omitempty"`
	Reason   string                     `json:"reason,omitempty"`
	Detail   string                     `json:"detail,omitempty"`
	Seq      int64                      `json:"seq,omitempty"`
}

// AuditBody lists an aggregate's audit records.
type AuditBody struct {
	ID      string              `json:"id"`
	Records []store.AuditRecord `json:"records"`
}

// ErrorBody is the body of every non-2xx response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a service error code.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
