// Package realtime fans out aggregate snapshots to subscribers.
//
// An Update is a full snapshot, so a newer update supersedes an older one
// for the same aggregate. Slow subscribers therefore lose intermediate
// updates, never the latest.
package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Update is one pushed snapshot of an aggregate.
type Update struct {
	AggregateID string          `msgpack:"aggregateId" json:"aggregateId"`
	Version     int             `msgpack:"version" json:"version"`
	State       json.RawMessage `msgpack:"state" json:"state"`
}

// Encode serializes u as a msgpack frame.
func Encode(u Update) ([]byte, error) {
	frame, err := msgpack.Marshal(&u)
	if err != nil {
		return nil, fmt.Errorf("encode update %s: %w", u.AggregateID, err)
	}
	return frame, nil
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (Update, error) {
	var u Update
	if err := msgpack.Unmarshal(frame, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	if u.AggregateID == "" {
		return Update{}, fmt.Errorf("decode update: missing aggregateId")
	}
	return u, nil
}
