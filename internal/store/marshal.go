package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/tandem/internal/canonical"
)

// canonicalText converts a JSON document to canonical TEXT for storage so
// equal values are stored byte-identically.
func canonicalText(what string, data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("marshal %s: empty document", what)
	}
	c, err := canonical.Canonicalize(data)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", what, err)
	}
	return string(c), nil
}

// canonicalState returns the canonical state text and its hash.
func canonicalState(state json.RawMessage) (text, hash string, err error) {
	text, err = canonicalText("state", state)
	if err != nil {
		return "", "", err
	}
	hash, err = canonical.StateHash([]byte(text))
	if err != nil {
		return "", "", err
	}
	return text, hash, nil
}

// marshalTouched stores a touched set as a canonical JSON array.
func marshalTouched(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := canonical.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal touched: %w", err)
	}
	return string(data), nil
}

func unmarshalTouched(data string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal touched: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
