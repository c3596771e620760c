package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestAggregate creates a board aggregate with an empty state.
func createTestAggregate(t *testing.T, s *Store, id string) Aggregate {
	t.Helper()
	agg, created, err := s.CreateAggregate(context.Background(), id, "board", json.RawMessage(`{"cards":{}}`))
	if err != nil {
		t.Fatalf("CreateAggregate(%q) failed: %v", id, err)
	}
	if !created {
		t.Fatalf("CreateAggregate(%q) reported existing row", id)
	}
	return agg
}

// advanceWrite builds a write that moves id from base to base+1.
func advanceWrite(id string, base int, state, action string) Write {
	return Write{
		Aggregate:   id,
		BaseVersion: base,
		State:       json.RawMessage(state),
		Action:      json.RawMessage(action),
		Audit:       json.RawMessage(`{"outcome":{"status":"accepted"}}`),
	}
}
