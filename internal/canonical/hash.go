package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash domains. The version suffix allows the algorithm to change without
// colliding with stored values.
const (
	DomainState = "tandem/state/v1"
	DomainAudit = "tandem/audit/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateHash identifies an aggregate state by its JSON encoding. Two
// encodings that differ only in key order or whitespace hash the same.
func StateHash(stateJSON []byte) (string, error) {
	c, err := Canonicalize(stateJSON)
	if err != nil {
		return "", fmt.Errorf("state hash: %w", err)
	}
	return hashWithDomain(DomainState, c), nil
}

// AuditRecordID identifies one audit record. seq makes ids of identical
// requests distinct.
func AuditRecordID(aggregateID string, seq int64, record []byte) (string, error) {
	c, err := Marshal(struct {
		Aggregate string          `json:"aggregate"`
		Seq       int64           `json:"seq"`
		Record    json.RawMessage `json:"record"`
	}{aggregateID, seq, json.RawMessage(record)})
	if err != nil {
		return "", fmt.Errorf("audit record id: %w", err)
	}
	return hashWithDomain(DomainAudit, c), nil
}
