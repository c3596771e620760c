package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs yields "<prefix>-1", "<prefix>-2", ... and never runs out.
// It satisfies effect.RequestIDGenerator for golden traces where the number
// of requests is not known up front.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs returns a generator with the given prefix, "req" if
// empty.
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "req"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
