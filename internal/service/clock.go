package service

import "sync/atomic"

// Sequencer hands out strictly increasing dispatch sequence numbers.
type Sequencer interface {
	Next() int64
}

// Clock is a monotonic logical clock. Every dispatch the service handles is
// stamped with a seq from it, so the log lines and replies of one process
// can be ordered without wall time. Seqs are not persisted: a new Clock
// starts over at 1.
//
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}
