package realtime

import (
	"log/slog"
	"sync"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 8

// Hub routes updates to the subscribers of each aggregate. It is safe for
// concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// NewHub creates a hub whose subscribers buffer up to buffer updates.
// buffer < 1 uses DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription receives the updates of one aggregate on C until Close.
type Subscription struct {
	C <-chan Update

	ch        chan Update
	hub       *Hub
	aggregate string
	once      sync.Once
}

// Subscribe registers interest in one aggregate.
func (h *Hub) Subscribe(aggregateID string) *Subscription {
	ch := make(chan Update, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, aggregate: aggregateID}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[aggregateID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[aggregateID] = set
	}
	set[sub] = struct{}{}
	slog.Debug("realtime subscribe", "aggregate", aggregateID, "subscribers", len(set))
	return sub
}

// Close unregisters the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[s.aggregate]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.aggregate)
			}
		}
		close(s.ch)
	})
}

// Publish delivers u to every subscriber of its aggregate without
// blocking. A full subscriber drops its oldest queued update.
func (h *Hub) Publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[u.AggregateID] {
		select {
		case sub.ch <- u:
			continue
		default:
		}
		// Full. Only Publish sends and it holds mu, so after dropping the
		// oldest there is room.
		select {
		case <-sub.ch:
			slog.Debug("realtime drop", "aggregate", u.AggregateID)
		default:
		}
		sub.ch <- u
	}
}

// Subscribers returns the number of live subscriptions to an aggregate.
func (h *Hub) Subscribers(aggregateID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[aggregateID])
}
