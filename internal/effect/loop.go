package effect

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RoundTrip performs the I/O of one command and reports its outcome as the
// next event.
type RoundTrip func(ctx context.Context) Event

// Loop is the single-writer event loop behind an orchestrator.
//
// step runs on the Run goroutine for every event. exec maps the returned
// command to a RoundTrip, or nil when there is nothing to perform; exec
// itself also runs on the Run goroutine, the RoundTrip on its own, and its
// event is enqueued so that every state change still happens in Run.
type Loop[S, C any] struct {
	step    func(S, Event) (S, C)
	exec    func(C) RoundTrip
	observe func(S, Event)
	tick    time.Duration
	queue   *eventQueue

	mu    sync.RWMutex
	state S

	inflight sync.WaitGroup
}

// NewLoop creates a loop starting from initial. observe may be nil; a zero
// tick disables Tick events.
func NewLoop[S, C any](initial S, step func(S, Event) (S, C), exec func(C) RoundTrip, observe func(S, Event), tick time.Duration) *Loop[S, C] {
	return &Loop[S, C]{
		step:    step,
		exec:    exec,
		observe: observe,
		tick:    tick,
		queue:   newEventQueue(),
		state:   initial,
	}
}

// Enqueue submits an event. Returns false once the loop has stopped.
func (l *Loop[S, C]) Enqueue(ev Event) bool {
	return l.queue.Enqueue(ev)
}

// State returns the current state.
func (l *Loop[S, C]) State() S {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Run processes events until ctx is cancelled or Stop is called, then waits
// for in-flight round trips to finish.
//
// Must be called from exactly one goroutine.
func (l *Loop[S, C]) Run(ctx context.Context) error {
	slog.Debug("effect loop starting")
	defer l.inflight.Wait()

	var tick <-chan time.Time
	if l.tick > 0 {
		t := time.NewTicker(l.tick)
		defer t.Stop()
		tick = t.C
	}

	for {
		if ev, ok := l.queue.TryDequeue(); ok {
			l.process(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("effect loop stopping: context cancelled")
			l.queue.Close()
			return ctx.Err()

		case <-tick:
			l.process(ctx, Tick{})

		case <-l.queue.Wait():
			if l.queue.Closed() && l.queue.Len() == 0 {
				slog.Debug("effect loop stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the event queue; Run returns once it has drained.
func (l *Loop[S, C]) Stop() {
	l.queue.Close()
}

func (l *Loop[S, C]) process(ctx context.Context, ev Event) {
	l.mu.Lock()
	next, cmd := l.step(l.state, ev)
	l.state = next
	l.mu.Unlock()

	if l.observe != nil {
		l.observe(next, ev)
	}

	rt := l.exec(cmd)
	if rt == nil {
		return
	}
	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		reply := rt(ctx)
		if !l.queue.Enqueue(reply) {
			slog.Debug("effect reply dropped: loop stopped", "event", reply.EventName())
		}
	}()
}
