package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Queue runs callbacks for one identifier in submission order. Each
// submission is tracked by an Instance whose index is its ticket; tickets
// are served in order, and a ticket that expires while queued is skipped.
type Queue struct {
	m          *Manager
	identifier string

	mu       sync.Mutex
	next     int
	serving  int
	finished map[int]struct{}
}

// NewQueue returns an empty queue serializing identifier through m.
func NewQueue(m *Manager, identifier string) *Queue {
	return &Queue{m: m, identifier: identifier, finished: make(map[int]struct{})}
}

// Len returns the number of tickets not yet finished.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next - q.serving - len(q.finished)
}

// Submit enqueues fn under name and blocks until it ran, expired or was
// canceled. The returned instance records the ticket, the final state and
// whether fn was started.
func (q *Queue) Submit(ctx context.Context, name string, fn Callback, opts ...RunOption) (*Instance, State, error) {
	cfg, err := q.m.runConfig(opts)
	if err != nil {
		return nil, StateUndefined, err
	}

	var expired atomic.Bool
	in := NewInstance(name, cfg.expiration, func(snapshot *Instance) {
		expired.Store(true)
		idx, _ := snapshot.Index()
		q.m.logger.Info("queued lock expired", "identifier", q.identifier, "name", snapshot.Name(), "index", idx)
	})
	defer in.Dispose()

	q.mu.Lock()
	ticket := q.next
	q.next++
	q.mu.Unlock()
	_ = in.SetIndex(ticket)
	defer q.finish(ticket)

	start := time.Now()
	ticker := time.NewTicker(cfg.checkInterval)
	defer ticker.Stop()
	for !q.turn(ticket) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			in.SetState(StateCanceled)
			return in, StateCanceled, ctx.Err()
		}
		if expired.Load() {
			in.SetState(StateExpired)
			return in, StateExpired, nil
		}
	}

	runOpts := []RunOption{CheckInterval(cfg.checkInterval)}
	if cfg.expiration > 0 {
		remaining := cfg.expiration - time.Since(start)
		if remaining <= 0 {
			in.SetState(StateExpired)
			return in, StateExpired, nil
		}
		runOpts = append(runOpts, Expiration(remaining))
	}
	state, err := q.m.Run(ctx, q.identifier, func(ctx context.Context) error {
		_ = in.SetExecuted(true)
		in.SetState(StateLocked)
		return fn(ctx)
	}, runOpts...)
	in.SetState(state)
	return in, state, err
}

func (q *Queue) turn(ticket int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.serving == ticket
}

func (q *Queue) finish(ticket int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finished[ticket] = struct{}{}
	for {
		if _, ok := q.finished[q.serving]; !ok {
			return
		}
		delete(q.finished, q.serving)
		q.serving++
	}
}
