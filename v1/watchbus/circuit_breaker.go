package watchbus

import (
	"context"
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/go-namedlock/v1/errors"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker decorates a WatchBus so that a failing backend stops
// receiving publishes for timeout after threshold consecutive errors.
// Watches are passed through unchanged.
type CircuitBreaker struct {
	bus       WatchBus
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker around bus.
func NewCircuitBreaker(bus WatchBus, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{bus: bus, threshold: threshold, timeout: timeout}
}

// IsHealthy returns true unless the circuit is open and still cooling down.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == breakerOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow moves an open circuit to half-open once the timeout elapsed. A
// half-open circuit lets a single probe through.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = breakerHalfOpen
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == breakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = breakerOpen
	}
}

// Publish implements WatchBus.Publish, failing fast with ErrCircuitOpen
// while the circuit is open.
func (cb *CircuitBreaker) Publish(ctx context.Context, key string, data []byte) error {
	if !cb.allow() {
		return warperrors.ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, key, data); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Watch implements WatchBus.Watch.
func (cb *CircuitBreaker) Watch(ctx context.Context, key string) (chan []byte, error) {
	return cb.bus.Watch(ctx, key)
}

// Unwatch implements WatchBus.Unwatch.
func (cb *CircuitBreaker) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	return cb.bus.Unwatch(ctx, key, ch)
}

// SubscribePrefix forwards to the wrapped bus when it supports prefixes.
func (cb *CircuitBreaker) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	pw, ok := cb.bus.(PrefixWatcher)
	if !ok {
		return nil, warperrors.ErrPrefixUnsupported
	}
	return pw.SubscribePrefix(ctx, prefix)
}
