package lock

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-namedlock/v1/errors"
	"github.com/mirkobrombin/go-namedlock/v1/metrics"
	"github.com/mirkobrombin/go-namedlock/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-namedlock/v1/lock")

// Callback is the critical section executed while the lock is held.
type Callback func(ctx context.Context) error

// Manager serializes callbacks per identifier. Waiters poll the table at
// their check interval until the entry is free, claim it and run their
// callback.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*Record

	expiration    time.Duration
	checkInterval time.Duration
	logger        *slog.Logger
	events        watchbus.WatchBus
	traceEnabled  bool

	publishCh     chan Event
	publisherDone chan struct{}
	closed        bool
}

// New returns a Manager with an empty table. A Manager configured with
// WithEvents publishes from a background goroutine released by Close.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		locks:         make(map[string]*Record),
		checkInterval: defaultCheckInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.checkInterval <= 0 {
		return nil, fmt.Errorf("lock: check interval %v must be positive: %w", m.checkInterval, warperrors.ErrInvalidArgument)
	}
	if m.expiration < 0 {
		return nil, fmt.Errorf("lock: expiration %v must not be negative: %w", m.expiration, warperrors.ErrInvalidArgument)
	}
	if m.events != nil {
		m.startPublisher()
	}
	return m, nil
}

// State returns the state of the table entry for identifier, or
// StateUndefined when no claim was ever made.
func (m *Manager) State(identifier string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.locks[identifier]; ok {
		return rec.State
	}
	return StateUndefined
}

// Records returns a copy of every table entry ordered by identifier.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.locks))
	for _, rec := range m.locks {
		out = append(out, *rec)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Record) int { return cmp.Compare(a.Identifier, b.Identifier) })
	return out
}

// Cancel marks the current holder of identifier as canceled. It returns
// false when the entry is not locked. A running callback is not interrupted,
// but its Run call returns StateCanceled at the next poll tick and the
// identifier becomes claimable.
func (m *Manager) Cancel(identifier string) bool {
	m.mu.Lock()
	rec, ok := m.locks[identifier]
	if !ok || rec.State != StateLocked {
		m.mu.Unlock()
		return false
	}
	rec.State = StateCanceled
	m.emit(rec, StateCanceled)
	m.mu.Unlock()

	metrics.CancelCounter.Inc()
	m.logger.Info("lock canceled", "identifier", identifier)
	return true
}

// Wait blocks until identifier is free, claims it and releases it
// immediately. It is Run with an empty critical section.
func (m *Manager) Wait(ctx context.Context, identifier string, opts ...RunOption) (State, error) {
	return m.Run(ctx, identifier, func(context.Context) error { return nil }, opts...)
}

// Run waits for identifier to be free, claims it and executes fn.
//
// The returned state is StateUnlocked once fn returned; fn's error is
// returned alongside. StateExpired is returned when the expiration elapsed
// at a poll tick before fn completed, StateCanceled when the claim was
// canceled through Cancel or ctx was done. A ctx already done when the entry
// becomes free keeps fn from starting. Invalid options fail before any
// waiting with ErrInvalidArgument.
func (m *Manager) Run(ctx context.Context, identifier string, fn Callback, opts ...RunOption) (State, error) {
	cfg, err := m.runConfig(opts)
	if err != nil {
		return StateUndefined, err
	}
	if fn == nil {
		return StateUndefined, fmt.Errorf("lock: nil callback for %q: %w", identifier, warperrors.ErrInvalidArgument)
	}

	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Manager.Run", trace.WithAttributes(
			attribute.String("namedlock.identifier", identifier),
			attribute.Int64("namedlock.expiration_ms", cfg.expiration.Milliseconds()),
			attribute.Int64("namedlock.check_interval_ms", cfg.checkInterval.Milliseconds()),
		))
		defer span.End()
	}

	state, err := m.run(ctx, identifier, fn, cfg)

	metrics.OutcomeCounter.WithLabelValues(state.String()).Inc()
	if m.traceEnabled {
		span.SetAttributes(attribute.String("namedlock.state", state.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return state, err
}

func (m *Manager) run(ctx context.Context, identifier string, fn Callback, cfg runConfig) (State, error) {
	claim := newClaim(identifier)
	start := time.Now()

	var expired atomic.Bool
	if cfg.expiration > 0 {
		timer := time.AfterFunc(cfg.expiration, func() { expired.Store(true) })
		defer timer.Stop()
	}
	ticker := time.NewTicker(cfg.checkInterval)
	defer ticker.Stop()

	// done stays nil until the callback starts, so its case never fires
	// before that.
	var done chan error
	for {
		// a callback that already returned wins over anything observed at
		// this tick
		if ok, err := completed(done); ok {
			return StateUnlocked, err
		}
		if state, final, err := m.tick(ctx, claim, &expired, &done, fn, start); final {
			return state, err
		}
		select {
		case <-ticker.C:
		case err := <-done:
			return StateUnlocked, err
		case <-ctx.Done():
			if ok, err := completed(done); ok {
				return StateUnlocked, err
			}
			m.logger.Info("lock wait aborted", "identifier", identifier, "error", ctx.Err())
			m.mu.Lock()
			if done == nil {
				claim.State = StateCanceled
			}
			m.mu.Unlock()
			return StateCanceled, ctx.Err()
		}
	}
}

// completed reports whether the callback behind done already returned.
func completed(done chan error) (bool, error) {
	if done == nil {
		return false, nil
	}
	select {
	case err := <-done:
		return true, err
	default:
		return false, nil
	}
}

// tick runs one poll iteration. final is set when the call has to return
// state and err.
func (m *Manager) tick(ctx context.Context, claim *Record, expired *atomic.Bool, done *chan error, fn Callback, start time.Time) (state State, final bool, err error) {
	if expired.Load() {
		m.mu.Lock()
		if *done == nil {
			claim.State = StateExpired
		} else {
			// only a holder reports expiration to observers
			m.emit(claim, StateExpired)
		}
		m.mu.Unlock()
		m.logger.Info("lock expired", "identifier", claim.Identifier, "waited", time.Since(start))
		return StateExpired, true, nil
	}

	m.mu.Lock()
	if claim.State == StateCanceled {
		m.mu.Unlock()
		return StateCanceled, true, nil
	}
	if *done != nil {
		m.mu.Unlock()
		return 0, false, nil
	}
	if err := ctx.Err(); err != nil {
		claim.State = StateCanceled
		m.mu.Unlock()
		m.logger.Info("lock wait aborted", "identifier", claim.Identifier, "error", err)
		return StateCanceled, true, err
	}
	if cur, ok := m.locks[claim.Identifier]; ok && cur.State == StateLocked {
		m.mu.Unlock()
		return 0, false, nil
	}
	if claim.State != StateLocked {
		m.mu.Unlock()
		return 0, false, nil
	}
	m.locks[claim.Identifier] = claim
	m.mu.Unlock()

	// A Cancel landing between publish and confirm keeps the callback from
	// starting; the next tick then reports StateCanceled.
	if !m.confirm(claim) {
		return 0, false, nil
	}

	waited := time.Since(start)
	metrics.ClaimCounter.Inc()
	metrics.WaitHistogram.Observe(waited.Seconds())
	metrics.HeldGauge.Inc()
	m.logger.Debug("lock claimed", "identifier", claim.Identifier, "waited", waited)

	ch := make(chan error, 1)
	*done = ch
	go func() {
		err := invoke(ctx, fn)
		m.release(claim)
		ch <- err
	}()
	return 0, false, nil
}

func (m *Manager) confirm(claim *Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[claim.Identifier]
	if !ok || cur.Token != claim.Token || cur.State != StateLocked {
		return false
	}
	m.emit(claim, StateLocked)
	return true
}

// release marks claim as unlocked unless it was canceled meanwhile.
func (m *Manager) release(claim *Record) {
	metrics.HeldGauge.Dec()
	m.mu.Lock()
	released := claim.State == StateLocked
	if released {
		claim.State = StateUnlocked
		m.emit(claim, StateUnlocked)
	}
	m.mu.Unlock()
	if released {
		m.logger.Debug("lock released", "identifier", claim.Identifier)
	}
}

func invoke(ctx context.Context, fn Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lock: callback panicked: %v", r)
		}
	}()
	return fn(ctx)
}
