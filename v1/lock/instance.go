package lock

import (
	"fmt"
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/go-namedlock/v1/errors"
	"github.com/mirkobrombin/go-namedlock/v1/metrics"
)

// optional is a write-once cell.
type optional[T any] struct {
	value T
	set   bool
}

// Instance is the bookkeeping of a single wait attempt, kept apart from the
// Manager table. Higher level callers use it to order and audit waiters.
// An Instance is safe for concurrent use.
type Instance struct {
	mu       sync.Mutex
	name     string
	state    State
	updated  time.Time
	index    optional[int]
	executed optional[bool]
	timer    *time.Timer
}

// NewInstance returns an instance named name. When expiration is positive
// and onExpired is not nil, onExpired is invoked with a snapshot of the
// instance once expiration elapses, unless Dispose is called first.
func NewInstance(name string, expiration time.Duration, onExpired func(*Instance)) *Instance {
	in := &Instance{name: name, updated: time.Now()}
	if expiration > 0 && onExpired != nil {
		in.timer = time.AfterFunc(expiration, func() {
			metrics.InstanceExpiredCounter.Inc()
			onExpired(in.Clone())
		})
	}
	return in
}

// Name returns the instance name.
func (in *Instance) Name() string {
	return in.name
}

// State returns the current state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// SetState stores s and refreshes Updated.
func (in *Instance) SetState(s State) {
	in.mu.Lock()
	in.state = s
	in.updated = time.Now()
	in.mu.Unlock()
}

// Updated returns the time of the last SetState, or of creation.
func (in *Instance) Updated() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.updated
}

// Index returns the queue position. It fails with ErrEmpty until SetIndex
// has been called.
func (in *Instance) Index() (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.index.set {
		return 0, fmt.Errorf("lock: instance %q has no index: %w", in.name, warperrors.ErrEmpty)
	}
	return in.index.value, nil
}

// SetIndex stores the queue position. It may be called once; later calls
// fail with ErrEmpty.
func (in *Instance) SetIndex(i int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.index.set {
		return fmt.Errorf("lock: instance %q index already set: %w", in.name, warperrors.ErrEmpty)
	}
	in.index = optional[int]{value: i, set: true}
	return nil
}

// Executed reports whether the instance was marked as executed.
func (in *Instance) Executed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.executed.value
}

// SetExecuted marks the instance as executed. Only true is accepted, and
// only once.
func (in *Instance) SetExecuted(v bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !v {
		return fmt.Errorf("lock: instance %q executed can only be set to true: %w", in.name, warperrors.ErrInvalidArgument)
	}
	if in.executed.set {
		return fmt.Errorf("lock: instance %q already executed: %w", in.name, warperrors.ErrInvalidExecution)
	}
	in.executed = optional[bool]{value: true, set: true}
	return nil
}

// Clone returns an independent copy with the same field values and no
// expiration timer.
func (in *Instance) Clone() *Instance {
	in.mu.Lock()
	defer in.mu.Unlock()
	return &Instance{
		name:     in.name,
		state:    in.state,
		updated:  in.updated,
		index:    in.index,
		executed: in.executed,
	}
}

// Dispose stops the pending expiration timer. It is safe to call more than
// once, and after the timer already fired.
func (in *Instance) Dispose() {
	in.mu.Lock()
	t := in.timer
	in.timer = nil
	in.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}
