package lock

import (
	"fmt"

	warperrors "github.com/mirkobrombin/go-namedlock/v1/errors"
)

// State is the outcome of a lock attempt, or the current state of a table
// entry.
type State int

const (
	// StateUndefined means no claim was ever recorded for the identifier.
	StateUndefined State = iota
	// StateCanceled means the holder's wait was voluntarily aborted.
	StateCanceled
	// StateExpired means the allotted time elapsed before the holder could
	// claim or finish.
	StateExpired
	// StateUnlocked means the last holder ran its callback and released.
	StateUnlocked
	// StateLocked means a waiter currently holds the critical section.
	StateLocked
)

var stateNames = [...]string{
	StateUndefined: "undefined",
	StateCanceled:  "canceled",
	StateExpired:   "expired",
	StateUnlocked:  "unlocked",
	StateLocked:    "locked",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("lock: unknown state %d: %w", int(s), warperrors.ErrInvalidArgument)
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("lock: unknown state %q: %w", text, warperrors.ErrInvalidArgument)
}

// Terminal reports whether s is a final outcome of Run.
func (s State) Terminal() bool {
	return s == StateCanceled || s == StateExpired || s == StateUnlocked
}
