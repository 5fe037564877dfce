package lock

import "context"

// Result is the outcome of Do: the final lock state together with what the
// callback produced.
type Result[T any] struct {
	State State
	// CallbackSucceeded is true when the callback ran to completion without
	// error.
	CallbackSucceeded bool
	// Value is only meaningful when CallbackSucceeded is true.
	Value T
	// Err holds the callback error, a validation error, or the context error.
	Err error
}

// Do runs fn under identifier like Manager.Run and returns the full outcome.
func Do[T any](ctx context.Context, m *Manager, identifier string, fn func(context.Context) (T, error), opts ...RunOption) Result[T] {
	var value T
	state, err := m.Run(ctx, identifier, func(ctx context.Context) error {
		v, err := fn(ctx)
		value = v
		return err
	}, opts...)

	res := Result[T]{State: state, Err: err}
	// value is written by the callback goroutine; it is only safe to read
	// once Run observed the callback's completion.
	if state == StateUnlocked && err == nil {
		res.CallbackSucceeded = true
		res.Value = value
	}
	return res
}
