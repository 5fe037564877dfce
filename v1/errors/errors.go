// Package errors holds the sentinel errors shared by the namedlock packages.
// Callers match them with the standard library errors.Is.
package errors

import "errors"

var (
	// ErrInvalidArgument reports an out-of-contract value, such as a
	// non-positive duration or clearing a one-way flag.
	ErrInvalidArgument = errors.New("namedlock: invalid argument")
	// ErrEmpty reports a one-time field read before it was set, or written
	// after it already was.
	ErrEmpty = errors.New("namedlock: empty")
	// ErrInvalidExecution reports a repeated one-way transition.
	ErrInvalidExecution = errors.New("namedlock: invalid execution")

	ErrTimeout           = errors.New("namedlock: timeout")
	ErrConnectionClosed  = errors.New("namedlock: connection closed")
	ErrCircuitOpen       = errors.New("namedlock: circuit breaker is open")
	ErrPrefixUnsupported = errors.New("namedlock: prefix watch not supported")
)
