// Package lock provides a named, in-process mutual exclusion primitive.
// Callers identified by a string key take turns running a critical section
// through a Manager, which polls its table at a configurable interval, bounds
// the wait with an optional expiration and lets holders be canceled. Instance
// tracks a single wait attempt and Queue builds ordered execution on top of
// both. Transitions can be broadcast to a watchbus for observers.
package lock
