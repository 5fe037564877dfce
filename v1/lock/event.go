package lock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mirkobrombin/go-namedlock/v1/metrics"
)

// EventPrefix is prepended to identifiers to build event keys.
const EventPrefix = "lock:"

const (
	publishTimeout = time.Second
	eventBuffer    = 256
)

// Event describes a transition observed by the manager. Token tells apart
// the claims made on the same identifier.
type Event struct {
	Identifier string    `json:"identifier"`
	State      State     `json:"state"`
	Token      string    `json:"token,omitempty"`
	At         time.Time `json:"at"`
}

// EventKey returns the watch key carrying the events of identifier.
func EventKey(identifier string) string {
	return EventPrefix + identifier
}

// DecodeEvent parses an event published by a Manager.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

func (m *Manager) startPublisher() {
	m.publishCh = make(chan Event, eventBuffer)
	m.publisherDone = make(chan struct{})
	go m.runPublisher()
}

// runPublisher sends queued events in order until Close.
func (m *Manager) runPublisher() {
	defer close(m.publisherDone)
	for ev := range m.publishCh {
		data, err := json.Marshal(ev)
		if err != nil {
			m.logger.Warn("lock: encode event failed", "identifier", ev.Identifier, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = m.events.Publish(ctx, EventKey(ev.Identifier), data)
		cancel()
		if err != nil {
			m.logger.Warn("lock: publish event failed", "identifier", ev.Identifier, "state", ev.State, "error", err)
		}
	}
}

// emit queues a transition of claim for publishing. The caller holds m.mu,
// so events leave in the order the table changed. A full queue drops the
// event.
func (m *Manager) emit(claim *Record, state State) {
	if m.publishCh == nil || m.closed {
		return
	}
	ev := Event{Identifier: claim.Identifier, State: state, Token: claim.Token, At: time.Now()}
	select {
	case m.publishCh <- ev:
	default:
		metrics.EventsDroppedCounter.Inc()
		m.logger.Warn("lock: event queue full, dropping event", "identifier", claim.Identifier, "state", state)
	}
}

// Close stops publishing events once the queued ones were sent. Locking
// keeps working; later transitions are no longer published.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.publishCh == nil || m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.publishCh)
	m.mu.Unlock()
	<-m.publisherDone
	return nil
}
