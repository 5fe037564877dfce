// Package lockwatch streams lock transitions published by a lock.Manager to
// HTTP clients over Server-Sent Events or WebSocket.
//
// Clients select a single lock with the "identifier" query parameter, or
// every lock with "all=1" when the bus supports prefix subscriptions.
package lockwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	warperrors "github.com/mirkobrombin/go-namedlock/v1/errors"
	"github.com/mirkobrombin/go-namedlock/v1/lock"
	"github.com/mirkobrombin/go-namedlock/v1/watchbus"
)

var errMissingIdentifier = errors.New("lockwatch: missing identifier")

// subscribe opens the channel requested by r and returns the function that
// releases it.
func subscribe(ctx context.Context, bus watchbus.WatchBus, r *http.Request) (chan []byte, func(), error) {
	q := r.URL.Query()
	if q.Get("all") == "1" {
		pw, ok := bus.(watchbus.PrefixWatcher)
		if !ok {
			return nil, nil, warperrors.ErrPrefixUnsupported
		}
		ch, err := pw.SubscribePrefix(ctx, lock.EventPrefix)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() { _ = bus.Unwatch(context.Background(), lock.EventPrefix, ch) }, nil
	}
	id := q.Get("identifier")
	if id == "" {
		return nil, nil, errMissingIdentifier
	}
	key := lock.EventKey(id)
	ch, err := bus.Watch(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return ch, func() { _ = bus.Unwatch(context.Background(), key, ch) }, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errMissingIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, warperrors.ErrPrefixUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// SSEHandler streams lock events as Server-Sent Events. Each event carries
// the state as event name and the JSON encoded lock.Event as data.
func SSEHandler(bus watchbus.WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, release, err := subscribe(ctx, bus, r)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		defer release()

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := lock.DecodeEvent(msg)
				if err != nil {
					slog.Warn("lockwatch: dropping malformed event", "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.State, msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock events as JSON text messages.
func WebSocketHandler(bus watchbus.WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, release, err := subscribe(ctx, bus, r)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		defer release()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// the read loop notices the client going away
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
