// Package watchbus streams opaque payloads keyed by string. The lock manager
// uses it to broadcast state transitions; observers watch a single key or,
// where the backend supports it, every key sharing a prefix.
package watchbus

import (
	"context"
	"errors"

	warperrors "github.com/mirkobrombin/go-namedlock/v1/errors"
)

// watchBuffer is the capacity of channels returned by Watch. Messages that
// do not fit are dropped.
const watchBuffer = 16

// WatchBus provides a simple message bus for streaming events.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. The returned channel receives
	// payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// PrefixWatcher is implemented by buses that can deliver the messages of
// every key sharing a prefix. Such channels are released with Unwatch using
// the prefix as key.
type PrefixWatcher interface {
	SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error)
}

// Metrics reports message counts of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

func removeChan(chans []chan []byte, ch chan []byte) ([]chan []byte, bool) {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			return chans[:len(chans)-1], true
		}
	}
	return chans, false
}

// ctxErr maps a done context to the bus errors, deadlines becoming
// ErrTimeout.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}
