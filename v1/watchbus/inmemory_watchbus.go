package watchbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// InMemoryWatchBus is an in-memory implementation of WatchBus.
type InMemoryWatchBus struct {
	mu        sync.Mutex
	subs      map[string][]chan []byte
	prefixes  map[string][]chan []byte
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:     make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish sends data to all watchers of key and of its prefixes.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// sends are non-blocking and happen under the lock so Unwatch cannot
	// close a channel mid-send
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := append([]chan []byte(nil), b.subs[key]...)
	for prefix, subs := range b.prefixes {
		if strings.HasPrefix(key, prefix) {
			chans = append(chans, subs...)
		}
	}
	b.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- data:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.subscribe(ctx, b.subs, key)
}

// SubscribePrefix subscribes to every key starting with prefix.
func (b *InMemoryWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.subscribe(ctx, b.prefixes, prefix)
}

func (b *InMemoryWatchBus) subscribe(ctx context.Context, table map[string][]chan []byte, key string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, watchBuffer)
	b.mu.Lock()
	table[key] = append(table[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from key or prefix watchers and closes it.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, table := range []map[string][]chan []byte{b.subs, b.prefixes} {
		subs, ok := removeChan(table[key], ch)
		if !ok {
			continue
		}
		close(ch)
		if len(subs) == 0 {
			delete(table, key)
		} else {
			table[key] = subs
		}
		return nil
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryWatchBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
