package watchbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	warperrors "github.com/mirkobrombin/go-namedlock/v1/errors"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan []byte
}

// NATSWatchBus implements WatchBus on top of NATS subjects. Each key is
// used verbatim as a subject.
type NATSWatchBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	prefixes  map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSWatchBus returns a new NATSWatchBus using the provided connection.
func NewNATSWatchBus(conn *nats.Conn) *NATSWatchBus {
	return &NATSWatchBus{
		conn:     conn,
		subs:     make(map[string]*natsSubscription),
		prefixes: make(map[string]*natsSubscription),
	}
}

// Publish implements WatchBus.Publish.
func (b *NATSWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if b.conn.IsClosed() {
		return warperrors.ErrConnectionClosed
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := b.conn.Publish(key, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Watch implements WatchBus.Watch.
func (b *NATSWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.subscribe(ctx, b.subs, key, key, nil)
}

// SubscribePrefix receives every subject starting with prefix. NATS
// wildcards match whole tokens only, so the filtering happens client side.
func (b *NATSWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.subscribe(ctx, b.prefixes, prefix, ">", func(subject string) bool {
		return strings.HasPrefix(subject, prefix)
	})
}

func (b *NATSWatchBus) subscribe(ctx context.Context, table map[string]*natsSubscription, key, subject string, match func(string) bool) (chan []byte, error) {
	ch := make(chan []byte, watchBuffer)
	b.mu.Lock()
	sub := table[key]
	if sub == nil {
		ns, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
			if match != nil && !match(msg.Subject) {
				return
			}
			b.mu.Lock()
			defer b.mu.Unlock()
			s := table[key]
			if s == nil {
				return
			}
			for _, c := range s.chans {
				select {
				case c <- msg.Data:
					b.delivered.Add(1)
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		table[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	// make sure the server registered the interest before returning
	if err := b.conn.Flush(); err != nil {
		_ = b.Unwatch(context.Background(), key, ch)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *NATSWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	for _, table := range []map[string]*natsSubscription{b.subs, b.prefixes} {
		sub := table[key]
		if sub == nil {
			continue
		}
		var ok bool
		sub.chans, ok = removeChan(sub.chans, ch)
		if !ok {
			continue
		}
		close(ch)
		if len(sub.chans) == 0 {
			delete(table, key)
			b.mu.Unlock()
			return sub.sub.Unsubscribe()
		}
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSWatchBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
