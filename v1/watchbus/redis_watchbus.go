package watchbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisIndexKey   = "watchbus:index"
	redisStreamLen  = 1024
	redisReadBlock  = 250 * time.Millisecond
	redisRetryDelay = 100 * time.Millisecond
)

// RedisWatchBus uses Redis Streams for key watches and Redis pub/sub for
// prefix subscriptions.
type RedisWatchBus struct {
	client        *redis.Client
	mu            sync.Mutex
	cancels       map[string]map[chan []byte]context.CancelFunc
	prefixCancels map[string]map[chan []byte]context.CancelFunc
	published     atomic.Uint64
	delivered     atomic.Uint64
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client) *RedisWatchBus {
	return &RedisWatchBus{
		client:        client,
		cancels:       make(map[string]map[chan []byte]context.CancelFunc),
		prefixCancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish appends the message to the stream named key and fans it out on
// the pub/sub channel of the same name.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: redisStreamLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		if ctx.Err() != nil {
			return ctxErr(ctx)
		}
		return err
	}
	if err := b.client.Publish(ctx, key, data).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Watch reads messages appended to the stream named key after the call.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	lastID := "0-0"
	last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		lastID = last[0].ID
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, watchBuffer)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	if len(m) == 1 {
		_ = b.client.SAdd(context.Background(), redisIndexKey, key).Err()
	}
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Block:   redisReadBlock,
				Count:   16,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(redisRetryDelay)
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					v, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					select {
					case ch <- []byte(v):
						b.delivered.Add(1)
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// SubscribePrefix subscribes to all channels matching the given prefix.
func (b *RedisWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	ps := b.client.PSubscribe(ctx, prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, watchBuffer)
	b.mu.Lock()
	m := b.prefixCancels[prefix]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.prefixCancels[prefix] = m
	}
	m[ch] = func() {
		cancel()
		_ = ps.Close()
	}
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- []byte(msg.Payload):
				b.delivered.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch stops watching the given key or prefix and channel.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	if m, ok := b.cancels[key]; ok {
		if cancel, ok := m[ch]; ok {
			delete(m, ch)
			if len(m) == 0 {
				delete(b.cancels, key)
				_ = b.client.SRem(context.Background(), redisIndexKey, key).Err()
			}
			b.mu.Unlock()
			cancel()
			return nil
		}
	}
	if m, ok := b.prefixCancels[key]; ok {
		if cancel, ok := m[ch]; ok {
			delete(m, ch)
			if len(m) == 0 {
				delete(b.prefixCancels, key)
			}
			b.mu.Unlock()
			cancel()
			return nil
		}
	}
	b.mu.Unlock()
	return nil
}

// Keys returns the keys currently watched through this bus or any other
// RedisWatchBus sharing the server.
func (b *RedisWatchBus) Keys(ctx context.Context) ([]string, error) {
	return b.client.SMembers(ctx, redisIndexKey).Result()
}

// Metrics returns the published and delivered counts.
func (b *RedisWatchBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
