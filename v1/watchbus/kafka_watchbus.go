package watchbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan []byte
}

// KafkaWatchBus implements WatchBus using a Kafka backend. Every key maps to
// a topic; messages are produced to and consumed from partition 0.
type KafkaWatchBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	client    sarama.Client
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaWatchBus connects to the given brokers.
func NewKafkaWatchBus(brokers []string, cfg *sarama.Config) (*KafkaWatchBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaWatchBusFromClients(producer, consumer)
	b.client = client
	return b, nil
}

// NewKafkaWatchBusFromClients builds a bus from an existing producer and
// consumer, which the bus then owns.
func NewKafkaWatchBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaWatchBus {
	return &KafkaWatchBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}
}

// KafkaTopic maps a key to a legal Kafka topic name. Characters outside
// [a-zA-Z0-9._-] become '.'.
func KafkaTopic(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '.'
	}, key)
}

// Publish implements WatchBus.Publish.
func (b *KafkaWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: KafkaTopic(key),
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Watch implements WatchBus.Watch.
func (b *KafkaWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ch := make(chan []byte, watchBuffer)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(KafkaTopic(key), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[key] = sub
		go b.dispatch(sub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaWatchBus) dispatch(sub *kafkaSubscription) {
	for msg := range sub.pc.Messages() {
		b.mu.Lock()
		for _, ch := range sub.chans {
			select {
			case ch <- msg.Value:
				b.delivered.Add(1)
			default:
			}
		}
		b.mu.Unlock()
	}
}

// Unwatch implements WatchBus.Unwatch.
func (b *KafkaWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	var ok bool
	sub.chans, ok = removeChan(sub.chans, ch)
	if ok {
		close(ch)
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaWatchBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// Close releases resources used by the KafkaWatchBus.
func (b *KafkaWatchBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*kafkaSubscription)
	for _, sub := range subs {
		for _, ch := range sub.chans {
			close(ch)
		}
		sub.chans = nil
	}
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.pc.Close()
	}
	err := b.producer.Close()
	if cerr := b.consumer.Close(); err == nil {
		err = cerr
	}
	if b.client != nil {
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
