package watchbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
)

func TestKafkaTopic(t *testing.T) {
	if got := KafkaTopic("lock:orders/42"); got != "lock.orders.42" {
		t.Fatalf("unexpected topic %q", got)
	}
}

func TestKafkaWatchBusWithMocks(t *testing.T) {
	cfg := mocks.NewTestConfig()
	producer := mocks.NewSyncProducer(t, cfg)
	consumer := mocks.NewConsumer(t, cfg)
	pc := consumer.ExpectConsumePartition("lock.a", 0, sarama.OffsetNewest)
	producer.ExpectSendMessageAndSucceed()

	bus := NewKafkaWatchBusFromClients(producer, consumer)
	ctx := context.Background()

	ch, err := bus.Watch(ctx, "lock:a")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "lock:a", []byte("locked")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	pc.YieldMessage(&sarama.ConsumerMessage{Topic: "lock.a", Value: []byte("locked")})
	expectMessage(t, ch, "locked")

	if err := bus.Unwatch(ctx, "lock:a", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	expectClosed(t, ch)
	if m := bus.Metrics(); m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaWatchBusPublishError(t *testing.T) {
	cfg := mocks.NewTestConfig()
	producer := mocks.NewSyncProducer(t, cfg)
	consumer := mocks.NewConsumer(t, cfg)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	bus := NewKafkaWatchBusFromClients(producer, consumer)
	if err := bus.Publish(context.Background(), "lock:a", []byte("x")); err == nil {
		t.Fatal("expected publish error")
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("failed publish must not count, got %+v", m)
	}
	_ = bus.Close()
}

func TestKafkaWatchBusIntegration(t *testing.T) {
	addr := os.Getenv("NAMEDLOCK_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("NAMEDLOCK_TEST_KAFKA_ADDR not set, skipping Kafka integration test")
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	bus, err := NewKafkaWatchBus([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("NewKafkaWatchBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	ctx := context.Background()
	key := "lock:" + uuid.NewString()
	ch, err := bus.Watch(ctx, key)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	// consumer needs a moment to attach
	time.Sleep(2 * time.Second)
	if err := bus.Publish(ctx, key, []byte("locked")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "locked" {
			t.Fatalf("unexpected %q", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}
