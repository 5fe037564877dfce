package watchbus

import (
	"context"
	"testing"
	"time"
)

func expectMessage(t *testing.T, ch chan []byte, want string) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed waiting for %q", want)
		}
		if string(msg) != want {
			t.Fatalf("expected %q, got %q", want, msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func expectClosed(t *testing.T, ch chan []byte) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "lock:a")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "lock:a", []byte("locked")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "lock:a", []byte("unlocked")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMessage(t, ch, "locked")
	expectMessage(t, ch, "unlocked")

	if err := bus.Unwatch(ctx, "lock:a", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	expectClosed(t, ch)
	m := bus.Metrics()
	if m.Published != 2 || m.Delivered != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryWatchBusPrefix(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	chKey, err := bus.Watch(ctx, "lock:a")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	chPrefix, err := bus.SubscribePrefix(ctx, "lock:")
	if err != nil {
		t.Fatalf("sub prefix: %v", err)
	}
	if err := bus.Publish(ctx, "lock:a", []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "lock:b", []byte("b")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "other", []byte("c")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMessage(t, chKey, "a")
	expectMessage(t, chPrefix, "a")
	expectMessage(t, chPrefix, "b")
	select {
	case msg := <-chPrefix:
		t.Fatalf("unexpected message %q", msg)
	case <-chKey:
		t.Fatal("key watcher received a foreign key")
	default:
	}

	if err := bus.Unwatch(ctx, "lock:", chPrefix); err != nil {
		t.Fatalf("unwatch prefix: %v", err)
	}
	expectClosed(t, chPrefix)
}

func TestInMemoryWatchBusContextUnwatch(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Watch(ctx, "lock:a")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	expectClosed(t, ch)
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["lock:a"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestInMemoryWatchBusCanceledContext(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bus.Watch(ctx, "k"); err == nil {
		t.Fatal("expected error watching with canceled context")
	}
	if err := bus.Publish(ctx, "k", nil); err == nil {
		t.Fatal("expected error publishing with canceled context")
	}
}
