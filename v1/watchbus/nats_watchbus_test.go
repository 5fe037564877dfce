package watchbus

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	warperrors "github.com/mirkobrombin/go-namedlock/v1/errors"
)

func newNATSWatchBus(t *testing.T) (*NATSWatchBus, *nats.Conn) {
	t.Helper()
	addr := os.Getenv("NAMEDLOCK_TEST_NATS_ADDR")

	var s *server.Server
	if addr == "" {
		s = natsserver.RunRandClientPortServer()
		addr = s.ClientURL()
	} else {
		t.Logf("using real NATS at %s", addr)
	}
	conn, err := nats.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATSWatchBus(conn), conn
}

func TestNATSWatchBusPublishWatch(t *testing.T) {
	bus, _ := newNATSWatchBus(t)
	ctx := context.Background()

	ch, err := bus.Watch(ctx, "lock:a")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "lock:a", []byte("locked")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMessage(t, ch, "locked")

	if err := bus.Unwatch(ctx, "lock:a", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	expectClosed(t, ch)

	if m := bus.Metrics(); m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestNATSWatchBusPrefix(t *testing.T) {
	bus, _ := newNATSWatchBus(t)
	ctx := context.Background()

	ch, err := bus.SubscribePrefix(ctx, "lock:")
	if err != nil {
		t.Fatalf("sub prefix: %v", err)
	}
	if err := bus.Publish(ctx, "other", []byte("skip")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "lock:b", []byte("b")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMessage(t, ch, "b")
}

func TestNATSWatchBusContextUnwatch(t *testing.T) {
	bus, _ := newNATSWatchBus(t)
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

func TestNATSWatchBusClosedConnection(t *testing.T) {
	bus, conn := newNATSWatchBus(t)
	conn.Close()
	if err := bus.Publish(context.Background(), "lock:a", nil); !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
