package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/common/expfmt"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-namedlock/v1/lock"
	"github.com/mirkobrombin/go-namedlock/v1/metrics"
	"github.com/mirkobrombin/go-namedlock/v1/watchbus"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent workers")
	runs        = flag.Int("n", 10000, "Total number of Run calls")
	keys        = flag.Int("keys", 4, "Number of distinct identifiers")
	hold        = flag.Duration("hold", 0, "Time spent inside each critical section")
	ttl         = flag.Duration("ttl", 0, "Expiration of each call (0 disables)")
	interval    = flag.Duration("interval", time.Millisecond, "Poll interval")
	redisAddr   = flag.String("redis-addr", "", "Publish lock events to this Redis")
	natsURL     = flag.String("nats-url", "", "Publish lock events to this NATS server")
	kafkaAddr   = flag.String("kafka-brokers", "", "Publish lock events to these comma separated Kafka brokers")
	trace       = flag.Bool("trace", false, "Export spans to stdout")
	dump        = flag.Bool("metrics", false, "Print Prometheus metrics when done")
)

func eventBus() (watchbus.WatchBus, func(), error) {
	switch {
	case *redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		return watchbus.NewCircuitBreaker(watchbus.NewRedisWatchBus(client), 5, time.Second), func() { _ = client.Close() }, nil
	case *natsURL != "":
		conn, err := nats.Connect(*natsURL)
		if err != nil {
			return nil, nil, err
		}
		return watchbus.NewCircuitBreaker(watchbus.NewNATSWatchBus(conn), 5, time.Second), conn.Close, nil
	case *kafkaAddr != "":
		bus, err := watchbus.NewKafkaWatchBus(strings.Split(*kafkaAddr, ","), nil)
		if err != nil {
			return nil, nil, err
		}
		return watchbus.NewCircuitBreaker(bus, 5, time.Second), func() { _ = bus.Close() }, nil
	}
	return nil, func() {}, nil
}

func main() {
	flag.Parse()
	ctx := context.Background()

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	opts := []lock.Option{lock.WithCheckInterval(*interval)}
	if *ttl > 0 {
		opts = append(opts, lock.WithExpiration(*ttl))
	}
	if *trace {
		exp, err := stdouttrace.New()
		if err != nil {
			log.Fatalf("trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
		opts = append(opts, lock.WithTracing())
	}
	bus, closeBus, err := eventBus()
	if err != nil {
		log.Fatalf("event bus: %v", err)
	}
	defer closeBus()
	if bus != nil {
		opts = append(opts, lock.WithEvents(bus))
	}

	m, err := lock.New(opts...)
	if err != nil {
		log.Fatalf("manager: %v", err)
	}
	defer func() { _ = m.Close() }()

	log.Printf("Starting lock benchmark: %d runs, %d workers, %d keys, hold %v", *runs, *concurrency, *keys, *hold)

	var mu sync.Mutex
	outcomes := make(map[lock.State]int)
	var next atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			for {
				i := next.Add(1) - 1
				if i >= int64(*runs) {
					return nil
				}
				id := fmt.Sprintf("key-%d", i%int64(*keys))
				state, err := m.Run(gctx, id, func(ctx context.Context) error {
					if *hold > 0 {
						time.Sleep(*hold)
					}
					return nil
				})
				if err != nil {
					return fmt.Errorf("run %s: %w", id, err)
				}
				mu.Lock()
				outcomes[state]++
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f runs/s", float64(*runs)/elapsed.Seconds())
	for _, s := range []lock.State{lock.StateUnlocked, lock.StateExpired, lock.StateCanceled} {
		log.Printf("%-9s %d", s, outcomes[s])
	}

	if *dump {
		mfs, err := reg.Gather()
		if err != nil {
			log.Fatalf("gather: %v", err)
		}
		enc := expfmt.NewEncoder(log.Writer(), expfmt.FmtText)
		for _, mf := range mfs {
			if err := enc.Encode(mf); err != nil {
				log.Fatalf("encode: %v", err)
			}
		}
	}
}
