// boardsyncd serves one sales-pipeline board: presence locks, lane moves,
// paginated lane reads, and the live broadcast stream. Backends are selected
// from flags, with environment variables providing the defaults: in-memory
// for everything by default, Redis for locks and fan-out, Postgres for
// durable records, NATS or Kafka for cross-node fan-out.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rega1237/renova-crm-sub000/v1/bus"
	"github.com/rega1237/renova-crm-sub000/v1/coordinator"
	"github.com/rega1237/renova-crm-sub000/v1/httpapi"
	"github.com/rega1237/renova-crm-sub000/v1/loader"
	"github.com/rega1237/renova-crm-sub000/v1/lock"
	"github.com/rega1237/renova-crm-sub000/v1/metrics"
	"github.com/rega1237/renova-crm-sub000/v1/store"
)

var (
	addr        = flag.String("addr", envOr("BOARD_ADDR", ":8080"), "HTTP listen address")
	boardID     = flag.String("board", envOr("BOARD_ID", "default"), "Board identifier")
	redisAddr   = flag.String("redis-addr", os.Getenv("BOARD_REDIS_ADDR"), "Redis address for locks and fan-out (empty: in-memory)")
	postgresDSN = flag.String("postgres-dsn", os.Getenv("BOARD_POSTGRES_DSN"), "Postgres DSN for durable records (empty: in-memory)")
	natsURL     = flag.String("nats-url", os.Getenv("BOARD_NATS_URL"), "NATS URL for cross-node fan-out (empty: disabled)")
	kafkaList   = flag.String("kafka-brokers", os.Getenv("BOARD_KAFKA_BROKERS"), "Comma-separated Kafka brokers for fan-out (empty: disabled)")
	lockTTL     = flag.Duration("lock-ttl", lock.DefaultTTL, "Presence lock TTL between keepalives")
	breakerTrip = flag.Int("breaker-threshold", 5, "Consecutive bus failures before the circuit opens (0: disabled)")
	trace       = flag.Bool("trace", false, "Emit OpenTelemetry spans to stdout")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *trace {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	records, locks, cleanupStore, err := buildStores(ctx)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer cleanupStore()

	eventBus, cleanupBus, err := buildBus()
	if err != nil {
		log.Fatalf("bus: %v", err)
	}
	defer cleanupBus()
	if *breakerTrip > 0 {
		eventBus = bus.NewCircuitBreaker(eventBus, *breakerTrip, 30*time.Second)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	api := httpapi.NewServer(
		lock.NewManager(locks, eventBus, *boardID, lock.WithTTL(*lockTTL)),
		coordinator.New(records, eventBus, *boardID),
		loader.New(records),
		eventBus,
		reg,
	)

	srv := &http.Server{Addr: *addr, Handler: api}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("boardsyncd board=%s listening on %s", *boardID, *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("boardsyncd: %v", err)
	}
}

// buildStores picks the record and lock backends. Postgres serves both when
// configured; otherwise records stay in memory and Redis, when present,
// takes over lock arbitration.
func buildStores(ctx context.Context) (store.RecordStore, store.LockStore, func(), error) {
	if *postgresDSN != "" {
		db, err := sql.Open("postgres", *postgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		pg := store.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		log.Print("records and locks on postgres")
		return pg, pg, func() { _ = db.Close() }, nil
	}

	mem := store.NewInMemory()
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		log.Printf("locks on redis at %s", *redisAddr)
		return mem, store.NewRedisLock(client), func() { _ = client.Close() }, nil
	}
	return mem, mem, func() {}, nil
}

// buildBus picks the fan-out backend: NATS, then Kafka, then Redis, then
// in-process.
func buildBus() (bus.Bus, func(), error) {
	switch {
	case *natsURL != "":
		conn, err := nats.Connect(*natsURL)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("fan-out on nats at %s", *natsURL)
		return bus.NewNATSBus(conn), func() { conn.Close() }, nil
	case *kafkaList != "":
		brokers := strings.Split(*kafkaList, ",")
		kb, err := bus.NewKafkaBus(brokers, nil)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("fan-out on kafka at %s", *kafkaList)
		return kb, func() { _ = kb.Close() }, nil
	case *redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		return bus.NewRedisBus(client), func() { _ = client.Close() }, nil
	default:
		return bus.NewInMemoryBus(), func() {}, nil
	}
}
