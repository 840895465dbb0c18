// Package presets offers ready-made board wirings for embedders that do not
// want to assemble store, bus, locks, coordinator, and loader by hand.
package presets

import (
	"context"
	"database/sql"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/rega1237/renova-crm-sub000/v1/bus"
	"github.com/rega1237/renova-crm-sub000/v1/coordinator"
	"github.com/rega1237/renova-crm-sub000/v1/loader"
	"github.com/rega1237/renova-crm-sub000/v1/lock"
	"github.com/rega1237/renova-crm-sub000/v1/store"
)

// Board bundles the wired components of one board.
type Board struct {
	Records     store.RecordStore
	Locks       *lock.Manager
	Coordinator *coordinator.Coordinator
	Loader      *loader.Loader
	Bus         bus.Bus
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	BoardID  string
	LockTTL  time.Duration
}

// NewInMemoryBoard creates a board that runs entirely in-process with no
// external dependencies. Useful for local development and tests.
func NewInMemoryBoard(boardID string) *Board {
	mem := store.NewInMemory()
	b := bus.NewInMemoryBus()
	return assemble(mem, mem, b, boardID, 0)
}

// NewRedisBoard creates a board using Redis for lock arbitration and event
// fan-out, with records held in memory. Suitable for multi-node deployments
// where records live in an upstream system of record.
func NewRedisBoard(opts RedisOptions) *Board {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	mem := store.NewInMemory()
	return assemble(mem, store.NewRedisLock(client), bus.NewRedisBus(client), opts.BoardID, opts.LockTTL)
}

// NewPostgresBoard creates a board with durable records and locks in
// Postgres, running migrations first, and fan-out on the given bus.
func NewPostgresBoard(ctx context.Context, db *sql.DB, b bus.Bus, boardID string) (*Board, error) {
	pg := store.NewPostgres(db)
	if err := pg.Migrate(ctx); err != nil {
		return nil, err
	}
	return assemble(pg, pg, b, boardID, 0), nil
}

func assemble(records store.RecordStore, locks store.LockStore, b bus.Bus, boardID string, ttl time.Duration) *Board {
	var opts []lock.Option
	if ttl > 0 {
		opts = append(opts, lock.WithTTL(ttl))
	}
	return &Board{
		Records:     records,
		Locks:       lock.NewManager(locks, b, boardID, opts...),
		Coordinator: coordinator.New(records, b, boardID),
		Loader:      loader.New(records),
		Bus:         b,
	}
}
