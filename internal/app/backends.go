package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/platform/cache"
	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/platform/lock"
)

// OpenBackends connects the store, locker and Redis selected by cfg. Redis is
// mandatory only for the redis lock backend; otherwise a failed dial leaves
// the service running without cache and shared idempotency keys. The returned
// close function releases every opened handle.
func OpenBackends(ctx context.Context, cfg *Config, logger *slog.Logger) (Backends, func(), error) {
	var (
		b       Backends
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.StoreDriver {
	case StorePostgres:
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return Backends{}, nil, err
		}
		closers = append(closers, pool.Close)
		b.Pool = pool
		b.Store = ledger.NewRepository(pool, cfg.DBLockTimeout)
	default:
		b.Store = ledger.NewMemoryStore(cfg.LockWaitTimeout)
	}

	client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	switch {
	case err == nil:
		b.Redis = client
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
	case cfg.LockBackend == LockRedis:
		closeAll()
		return Backends{}, nil, fmt.Errorf("app: redis required for lock backend: %w", err)
	default:
		logger.Warn("redis unavailable, continuing without cache", slog.Any("error", err))
	}

	if cfg.LockBackend == LockRedis {
		b.Locker = lock.NewRedisLocker(b.Redis, lock.RedisOptions{TTL: cfg.LockTTL, Wait: cfg.LockWaitTimeout})
	} else {
		b.Locker = lock.NewLocalLocker(cfg.LockWaitTimeout)
	}
	return b, closeAll, nil
}

// HealthChecks returns pings for the connected backends.
func (b Backends) HealthChecks() map[string]HealthCheck {
	checks := make(map[string]HealthCheck)
	if b.Pool != nil {
		pool := b.Pool
		checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}
	if b.Redis != nil {
		client := b.Redis
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return checks
}

// RequirePool returns the Postgres pool or an error when the memory store is in use.
func (b Backends) RequirePool() (*pgxpool.Pool, error) {
	if b.Pool == nil {
		return nil, fmt.Errorf("app: STORE_DRIVER=%s has no database", StoreMemory)
	}
	return b.Pool, nil
}
