package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment"
	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/observability"
	"github.com/odyssey-erp/fulfillment/internal/platform/lock"
	"github.com/odyssey-erp/fulfillment/internal/query"
	"github.com/odyssey-erp/fulfillment/internal/returns"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Backends are the infrastructure handles the services are built on. Pool and
// Redis are optional; without them audit goes to the log, idempotency keys
// are not enforced and query results are not cached.
type Backends struct {
	Store  ledger.Store
	Locker lock.Locker
	Pool   *pgxpool.Pool
	Redis  *redis.Client
}

// Container holds the wired domain services.
type Container struct {
	Inventory   *inventory.Service
	Fulfillment *fulfillment.Service
	Returns     *returns.Service
	Query       *query.Service
	Cache       *query.Cache
	Audit       *shared.AuditLogger
	Idempotency *shared.IdempotencyStore
}

// NewContainer wires inventory, fulfillment, returns and query services over
// one store and locker. The query cache doubles as the invalidator of every
// command service.
func NewContainer(cfg *Config, b Backends, logger *slog.Logger, metrics *observability.Metrics) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{}
	}
	c := &Container{
		Cache: query.NewCache(b.Redis, cfg.CacheTTL),
		Audit: shared.NewAuditLogger(b.Pool, logger),
	}

	var idem inventory.IdempotencyPort
	switch {
	case b.Pool != nil:
		c.Idempotency = shared.NewIdempotencyStore(b.Pool)
		idem = c.Idempotency
	case b.Redis != nil:
		c.Idempotency = shared.NewRedisIdempotencyStore(b.Redis, cfg.IdempotencyTTL)
		idem = c.Idempotency
	}

	var observer fulfillment.CommandObserver
	if metrics != nil {
		observer = metrics
	}

	c.Inventory = inventory.NewService(b.Store, b.Locker, c.Audit, idem, inventory.ServiceConfig{Logger: logger}, c.Cache)
	c.Returns = returns.NewService(b.Store, c.Inventory, b.Locker, returns.Config{
		Audit:  c.Audit,
		Cache:  c.Cache,
		Logger: logger,
	})
	c.Fulfillment = fulfillment.NewService(b.Store, c.Inventory, c.Returns, b.Locker, fulfillment.ServiceConfig{
		Audit:    c.Audit,
		Cache:    c.Cache,
		Observer: observer,
		Logger:   logger,
	})
	c.Query = query.NewService(b.Store, c.Inventory, c.Cache, logger)
	return c
}

// RouterParams returns router parameters with every domain handler mounted.
func (c *Container) RouterParams(cfg *Config, logger *slog.Logger, metrics *observability.Metrics) RouterParams {
	return RouterParams{
		Logger:             logger,
		Config:             cfg,
		InventoryHandler:   inventory.NewHandler(logger, c.Inventory),
		FulfillmentHandler: fulfillment.NewHandler(logger, c.Fulfillment),
		ReturnsHandler:     returns.NewHandler(logger, c.Returns),
		QueryHandler:       query.NewHandler(logger, c.Query),
		Metrics:            metrics,
	}
}
