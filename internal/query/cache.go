package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
)

const (
	versionPrefix = "fulfillment:version"
	keyPrefix     = "fulfillment:query"
	bumpChannel   = "fulfillment.bump"
	stockScope    = "stock"
)

// Cache wraps Redis based caching with per-scope version counters. Every
// order has its own scope; stock-wide reads share the stock scope. Without
// Redis the counters live in process so keys still change on every bump.
type Cache struct {
	client *redis.Client
	ttl    time.Duration

	mu    sync.Mutex
	local map[string]int64
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl, local: make(map[string]int64)}
}

func orderScope(orderID int64) string {
	return "order:" + strconv.FormatInt(orderID, 10)
}

func versionKey(scope string) string {
	return versionPrefix + ":" + scope
}

// Version returns the current version of scope, initialising when missing.
func (c *Cache) Version(ctx context.Context, scope string) (int64, error) {
	if c == nil {
		return 0, nil
	}
	if c.client == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.local[scope], nil
	}
	key := versionKey(scope)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the cache key with the current version of scope.
func (c *Cache) BuildKey(ctx context.Context, scope string, parts ...string) (string, error) {
	joined := strings.Join(append([]string{keyPrefix}, parts...), ":")
	if c == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx, scope)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d", joined, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, dest)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return err
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// BumpOrder invalidates every cached read model of one order.
func (c *Cache) BumpOrder(ctx context.Context, orderID int64) error {
	return c.bump(ctx, orderScope(orderID))
}

// BumpStock invalidates stock-wide read models such as reorder candidates.
func (c *Cache) BumpStock(ctx context.Context) error {
	return c.bump(ctx, stockScope)
}

// HandleStockPosted implements inventory.IntegrationHandler.
func (c *Cache) HandleStockPosted(ctx context.Context, _ inventory.StockPostedEvent) error {
	return c.BumpStock(ctx)
}

func (c *Cache) bump(ctx context.Context, scope string) error {
	if c == nil {
		return nil
	}
	if c.client == nil {
		c.mu.Lock()
		c.local[scope]++
		c.mu.Unlock()
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey(scope)).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, scope+"="+strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation subscribes to version bumps published by every
// process sharing the Redis instance and reports each one to onBump.
func (c *Cache) ListenForInvalidation(ctx context.Context, onBump func(scope string, version int64)) error {
	if c == nil || c.client == nil || onBump == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, bumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				scope, raw, found := strings.Cut(msg.Payload, "=")
				if !found {
					continue
				}
				ver, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					continue
				}
				onBump(scope, ver)
			}
		}
	}()
	return nil
}
