package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// RedisLocker holds keys in Redis so several service replicas share one boundary.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
}

// RedisOptions tunes lock lifetime and acquisition.
type RedisOptions struct {
	TTL     time.Duration
	Wait    time.Duration
	Backoff time.Duration
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(client *redis.Client, opts RedisOptions) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = 5 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	return &RedisLocker{client: redislock.New(client), ttl: opts.TTL, wait: opts.Wait, backoff: opts.Backoff}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, keys ...string) (Release, error) {
	keys = normalizeKeys(keys)
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	releases := make([]Release, 0, len(keys))
	for _, key := range keys {
		obtained, err := l.client.Obtain(waitCtx, key, l.ttl, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(l.backoff),
		})
		if err != nil {
			releaseAll(context.WithoutCancel(ctx), releases)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
				return nil, &shared.BusyError{Resource: key, Cause: err}
			}
			return nil, fmt.Errorf("lock: obtain %s: %w", key, err)
		}
		releases = append(releases, func(ctx context.Context) {
			_ = obtained.Release(ctx)
		})
	}
	return func(ctx context.Context) { releaseAll(ctx, releases) }, nil
}
