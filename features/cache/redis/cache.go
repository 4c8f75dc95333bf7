package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"goa.design/agentstate/runtime/cache"
)

// DefaultTimeout bounds each Redis round trip when Options.Timeout is zero.
const DefaultTimeout = 2 * time.Second

// releaseScript deletes KEYS[1] only when it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type (
	// Options configures the Redis cache.
	Options struct {
		// Timeout bounds each Redis call. Defaults to DefaultTimeout.
		Timeout time.Duration
	}

	// Cache is a cache.Cache backed by Redis.
	Cache struct {
		rdb     redis.UniversalClient
		timeout time.Duration
	}
)

var _ cache.Cache = (*Cache)(nil)

// New returns a Cache using rdb.
func New(rdb redis.UniversalClient, opts Options) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Cache{rdb: rdb, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (c *Cache) Name() string { return "redis" }

// Ping implements health.Pinger.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", "", err)
	}
	return nil
}

// Set stores value under key with the given ttl.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// Get returns the value stored under key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", key, err)
	}
	return val, true, nil
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", key, err)
	}
	return n > 0, nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return unavailable("del", key, err)
	}
	return nil
}

// TryAcquireLock stores a fresh token under key if the key is absent.
func (c *Cache) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, unavailable("setnx", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock deletes key if it still holds token.
func (c *Cache) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, unavailable("release", key, err)
	}
	return n == 1, nil
}

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func unavailable(op, key string, err error) error {
	if key == "" {
		return fmt.Errorf("redis %s: %w: %w", op, cache.ErrUnavailable, err)
	}
	return fmt.Errorf("redis %s %q: %w: %w", op, key, cache.ErrUnavailable, err)
}
