// Package inmem provides an in-process cache.Cache with TTL expiry and the
// lock primitive. It backs single-instance deployments and tests; two services
// sharing one Cache value behave like two instances sharing a Redis server.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentstate/runtime/cache"
)

type (
	// Cache is a mutex-guarded map whose entries expire lazily on access.
	Cache struct {
		mu          sync.Mutex
		entries     map[string]entry
		now         func() time.Time
		unavailable bool
	}

	entry struct {
		value     []byte
		expiresAt time.Time // zero means no expiry
	}

	// Option configures a Cache.
	Option func(*Cache)
)

var _ cache.Cache = (*Cache)(nil)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUnavailable makes every subsequent operation fail with
// cache.ErrUnavailable until called again with false. Stored entries are kept.
func (c *Cache) SetUnavailable(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = down
}

// Set stores a copy of value under key.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("set", key); err != nil {
		return err
	}
	c.entries[key] = c.newEntry(value, ttl)
	return nil
}

// Get returns a copy of the value stored under key.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("get", key); err != nil {
		return nil, false, err
	}
	e, ok := c.live(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Exists reports whether key holds a live entry.
func (c *Cache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("exists", key); err != nil {
		return false, err
	}
	_, ok := c.live(key)
	return ok, nil
}

// Delete removes key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("delete", key); err != nil {
		return err
	}
	delete(c.entries, key)
	return nil
}

// TryAcquireLock stores a new token under key if no live entry exists.
func (c *Cache) TryAcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("acquire lock", key); err != nil {
		return "", false, err
	}
	if _, ok := c.live(key); ok {
		return "", false, nil
	}
	token := uuid.NewString()
	c.entries[key] = c.newEntry([]byte(token), ttl)
	return token, true, nil
}

// ReleaseLock deletes key if it still holds token.
func (c *Cache) ReleaseLock(_ context.Context, key, token string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("release lock", key); err != nil {
		return false, err
	}
	e, ok := c.live(key)
	if !ok || string(e.value) != token {
		return false, nil
	}
	delete(c.entries, key)
	return true, nil
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (c *Cache) check(op, key string) error {
	if c.unavailable {
		return fmt.Errorf("inmem %s %q: %w", op, key, cache.ErrUnavailable)
	}
	return nil
}

// live returns the entry for key, deleting it first if expired. Callers hold mu.
func (c *Cache) live(key string) (entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) newEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	return e
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
