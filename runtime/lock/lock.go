// Package lock grants exclusive, time-bounded ownership of named resources to
// one caller at a time across service instances.
//
// Locks are records in the shared TTL cache holding a random owner token. A
// record expires on its own after the lock TTL so a crashed holder frees the
// resource within a bounded window. Release only deletes the record when the
// presented token still matches; a holder whose lock expired and was taken by
// someone else cannot release the new holder's lock.
//
// The lock TTL must exceed the longest expected critical section. Too short and
// two holders can overlap; too long and a crashed holder blocks the resource
// for that long.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"goa.design/agentstate/runtime/cache"
	"goa.design/agentstate/runtime/telemetry"
)

const (
	// DefaultTTL bounds how long a crashed holder can keep a resource.
	DefaultTTL = 30 * time.Second
	// DefaultTimeout bounds how long Acquire waits for a busy resource.
	DefaultTimeout = 10 * time.Second
	// DefaultRetryInterval paces acquisition attempts while a resource is busy.
	DefaultRetryInterval = 50 * time.Millisecond
	// DefaultReleaseTimeout bounds the release call made after the critical section.
	DefaultReleaseTimeout = 2 * time.Second
)

// ErrTimeout indicates the lock could not be acquired within the configured
// timeout. Callers may retry.
var ErrTimeout = errors.New("lock acquisition timed out")

type (
	// Options configures a Manager.
	Options struct {
		// Keys supplies the lock key prefix. Empty prefixes use the defaults.
		Keys cache.Keys
		// TTL is the lifetime of a lock record. Defaults to DefaultTTL.
		TTL time.Duration
		// Timeout bounds Acquire. Defaults to DefaultTimeout.
		Timeout time.Duration
		// RetryInterval is the minimum delay between attempts. Defaults to
		// DefaultRetryInterval.
		RetryInterval time.Duration
		// ReleaseTimeout bounds Release when called through WithLock.
		// Defaults to DefaultReleaseTimeout.
		ReleaseTimeout time.Duration
		// Logger receives acquisition and release diagnostics.
		Logger telemetry.Logger
		// Metrics receives acquisition wait times and timeouts.
		Metrics telemetry.Metrics
	}

	// Manager acquires and releases locks stored in a cache.Cache.
	Manager struct {
		cache          cache.Cache
		keys           cache.Keys
		ttl            time.Duration
		timeout        time.Duration
		retryInterval  time.Duration
		releaseTimeout time.Duration
		logger         telemetry.Logger
		metrics        telemetry.Metrics
	}

	// Lock is a held lock. It must be released exactly once.
	Lock struct {
		mgr        *Manager
		resource   string
		key        string
		token      string
		acquiredAt time.Time
	}
)

// New returns a Manager storing lock records in c.
func New(c cache.Cache, opts Options) (*Manager, error) {
	if c == nil {
		return nil, errors.New("cache is required")
	}
	m := &Manager{
		cache:          c,
		keys:           opts.Keys.WithDefaults(),
		ttl:            opts.TTL,
		timeout:        opts.Timeout,
		retryInterval:  opts.RetryInterval,
		releaseTimeout: opts.ReleaseTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.retryInterval <= 0 {
		m.retryInterval = DefaultRetryInterval
	}
	if m.releaseTimeout <= 0 {
		m.releaseTimeout = DefaultReleaseTimeout
	}
	if m.logger == nil {
		m.logger = telemetry.NewNoopLogger()
	}
	if m.metrics == nil {
		m.metrics = telemetry.NewNoopMetrics()
	}
	return m, nil
}

// TTL returns the configured lock record lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire blocks until it owns resource, the configured timeout elapses or
// ctx ends. A busy resource and an unreachable cache are both retried until
// the timeout, after which the returned error matches ErrTimeout.
func (m *Manager) Acquire(ctx context.Context, resource string) (*Lock, error) {
	if resource == "" {
		return nil, errors.New("lock resource is required")
	}
	key := m.keys.LockKey(resource)
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(m.retryInterval), 1)
	var (
		attempts int
		lastErr  error
	)
	for pace(actx, limiter) {
		attempts++
		token, ok, err := m.cache.TryAcquireLock(actx, key, m.ttl)
		if err != nil {
			lastErr = err
			m.logger.Warn(ctx, "lock attempt failed", "resource", resource, "attempt", attempts, "err", err)
			continue
		}
		if ok {
			m.metrics.RecordTimer("lock.acquire.wait", time.Since(start), "outcome", "acquired")
			return &Lock{
				mgr:        m,
				resource:   resource,
				key:        key,
				token:      token,
				acquiredAt: time.Now(),
			}, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", resource, err)
	}
	m.metrics.RecordTimer("lock.acquire.wait", time.Since(start), "outcome", "timeout")
	m.metrics.IncCounter("lock.acquire.timeout", 1)
	m.logger.Warn(ctx, "lock acquisition timed out", "resource", resource, "attempts", attempts, "timeout", m.timeout)
	if lastErr != nil {
		return nil, fmt.Errorf("acquire lock %q after %s: %w: %w", resource, m.timeout, ErrTimeout, lastErr)
	}
	return nil, fmt.Errorf("acquire lock %q after %s: %w", resource, m.timeout, ErrTimeout)
}

// WithLock runs fn while holding resource. The lock is released after fn
// returns or panics, on a context detached from ctx cancellation so that a
// cancelled caller still frees the resource. Release failures are logged and
// otherwise ignored since the TTL frees the record anyway.
func (m *Manager) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, resource)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTimeout)
		defer cancel()
		if err := l.Release(rctx); err != nil {
			m.logger.Warn(ctx, "lock release failed", "resource", resource, "err", err)
		}
	}()
	return fn(ctx)
}

// pace waits for the limiter to allow the next attempt. It returns false once
// ctx is done. Unlike rate.Limiter.Wait it does not give up early when the
// next slot falls past the deadline, so the caller can tell its own timeout
// apart from the parent context ending.
func pace(ctx context.Context, limiter *rate.Limiter) bool {
	if ctx.Err() != nil {
		return false
	}
	d := limiter.Reserve().Delay()
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Resource returns the locked resource name.
func (l *Lock) Resource() string { return l.resource }

// Token returns the owner token stored in the lock record.
func (l *Lock) Token() string { return l.token }

// Release deletes the lock record if it still carries this lock's token. A
// record that expired or now belongs to another holder is left alone and nil
// is returned: the TTL already ended this holder's ownership. Only cache
// failures are returned.
func (l *Lock) Release(ctx context.Context) error {
	released, err := l.mgr.cache.ReleaseLock(ctx, l.key, l.token)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", l.resource, err)
	}
	held := time.Since(l.acquiredAt)
	l.mgr.metrics.RecordTimer("lock.held", held)
	if !released {
		l.mgr.logger.Debug(ctx, "lock no longer owned at release", "resource", l.resource, "held", held)
	}
	return nil
}
