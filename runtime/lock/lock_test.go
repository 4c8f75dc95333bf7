package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentstate/runtime/cache"
	"goa.design/agentstate/runtime/cache/inmem"
)

func newTestManager(t *testing.T, c cache.Cache, opts Options) *Manager {
	t.Helper()
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	m, err := New(c, opts)
	require.NoError(t, err)
	return m
}

func TestNewRequiresCache(t *testing.T) {
	_, err := New(nil, Options{})
	require.EqualError(t, err, "cache is required")
}

func TestNewAppliesDefaults(t *testing.T) {
	m, err := New(inmem.New(), Options{})
	require.NoError(t, err)
	require.Equal(t, DefaultTTL, m.TTL())
	require.Equal(t, DefaultTimeout, m.timeout)
	require.Equal(t, DefaultRetryInterval, m.retryInterval)
	require.Equal(t, cache.DefaultLockPrefix, m.keys.Lock)
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	c := inmem.New()
	m := newTestManager(t, c, Options{TTL: time.Minute, Timeout: time.Second})

	l, err := m.Acquire(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", l.Resource())
	require.NotEmpty(t, l.Token())

	exists, err := c.Exists(ctx, "lock:session:sess-1")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, l.Release(ctx))
	exists, err = c.Exists(ctx, "lock:session:sess-1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestAcquireRequiresResource(t *testing.T) {
	m := newTestManager(t, inmem.New(), Options{})
	_, err := m.Acquire(context.Background(), "")
	require.EqualError(t, err, "lock resource is required")
}

func TestSecondAcquireTimesOutWhileHeld(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, inmem.New(), Options{TTL: time.Minute, Timeout: 50 * time.Millisecond})

	held, err := m.Acquire(ctx, "sess-1")
	require.NoError(t, err)
	defer func() { require.NoError(t, held.Release(ctx)) }()

	start := time.Now()
	_, err = m.Acquire(ctx, "sess-1")
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	other, err := m.Acquire(ctx, "sess-2")
	require.NoError(t, err, "different resources do not contend")
	require.NoError(t, other.Release(ctx))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, inmem.New(), Options{TTL: time.Minute, Timeout: 2 * time.Second})

	held, err := m.Acquire(ctx, "sess-1")
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release(context.Background())
	}()

	next, err := m.Acquire(ctx, "sess-1")
	require.NoError(t, err)
	require.NotEqual(t, held.Token(), next.Token())
	require.NoError(t, next.Release(ctx))
}

func TestExpiredHolderCannotReleaseNewHolder(t *testing.T) {
	ctx := context.Background()
	c := inmem.New()
	m := newTestManager(t, c, Options{TTL: 20 * time.Millisecond, Timeout: time.Second})

	stale, err := m.Acquire(ctx, "sess-1")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	fresh, err := m.Acquire(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx), "mismatched release is a no-op, not an error")
	val, ok, err := c.Get(ctx, "lock:session:sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fresh.Token(), string(val))
	require.NoError(t, fresh.Release(ctx))
}

func TestAcquireTimesOutWhenCacheUnavailable(t *testing.T) {
	c := inmem.New()
	c.SetUnavailable(true)
	m := newTestManager(t, c, Options{Timeout: 20 * time.Millisecond})

	_, err := m.Acquire(context.Background(), "sess-1")
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, cache.ErrUnavailable)
}

func TestAcquireHonorsCallerCancellation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, inmem.New(), Options{TTL: time.Minute, Timeout: time.Minute})
	held, err := m.Acquire(ctx, "sess-1")
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(cctx, "sess-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrTimeout)
}

func TestReleaseSurfacesCacheFailure(t *testing.T) {
	ctx := context.Background()
	c := inmem.New()
	m := newTestManager(t, c, Options{})
	l, err := m.Acquire(ctx, "sess-1")
	require.NoError(t, err)
	c.SetUnavailable(true)
	require.ErrorIs(t, l.Release(ctx), cache.ErrUnavailable)
}

func TestWithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	c := inmem.New()
	m := newTestManager(t, c, Options{Timeout: time.Second})
	boom := errors.New("boom")

	err := m.WithLock(ctx, "sess-1", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	exists, err := c.Exists(ctx, "lock:session:sess-1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	c := inmem.New()
	m := newTestManager(t, c, Options{Timeout: time.Second})

	require.Panics(t, func() {
		_ = m.WithLock(ctx, "sess-1", func(context.Context) error { panic("boom") })
	})
	exists, err := c.Exists(ctx, "lock:session:sess-1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestWithLockSerializesCriticalSections(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, inmem.New(), Options{TTL: 5 * time.Second, Timeout: 5 * time.Second})

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		counter int
		wg      sync.WaitGroup
	)
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.WithLock(ctx, "shared", func(context.Context) error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.False(t, overlap.Load())
	require.Equal(t, 10, counter)
}
