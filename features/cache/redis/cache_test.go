package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/agentstate/runtime/cache"
	"goa.design/agentstate/runtime/lock"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else if addr, err := containerAddr(ctx); err != nil {
		fmt.Printf("Failed to resolve redis address: %v\n", err)
		skipIntegration = true
	} else {
		testRedisClient = redis.NewClient(&redis.Options{Addr: addr})
		if err := testRedisClient.Ping(ctx).Err(); err != nil {
			fmt.Printf("Failed to ping redis: %v\n", err)
			skipIntegration = true
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func containerAddr(ctx context.Context) (string, error) {
	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		return "", err
	}
	return host + ":" + port.Port(), nil
}

// getCache returns a cache on the shared Redis container after flushing it.
func getCache(t *testing.T) *Cache {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	c, err := New(testRedisClient, Options{})
	require.NoError(t, err)
	return c
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Options{})
	require.EqualError(t, err, "redis client is required")
}

func TestUnreachableRedisIsUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer func() { _ = rdb.Close() }()
	c, err := New(rdb, Options{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	require.ErrorIs(t, c.Set(ctx, "k", []byte("v"), time.Minute), cache.ErrUnavailable)
	_, _, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, cache.ErrUnavailable)
	_, err = c.Exists(ctx, "k")
	require.ErrorIs(t, err, cache.ErrUnavailable)
	_, _, err = c.TryAcquireLock(ctx, "lock", time.Minute)
	require.ErrorIs(t, err, cache.ErrUnavailable)
	require.ErrorIs(t, c.Ping(ctx), cache.ErrUnavailable)
	require.Equal(t, "redis", c.Name())
}

func TestSetGetExistsDelete(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "session:a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "session:a", []byte(`{"id":"a"}`), time.Minute))
	val, ok, err := c.Get(ctx, "session:a")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"id":"a"}`, string(val))

	exists, err := c.Exists(ctx, "session:a")
	require.NoError(t, err)
	require.True(t, exists)

	ttl, err := testRedisClient.PTTL(ctx, "session:a").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 50*time.Second)

	require.NoError(t, c.Delete(ctx, "session:a"))
	require.NoError(t, c.Delete(ctx, "session:a"))
	exists, err = c.Exists(ctx, "session:a")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, c.Ping(ctx))
}

func TestKeysExpire(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "active_session:a", []byte("node-a"), 100*time.Millisecond))
	require.Eventually(t, func() bool {
		exists, err := c.Exists(ctx, "active_session:a")
		return err == nil && !exists
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLockOwnership(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()

	token, ok, err := c.TryAcquireLock(ctx, "lock:session:a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = c.TryAcquireLock(ctx, "lock:session:a", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	released, err := c.ReleaseLock(ctx, "lock:session:a", "someone-else")
	require.NoError(t, err)
	require.False(t, released)

	released, err = c.ReleaseLock(ctx, "lock:session:a", token)
	require.NoError(t, err)
	require.True(t, released)

	released, err = c.ReleaseLock(ctx, "lock:session:a", token)
	require.NoError(t, err)
	require.False(t, released)
}

func TestExpiredLockCannotReleaseSuccessor(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()

	stale, ok, err := c.TryAcquireLock(ctx, "lock:session:a", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	var next string
	require.Eventually(t, func() bool {
		tok, ok, err := c.TryAcquireLock(ctx, "lock:session:a", time.Minute)
		if err != nil || !ok {
			return false
		}
		next = tok
		return true
	}, 2*time.Second, 20*time.Millisecond)

	released, err := c.ReleaseLock(ctx, "lock:session:a", stale)
	require.NoError(t, err)
	require.False(t, released)

	val, ok, err := c.Get(ctx, "lock:session:a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, next, string(val))
}

func TestLockManagerSerializesOverRedis(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()
	m, err := lock.New(c, lock.Options{RetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		overlap bool
		errs    = make(chan error, 8)
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.WithLock(ctx, "sess-1", func(context.Context) error {
				mu.Lock()
				inside++
				if inside > 1 {
					overlap = true
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.False(t, overlap)
}
