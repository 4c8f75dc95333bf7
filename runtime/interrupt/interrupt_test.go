package interrupt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/agentstate/runtime/cache"
	"goa.design/agentstate/runtime/cache/inmem"
)

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	return n.err
}

func newChannel(t *testing.T, c cache.Cache, opts Options) *Channel {
	t.Helper()
	ch, err := New(c, opts)
	require.NoError(t, err)
	return ch
}

func TestNewRequiresCache(t *testing.T) {
	_, err := New(nil, Options{})
	require.EqualError(t, err, "cache is required")
}

func TestRequestAndObserve(t *testing.T) {
	ctx := context.Background()
	ch := newChannel(t, inmem.New(), Options{})
	require.Equal(t, DefaultTTL, ch.TTL())

	require.NoError(t, ch.Checkpoint(ctx, "sess-1"))
	require.NoError(t, ch.Request(ctx, "sess-1"))

	interrupted, err := ch.IsInterrupted(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, interrupted)

	err = ch.Checkpoint(ctx, "sess-1")
	require.ErrorIs(t, err, ErrInterrupted)

	interrupted, err = ch.IsInterrupted(ctx, "sess-2")
	require.NoError(t, err)
	require.False(t, interrupted, "other sessions are unaffected")

	require.NoError(t, ch.Clear(ctx, "sess-1"))
	interrupted, err = ch.IsInterrupted(ctx, "sess-1")
	require.NoError(t, err)
	require.False(t, interrupted)
}

func TestMarkerExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := inmem.New(inmem.WithClock(func() time.Time { return now }))
	ch := newChannel(t, c, Options{TTL: time.Minute})

	require.NoError(t, ch.Request(ctx, "sess-1"))
	now = now.Add(time.Minute)
	interrupted, err := ch.IsInterrupted(ctx, "sess-1")
	require.NoError(t, err)
	require.False(t, interrupted)
}

func TestNotifierIsBestEffort(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{err: errors.New("stream down")}
	ch := newChannel(t, inmem.New(), Options{Notifier: n})

	require.NoError(t, ch.Request(ctx, "sess-1"))
	require.Equal(t, []string{"sess-1"}, n.ids)
	interrupted, err := ch.IsInterrupted(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, interrupted)
}

func TestRequestFailsWhenCacheUnavailable(t *testing.T) {
	ctx := context.Background()
	c := inmem.New()
	n := &recordingNotifier{}
	ch := newChannel(t, c, Options{Notifier: n})
	c.SetUnavailable(true)

	require.ErrorIs(t, ch.Request(ctx, "sess-1"), cache.ErrUnavailable)
	require.Empty(t, n.ids, "nothing is announced when nothing was recorded")
	require.ErrorIs(t, ch.Checkpoint(ctx, "sess-1"), cache.ErrUnavailable)
	require.ErrorIs(t, ch.Clear(ctx, "sess-1"), cache.ErrUnavailable)
}

// TestInterruptIsolationProperty verifies that requesting an interrupt for one
// session never marks a different session as interrupted.
func TestInterruptIsolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("interrupts are scoped to their session", prop.ForAll(
		func(target, other string) bool {
			if target == other {
				return true
			}
			ctx := context.Background()
			ch, err := New(inmem.New(), Options{})
			if err != nil {
				return false
			}
			if err := ch.Request(ctx, target); err != nil {
				return false
			}
			hit, err := ch.IsInterrupted(ctx, target)
			if err != nil || !hit {
				return false
			}
			miss, err := ch.IsInterrupted(ctx, other)
			return err == nil && !miss
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
