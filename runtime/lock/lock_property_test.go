package lock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/agentstate/runtime/cache/inmem"
)

// TestAtMostOneHolderProperty verifies that for any resource, while one holder
// owns the lock, no other acquisition attempt succeeds, and that after release
// the next attempt does.
func TestAtMostOneHolderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("busy resource never granted twice", prop.ForAll(
		func(resource string, contenders int) bool {
			ctx := context.Background()
			m, err := New(inmem.New(), Options{
				TTL:           time.Minute,
				Timeout:       5 * time.Millisecond,
				RetryInterval: time.Millisecond,
			})
			if err != nil {
				return false
			}
			holder, err := m.Acquire(ctx, resource)
			if err != nil {
				return false
			}
			for i := 0; i < contenders; i++ {
				if _, err := m.Acquire(ctx, resource); err == nil {
					return false
				}
			}
			if err := holder.Release(ctx); err != nil {
				return false
			}
			next, err := m.Acquire(ctx, resource)
			if err != nil {
				return false
			}
			return next.Token() != holder.Token() && next.Release(ctx) == nil
		},
		gen.Identifier().Map(func(s string) string { return fmt.Sprintf("sess-%s", s) }),
		gen.IntRange(1, 3),
	))

	properties.TestingRun(t)
}
