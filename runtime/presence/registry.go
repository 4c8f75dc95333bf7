// Package presence records which sessions some service instance is currently
// processing.
//
// Markers live in the shared TTL cache so every instance observes them. The TTL
// is a generous upper bound on processing time: it is a safety net that clears
// markers left behind by crashed instances, not a liveness signal. Instances
// delete their markers explicitly when processing ends, including on failure.
package presence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"goa.design/agentstate/runtime/cache"
	"goa.design/agentstate/runtime/telemetry"
)

// DefaultTTL is the marker lifetime when none is configured.
const DefaultTTL = time.Hour

type (
	// Options configures a Registry.
	Options struct {
		// Keys supplies the active marker prefix.
		Keys cache.Keys
		// TTL is the marker lifetime. Defaults to DefaultTTL.
		TTL time.Duration
		// Instance names this process in the markers it writes. Defaults to
		// the hostname.
		Instance string
		// Logger receives release failures from Hold.
		Logger telemetry.Logger
	}

	// Registry reads and writes active-session markers.
	Registry struct {
		cache    cache.Cache
		keys     cache.Keys
		ttl      time.Duration
		instance string
		logger   telemetry.Logger
	}
)

// New returns a Registry backed by c.
func New(c cache.Cache, opts Options) (*Registry, error) {
	if c == nil {
		return nil, errors.New("cache is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	instance := opts.Instance
	if instance == "" {
		instance, _ = os.Hostname()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{
		cache:    c,
		keys:     opts.Keys.WithDefaults(),
		ttl:      ttl,
		instance: instance,
		logger:   logger,
	}, nil
}

// TTL returns the marker lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register marks id active. Registering an active session refreshes its TTL.
func (r *Registry) Register(ctx context.Context, id string) error {
	if err := r.cache.Set(ctx, r.keys.ActiveKey(id), []byte(r.instance), r.ttl); err != nil {
		return fmt.Errorf("register active session %q: %w", id, err)
	}
	return nil
}

// IsActive reports whether any instance holds a marker for id.
func (r *Registry) IsActive(ctx context.Context, id string) (bool, error) {
	ok, err := r.cache.Exists(ctx, r.keys.ActiveKey(id))
	if err != nil {
		return false, fmt.Errorf("check active session %q: %w", id, err)
	}
	return ok, nil
}

// Owner returns the instance that last registered id, if any.
func (r *Registry) Owner(ctx context.Context, id string) (string, bool, error) {
	val, ok, err := r.cache.Get(ctx, r.keys.ActiveKey(id))
	if err != nil {
		return "", false, fmt.Errorf("load active session %q: %w", id, err)
	}
	return string(val), ok, nil
}

// Unregister removes the marker for id.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if err := r.cache.Delete(ctx, r.keys.ActiveKey(id)); err != nil {
		return fmt.Errorf("unregister active session %q: %w", id, err)
	}
	return nil
}

// Hold registers id and returns a function that unregisters it. Defer the
// returned function so the marker is removed on every exit path:
//
//	release, err := reg.Hold(ctx, id)
//	if err != nil {
//		return err
//	}
//	defer release()
//
// The release runs on a context detached from ctx cancellation.
func (r *Registry) Hold(ctx context.Context, id string) (func(), error) {
	if err := r.Register(ctx, id); err != nil {
		return nil, err
	}
	return func() {
		if err := r.Unregister(context.WithoutCancel(ctx), id); err != nil {
			r.logger.Warn(ctx, "active session marker not removed", "session_id", id, "err", err)
		}
	}, nil
}
