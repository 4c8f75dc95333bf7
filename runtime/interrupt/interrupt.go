// Package interrupt lets any instance ask whichever instance is processing a
// session to stop.
//
// Cancellation is advisory. A request writes a short-lived marker to the
// shared cache; the processing instance polls for it at safe checkpoints and
// stops cooperatively. Requests are observed eventually, within one checkpoint
// interval, and expire after the marker TTL if nobody consumes them.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/agentstate/runtime/cache"
	"goa.design/agentstate/runtime/telemetry"
)

// DefaultTTL is the marker lifetime when none is configured.
const DefaultTTL = 5 * time.Minute

// ErrInterrupted is returned by Checkpoint when an interrupt was requested.
var ErrInterrupted = errors.New("session interrupted")

type (
	// Notifier pushes interrupt requests to interested instances so they do
	// not have to wait for their next poll. Delivery is best effort; the
	// cache marker stays authoritative.
	Notifier interface {
		Notify(ctx context.Context, sessionID string) error
	}

	// Options configures a Channel.
	Options struct {
		// Keys supplies the interrupt marker prefix.
		Keys cache.Keys
		// TTL is the marker lifetime. Defaults to DefaultTTL.
		TTL time.Duration
		// Notifier, when set, is told about every recorded request.
		Notifier Notifier
		// Logger receives notifier failures.
		Logger telemetry.Logger
	}

	// Channel records and observes interrupt requests.
	Channel struct {
		cache    cache.Cache
		keys     cache.Keys
		ttl      time.Duration
		notifier Notifier
		logger   telemetry.Logger
	}
)

// New returns a Channel backed by c.
func New(c cache.Cache, opts Options) (*Channel, error) {
	if c == nil {
		return nil, errors.New("cache is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Channel{
		cache:    c,
		keys:     opts.Keys.WithDefaults(),
		ttl:      ttl,
		notifier: opts.Notifier,
		logger:   logger,
	}, nil
}

// TTL returns the marker lifetime.
func (c *Channel) TTL() time.Duration { return c.ttl }

// Request records an interrupt for id and notifies listeners. The marker
// write must succeed; notification failures are logged only.
func (c *Channel) Request(ctx context.Context, id string) error {
	marker := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := c.cache.Set(ctx, c.keys.InterruptKey(id), marker, c.ttl); err != nil {
		return fmt.Errorf("request interrupt %q: %w", id, err)
	}
	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, id); err != nil {
			c.logger.Warn(ctx, "interrupt notification failed", "session_id", id, "err", err)
		}
	}
	return nil
}

// IsInterrupted reports whether an unexpired interrupt exists for id.
func (c *Channel) IsInterrupted(ctx context.Context, id string) (bool, error) {
	ok, err := c.cache.Exists(ctx, c.keys.InterruptKey(id))
	if err != nil {
		return false, fmt.Errorf("check interrupt %q: %w", id, err)
	}
	return ok, nil
}

// Clear removes the interrupt marker for id.
func (c *Channel) Clear(ctx context.Context, id string) error {
	if err := c.cache.Delete(ctx, c.keys.InterruptKey(id)); err != nil {
		return fmt.Errorf("clear interrupt %q: %w", id, err)
	}
	return nil
}

// Checkpoint returns ErrInterrupted when an interrupt is pending for id.
// Long-running loops call it between steps. Cache failures are returned as-is
// so callers can decide whether to keep going.
func (c *Channel) Checkpoint(ctx context.Context, id string) error {
	interrupted, err := c.IsInterrupted(ctx, id)
	if err != nil {
		return err
	}
	if interrupted {
		return fmt.Errorf("%w: %s", ErrInterrupted, id)
	}
	return nil
}
