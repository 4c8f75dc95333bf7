// Package cache defines the TTL cache contract the session-state core runs on.
//
// The cache is a volatile accelerator shared by every service instance. Losing
// it must never lose data: callers treat ErrUnavailable as "slower, not wrong"
// wherever a durable fallback exists. Besides key/value storage with expiry the
// cache offers a token-guarded lock primitive used by runtime/lock.
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache is a key/value store with per-key expiry and an owner-token lock.
// Implementations must be safe for concurrent use. Absent keys are never
// reported as errors; connectivity failures wrap ErrUnavailable.
type Cache interface {
	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value stored under key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Exists reports whether key is present and not expired.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// TryAcquireLock atomically stores a fresh owner token under key when the
	// key is absent. It returns the token and true on success, or false when
	// another owner holds the key.
	TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	// ReleaseLock deletes key only if it still holds token. It returns false
	// when the key is absent or owned by another token.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}

// ErrUnavailable indicates the cache could not be reached.
var ErrUnavailable = errors.New("cache unavailable")

// Default key namespace prefixes.
const (
	DefaultSessionPrefix   = "session:"
	DefaultActivePrefix    = "active_session:"
	DefaultInterruptPrefix = "interrupt:"
	DefaultLockPrefix      = "lock:session:"
)

// Keys namespaces cache keys by entity kind. Empty prefixes fall back to the
// defaults.
type Keys struct {
	// Session prefixes cached session records.
	Session string `yaml:"session"`
	// Active prefixes active-session markers.
	Active string `yaml:"active"`
	// Interrupt prefixes interrupt markers.
	Interrupt string `yaml:"interrupt"`
	// Lock prefixes lock records.
	Lock string `yaml:"lock"`
}

// DefaultKeys returns the default namespaces.
func DefaultKeys() Keys {
	return Keys{
		Session:   DefaultSessionPrefix,
		Active:    DefaultActivePrefix,
		Interrupt: DefaultInterruptPrefix,
		Lock:      DefaultLockPrefix,
	}
}

// WithDefaults returns k with empty prefixes replaced by the defaults.
func (k Keys) WithDefaults() Keys {
	d := DefaultKeys()
	if k.Session == "" {
		k.Session = d.Session
	}
	if k.Active == "" {
		k.Active = d.Active
	}
	if k.Interrupt == "" {
		k.Interrupt = d.Interrupt
	}
	if k.Lock == "" {
		k.Lock = d.Lock
	}
	return k
}

// SessionKey returns the key caching the session record for id.
func (k Keys) SessionKey(id string) string { return k.Session + id }

// ActiveKey returns the active-session marker key for id.
func (k Keys) ActiveKey(id string) string { return k.Active + id }

// InterruptKey returns the interrupt marker key for id.
func (k Keys) InterruptKey(id string) string { return k.Interrupt + id }

// LockKey returns the lock record key for resource.
func (k Keys) LockKey(resource string) string { return k.Lock + resource }
