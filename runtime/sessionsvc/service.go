// Package sessionsvc is the inbound boundary of the session-state core.
//
// The service composes a durable store, a shared TTL cache, the distributed
// lock, the active-session registry and the interrupt channel:
//
//   - Reads are cache-aside: cache first, durable store on miss, then the cache
//     is repopulated for FillTTL unless a newer copy was cached meanwhile.
//   - Writes go to the durable store first. The cache write that follows is
//     best effort; a failed cache write never fails the operation.
//   - Read-modify-write updates run under a lock scoped to the session id so
//     concurrent updates from any instance are serialized.
//
// Cache failures never escape the service except from RequestInterrupt, whose
// only purpose is the cache write.
package sessionsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/agentstate/runtime/cache"
	"goa.design/agentstate/runtime/interrupt"
	"goa.design/agentstate/runtime/lock"
	"goa.design/agentstate/runtime/presence"
	"goa.design/agentstate/runtime/session"
	"goa.design/agentstate/runtime/telemetry"
)

const (
	// DefaultCacheTTL is the lifetime of cached session records.
	DefaultCacheTTL = time.Hour
	// DefaultFillTTL is the lifetime of records cached by a read miss.
	DefaultFillTTL = time.Minute
)

var (
	// ErrInterruptNotRecorded indicates the interrupt marker could not be
	// written, so the processing instance will not observe the request.
	ErrInterruptNotRecorded = errors.New("interrupt not recorded")
	// ErrModelRequired indicates a create request without a model.
	ErrModelRequired = errors.New("model is required")
)

type (
	// Options configures a Service. Store and Cache are required. Locks,
	// Presence and Interrupts are built from Cache and Keys when nil.
	Options struct {
		Store session.Store
		Cache cache.Cache

		Locks      *lock.Manager
		Presence   *presence.Registry
		Interrupts *interrupt.Channel

		// Keys supplies cache key namespaces.
		Keys cache.Keys
		// CacheTTL is the lifetime of cached session records. Defaults to
		// DefaultCacheTTL.
		CacheTTL time.Duration
		// FillTTL is the lifetime of records cached after a read miss. A
		// fill races with write-throughs from other instances so it is kept
		// short. Defaults to DefaultFillTTL, capped at CacheTTL.
		FillTTL time.Duration
		// Now returns the current time. Defaults to time.Now.
		Now func() time.Time

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// CreateRequest describes a session to create.
	CreateRequest struct {
		// Model is required.
		Model string
		// ID is generated when empty.
		ID string
		// ParentID marks the new session as a fork of another.
		ParentID string
	}

	// Service implements the session operations.
	Service struct {
		store      session.Store
		cache      cache.Cache
		locks      *lock.Manager
		presence   *presence.Registry
		interrupts *interrupt.Channel
		keys       cache.Keys
		cacheTTL   time.Duration
		fillTTL    time.Duration
		now        func() time.Time
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
	}
)

// New returns a Service wired from opts.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	s := &Service{
		store:      opts.Store,
		cache:      opts.Cache,
		locks:      opts.Locks,
		presence:   opts.Presence,
		interrupts: opts.Interrupts,
		keys:       opts.Keys.WithDefaults(),
		cacheTTL:   opts.CacheTTL,
		fillTTL:    opts.FillTTL,
		now:        opts.Now,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = DefaultCacheTTL
	}
	if s.fillTTL <= 0 {
		s.fillTTL = DefaultFillTTL
	}
	s.fillTTL = min(s.fillTTL, s.cacheTTL)
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if s.tracer == nil {
		s.tracer = telemetry.NewNoopTracer()
	}
	var err error
	if s.locks == nil {
		s.locks, err = lock.New(s.cache, lock.Options{Keys: s.keys, Logger: s.logger, Metrics: s.metrics})
		if err != nil {
			return nil, err
		}
	}
	if s.presence == nil {
		s.presence, err = presence.New(s.cache, presence.Options{Keys: s.keys, Logger: s.logger})
		if err != nil {
			return nil, err
		}
	}
	if s.interrupts == nil {
		s.interrupts, err = interrupt.New(s.cache, interrupt.Options{Keys: s.keys, Logger: s.logger})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Create persists a new active session and caches it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (out session.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "session.create")
	defer telemetry.EndSpan(span, &err)

	if req.Model == "" {
		return session.Session{}, ErrModelRequired
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	created, err := s.store.Create(ctx, session.New(id, req.Model, req.ParentID, s.now()))
	if err != nil {
		return session.Session{}, fmt.Errorf("create session %q: %w", id, err)
	}
	s.cachePut(ctx, created)
	return created, nil
}

// Get returns the session with the given id, from the cache when possible.
func (s *Service) Get(ctx context.Context, id string) (out session.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "session.get")
	defer telemetry.EndSpan(span, &err)

	if sess, ok := s.cacheGet(ctx, id); ok {
		return sess, nil
	}
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return session.Session{}, fmt.Errorf("get session %q: %w", id, err)
	}
	s.cacheFill(ctx, sess)
	return sess, nil
}

// Update applies u under the session lock. The durable write happens before
// the cache write. Returns an error matching lock.ErrTimeout when the lock
// could not be acquired.
func (s *Service) Update(ctx context.Context, id string, u session.Update) (out session.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "session.update")
	defer telemetry.EndSpan(span, &err)

	err = s.locks.WithLock(ctx, id, func(ctx context.Context) error {
		// Read the authoritative copy: a cache entry may be stale if an
		// earlier write-through failed.
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		_, fields, err := cur.Apply(u, s.now())
		if err != nil {
			return err
		}
		stored, err := s.store.Update(ctx, id, fields)
		if err != nil {
			return err
		}
		s.cachePut(ctx, stored)
		out = stored
		return nil
	})
	if err != nil {
		return session.Session{}, fmt.Errorf("update session %q: %w", id, err)
	}
	return out, nil
}

// Evict drops the cached copy of id. The next Get reloads it from the durable
// store.
func (s *Service) Evict(ctx context.Context, id string) {
	if err := s.cache.Delete(ctx, s.keys.SessionKey(id)); err != nil {
		s.logger.Warn(ctx, "session cache eviction failed", "session_id", id, "err", err)
	}
}

// RegisterActive marks id as being processed by this instance.
func (s *Service) RegisterActive(ctx context.Context, id string) {
	if err := s.presence.Register(ctx, id); err != nil {
		s.logger.Warn(ctx, "active session not registered", "session_id", id, "err", err)
	}
}

// IsActive reports whether any instance is processing id. Returns false when
// the cache is unreachable.
func (s *Service) IsActive(ctx context.Context, id string) bool {
	active, err := s.presence.IsActive(ctx, id)
	if err != nil {
		s.logger.Warn(ctx, "active session check failed", "session_id", id, "err", err)
		return false
	}
	return active
}

// UnregisterActive clears the active marker for id.
func (s *Service) UnregisterActive(ctx context.Context, id string) {
	if err := s.presence.Unregister(ctx, id); err != nil {
		s.logger.Warn(ctx, "active session not unregistered", "session_id", id, "err", err)
	}
}

// RunActive registers id as active, runs fn and unregisters id however fn
// returns.
func (s *Service) RunActive(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	release, err := s.presence.Hold(ctx, id)
	if err != nil {
		s.logger.Warn(ctx, "active session not registered", "session_id", id, "err", err)
	} else {
		defer release()
	}
	return fn(ctx)
}

// RequestInterrupt asks whichever instance processes id to stop. Returns
// ErrInterruptNotRecorded when the marker could not be written.
func (s *Service) RequestInterrupt(ctx context.Context, id string) error {
	if err := s.interrupts.Request(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", ErrInterruptNotRecorded, err)
	}
	return nil
}

// IsInterrupted reports whether an interrupt is pending for id. Returns false
// when the cache is unreachable.
func (s *Service) IsInterrupted(ctx context.Context, id string) bool {
	interrupted, err := s.interrupts.IsInterrupted(ctx, id)
	if err != nil {
		s.logger.Warn(ctx, "interrupt check failed", "session_id", id, "err", err)
		return false
	}
	return interrupted
}

// ClearInterrupt removes a pending interrupt for id.
func (s *Service) ClearInterrupt(ctx context.Context, id string) {
	if err := s.interrupts.Clear(ctx, id); err != nil {
		s.logger.Warn(ctx, "interrupt not cleared", "session_id", id, "err", err)
	}
}

// Checkpoint returns an error matching interrupt.ErrInterrupted when an
// interrupt is pending for id. Long-running loops call it between steps.
func (s *Service) Checkpoint(ctx context.Context, id string) error {
	if s.IsInterrupted(ctx, id) {
		return fmt.Errorf("%w: %s", interrupt.ErrInterrupted, id)
	}
	return nil
}

func (s *Service) cacheGet(ctx context.Context, id string) (session.Session, bool) {
	raw, ok, err := s.cache.Get(ctx, s.keys.SessionKey(id))
	if err != nil {
		s.logger.Warn(ctx, "session cache read failed", "session_id", id, "err", err)
		s.metrics.IncCounter("session.cache.miss", 1, "reason", "unavailable")
		return session.Session{}, false
	}
	if !ok {
		s.metrics.IncCounter("session.cache.miss", 1, "reason", "absent")
		return session.Session{}, false
	}
	sess, err := decodeCached(raw, id)
	if err != nil {
		s.logger.Warn(ctx, "session cache entry corrupt", "session_id", id, "err", err)
		s.metrics.IncCounter("session.cache.miss", 1, "reason", "corrupt")
		return session.Session{}, false
	}
	s.metrics.IncCounter("session.cache.hit", 1)
	return sess, true
}

// cacheFill caches sess after a read miss. A copy cached since the durable
// read is kept when it is at least as recent, so a slow fill does not replace
// a concurrent write-through.
func (s *Service) cacheFill(ctx context.Context, sess session.Session) {
	raw, ok, err := s.cache.Get(ctx, s.keys.SessionKey(sess.ID))
	if err == nil && ok {
		if cur, err := decodeCached(raw, sess.ID); err == nil && !cur.UpdatedAt.Before(sess.UpdatedAt) {
			return
		}
	}
	s.cacheSet(ctx, sess, s.fillTTL)
}

func (s *Service) cachePut(ctx context.Context, sess session.Session) {
	s.cacheSet(ctx, sess, s.cacheTTL)
}

func (s *Service) cacheSet(ctx context.Context, sess session.Session, ttl time.Duration) {
	key := s.keys.SessionKey(sess.ID)
	raw, err := json.Marshal(sess)
	if err == nil {
		err = s.cache.Set(ctx, key, raw, ttl)
	}
	if err == nil {
		return
	}
	s.metrics.IncCounter("session.cache.write_error", 1)
	s.logger.Warn(ctx, "session cache write failed", "session_id", sess.ID, "err", err)
	// Drop any older copy so readers fall back to the durable store.
	if derr := s.cache.Delete(ctx, key); derr != nil {
		s.logger.Debug(ctx, "stale session cache entry not dropped", "session_id", sess.ID, "err", derr)
	}
}

func decodeCached(raw []byte, id string) (session.Session, error) {
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return session.Session{}, err
	}
	if sess.ID != id {
		return session.Session{}, fmt.Errorf("cached record holds session %q", sess.ID)
	}
	return sess, nil
}
