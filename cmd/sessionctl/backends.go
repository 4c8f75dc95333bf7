package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	rediscache "goa.design/agentstate/features/cache/redis"
	interruptpulse "goa.design/agentstate/features/interrupt/pulse"
	clientspulse "goa.design/agentstate/features/interrupt/pulse/clients/pulse"
	sessionmongo "goa.design/agentstate/features/session/mongo"
	clientsmongo "goa.design/agentstate/features/session/mongo/clients/mongo"
	sessionsqlite "goa.design/agentstate/features/session/sqlite"
	"goa.design/agentstate/runtime/cache"
	cacheinmem "goa.design/agentstate/runtime/cache/inmem"
	"goa.design/agentstate/runtime/config"
	"goa.design/agentstate/runtime/interrupt"
	"goa.design/agentstate/runtime/lock"
	"goa.design/agentstate/runtime/presence"
	"goa.design/agentstate/runtime/session"
	storeinmem "goa.design/agentstate/runtime/session/inmem"
	"goa.design/agentstate/runtime/sessionsvc"
	"goa.design/agentstate/runtime/telemetry"
)

// backends owns every connection opened for one command.
type backends struct {
	cfg     config.Config
	svc     *sessionsvc.Service
	pingers []health.Pinger
	pulse   clientspulse.Client
	closers []func(context.Context) error
}

func openBackends(ctx context.Context, cfg config.Config) (b *backends, err error) {
	b = &backends{cfg: cfg}
	defer func() {
		if err != nil {
			b.close(ctx)
		}
	}()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTELMetrics()

	c, rdb, err := b.openCache(cfg)
	if err != nil {
		return nil, err
	}
	store, err := b.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var notifier interrupt.Notifier
	if cfg.Pulse.Enabled {
		b.pulse, err = clientspulse.New(clientspulse.Options{
			Redis:            rdb,
			StreamMaxLen:     cfg.Pulse.MaxLen,
			OperationTimeout: cfg.OperationTimeout,
		})
		if err != nil {
			return nil, err
		}
		if notifier, err = interruptpulse.NewNotifier(interruptpulse.NotifierOptions{
			Client: b.pulse,
			Stream: cfg.Pulse.Stream,
			Origin: cfg.Instance,
		}); err != nil {
			return nil, err
		}
	}

	locks, err := lock.New(c, lock.Options{
		Keys:          cfg.Keys,
		TTL:           cfg.Lock.TTL,
		Timeout:       cfg.Lock.Timeout,
		RetryInterval: cfg.Lock.RetryInterval,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}
	reg, err := presence.New(c, presence.Options{
		Keys:     cfg.Keys,
		TTL:      cfg.TTL.Active,
		Instance: cfg.Instance,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	intr, err := interrupt.New(c, interrupt.Options{
		Keys:     cfg.Keys,
		TTL:      cfg.TTL.Interrupt,
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	b.svc, err = sessionsvc.New(sessionsvc.Options{
		Store:      store,
		Cache:      c,
		Locks:      locks,
		Presence:   reg,
		Interrupts: intr,
		Keys:       cfg.Keys,
		CacheTTL:   cfg.TTL.Session,
		FillTTL:    cfg.TTL.Fill,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     telemetry.NewOTELTracer(),
	})
	if err != nil {
		return nil, err
	}
	log.Debug(ctx, log.KV{K: "store", V: cfg.Store}, log.KV{K: "cache", V: cfg.Cache}, log.KV{K: "instance", V: cfg.Instance})
	return b, nil
}

func (b *backends) openCache(cfg config.Config) (cache.Cache, *redis.Client, error) {
	switch cfg.Cache {
	case config.BackendMemory:
		return cacheinmem.New(), nil, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, func(context.Context) error { return rdb.Close() })
		c, err := rediscache.New(rdb, rediscache.Options{Timeout: cfg.OperationTimeout})
		if err != nil {
			return nil, nil, err
		}
		b.pingers = append(b.pingers, c)
		return c, rdb, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache %q", cfg.Cache)
	}
}

func (b *backends) openStore(ctx context.Context, cfg config.Config) (session.Store, error) {
	switch cfg.Store {
	case config.BackendMemory:
		return storeinmem.New(), nil
	case config.BackendMongo:
		mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w: %w", session.ErrStoreUnavailable, err)
		}
		b.closers = append(b.closers, mc.Disconnect)
		client, err := clientsmongo.New(clientsmongo.Options{
			Client:             mc,
			Database:           cfg.Mongo.Database,
			SessionsCollection: cfg.Mongo.Collection,
			Timeout:            cfg.OperationTimeout,
		})
		if err != nil {
			return nil, err
		}
		store, err := sessionmongo.NewStore(client)
		if err != nil {
			return nil, err
		}
		b.pingers = append(b.pingers, store)
		return store, nil
	case config.BackendSQLite:
		store, err := sessionsqlite.Open(sessionsqlite.Options{
			Path:     cfg.SQLite.Path,
			PoolSize: cfg.SQLite.PoolSize,
			Logger:   telemetry.NewClueLogger(),
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) error { return store.Close() })
		b.pingers = append(b.pingers, store)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// close releases connections in reverse opening order.
func (b *backends) close(ctx context.Context) {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	if err := errors.Join(errs...); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "close backends"})
	}
}

// withBackends loads the configuration, opens the backends, runs fn and
// closes everything.
func withBackends(ctx context.Context, flags *globalFlags, fn func(*backends) error) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	ctx = logContext(ctx, cfg.Log, flags.logOutput)
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close(ctx)
	return fn(b)
}
