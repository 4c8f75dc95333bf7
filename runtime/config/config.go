// Package config loads the settings shared by every session-state component.
//
// Settings come from three layers applied in order: built-in defaults, an
// optional YAML file, and AGENTSTATE_* environment variables. Durations are
// written as Go duration strings ("30s", "1h").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/agentstate/runtime/cache"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type (
	// Config is the complete runtime configuration.
	Config struct {
		// Instance names this process in presence markers and stream sinks.
		Instance string `yaml:"instance"`
		// Store selects the durable store: memory, mongo or sqlite.
		Store string `yaml:"store"`
		// Cache selects the TTL cache: memory or redis.
		Cache string `yaml:"cache"`
		// Keys overrides cache key namespaces.
		Keys cache.Keys `yaml:"keys"`
		// TTL holds marker and cache entry lifetimes.
		TTL TTL `yaml:"ttl"`
		// Lock tunes the distributed lock.
		Lock Lock `yaml:"lock"`
		// OperationTimeout bounds individual backend calls.
		OperationTimeout time.Duration `yaml:"operation_timeout"`

		Redis  Redis  `yaml:"redis"`
		Mongo  Mongo  `yaml:"mongo"`
		SQLite SQLite `yaml:"sqlite"`
		Pulse  Pulse  `yaml:"pulse"`
		Log    Log    `yaml:"log"`
	}

	// TTL holds marker and cache entry lifetimes.
	TTL struct {
		Active    time.Duration `yaml:"active"`
		Interrupt time.Duration `yaml:"interrupt"`
		Session   time.Duration `yaml:"session"`
		// Fill bounds session records cached by a read miss.
		Fill time.Duration `yaml:"fill"`
	}

	// Lock tunes the distributed lock.
	Lock struct {
		TTL           time.Duration `yaml:"ttl"`
		Timeout       time.Duration `yaml:"timeout"`
		RetryInterval time.Duration `yaml:"retry_interval"`
	}

	// Redis configures the Redis cache and the Pulse connection.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Mongo configures the Mongo store.
	Mongo struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// SQLite configures the SQLite store.
	SQLite struct {
		Path     string `yaml:"path"`
		PoolSize int    `yaml:"pool_size"`
	}

	// Pulse configures interrupt push notifications.
	Pulse struct {
		Enabled bool   `yaml:"enabled"`
		Stream  string `yaml:"stream"`
		MaxLen  int    `yaml:"max_len"`
	}

	// Log configures the Clue logger.
	Log struct {
		// Format is json, terminal or auto (terminal when attached to a TTY).
		Format string `yaml:"format"`
		Debug  bool   `yaml:"debug"`
	}
)

// Default returns the built-in configuration.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		Instance: host,
		Store:    BackendMemory,
		Cache:    BackendMemory,
		Keys:     cache.DefaultKeys(),
		TTL: TTL{
			Active:    time.Hour,
			Interrupt: 5 * time.Minute,
			Session:   time.Hour,
			Fill:      time.Minute,
		},
		Lock: Lock{
			TTL:           30 * time.Second,
			Timeout:       10 * time.Second,
			RetryInterval: 50 * time.Millisecond,
		},
		OperationTimeout: 5 * time.Second,
		Redis:            Redis{Addr: "localhost:6379"},
		Mongo: Mongo{
			URI:        "mongodb://localhost:27017",
			Database:   "agentstate",
			Collection: "sessions",
		},
		SQLite: SQLite{Path: "agentstate.db", PoolSize: 4},
		Pulse:  Pulse{Stream: "agentstate/interrupts", MaxLen: 1000},
		Log:    Log{Format: "auto"},
	}
}

// Load returns the defaults overlaid with the YAML file at path. Fields absent
// from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Keys = cfg.Keys.WithDefaults()
	return cfg, nil
}

// ApplyEnv overlays AGENTSTATE_* environment variables. Malformed numeric or
// duration values are ignored.
func (c *Config) ApplyEnv() {
	c.Instance = envOr("AGENTSTATE_INSTANCE", c.Instance)
	c.Store = envOr("AGENTSTATE_STORE", c.Store)
	c.Cache = envOr("AGENTSTATE_CACHE", c.Cache)

	c.Keys.Session = envOr("AGENTSTATE_SESSION_PREFIX", c.Keys.Session)
	c.Keys.Active = envOr("AGENTSTATE_ACTIVE_PREFIX", c.Keys.Active)
	c.Keys.Interrupt = envOr("AGENTSTATE_INTERRUPT_PREFIX", c.Keys.Interrupt)
	c.Keys.Lock = envOr("AGENTSTATE_LOCK_PREFIX", c.Keys.Lock)

	c.TTL.Active = envDurationOr("AGENTSTATE_ACTIVE_TTL", c.TTL.Active)
	c.TTL.Interrupt = envDurationOr("AGENTSTATE_INTERRUPT_TTL", c.TTL.Interrupt)
	c.TTL.Session = envDurationOr("AGENTSTATE_SESSION_TTL", c.TTL.Session)
	c.TTL.Fill = envDurationOr("AGENTSTATE_FILL_TTL", c.TTL.Fill)

	c.Lock.TTL = envDurationOr("AGENTSTATE_LOCK_TTL", c.Lock.TTL)
	c.Lock.Timeout = envDurationOr("AGENTSTATE_LOCK_TIMEOUT", c.Lock.Timeout)
	c.Lock.RetryInterval = envDurationOr("AGENTSTATE_LOCK_RETRY_INTERVAL", c.Lock.RetryInterval)
	c.OperationTimeout = envDurationOr("AGENTSTATE_OPERATION_TIMEOUT", c.OperationTimeout)

	c.Redis.Addr = envOr("AGENTSTATE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOr("AGENTSTATE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envIntOr("AGENTSTATE_REDIS_DB", c.Redis.DB)

	c.Mongo.URI = envOr("AGENTSTATE_MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = envOr("AGENTSTATE_MONGO_DATABASE", c.Mongo.Database)
	c.Mongo.Collection = envOr("AGENTSTATE_MONGO_COLLECTION", c.Mongo.Collection)

	c.SQLite.Path = envOr("AGENTSTATE_SQLITE_PATH", c.SQLite.Path)
	c.SQLite.PoolSize = envIntOr("AGENTSTATE_SQLITE_POOL_SIZE", c.SQLite.PoolSize)

	c.Pulse.Enabled = envBoolOr("AGENTSTATE_PULSE_ENABLED", c.Pulse.Enabled)
	c.Pulse.Stream = envOr("AGENTSTATE_PULSE_STREAM", c.Pulse.Stream)

	c.Log.Format = envOr("AGENTSTATE_LOG_FORMAT", c.Log.Format)
	c.Log.Debug = envBoolOr("AGENTSTATE_DEBUG", c.Log.Debug)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Instance == "" {
		errs = append(errs, errors.New("instance is required"))
	}
	switch c.Store {
	case BackendMemory, BackendMongo, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Cache {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown cache %q", c.Cache))
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"ttl.active", c.TTL.Active},
		{"ttl.interrupt", c.TTL.Interrupt},
		{"ttl.session", c.TTL.Session},
		{"ttl.fill", c.TTL.Fill},
		{"lock.ttl", c.Lock.TTL},
		{"lock.timeout", c.Lock.Timeout},
		{"lock.retry_interval", c.Lock.RetryInterval},
		{"operation_timeout", c.OperationTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.Cache == BackendRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Store == BackendMongo && (c.Mongo.URI == "" || c.Mongo.Database == "" || c.Mongo.Collection == "") {
		errs = append(errs, errors.New("mongo.uri, mongo.database and mongo.collection are required"))
	}
	if c.Store == BackendSQLite && c.SQLite.Path == "" {
		errs = append(errs, errors.New("sqlite.path is required"))
	}
	if c.Pulse.Enabled {
		if c.Cache != BackendRedis {
			errs = append(errs, errors.New("pulse requires the redis cache"))
		}
		if c.Pulse.Stream == "" {
			errs = append(errs, errors.New("pulse.stream is required"))
		}
	}
	switch c.Log.Format {
	case "", "auto", "json", "terminal":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
