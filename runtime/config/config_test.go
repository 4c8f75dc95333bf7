package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentstate/runtime/cache"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Instance = "node-a"
	require.NoError(t, cfg.Validate())
	require.Equal(t, cache.DefaultKeys(), cfg.Keys)
	require.Equal(t, time.Hour, cfg.TTL.Active)
	require.Equal(t, time.Minute, cfg.TTL.Fill)
	require.Equal(t, 30*time.Second, cfg.Lock.TTL)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentstate.yaml")
	body := `
instance: node-b
store: sqlite
cache: redis
keys:
  session: "s:"
ttl:
  interrupt: 90s
  fill: 20s
lock:
  timeout: 2s
redis:
  addr: redis:6379
  db: 3
sqlite:
  path: /var/lib/agentstate.db
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-b", cfg.Instance)
	require.Equal(t, BackendSQLite, cfg.Store)
	require.Equal(t, BackendRedis, cfg.Cache)
	require.Equal(t, "s:", cfg.Keys.Session)
	require.Equal(t, cache.DefaultActivePrefix, cfg.Keys.Active)
	require.Equal(t, 90*time.Second, cfg.TTL.Interrupt)
	require.Equal(t, 20*time.Second, cfg.TTL.Fill)
	require.Equal(t, time.Hour, cfg.TTL.Active)
	require.Equal(t, 2*time.Second, cfg.Lock.Timeout)
	require.Equal(t, 30*time.Second, cfg.Lock.TTL)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 3, cfg.Redis.DB)
	require.Equal(t, "/var/lib/agentstate.db", cfg.SQLite.Path)
	require.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ttl: [oops"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("AGENTSTATE_INSTANCE", "node-env")
	t.Setenv("AGENTSTATE_CACHE", "redis")
	t.Setenv("AGENTSTATE_REDIS_ADDR", "cache:6380")
	t.Setenv("AGENTSTATE_REDIS_DB", "2")
	t.Setenv("AGENTSTATE_LOCK_TIMEOUT", "750ms")
	t.Setenv("AGENTSTATE_ACTIVE_TTL", "not-a-duration")
	t.Setenv("AGENTSTATE_PULSE_ENABLED", "true")
	t.Setenv("AGENTSTATE_LOCK_PREFIX", "l:")

	cfg := Default()
	cfg.ApplyEnv()
	require.Equal(t, "node-env", cfg.Instance)
	require.Equal(t, BackendRedis, cfg.Cache)
	require.Equal(t, "cache:6380", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, 750*time.Millisecond, cfg.Lock.Timeout)
	require.Equal(t, time.Hour, cfg.TTL.Active, "malformed values are ignored")
	require.True(t, cfg.Pulse.Enabled)
	require.Equal(t, "l:", cfg.Keys.Lock)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store = "postgres" }, `unknown store "postgres"`},
		{"unknown cache", func(c *Config) { c.Cache = "memcached" }, `unknown cache "memcached"`},
		{"zero lock ttl", func(c *Config) { c.Lock.TTL = 0 }, "lock.ttl must be positive"},
		{"negative timeout", func(c *Config) { c.Lock.Timeout = -time.Second }, "lock.timeout must be positive"},
		{"zero active ttl", func(c *Config) { c.TTL.Active = 0 }, "ttl.active must be positive"},
		{"no instance", func(c *Config) { c.Instance = "" }, "instance is required"},
		{"redis addr", func(c *Config) { c.Cache = BackendRedis; c.Redis.Addr = "" }, "redis.addr is required"},
		{"sqlite path", func(c *Config) { c.Store = BackendSQLite; c.SQLite.Path = "" }, "sqlite.path is required"},
		{"pulse without redis", func(c *Config) { c.Pulse.Enabled = true }, "pulse requires the redis cache"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, `unknown log format "xml"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Instance = "node-a"
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
