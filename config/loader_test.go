package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patent-drafter/reqcore/types"
)

const sampleConfig = `
name: drafter-api
version: 1.2.3
environment: production
cache:
  enabled: true
  type: redis
  default_ttl: 2m
  config:
    addr: redis:6379
    prefix: drafter
rate_limit:
  enabled: true
  store: memory
  classes:
    auth:
      points: 7
      duration: 5m
      block_duration: 15m
jobs:
  store: sqlite
  dsn: /tmp/jobs.db
  max_attempts: 3
  poll_spec: "*/5 * * * * *"
  cleanup_spec: "0 0 3 * * *"
  retention_days: 14
`

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestLoadFromBytes(t *testing.T) {
	cfg, raw, err := newTestLoader(nil).LoadFromBytes([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "drafter-api", cfg.Name)
	assert.Equal(t, types.EnvironmentProduction, cfg.Environment)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, 2*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 7, cfg.RateLimit.Classes["auth"].Points)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Classes["auth"].BlockDuration)
	assert.Equal(t, 14, cfg.Jobs.RetentionDays)

	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Client.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Client.CacheTTL)
	assert.Equal(t, "x-csrf-token", cfg.CSRF.HeaderName)

	assert.Equal(t, "redis:6379", NewParser(raw).GetValue("cache.config.addr", ""))
}

func TestLoadFromBytesEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvEnvironment: "test",
		EnvRedisAddr:   "10.0.0.5:6379",
		EnvDatabaseDSN: "/var/lib/jobs.db",
	}

	cfg, _, err := newTestLoader(env).LoadFromBytes([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, types.EnvironmentTest, cfg.Environment)
	assert.Equal(t, "/var/lib/jobs.db", cfg.Jobs.DSN)
	assert.Equal(t, "10.0.0.5:6379", cfg.Cache.Config.(map[string]interface{})["addr"])
}

func TestLoadFromBytesValidation(t *testing.T) {
	_, _, err := newTestLoader(nil).LoadFromBytes([]byte("environment: staging\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, _, err = newTestLoader(nil).LoadFromBytes([]byte("jobs:\n  store: sqlite\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, _, err = newTestLoader(nil).LoadFromBytes([]byte("name: [broken"))
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)
}

func TestConfigurationManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cm, err := NewConfigurationManager(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "drafter-api", cm.GetConfig().Name)
	assert.Equal(t, "fallback", cm.GetValue("cache.config.missing", "fallback"))

	var block struct {
		Addr   string `yaml:"addr"`
		Prefix string `yaml:"prefix"`
	}
	require.NoError(t, cm.GetAs("cache.config", &block))
	assert.Equal(t, "drafter", block.Prefix)

	_, err = NewConfigurationManager(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, types.ErrConfigNotFound)
}
