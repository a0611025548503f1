package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg := Default()
	data := []byte(`
database:
  driver: sqlite
  url: relay.db
circuit_breaker:
  failure_rate_threshold: 25
  wait_duration_in_open_state: 15s
retry:
  max_retry_times: 5
  retry_interval: 1
pools:
  retry:
    core_size: 1
    max_size: 2
    queue_capacity: 10
ordered:
  idle_timeout: 90s
`)
	require.NoError(t, Parse(data, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 25.0, cfg.CircuitBreaker.FailureRateThreshold)
	assert.Equal(t, 15*time.Second, cfg.CircuitBreaker.WaitDurationInOpenState)
	// не указанные ключи сохраняют значения по умолчанию
	assert.Equal(t, 100, cfg.CircuitBreaker.SlidingWindowSize)
	assert.Equal(t, 5, cfg.Retry.MaxRetryTimes)
	assert.True(t, cfg.Retry.ExponentialBackoff)
	assert.Equal(t, 2, cfg.Pools.Retry.MaxSize)
	assert.Equal(t, 8, cfg.Pools.Workflow.CoreSize)
	assert.Equal(t, 90*time.Second, cfg.Ordered.IdleTimeout)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: sqlite\n  url: file.db\n"), 0o600))

	t.Setenv("DB_URL", "env.db")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("WORKER_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "env.db", cfg.Database.URL)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL)
	assert.Equal(t, ":9999", Addr(cfg.Ports.Worker))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "not found")
}

func TestValidate_Errors(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	cfg.Pools.Workflow.MaxSize = 1
	cfg.CircuitBreaker.SlidingWindowSize = 0
	cfg.Retry.MaxRetryTimes = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "database.driver")
	assert.ErrorContains(t, err, "pools.workflow")
	assert.ErrorContains(t, err, "circuit_breaker")
	assert.ErrorContains(t, err, "retry")
}

func TestParse_CacheSections(t *testing.T) {
	cfg := Default()
	// ключ processors больше не читается: старые файлы конфигурации остаются валидными
	data := []byte(`
cache:
  instances:
    size: 64
  processors:
    size: -1
    ttl: -1h
sweeper:
  delay_recovery_spec: "*/5 * * * *"
`)
	require.NoError(t, Parse(data, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 64, cfg.Cache.Instances.Size)
	assert.Equal(t, 30*time.Second, cfg.Cache.Instances.TTL)
	assert.Equal(t, 128, cfg.Cache.Metrics.Size)
	assert.Equal(t, "*/5 * * * *", cfg.Sweeper.DelayRecoverySpec)

	cfg.Cache.Metrics.TTL = -time.Second
	assert.ErrorContains(t, cfg.Validate(), "cache")
}
