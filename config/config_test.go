package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 5, cfg.Engine.TickIntervalSeconds)
	assert.Equal(t, 500, cfg.Engine.TickLimit)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 5, cfg.Engine.MaxSendAttempts)
	assert.Equal(t, 1000, cfg.Engine.RetryBaseMillis)
	assert.Equal(t, 8, cfg.Engine.SendConcurrency)
}

func TestDurationHelpers(t *testing.T) {
	eng := EngineConfig{TickIntervalSeconds: 30, RetryBaseMillis: 250}
	assert.Equal(t, 30*time.Second, eng.TickInterval())
	assert.Equal(t, 250*time.Millisecond, eng.RetryBase())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
	assert.Equal(t, Default().Engine.TickLimit, cfg.Engine.TickLimit)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaigns.yaml")
	raw := `
server:
  addr: ":9090"
  allowed_origins: ["https://app.learnlynk.io"]
engine:
  tick_interval_seconds: 10
  workers: 16
storage:
  backend: postgres
  postgres:
    dsn: "postgres://campaigns:secret@db:5432/campaigns?sslmode=disable"
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"https://app.learnlynk.io"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10, cfg.Engine.TickIntervalSeconds)
	assert.Equal(t, 16, cfg.Engine.Workers)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, 500, cfg.Engine.TickLimit)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "postgres://campaigns:secret@db:5432/campaigns?sslmode=disable", cfg.Storage.Postgres.DSN)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAMPAIGNS_SERVER_ADDR", ":7070")
	t.Setenv("CAMPAIGNS_STORAGE_BACKEND", "redis")
	t.Setenv("CAMPAIGNS_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("CAMPAIGNS_REDIS_PASSWORD", "hunter2")
	t.Setenv("CAMPAIGNS_REDIS_DB", "3")
	t.Setenv("CAMPAIGNS_TICK_INTERVAL_SECONDS", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, "hunter2", cfg.Storage.Redis.Password)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
	assert.Equal(t, 2, cfg.Engine.TickIntervalSeconds)
}

func TestEnvOverridesIgnoreBadValues(t *testing.T) {
	t.Setenv("CAMPAIGNS_REDIS_DB", "not-a-number")
	t.Setenv("CAMPAIGNS_TICK_INTERVAL_SECONDS", "-4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Storage.Redis.DB)
	assert.Equal(t, 5, cfg.Engine.TickIntervalSeconds)
}
