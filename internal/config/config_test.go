package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/op"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collabtext.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv(EnvRedisAddr, "")
	t.Setenv(EnvDatabaseURL, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvRedisAddr, "")
	t.Setenv(EnvDatabaseURL, "")
	path := writeConfig(t, `
instance_id: edge-1
listen_addr: ":9000"
log_level: debug
log:
  backend: bolt
  bolt_path: /var/lib/collab/log.db
sessions:
  expiry: 45s
conflicts:
  strategy: defer
  default_strategy: priority
  defer_timeout: 2m
  role_priority: {owner: 10, editor: 5, viewer: 1}
auth:
  grants:
    - token: s3cret
      user_id: alice
      roles: [owner]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "edge-1", cfg.InstanceID)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, BackendBolt, cfg.Log.Backend)
	assert.Equal(t, 45*time.Second, cfg.Sessions.Expiry)
	assert.Equal(t, BackendMemory, cfg.Broker.Backend, "untouched sections keep defaults")

	policy := cfg.Conflicts.Policy()
	assert.Equal(t, op.StrategyDefer, policy.Strategy)
	assert.Equal(t, op.StrategyPriority, policy.Default)
	assert.Equal(t, 10, policy.Ranks["owner"])
	assert.Equal(t, 2*time.Minute, cfg.Conflicts.DeferTimeout)

	require.Len(t, cfg.Auth.Grants, 1)
	assert.Equal(t, "alice", cfg.Auth.Grants[0].UserID)
}

func TestLoadFromEnvFile(t *testing.T) {
	t.Setenv(EnvRedisAddr, "")
	t.Setenv(EnvDatabaseURL, "")
	t.Setenv(EnvConfigFile, writeConfig(t, "listen_addr: \":7000\"\n"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv(EnvRedisAddr, "redis:6379")
	t.Setenv(EnvDatabaseURL, "postgres://collab@db/collab")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Broker.Backend)
	assert.Equal(t, "redis:6379", cfg.Broker.RedisAddr)
	assert.Equal(t, BackendRedis, cfg.Sessions.Backend)
	assert.Equal(t, BackendPostgres, cfg.Log.Backend)
	assert.Equal(t, "postgres://collab@db/collab", cfg.Log.DatabaseURL)
}

func TestLoadRejects(t *testing.T) {
	t.Setenv(EnvRedisAddr, "")
	t.Setenv(EnvDatabaseURL, "")

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown key", body: "listen_adr: \":1\"\n"},
		{name: "unknown backend", body: "log:\n  backend: sqlite\n"},
		{name: "postgres without url", body: "log:\n  backend: postgres\n"},
		{name: "redis without address", body: "broker:\n  backend: redis\n"},
		{name: "defer as default", body: "conflicts:\n  default_strategy: defer\n"},
		{name: "bad role", body: "auth:\n  grants:\n    - {token: t, user_id: u, roles: [admin]}\n"},
		{name: "zero expiry", body: "sessions:\n  expiry: 0s\n"},
		{name: "bad duration", body: "sessions:\n  expiry: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
