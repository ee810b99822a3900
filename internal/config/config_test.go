package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tagstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
server:
  grpc_port: 6000
  shutdown_timeout: 3s
storage:
  backend: sql
  sql:
    driver: postgres
    dsn: host=db user=tags dbname=tags sslmode=disable
    conn_max_lifetime: 5m
log:
  level: debug
  pretty: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Server.GRPCPort)
	assert.Equal(t, 9090, cfg.Server.MetricsPort, "unset fields keep defaults")
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, BackendSQL, cfg.Storage.Backend)
	assert.Equal(t, "postgres", cfg.Storage.SQL.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Storage.SQL.ConnMaxLifetime)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  grpc_port: 6000\n")
	t.Setenv("TAGSTORE_SERVER_GRPC_PORT", "7000")
	t.Setenv("TAGSTORE_STORAGE_SQL_SLOW_THRESHOLD", "1s")
	t.Setenv("TAGSTORE_LOOKUP_ENABLED", "true")
	t.Setenv("TAGSTORE_LOOKUP_BASE_URL", "https://nexus.example.com")
	t.Setenv("TAGSTORE_LOOKUP_PASSWORD", "s3cret")
	t.Setenv("TAGSTORE_LOOKUP_RATE_LIMIT", "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.GRPCPort)
	assert.Equal(t, time.Second, cfg.Storage.SQL.SlowThreshold)
	assert.True(t, cfg.Lookup.Enabled)
	assert.Equal(t, "https://nexus.example.com", cfg.Lookup.BaseURL)
	assert.Equal(t, "s3cret", cfg.Lookup.Password)
	assert.InDelta(t, 2.5, cfg.Lookup.RateLimit, 1e-9)
}

func TestEnvParseErrors(t *testing.T) {
	t.Setenv("TAGSTORE_SERVER_GRPC_PORT", "not-a-port")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TAGSTORE_SERVER_GRPC_PORT")
}

func TestMalformedFile(t *testing.T) {
	_, err := Load(writeFile(t, "server: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"port out of range", func(c *Config) { c.Server.GRPCPort = 70000 }, "server.grpc_port"},
		{"same ports", func(c *Config) { c.Server.MetricsPort = c.Server.GRPCPort }, "must differ"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"unknown driver", func(c *Config) {
			c.Storage.Backend = BackendSQL
			c.Storage.SQL.Driver = "oracle"
		}, "storage.sql.driver"},
		{"empty dsn", func(c *Config) {
			c.Storage.Backend = BackendSQL
			c.Storage.SQL.DSN = ""
		}, "storage.sql.dsn"},
		{"empty path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"relative lookup url", func(c *Config) {
			c.Lookup.Enabled = true
			c.Lookup.BaseURL = "nexus"
		}, "lookup.base_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Server.GRPCPort = -1
	cfg.Storage.Backend = "nope"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.grpc_port")
	assert.Contains(t, err.Error(), "storage.backend")
}
