package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "X-API-Key", cfg.APIKeyHeaderName)
	assert.Equal(t, StoreMemory, cfg.SandboxStoreBackend)
	assert.Equal(t, EngineDocker, cfg.Engine)
	assert.Equal(t, 7200, cfg.DefaultTTLSeconds)
	assert.Equal(t, 300, cfg.ExecDefaultTimeoutSeconds)
	assert.Equal(t, 30, cfg.ShutdownTimeoutSeconds)
	assert.Equal(t, "matrx", cfg.ContainerLabelPrefix)
	assert.Equal(t, "agent", cfg.SandboxExecUser)
	assert.Equal(t, "json", cfg.LogFormat)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
port: 9090
api_key: secret-key
sandbox_store_backend: bolt
bolt_path: /tmp/test-sandboxes.db
default_ttl_seconds: 600
log_format: text
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "secret-key", cfg.APIKey)
	assert.Equal(t, StoreBolt, cfg.SandboxStoreBackend)
	assert.Equal(t, 600, cfg.DefaultTTLSeconds)
	assert.Equal(t, "text", cfg.LogFormat)
	// untouched fields keep defaults
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, EngineDocker, cfg.Engine)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\n"), 0600))

	t.Setenv("MATRX_PORT", "7777")
	t.Setenv("MATRX_API_KEY", "from-env")
	t.Setenv("MATRX_CPU_LIMIT", "1.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, "from-env", cfg.APIKey)
	assert.Equal(t, 1.5, cfg.CPULimit)
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("MATRX_PORT", "not-a-number")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATRX_PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"port too low", func(c *Config) { c.Port = 0 }, "port"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "port"},
		{"unknown backend", func(c *Config) { c.SandboxStoreBackend = "redis" }, "sandbox_store_backend"},
		{"postgres without url", func(c *Config) { c.SandboxStoreBackend = StorePostgres }, "database_url"},
		{"postgres with url", func(c *Config) {
			c.SandboxStoreBackend = StorePostgres
			c.DatabaseURL = "postgres://localhost/matrx"
		}, ""},
		{"unknown engine", func(c *Config) { c.Engine = "podman" }, "engine"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero ttl", func(c *Config) { c.DefaultTTLSeconds = 0 }, "default_ttl_seconds"},
		{"default ttl above max", func(c *Config) { c.DefaultTTLSeconds = 90000 }, "default_ttl_seconds"},
		{"max ttl above ceiling", func(c *Config) { c.MaxTTLSeconds = 90000 }, "max_ttl_seconds"},
		{"exec timeout above max", func(c *Config) { c.ExecDefaultTimeoutSeconds = 9999 }, "exec_default_timeout_seconds"},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeoutSeconds = 0 }, "shutdown_timeout_seconds"},
		{"zero reconcile interval", func(c *Config) { c.ReconcileIntervalSeconds = 0 }, "intervals"},
		{"garbage memory limit", func(c *Config) { c.MemoryLimit = "lots" }, "memory_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestMemoryLimitBytes(t *testing.T) {
	cfg := Default()
	n, err := cfg.MemoryLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(4*1024*1024*1024), n)

	cfg.MemoryLimit = "512m"
	n, err = cfg.MemoryLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), n)
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "2h0m0s", cfg.DefaultTTL().String())
	assert.Equal(t, "5m0s", cfg.ExecDefaultTimeout().String())
	assert.Equal(t, "30s", cfg.ShutdownTimeout().String())
	assert.Equal(t, "1m0s", cfg.ReadinessTimeout().String())
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
}
