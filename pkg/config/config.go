package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBolt     = "bolt"
)

// Container engines
const (
	EngineDocker     = "docker"
	EngineContainerd = "containerd"
)

// Config holds the full control-plane configuration. Values come from
// defaults, then an optional YAML file, then MATRX_-prefixed environment
// variables; later sources win.
type Config struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	APIKey           string `yaml:"api_key"`
	APIKeyHeaderName string `yaml:"api_key_header_name"`

	SandboxImageRef string `yaml:"sandbox_image_ref"`
	// SandboxExecUser is the in-container account exec commands run as.
	// The image's PID 1 agent runs as root, so this must stay a
	// non-privileged account in the sandbox image.
	SandboxExecUser string `yaml:"sandbox_exec_user"`

	ObjectStoreBucket string `yaml:"object_store_bucket"`
	ObjectStoreRegion string `yaml:"object_store_region"`
	// ObjectStoreEndpoint overrides the S3 endpoint for MinIO or
	// localstack deployments; empty means real AWS.
	ObjectStoreEndpoint string `yaml:"object_store_endpoint"`

	SandboxStoreBackend string `yaml:"sandbox_store_backend"`
	DatabaseURL         string `yaml:"database_url"`
	BoltPath            string `yaml:"bolt_path"`

	Engine               string `yaml:"engine"`
	ContainerLabelPrefix string `yaml:"container_label_prefix"`

	DefaultTTLSeconds         int `yaml:"default_ttl_seconds"`
	MaxTTLSeconds             int `yaml:"max_ttl_seconds"`
	ExecDefaultTimeoutSeconds int `yaml:"exec_default_timeout_seconds"`
	ExecMaxTimeoutSeconds     int `yaml:"exec_max_timeout_seconds"`
	ShutdownTimeoutSeconds    int `yaml:"shutdown_timeout_seconds"`
	ReadinessTimeoutSeconds   int `yaml:"readiness_timeout_seconds"`
	ReconcileIntervalSeconds  int `yaml:"reconcile_interval_seconds"`
	ExpiryIntervalSeconds     int `yaml:"expiry_interval_seconds"`

	CPULimit    float64 `yaml:"cpu_limit"`
	MemoryLimit string  `yaml:"memory_limit"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:                      "0.0.0.0",
		Port:                      8080,
		APIKeyHeaderName:          "X-API-Key",
		SandboxImageRef:           "matrx-sandbox:latest",
		SandboxExecUser:           "agent",
		ObjectStoreRegion:         "us-east-1",
		SandboxStoreBackend:       StoreMemory,
		BoltPath:                  "/var/lib/matrx/sandboxes.db",
		Engine:                    EngineDocker,
		ContainerLabelPrefix:      "matrx",
		DefaultTTLSeconds:         7200,
		MaxTTLSeconds:             86400,
		ExecDefaultTimeoutSeconds: 300,
		ExecMaxTimeoutSeconds:     3600,
		ShutdownTimeoutSeconds:    30,
		ReadinessTimeoutSeconds:   60,
		ReconcileIntervalSeconds:  30,
		ExpiryIntervalSeconds:     60,
		CPULimit:                  2.0,
		MemoryLimit:               "4g",
		LogLevel:                  "info",
		LogFormat:                 "json",
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path (empty path skips the file), and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error

	setString(&c.Host, "MATRX_HOST")
	if err = setInt(&c.Port, "MATRX_PORT"); err != nil {
		return err
	}
	setString(&c.APIKey, "MATRX_API_KEY")
	setString(&c.APIKeyHeaderName, "MATRX_API_KEY_HEADER_NAME")
	setString(&c.SandboxImageRef, "MATRX_SANDBOX_IMAGE_REF")
	setString(&c.SandboxExecUser, "MATRX_SANDBOX_EXEC_USER")
	setString(&c.ObjectStoreBucket, "MATRX_OBJECT_STORE_BUCKET")
	setString(&c.ObjectStoreRegion, "MATRX_OBJECT_STORE_REGION")
	setString(&c.ObjectStoreEndpoint, "MATRX_OBJECT_STORE_ENDPOINT")
	setString(&c.SandboxStoreBackend, "MATRX_SANDBOX_STORE_BACKEND")
	setString(&c.DatabaseURL, "MATRX_DATABASE_URL")
	setString(&c.BoltPath, "MATRX_BOLT_PATH")
	setString(&c.Engine, "MATRX_ENGINE")
	setString(&c.ContainerLabelPrefix, "MATRX_CONTAINER_LABEL_PREFIX")

	for _, v := range []struct {
		dst *int
		env string
	}{
		{&c.DefaultTTLSeconds, "MATRX_DEFAULT_TTL_SECONDS"},
		{&c.MaxTTLSeconds, "MATRX_MAX_TTL_SECONDS"},
		{&c.ExecDefaultTimeoutSeconds, "MATRX_EXEC_DEFAULT_TIMEOUT_SECONDS"},
		{&c.ExecMaxTimeoutSeconds, "MATRX_EXEC_MAX_TIMEOUT_SECONDS"},
		{&c.ShutdownTimeoutSeconds, "MATRX_SHUTDOWN_TIMEOUT_SECONDS"},
		{&c.ReadinessTimeoutSeconds, "MATRX_READINESS_TIMEOUT_SECONDS"},
		{&c.ReconcileIntervalSeconds, "MATRX_RECONCILE_INTERVAL_SECONDS"},
		{&c.ExpiryIntervalSeconds, "MATRX_EXPIRY_INTERVAL_SECONDS"},
	} {
		if err = setInt(v.dst, v.env); err != nil {
			return err
		}
	}

	if err = setFloat(&c.CPULimit, "MATRX_CPU_LIMIT"); err != nil {
		return err
	}
	setString(&c.MemoryLimit, "MATRX_MEMORY_LIMIT")
	setString(&c.LogLevel, "MATRX_LOG_LEVEL")
	setString(&c.LogFormat, "MATRX_LOG_FORMAT")

	return nil
}

// Validate checks enum fields, ranges, and cross-field requirements.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1-65535", c.Port)
	}

	switch c.SandboxStoreBackend {
	case StoreMemory, StoreBolt:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required when sandbox_store_backend is postgres")
		}
	default:
		return fmt.Errorf("invalid sandbox_store_backend %q: must be memory, postgres, or bolt", c.SandboxStoreBackend)
	}

	switch c.Engine {
	case EngineDocker, EngineContainerd:
	default:
		return fmt.Errorf("invalid engine %q: must be docker or containerd", c.Engine)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q: must be json or text", c.LogFormat)
	}

	if c.DefaultTTLSeconds <= 0 || c.DefaultTTLSeconds > c.MaxTTLSeconds {
		return fmt.Errorf("default_ttl_seconds %d must be in 1-%d", c.DefaultTTLSeconds, c.MaxTTLSeconds)
	}
	if c.MaxTTLSeconds > 86400 {
		return fmt.Errorf("max_ttl_seconds %d exceeds the 86400 ceiling", c.MaxTTLSeconds)
	}
	if c.ExecDefaultTimeoutSeconds <= 0 || c.ExecDefaultTimeoutSeconds > c.ExecMaxTimeoutSeconds {
		return fmt.Errorf("exec_default_timeout_seconds %d must be in 1-%d", c.ExecDefaultTimeoutSeconds, c.ExecMaxTimeoutSeconds)
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("shutdown_timeout_seconds must be positive")
	}
	if c.ReconcileIntervalSeconds <= 0 || c.ExpiryIntervalSeconds <= 0 {
		return fmt.Errorf("loop intervals must be positive")
	}
	if _, err := c.MemoryLimitBytes(); err != nil {
		return err
	}

	return nil
}

// ListenAddr returns the host:port pair for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MemoryLimitBytes parses the human-readable memory limit ("4g", "512m").
func (c *Config) MemoryLimitBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid memory_limit %q: %w", c.MemoryLimit, err)
	}
	return n, nil
}

func (c *Config) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

func (c *Config) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLSeconds) * time.Second
}

func (c *Config) ExecDefaultTimeout() time.Duration {
	return time.Duration(c.ExecDefaultTimeoutSeconds) * time.Second
}

func (c *Config) ExecMaxTimeout() time.Duration {
	return time.Duration(c.ExecMaxTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) ReadinessTimeout() time.Duration {
	return time.Duration(c.ReadinessTimeoutSeconds) * time.Second
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func (c *Config) ExpiryInterval() time.Duration {
	return time.Duration(c.ExpiryIntervalSeconds) * time.Second
}

func setString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok {
		*dst = v
	}
}

func setInt(dst *int, env string) error {
	v, ok := os.LookupEnv(env)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, env string) error {
	v, ok := os.LookupEnv(env)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	*dst = f
	return nil
}
