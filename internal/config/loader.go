package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file, then applies the host
// environment contract on top.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand ${VAR} references
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyEnv(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyEnv overlays the well-known host environment variables. These win
// over the YAML file so containerized deployments need no config edits.
func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	setStr(&cfg.Database.Host, "DB_HOST")
	if v, ok := os.LookupEnv("DB_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	setStr(&cfg.Database.Name, "DB_NAME")
	setStr(&cfg.Database.User, "DB_USER")
	setStr(&cfg.Database.Password, "DB_PASSWORD")
	setStr(&cfg.Database.MigrationsDir, "MIGRATIONS_DIR")

	setStr(&cfg.ObjectStore.Endpoint, "MINIO_ENDPOINT")
	setStr(&cfg.ObjectStore.AccessKey, "MINIO_ACCESS_KEY")
	setStr(&cfg.ObjectStore.SecretKey, "MINIO_SECRET_KEY")
	setStr(&cfg.ObjectStore.Bucket, "MINIO_BUCKET")
	if v, ok := os.LookupEnv("MINIO_USE_SSL"); ok {
		cfg.ObjectStore.UseSSL = v == "true" || v == "1"
	}

	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")

	setStr(&cfg.Server.AdminToken, "ADMIN_TOKEN")
	if v, ok := os.LookupEnv("TEMP_DIR"); ok {
		cfg.PkgCache.Dir = v
	}
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid database driver: %s", cfg.Database.Driver)
	}

	switch cfg.ObjectStore.Driver {
	case "s3", "file", "mem":
	default:
		return fmt.Errorf("invalid object store driver: %s", cfg.ObjectStore.Driver)
	}
	if cfg.ObjectStore.Driver == "file" && cfg.ObjectStore.Dir == "" {
		return fmt.Errorf("object_store.dir is required for the file driver")
	}

	switch cfg.Bus.Driver {
	case "redis", "postgres", "memory":
	default:
		return fmt.Errorf("invalid bus driver: %s", cfg.Bus.Driver)
	}
	if cfg.Bus.Driver == "postgres" && cfg.Database.Driver != "postgres" {
		return fmt.Errorf("bus driver postgres requires the postgres database driver")
	}

	switch cfg.KV.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid kv driver: %s", cfg.KV.Driver)
	}

	switch cfg.Scheduler.Timezone {
	case "", "local", "utc":
	default:
		return fmt.Errorf("scheduler.timezone must be 'local' or 'utc'")
	}

	if cfg.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	if cfg.PkgCache.CapacityBytes <= 0 {
		return fmt.Errorf("package_cache.capacity_bytes must be positive")
	}
	if cfg.Gateway.ProjectInflightCap < 0 {
		return fmt.Errorf("gateway.project_inflight_cap must not be negative")
	}

	return nil
}
