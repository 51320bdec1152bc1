package config

import (
	"time"

	"github.com/wudi/funcrun/internal/logging"
)

// Config is the root server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Redis     RedisConfig     `yaml:"redis"`
	Bus       BusConfig       `yaml:"bus"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	PkgCache  PkgCacheConfig  `yaml:"package_cache"`
	Policy    PolicyConfig    `yaml:"policy"`
	KV        KVConfig        `yaml:"kv"`
	ExecLog   ExecLogConfig   `yaml:"execution_log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener and admin surface.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	DefaultDomain   string        `yaml:"default_domain"`
	AdminToken      string        `yaml:"admin_token"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level string             `yaml:"level"`
	File  logging.FileConfig `yaml:"file"`
}

// DatabaseConfig is the metadata store connection. Driver is "postgres" or
// "memory" (tests, single-node evaluation).
type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Name          string `yaml:"name"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	SSLMode       string `yaml:"ssl_mode"`
	MigrationsDir string `yaml:"migrations_dir"`
}

// ObjectStoreConfig is the package archive store. Driver selects the
// gocloud blob backend: "s3" (MinIO-compatible), "file", or "mem".
type ObjectStoreConfig struct {
	Driver    string `yaml:"driver"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Dir       string `yaml:"dir"` // file driver root
}

// RedisConfig is shared by the KV store and the redis bus backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BusConfig selects the invalidation bus backend: "redis", "postgres", or
// "memory".
type BusConfig struct {
	Driver string `yaml:"driver"`
}

// SandboxConfig caps one invocation.
type SandboxConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	ConsoleMaxBytes  int           `yaml:"console_max_bytes"`
	ResponseMaxBytes int           `yaml:"response_max_bytes"`
	FetchMaxBytes    int           `yaml:"fetch_max_bytes"`
	PoolSize         int           `yaml:"pool_size"`
}

// PkgCacheConfig bounds the local extracted-package cache.
type PkgCacheConfig struct {
	Dir           string        `yaml:"dir"`
	CapacityBytes int64         `yaml:"capacity_bytes"`
	NegativeTTL   time.Duration `yaml:"negative_ttl"`
}

// PolicyConfig tunes the network policy cache.
type PolicyConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// KVConfig selects the KV backend: "redis" or "memory".
type KVConfig struct {
	Driver string `yaml:"driver"`
}

// ExecLogConfig tunes the execution logger.
type ExecLogConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BodyMaxBytes  int           `yaml:"body_max_bytes"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SchedulerConfig tunes cron firing.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Tick     time.Duration `yaml:"tick"`
	Timezone string        `yaml:"timezone"` // "local" or "utc"
}

// GatewayConfig tunes the public request path.
type GatewayConfig struct {
	RouteCacheTTL      time.Duration `yaml:"route_cache_ttl"`
	EnvCacheTTL        time.Duration `yaml:"env_cache_ttl"`
	ProjectInflightCap int           `yaml:"project_inflight_cap"`
	ProjectRateLimit   float64       `yaml:"project_rate_limit"` // req/s, 0 = unlimited
	ProjectRateBurst   int           `yaml:"project_rate_burst"`
	RetryAfter         time.Duration `yaml:"retry_after"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// DefaultConfig returns a config populated with defaults; the loader
// overlays the YAML file and environment on top.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			DefaultDomain:   "localhost",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver:  "postgres",
			Host:    "localhost",
			Port:    5432,
			Name:    "funcrun",
			User:    "funcrun",
			SSLMode: "disable",
		},
		ObjectStore: ObjectStoreConfig{
			Driver: "s3",
			Bucket: "funcrun-packages",
			Region: "us-east-1",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Bus:   BusConfig{Driver: "postgres"},
		Sandbox: SandboxConfig{
			Timeout:          30 * time.Second,
			ConsoleMaxBytes:  64 * 1024,
			ResponseMaxBytes: 8 * 1024 * 1024,
			FetchMaxBytes:    16 * 1024 * 1024,
			PoolSize:         8,
		},
		PkgCache: PkgCacheConfig{
			CapacityBytes: 512 * 1024 * 1024,
			NegativeTTL:   5 * time.Second,
		},
		Policy: PolicyConfig{CacheTTL: 30 * time.Second},
		KV:     KVConfig{Driver: "redis"},
		ExecLog: ExecLogConfig{
			QueueSize:     1024,
			BatchSize:     64,
			FlushInterval: 500 * time.Millisecond,
			BodyMaxBytes:  8 * 1024,
			SweepInterval: 10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Tick:     30 * time.Second,
			Timezone: "local",
		},
		Gateway: GatewayConfig{
			RouteCacheTTL:      60 * time.Second,
			EnvCacheTTL:        60 * time.Second,
			ProjectInflightCap: 64,
			RetryAfter:         2 * time.Second,
		},
		Tracing: TracingConfig{SampleRate: 1.0},
	}
}
