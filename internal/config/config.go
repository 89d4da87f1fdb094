// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Timers        TimersConfig        `yaml:"timers"`
	Redis         RedisConfig         `yaml:"redis"`
	Lock          LockConfig          `yaml:"lock"`
	Engine        EngineConfig        `yaml:"engine"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Notifications NotificationsConfig `yaml:"notifications"`
	NATS          NATSConfig          `yaml:"nats"`
	Triggers      TriggersConfig      `yaml:"triggers"`
	HTTPCalls     HTTPCallsConfig     `yaml:"http_calls"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// DefinitionsConfig describes where to find process definition YAML files
// and where published definitions are stored.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
}

// StoreConfig describes instance persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TimersConfig describes the durable timer service.
type TimersConfig struct {
	Driver       string        `yaml:"driver"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Lease        time.Duration `yaml:"lease"`
}

// RedisConfig describes the shared Redis connection.
type RedisConfig struct {
	AddrEnv   string `yaml:"addr_env"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// LockConfig describes per-instance locking.
type LockConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
	Wait   time.Duration `yaml:"wait"`
}

// EngineConfig describes instance engine tuning.
type EngineConfig struct {
	ChainLimit        int              `yaml:"chain_limit"`
	ReconcileInterval time.Duration    `yaml:"reconcile_interval"`
	StaleDispatchAge  time.Duration    `yaml:"stale_dispatch_age"`
	DispatchTimeout   time.Duration    `yaml:"dispatch_timeout"`
	Expression        ExpressionConfig `yaml:"expression"`
}

// ExpressionConfig bounds expression evaluation.
type ExpressionConfig struct {
	MaxLength int `yaml:"max_length"`
	MaxDepth  int `yaml:"max_depth"`
	MaxNodes  int `yaml:"max_nodes"`
}

// DirectoryConfig describes the role/team directory collaborator.
type DirectoryConfig struct {
	StaticFile    string        `yaml:"static_file"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	LookupRetries int           `yaml:"lookup_retries"`
}

// NotificationsConfig describes notification delivery.
type NotificationsConfig struct {
	Driver        string `yaml:"driver"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// NATSConfig describes the NATS connection.
type NATSConfig struct {
	URLEnv string `yaml:"url_env"`
	Name   string `yaml:"name"`
}

// TriggersConfig describes event-driven instance starts.
type TriggersConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Subject    string `yaml:"subject"`
	QueueGroup string `yaml:"queue_group"`
}

// HTTPCallsConfig describes outbound API-call actions.
type HTTPCallsConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per host.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// IdempotencyConfig describes start deduplication.
type IdempotencyConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Actor-Id",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			Driver:      "memory",
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "CAREFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Timers: TimersConfig{
			Driver:       "memory",
			PollInterval: time.Second,
			BatchSize:    100,
			Lease:        30 * time.Second,
		},
		Redis: RedisConfig{
			AddrEnv:   "CAREFLOW_REDIS_ADDR",
			Namespace: "careflow",
		},
		Lock: LockConfig{
			Driver: "local",
			TTL:    30 * time.Second,
			Wait:   10 * time.Second,
		},
		Engine: EngineConfig{
			ChainLimit:        100,
			ReconcileInterval: time.Minute,
			StaleDispatchAge:  5 * time.Minute,
			DispatchTimeout:   2 * time.Minute,
			Expression: ExpressionConfig{
				MaxLength: 4096,
				MaxDepth:  32,
				MaxNodes:  512,
			},
		},
		Directory: DirectoryConfig{
			CacheTTL:      time.Minute,
			LookupRetries: 3,
		},
		Notifications: NotificationsConfig{
			Driver:        "log",
			SubjectPrefix: "careflow.notify",
		},
		NATS: NATSConfig{
			URLEnv: "CAREFLOW_NATS_URL",
			Name:   "careflow",
		},
		Triggers: TriggersConfig{
			Subject:    "careflow.triggers",
			QueueGroup: "careflow",
		},
		HTTPCalls: HTTPCallsConfig{
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Idempotency: IdempotencyConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories is required")
	}
	errs = checkOneOf(errs, "definitions.driver", c.Definitions.Driver, "memory", "postgres")
	errs = checkOneOf(errs, "store.driver", c.Store.Driver, "memory", "postgres")
	errs = checkOneOf(errs, "timers.driver", c.Timers.Driver, "memory", "redis", "postgres")
	errs = checkOneOf(errs, "lock.driver", c.Lock.Driver, "local", "redis")
	errs = checkOneOf(errs, "notifications.driver", c.Notifications.Driver, "log", "nats")
	errs = checkOneOf(errs, "idempotency.driver", c.Idempotency.Driver, "memory", "redis")

	if c.Timers.PollInterval <= 0 {
		errs = append(errs, "timers.poll_interval must be positive")
	}
	if c.Timers.Lease <= 0 {
		errs = append(errs, "timers.lease must be positive")
	}
	if c.Engine.ChainLimit < 1 {
		errs = append(errs, "engine.chain_limit must be at least 1")
	}
	if c.Triggers.Enabled && c.Triggers.Subject == "" {
		errs = append(errs, "triggers.subject is required when triggers are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func checkOneOf(errs []string, field, value string, allowed ...string) []string {
	for _, a := range allowed {
		if value == a {
			return errs
		}
	}
	return append(errs, fmt.Sprintf("%s must be one of %s", field, strings.Join(allowed, ", ")))
}

// UsesRedis reports whether any component is configured with a Redis backend.
func (c *Config) UsesRedis() bool {
	return c.Timers.Driver == "redis" || c.Lock.Driver == "redis" || c.Idempotency.Driver == "redis"
}

// UsesPostgres reports whether any component is configured with a Postgres
// backend.
func (c *Config) UsesPostgres() bool {
	return c.Store.Driver == "postgres" || c.Timers.Driver == "postgres" || c.Definitions.Driver == "postgres"
}

// UsesNATS reports whether a NATS connection is required.
func (c *Config) UsesNATS() bool {
	return c.Notifications.Driver == "nats" || c.Triggers.Enabled
}

// applyEnvOverrides reads CAREFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAREFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CAREFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CAREFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CAREFLOW_TIMERS_DRIVER"); v != "" {
		cfg.Timers.Driver = v
	}
	if v := os.Getenv("CAREFLOW_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("CAREFLOW_DEFINITIONS_DIR"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
}
