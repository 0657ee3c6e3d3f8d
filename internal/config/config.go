package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Backends
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all configuration for the pipeline engine
type Config struct {
	// Server configuration
	HTTPPort int    `env:"PIPENGINE_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"PIPENGINE_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage backend: redis or memory. The memory backend keeps
	// everything in process and needs no Redis.
	Backend string `env:"PIPENGINE_BACKEND" envDefault:"redis"`

	Redis     RedisConfig
	Workers   WorkerConfig
	Engine    EngineConfig
	Tasks     TaskConfig
	Telemetry TelemetryConfig
	Timeouts  TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Streams consumer group shared by every engine replica
	ConsumerGroup string `env:"REDIS_CONSUMER_GROUP" envDefault:"pipengine-workers"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"10"`
	QueueSize           int           `env:"WORKER_QUEUE_SIZE" envDefault:"1000"`
	MaxRetries          int           `env:"WORKER_MAX_RETRIES" envDefault:"3"`
	RetryDelay          time.Duration `env:"WORKER_RETRY_DELAY" envDefault:"100ms"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// EngineConfig holds orchestration timing
type EngineConfig struct {
	LockWait                 time.Duration `env:"ENGINE_LOCK_WAIT" envDefault:"10s"`
	LockLease                time.Duration `env:"ENGINE_LOCK_LEASE" envDefault:"30s"`
	MonitorInterval          time.Duration `env:"ENGINE_MONITOR_INTERVAL" envDefault:"10s"`
	BarrierTimeout           time.Duration `env:"ENGINE_BARRIER_TIMEOUT" envDefault:"0s"`
	RestraintTimeout         time.Duration `env:"ENGINE_RESTRAINT_TIMEOUT" envDefault:"0s"`
	EventBacklogWarn         int           `env:"ENGINE_EVENT_BACKLOG_WARN" envDefault:"1000"`
	StateTTL                 time.Duration `env:"ENGINE_STATE_TTL" envDefault:"168h"`
	ForwardEventsToTransport bool          `env:"ENGINE_FORWARD_EVENTS" envDefault:"true"`

	// Restraints maps restraint ids to capacities, e.g. "db:1,deploy:2"
	Restraints map[string]int `env:"ENGINE_RESTRAINTS"`
}

// TaskConfig selects how TASK steps reach their executors
type TaskConfig struct {
	// transport publishes task requests for external executors; local
	// runs built-in handlers in process
	Backend string `env:"TASKS_BACKEND" envDefault:"transport"`
}

// TelemetryConfig controls tracing
type TelemetryConfig struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"pipengine"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
		if c.Redis.ConsumerGroup == "" {
			return fmt.Errorf("redis consumer group is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported backend: %s (must be redis or memory)", c.Backend)
	}

	if c.Tasks.Backend != "transport" && c.Tasks.Backend != "local" {
		return fmt.Errorf("unsupported tasks backend: %s (must be transport or local)", c.Tasks.Backend)
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.QueueSize < 1 {
		return fmt.Errorf("worker queue size must be at least 1")
	}

	if c.Engine.LockWait <= 0 || c.Engine.LockLease <= 0 {
		return fmt.Errorf("engine lock wait and lease must be positive")
	}
	if c.Engine.LockLease < c.Engine.LockWait {
		return fmt.Errorf("engine lock lease %s is shorter than lock wait %s", c.Engine.LockLease, c.Engine.LockWait)
	}
	if c.Engine.MonitorInterval <= 0 {
		return fmt.Errorf("engine monitor interval must be positive")
	}
	if c.Engine.BarrierTimeout < 0 || c.Engine.RestraintTimeout < 0 {
		return fmt.Errorf("default wait timeouts cannot be negative")
	}
	for id, capacity := range c.Engine.Restraints {
		if capacity < 1 {
			return fmt.Errorf("restraint %s needs a positive capacity, got %d", id, capacity)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
