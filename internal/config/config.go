// Package config loads process configuration from a YAML file plus
// environment overrides via viper, the way the teacher's
// internal/config.Load does. There is no gRPC address here — this
// service's only external surface is a /metrics and /health endpoint
// for operators; it never serves a submission or streaming API.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the process.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	MessageQueue  MessageQueueConfig  `mapstructure:"message_queue"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Execution     ExecutionConfig     `mapstructure:"execution"`
	Engine        EngineConfig        `mapstructure:"engine"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig serves only /metrics and /health.
type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MessageQueueConfig struct {
	URL       string          `mapstructure:"url"`
	Exchanges ExchangesConfig `mapstructure:"exchanges"`
	Queues    QueuesConfig    `mapstructure:"queues"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
}

type ExchangesConfig struct {
	Workflow  string `mapstructure:"workflow"`
	Execution string `mapstructure:"execution"`
	Events    string `mapstructure:"events"`
}

type QueuesConfig struct {
	WorkflowExecution string `mapstructure:"workflow_execution"`
	StepExecution     string `mapstructure:"step_execution"`
	EventNotification string `mapstructure:"event_notification"`
}

type ConsumerConfig struct {
	Workers       int           `mapstructure:"workers"`
	PrefetchCount int           `mapstructure:"prefetch_count"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

// ExecutionConfig holds task-execution concurrency, timeout and retry
// settings, distinct from EngineConfig's instance-level bound. They are
// loaded and MaxConcurrency is validated; no component reads them.
type ExecutionConfig struct {
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	BackpressureSize int           `mapstructure:"backpressure_size"`
}

// EngineConfig maps onto engine.Config: the scheduling loop's
// concurrency cap and polling intervals.
type EngineConfig struct {
	MaxConcurrentInstances int           `mapstructure:"max_concurrent_instances"`
	DependencyPollInterval time.Duration `mapstructure:"dependency_poll_interval"`
	InstanceLockTimeout    time.Duration `mapstructure:"instance_lock_timeout"`
}

// RateLimitConfig holds request rate-limit settings. They are loaded and
// defaulted, but no component reads them; dispatchers are not rate limited.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size"`
	WindowSize        time.Duration `mapstructure:"window_size"`
}

// Load reads config.yaml (if present) plus environment overrides into
// a validated Config.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/workflow-engine")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "workflow-engine")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")

	viper.SetDefault("http.address", ":8080")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("message_queue.exchanges.workflow", "workflow.execute")
	viper.SetDefault("message_queue.exchanges.execution", "execution.step")
	viper.SetDefault("message_queue.exchanges.events", "run.event")
	viper.SetDefault("message_queue.queues.workflow_execution", "workflow.execution")
	viper.SetDefault("message_queue.queues.step_execution", "step.execution")
	viper.SetDefault("message_queue.queues.event_notification", "event.notification")
	viper.SetDefault("message_queue.consumer.workers", 10)
	viper.SetDefault("message_queue.consumer.prefetch_count", 50)
	viper.SetDefault("message_queue.consumer.retry_delay", "5s")

	viper.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	viper.SetDefault("observability.service_name", "workflow-engine")
	viper.SetDefault("observability.environment", "development")

	viper.SetDefault("execution.max_concurrency", 100)
	viper.SetDefault("execution.default_timeout", "30s")
	viper.SetDefault("execution.max_retries", 3)
	viper.SetDefault("execution.retry_backoff", "1s")
	viper.SetDefault("execution.backpressure_size", 1000)

	viper.SetDefault("engine.max_concurrent_instances", 100)
	viper.SetDefault("engine.dependency_poll_interval", "1s")
	viper.SetDefault("engine.instance_lock_timeout", "10s")

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_second", 100)
	viper.SetDefault("rate_limit.burst_size", 200)
	viper.SetDefault("rate_limit.window_size", "1m")
}

func bindEnvVars() {
	viper.BindEnv("app.environment", "APP_ENV")

	viper.BindEnv("http.address", "HTTP_ADDR")

	viper.BindEnv("database.url", "POSTGRES_URL")
	viper.BindEnv("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	viper.BindEnv("database.max_idle_conns", "DB_MAX_IDLE_CONNS")
	viper.BindEnv("database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("message_queue.url", "RABBITMQ_URL")

	viper.BindEnv("observability.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("observability.service_name", "OTEL_SERVICE_NAME")

	viper.BindEnv("execution.max_concurrency", "DISPATCH_CONCURRENCY")
	viper.BindEnv("execution.default_timeout", "STEP_DEFAULT_TIMEOUT_MS")
	viper.BindEnv("execution.max_retries", "RETRY_MAX")

	viper.BindEnv("engine.max_concurrent_instances", "ENGINE_MAX_CONCURRENT_INSTANCES")
	viper.BindEnv("engine.dependency_poll_interval", "ENGINE_DEPENDENCY_POLL_INTERVAL")
}

func validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.MessageQueue.URL == "" {
		return fmt.Errorf("message_queue.url is required")
	}
	if cfg.Execution.MaxConcurrency <= 0 {
		return fmt.Errorf("execution.max_concurrency must be greater than 0")
	}
	if cfg.Engine.MaxConcurrentInstances <= 0 {
		return fmt.Errorf("engine.max_concurrent_instances must be greater than 0")
	}
	return nil
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value.
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value.
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value.
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
