package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete DataForge configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
	Retry     RetryConfig     `yaml:"retry" env:"RETRY"`
	Job       JobConfig       `yaml:"job" env:"JOB"`
	LLM       LLMConfig       `yaml:"llm" env:"LLM"`
	Prompt    PromptConfig    `yaml:"prompt" env:"PROMPT"`
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP and metrics listeners.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// RateLimitRPS / RateLimitBurst bound inbound requests per client IP.
	// This is transport admission control, separate from the outbound
	// provider rate limiter.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// APIKeys, when non-empty, are required on API routes.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	APIKeys            []string `yaml:"api_keys" env:"API_KEYS"`
}

// RateLimitConfig configures the shared outbound provider rate limiter.
type RateLimitConfig struct {
	// Capacity is the token bucket size.
	Capacity float64 `yaml:"capacity" env:"CAPACITY"`
	// RefillRate is tokens per second.
	RefillRate float64 `yaml:"refill_rate" env:"REFILL_RATE"`
	// ConcurrencyLimit bounds simultaneous in-flight provider calls.
	ConcurrencyLimit int `yaml:"concurrency_limit" env:"CONCURRENCY_LIMIT"`
}

// RetryConfig configures per-unit retry behavior.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BackoffBase time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffCap  time.Duration `yaml:"backoff_cap" env:"BACKOFF_CAP"`
}

// JobConfig configures job lifecycle policy.
type JobConfig struct {
	// MaxSamplesPerRequest caps request.count.
	MaxSamplesPerRequest int `yaml:"max_samples_per_request" env:"MAX_SAMPLES_PER_REQUEST"`
	// MaxConcurrentJobs caps jobs in pending/running state.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" env:"MAX_CONCURRENT_JOBS"`
	// TTL is how long finished job records remain queryable.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// MinSuccessThreshold is the minimum number of successful samples for a
	// job with unit failures to still complete.
	MinSuccessThreshold int `yaml:"min_success_threshold" env:"MIN_SUCCESS_THRESHOLD"`
}

// LLMConfig configures the generation providers.
type LLMConfig struct {
	// DefaultProvider: openai, anthropic, mock.
	DefaultProvider string        `yaml:"default_provider" env:"DEFAULT_PROVIDER"`
	MaxTokens       int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`

	OpenAI    OpenAIConfig    `yaml:"openai" env:"OPENAI"`
	Anthropic AnthropicConfig `yaml:"anthropic" env:"ANTHROPIC"`
	Mock      MockConfig      `yaml:"mock" env:"MOCK"`
}

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	Model   string `yaml:"model" env:"MODEL"`
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	Model   string `yaml:"model" env:"MODEL"`
}

// MockConfig configures the mock provider used in development and tests.
type MockConfig struct {
	// Delay simulates provider latency.
	Delay time.Duration `yaml:"delay" env:"DELAY"`
}

// PromptConfig configures prompt template rendering.
type PromptConfig struct {
	// TemplateDir optionally holds *.tmpl files overriding built-ins.
	TemplateDir string `yaml:"template_dir" env:"TEMPLATE_DIR"`
	// DefaultVersion is used when a request omits template_version.
	DefaultVersion string `yaml:"default_version" env:"DEFAULT_VERSION"`
}

// StoreConfig selects and configures the job store backend.
type StoreConfig struct {
	// Backend: memory, redis, database.
	Backend  string         `yaml:"backend" env:"BACKEND"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
}

// RedisConfig configures the Redis job store.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig configures the SQL job store.
type DatabaseConfig struct {
	// Driver: sqlite, postgres, mysql.
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// Validate checks the configuration and fails fast on conditions that would
// otherwise surface per-request, such as a unit cost that can never fit the
// token bucket.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.RateLimit.Capacity <= 0 {
		errs = append(errs, "rate_limit.capacity must be positive")
	}
	if c.RateLimit.RefillRate <= 0 {
		errs = append(errs, "rate_limit.refill_rate must be positive")
	}
	if c.RateLimit.ConcurrencyLimit <= 0 {
		errs = append(errs, "rate_limit.concurrency_limit must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffBase <= 0 || c.Retry.BackoffCap < c.Retry.BackoffBase {
		errs = append(errs, "retry backoff base/cap misconfigured")
	}
	if c.Job.MaxSamplesPerRequest < 1 {
		errs = append(errs, "job.max_samples_per_request must be at least 1")
	}
	if c.Job.MinSuccessThreshold < 1 {
		errs = append(errs, "job.min_success_threshold must be at least 1")
	}
	if c.Job.TTL <= 0 {
		errs = append(errs, "job.ttl must be positive")
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, "llm.max_tokens must be at least 1")
	}

	// A single unit consumes at least MaxTokens bucket tokens. If that can
	// never fit the bucket, every acquire would block forever; reject now.
	if float64(c.LLM.MaxTokens) > c.RateLimit.Capacity {
		errs = append(errs, fmt.Sprintf(
			"llm.max_tokens (%d) exceeds rate_limit.capacity (%.0f): unit cost can never be admitted",
			c.LLM.MaxTokens, c.RateLimit.Capacity,
		))
	}

	switch c.Store.Backend {
	case "memory", "redis", "database":
	default:
		errs = append(errs, fmt.Sprintf("unsupported store backend: %s", c.Store.Backend))
	}

	switch c.LLM.DefaultProvider {
	case "openai", "anthropic", "mock":
	default:
		errs = append(errs, fmt.Sprintf("unsupported provider: %s", c.LLM.DefaultProvider))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
