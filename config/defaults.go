package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Retry:     DefaultRetryConfig(),
		Job:       DefaultJobConfig(),
		LLM:       DefaultLLMConfig(),
		Prompt:    DefaultPromptConfig(),
		Store:     DefaultStoreConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultRateLimitConfig mirrors a 60 RPM / 40k TPM provider budget:
// capacity sized for token-per-minute accounting with a per-second refill.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Capacity:         40000,
		RefillRate:       40000.0 / 60.0,
		ConcurrencyLimit: 10,
	}
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BackoffBase: 1 * time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// DefaultJobConfig returns the default job policy.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		MaxSamplesPerRequest: 50,
		MaxConcurrentJobs:    10,
		TTL:                  time.Hour,
		MinSuccessThreshold:  1,
	}
}

// DefaultLLMConfig returns the default provider configuration.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultProvider: "mock",
		MaxTokens:       500,
		Timeout:         60 * time.Second,
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com",
			Model:   "gpt-4o-mini",
		},
		Anthropic: AnthropicConfig{
			BaseURL: "https://api.anthropic.com",
			Model:   "claude-3-5-haiku-latest",
		},
		Mock: MockConfig{
			Delay: 50 * time.Millisecond,
		},
	}
}

// DefaultPromptConfig returns the default prompt configuration.
func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		DefaultVersion: "v1",
	}
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend: "memory",
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Name:   "dataforge.db",
		},
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "dataforge",
		SampleRate:   1.0,
	}
}
