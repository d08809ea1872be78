package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

var ErrMissingAPIKey = errors.New("llm api key is not configured (set TRIAGE_LLM_APIKEY or OPENAI_API_KEY)")

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Batch     BatchConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host          string
	Port          int
	ReadTimeout   int
	WriteTimeout  int
	BodyLimit     int
	IsDevelopment bool
}

type LLMConfig struct {
	Model       string
	APIKey      string
	BaseURL     string
	TimeoutSec  int
	MaxAttempts int
	Breaker     BreakerConfig
}

// BreakerConfig guards the endpoint during outages. It is off unless enabled,
// because an open breaker fails rows without calling the model.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	OpenTimeoutSec   int
}

type BatchConfig struct {
	// Concurrency caps in-flight requests for the fan-out runner.
	Concurrency int
	TextColumn  string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type RateLimitConfig struct {
	RunsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/feedback-triage")

	v.SetEnvPrefix("TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The key has no default so it would be invisible to AutomaticEnv during Unmarshal.
	if err := v.BindEnv("llm.apiKey", "TRIAGE_LLM_APIKEY", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind api key env: %w", err)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Validate reports configuration that would fail every row of a run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return ErrMissingAPIKey
	}
	if c.LLM.Model == "" {
		return errors.New("llm model is not configured")
	}
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch concurrency must be positive, got %d", c.Batch.Concurrency)
	}
	if c.LLM.TimeoutSec < 1 {
		return fmt.Errorf("llm timeout must be positive, got %d", c.LLM.TimeoutSec)
	}
	if c.Batch.TextColumn == "" {
		return errors.New("batch text column is not configured")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.isDevelopment", false)

	v.SetDefault("llm.model", "gpt-4-1106-preview")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.maxAttempts", 1)
	v.SetDefault("llm.breaker.enabled", false)
	v.SetDefault("llm.breaker.failureThreshold", 5)
	v.SetDefault("llm.breaker.openTimeoutSec", 30)

	v.SetDefault("batch.concurrency", 8)
	v.SetDefault("batch.textColumn", "feedback")

	v.SetDefault("sqlite.path", "./data/triage.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttlSec", 86400)

	v.SetDefault("ratelimit.runsPerMinute", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
