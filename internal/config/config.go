// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Generation providers.
const (
	ProviderMock   = "mock"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port           string           `mapstructure:"port"`
	FrontendURL    string           `mapstructure:"frontend_url"`
	AllowedOrigins []string         `mapstructure:"allowed_origins"`
	Store          StoreConfig      `mapstructure:"store"`
	Generation     GenerationConfig `mapstructure:"generation"`
	Session        SessionConfig    `mapstructure:"session"`
	RateLimit      RateLimitConfig  `mapstructure:"rate_limit"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend    string        `mapstructure:"backend"`
	SQLitePath string        `mapstructure:"sqlite_path"`
	RedisURL   string        `mapstructure:"redis_url"`
	Retention  time.Duration `mapstructure:"retention"`
}

// GenerationConfig selects the text generation provider.
type GenerationConfig struct {
	Provider string        `mapstructure:"provider"`
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	GRPCAddr string        `mapstructure:"grpc_addr"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SessionConfig holds the fixed texts of a practice session.
type SessionConfig struct {
	Scenario         string        `mapstructure:"scenario"`
	FeedbackLanguage string        `mapstructure:"feedback_language"`
	ClosingMessage   string        `mapstructure:"closing_message"`
	IdleTTL          time.Duration `mapstructure:"idle_ttl"`
}

// RateLimitConfig bounds generation-backed requests per device.
type RateLimitConfig struct {
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	WindowDuration    time.Duration `mapstructure:"window_duration"`
}

// Default session texts.
const (
	DefaultScenario         = "You are in a train station looking for your platform."
	DefaultFeedbackLanguage = "English"
	DefaultClosingMessage   = "Goodbye! Thanks for practicing with me!"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("frontend_url", "")
	v.SetDefault("allowed_origins", []string{"*"})

	v.SetDefault("store.backend", StoreSQLite)
	v.SetDefault("store.sqlite_path", "./data/langplay.db")
	v.SetDefault("store.redis_url", "redis://localhost:6379")
	v.SetDefault("store.retention", 30*24*time.Hour)

	v.SetDefault("generation.provider", ProviderMock)
	v.SetDefault("generation.model", "")
	v.SetDefault("generation.api_key", "")
	v.SetDefault("generation.grpc_addr", "localhost:50051")
	v.SetDefault("generation.timeout", 60*time.Second)

	v.SetDefault("session.scenario", DefaultScenario)
	v.SetDefault("session.feedback_language", DefaultFeedbackLanguage)
	v.SetDefault("session.closing_message", DefaultClosingMessage)
	v.SetDefault("session.idle_ttl", 60*time.Minute)

	v.SetDefault("rate_limit.requests_per_window", 20)
	v.SetDefault("rate_limit.window_duration", time.Minute)
}

// Load reads configuration from defaults, an optional config file and env.
// Env var overrides use prefix LANGPLAY_, with dots replaced by underscores
// (LANGPLAY_STORE_BACKEND, LANGPLAY_GENERATION_API_KEY, ...).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("LANGPLAY_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("langplay")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("LANGPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// PORT is the conventional platform variable and wins when set.
	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		cfg.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}

	switch c.Store.Backend {
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path cannot be empty")
		}
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url cannot be empty")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Generation.Provider {
	case ProviderMock:
	case ProviderGemini, ProviderOpenAI:
		if c.Generation.APIKey == "" {
			return fmt.Errorf("generation.api_key is required for provider %q", c.Generation.Provider)
		}
	case ProviderGRPC:
		if c.Generation.GRPCAddr == "" {
			return fmt.Errorf("generation.grpc_addr cannot be empty")
		}
	default:
		return fmt.Errorf("unknown generation.provider %q", c.Generation.Provider)
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("generation.timeout must be > 0")
	}

	if strings.TrimSpace(c.Session.Scenario) == "" {
		return fmt.Errorf("session.scenario cannot be empty")
	}
	if strings.TrimSpace(c.Session.FeedbackLanguage) == "" {
		return fmt.Errorf("session.feedback_language cannot be empty")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("rate_limit.requests_per_window must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("rate_limit.window_duration must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}
