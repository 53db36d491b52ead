package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research pipeline
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Search     SearchConfig     `mapstructure:"search"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Server     ServerConfig     `mapstructure:"server"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Storage    StorageConfig    `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	RoundTwoTimeout   time.Duration `mapstructure:"round_two_timeout"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	// Priority lists provider names in fallback order. Providers not
	// listed are never tried. The gateway provider, if configured,
	// always goes last.
	Priority []string         `mapstructure:"priority"`
	Routing  LLMRoutingConfig `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai, anthropic, gateway
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model key to use for each pipeline role
type LLMRoutingConfig struct {
	Planning  string `mapstructure:"planning"`
	Extract   string `mapstructure:"extract"`
	Gaps      string `mapstructure:"gaps"`
	Synthesis string `mapstructure:"synthesis"`
	Proofread string `mapstructure:"proofread"`
	Fallback  string `mapstructure:"fallback"`
}

// SearchConfig contains web search provider settings
type SearchConfig struct {
	BraveAPIKey   string        `mapstructure:"brave_api_key"`
	SerperAPIKey  string        `mapstructure:"serper_api_key"`
	Priority      []string      `mapstructure:"priority"`
	MaxResults    int           `mapstructure:"max_results"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FetchContent  bool          `mapstructure:"fetch_content"`
	FetchTopN     int           `mapstructure:"fetch_top_n"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
}

// ResilienceConfig tunes retry and circuit breaker behaviour
type ResilienceConfig struct {
	LLMMaxRetries       int           `mapstructure:"llm_max_retries"`
	LLMInitialDelay     time.Duration `mapstructure:"llm_initial_delay"`
	LLMMaxDelay         time.Duration `mapstructure:"llm_max_delay"`
	SearchMaxRetries    int           `mapstructure:"search_max_retries"`
	SearchInitialDelay  time.Duration `mapstructure:"search_initial_delay"`
	SearchMaxDelay      time.Duration `mapstructure:"search_max_delay"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`
	JitterFactor        float64       `mapstructure:"jitter_factor"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	SuccessThreshold    int           `mapstructure:"success_threshold"`
	ResetTimeout        time.Duration `mapstructure:"reset_timeout"`
	LLMCallTimeout      time.Duration `mapstructure:"llm_call_timeout"`
	SearchCallTimeout   time.Duration `mapstructure:"search_call_timeout"`
	CreditsCallTimeout  time.Duration `mapstructure:"credits_call_timeout"`
}

// CacheConfig contains stage cache settings
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LedgerConfig contains credit reservation settings
type LedgerConfig struct {
	ServiceURL     string        `mapstructure:"service_url"`
	APIKey         string        `mapstructure:"api_key"`
	PendingExpiry  time.Duration `mapstructure:"pending_expiry"`
	ReplayInterval time.Duration `mapstructure:"replay_interval"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	File     FileConfig     `mapstructure:"file"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// FileConfig contains local file storage settings
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// LoadConfig loads configuration from file and environment variables.
// An empty path falls back to the default search locations.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("deepresearch")
		viper.SetConfigType("json")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("DEEPRESEARCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Config file is optional; defaults plus env cover the common case
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.max_processing_time", "10m")
	viper.SetDefault("general.round_two_timeout", "90s")
	viper.SetDefault("general.max_concurrent_runs", 5)

	viper.SetDefault("llm.routing.planning", "default")
	viper.SetDefault("llm.routing.extract", "default")
	viper.SetDefault("llm.routing.gaps", "default")
	viper.SetDefault("llm.routing.synthesis", "default")
	viper.SetDefault("llm.routing.proofread", "mini")
	viper.SetDefault("llm.routing.fallback", "default")

	viper.SetDefault("search.max_results", 10)
	viper.SetDefault("search.timeout", "30s")
	viper.SetDefault("search.priority", []string{"brave", "serper"})
	viper.SetDefault("search.fetch_content", false)
	viper.SetDefault("search.fetch_top_n", 3)
	viper.SetDefault("search.fetch_timeout", "10s")

	viper.SetDefault("resilience.llm_max_retries", 3)
	viper.SetDefault("resilience.llm_initial_delay", "1s")
	viper.SetDefault("resilience.llm_max_delay", "30s")
	viper.SetDefault("resilience.search_max_retries", 2)
	viper.SetDefault("resilience.search_initial_delay", "500ms")
	viper.SetDefault("resilience.search_max_delay", "10s")
	viper.SetDefault("resilience.backoff_multiplier", 2.0)
	viper.SetDefault("resilience.jitter_factor", 0.2)
	viper.SetDefault("resilience.failure_threshold", 5)
	viper.SetDefault("resilience.success_threshold", 2)
	viper.SetDefault("resilience.reset_timeout", "30s")
	viper.SetDefault("resilience.llm_call_timeout", "2m")
	viper.SetDefault("resilience.search_call_timeout", "30s")
	viper.SetDefault("resilience.credits_call_timeout", "15s")

	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.ttl", "30m")
	viper.SetDefault("cache.redis.host", "")
	viper.SetDefault("cache.redis.port", 6379)
	viper.SetDefault("cache.redis.db", 0)
	viper.SetDefault("cache.redis.timeout", "5s")

	viper.SetDefault("ledger.pending_expiry", "72h")
	viper.SetDefault("ledger.replay_interval", "5m")

	viper.SetDefault("server.addr", ":8080")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.metrics_port", 9090)

	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.file.data_dir", "./data")
}

// overrideFromEnv overrides configuration with environment variables
// for sensitive data that should not live in config files.
func overrideFromEnv() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		viper.Set("llm.providers.openai.api_key", apiKey)
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		viper.Set("llm.providers.anthropic.api_key", apiKey)
	}
	if apiKey := os.Getenv("LLM_GATEWAY_API_KEY"); apiKey != "" {
		viper.Set("llm.providers.gateway.api_key", apiKey)
	}
	if apiKey := os.Getenv("BRAVE_SEARCH_KEY"); apiKey != "" {
		viper.Set("search.brave_api_key", apiKey)
	}
	if apiKey := os.Getenv("SERPER_API_KEY"); apiKey != "" {
		viper.Set("search.serper_api_key", apiKey)
	}
	if apiKey := os.Getenv("CREDITS_API_KEY"); apiKey != "" {
		viper.Set("ledger.api_key", apiKey)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Resilience.BackoffMultiplier < 1 {
		return fmt.Errorf("resilience.backoff_multiplier must be >= 1")
	}
	if cfg.Resilience.JitterFactor < 0 || cfg.Resilience.JitterFactor > 1 {
		return fmt.Errorf("resilience.jitter_factor must be within [0, 1]")
	}
	if cfg.Resilience.FailureThreshold <= 0 {
		return fmt.Errorf("resilience.failure_threshold must be positive")
	}
	if cfg.Resilience.SuccessThreshold <= 0 {
		return fmt.Errorf("resilience.success_threshold must be positive")
	}
	if cfg.General.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("general.max_concurrent_runs must be positive")
	}
	for name, p := range cfg.LLM.Providers {
		switch p.Type {
		case "openai", "anthropic", "gateway":
		default:
			return fmt.Errorf("llm provider %s has unsupported type %q", name, p.Type)
		}
	}
	return nil
}
