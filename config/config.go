package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"rewardkit/adapters/redis"
	"rewardkit/adapters/sqlx"
	"rewardkit/aggregate"
	"rewardkit/core"
	"rewardkit/sweeper"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds the complete application configuration
type Config struct {
	// Environment and profile settings
	Environment Environment `json:"environment" env:"REWARDKIT_ENV"`
	Profile     string      `json:"profile" env:"REWARDKIT_PROFILE"`

	// Server configuration
	Server ServerConfig `json:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Metrics and monitoring
	Metrics MetricsConfig `json:"metrics"`

	// Security configuration
	Security SecurityConfig `json:"security"`

	// Ledger write policy
	Ledger LedgerConfig `json:"ledger"`

	// Badge and quest definitions
	Rules RulesConfig `json:"rules"`

	// Metric aggregation
	Aggregation AggregationConfig `json:"aggregation"`

	// Periodic re-evaluation
	Sweeper SweeperConfig `json:"sweeper"`

	// Outbound event delivery
	Webhooks WebhookConfig `json:"webhooks"`
}

// LedgerConfig controls the reward ledger.
type LedgerConfig struct {
	NegativePolicy core.NegativePolicy `json:"negative_policy" env:"REWARDKIT_LEDGER_NEGATIVE_POLICY"`
	Retry          RetryConfig         `json:"retry"`
}

// RetryConfig bounds retried appends.
type RetryConfig struct {
	MaxRetries      uint64        `json:"max_retries" env:"REWARDKIT_LEDGER_RETRY_MAX"`
	InitialInterval time.Duration `json:"initial_interval" env:"REWARDKIT_LEDGER_RETRY_INITIAL_INTERVAL"`
	MaxInterval     time.Duration `json:"max_interval" env:"REWARDKIT_LEDGER_RETRY_MAX_INTERVAL"`
	MaxElapsedTime  time.Duration `json:"max_elapsed_time" env:"REWARDKIT_LEDGER_RETRY_MAX_ELAPSED"`
}

// RulesConfig points at the badge and quest definition files.
type RulesConfig struct {
	DefinitionsPath string `json:"definitions_path" env:"REWARDKIT_RULES_DEFINITIONS"`
	QuestsPath      string `json:"quests_path" env:"REWARDKIT_RULES_QUESTS"`
	Concurrency     int    `json:"concurrency" env:"REWARDKIT_RULES_CONCURRENCY"`
	DispatchMode    string `json:"dispatch_mode" env:"REWARDKIT_RULES_DISPATCH_MODE"`
}

// AggregationConfig tunes percentile rankings.
type AggregationConfig struct {
	RankingWindow     time.Duration `json:"ranking_window" env:"REWARDKIT_AGG_RANKING_WINDOW"`
	RankingResolution time.Duration `json:"ranking_resolution" env:"REWARDKIT_AGG_RANKING_RESOLUTION"`
	CacheSize         int           `json:"cache_size" env:"REWARDKIT_AGG_CACHE_SIZE"`
	CacheTTL          time.Duration `json:"cache_ttl" env:"REWARDKIT_AGG_CACHE_TTL"`
}

// SweeperConfig schedules the background re-evaluation job.
type SweeperConfig struct {
	Enabled  bool          `json:"enabled" env:"REWARDKIT_SWEEPER_ENABLED"`
	Schedule string        `json:"schedule" env:"REWARDKIT_SWEEPER_SCHEDULE"`
	Timeout  time.Duration `json:"timeout" env:"REWARDKIT_SWEEPER_TIMEOUT"`
}

// WebhookConfig lists endpoints that receive domain events.
type WebhookConfig struct {
	Endpoints  []string      `json:"endpoints,omitempty" env:"REWARDKIT_WEBHOOK_ENDPOINTS"`
	Secret     string        `json:"secret,omitempty" env:"REWARDKIT_WEBHOOK_SECRET"`
	EventTypes []string      `json:"event_types,omitempty" env:"REWARDKIT_WEBHOOK_EVENT_TYPES"`
	MaxRetries uint64        `json:"max_retries" env:"REWARDKIT_WEBHOOK_MAX_RETRIES"`
	Timeout    time.Duration `json:"timeout" env:"REWARDKIT_WEBHOOK_TIMEOUT"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" env:"REWARDKIT_SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" env:"REWARDKIT_SERVER_PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" env:"REWARDKIT_SERVER_CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" env:"REWARDKIT_SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"REWARDKIT_SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"REWARDKIT_SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"REWARDKIT_SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"REWARDKIT_SERVER_SHUTDOWN_TIMEOUT"`
}

// StorageConfig holds storage adapter configuration
type StorageConfig struct {
	Adapter string       `json:"adapter" env:"REWARDKIT_STORAGE_ADAPTER"`
	Redis   redis.Config `json:"redis,omitempty"`
	SQL     sqlx.Config  `json:"sql,omitempty"`
	File    FileConfig   `json:"file,omitempty"`
}

// FileConfig holds JSON file storage configuration
type FileConfig struct {
	Path string `json:"path" env:"REWARDKIT_STORAGE_FILE_PATH"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" env:"REWARDKIT_LOG_LEVEL"`
	Format     string            `json:"format" env:"REWARDKIT_LOG_FORMAT"`
	Output     string            `json:"output" env:"REWARDKIT_LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty" env:"REWARDKIT_LOG_ATTRIBUTES"`
}

// MetricsConfig holds metrics and monitoring configuration
type MetricsConfig struct {
	Enabled       bool   `json:"enabled" env:"REWARDKIT_METRICS_ENABLED"`
	Address       string `json:"address" env:"REWARDKIT_METRICS_ADDR"`
	Path          string `json:"path" env:"REWARDKIT_METRICS_PATH"`
	CollectSystem bool   `json:"collect_system" env:"REWARDKIT_METRICS_COLLECT_SYSTEM"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" env:"REWARDKIT_SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty"`
	APIKeys         []string        `json:"api_keys,omitempty" env:"REWARDKIT_SECURITY_API_KEYS"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute" env:"REWARDKIT_SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int           `json:"burst_size" env:"REWARDKIT_SECURITY_RATE_LIMIT_BURST"`
	CleanupInterval   time.Duration `json:"cleanup_interval" env:"REWARDKIT_SECURITY_RATE_LIMIT_CLEANUP"`
}

// Validate validates security settings.
func (s SecurityConfig) Validate() error {
	var errs []string
	if s.EnableRateLimit {
		if s.RateLimit.RequestsPerMinute <= 0 {
			errs = append(errs, "rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.BurstSize <= 0 {
			errs = append(errs, "rate_limit.burst_size must be > 0 when rate limiting is enabled")
		}
	}
	for i, key := range s.APIKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("api_keys[%d] is empty", i))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// LoadDotEnv loads KEY=value files into the process environment. Missing
// files are skipped and variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load from environment variables
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)

	if !strings.HasSuffix(strings.ToLower(cleanPath), ".json") {
		return errors.New("config file must have .json extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	// Validate the path for security
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}

	// Open the file safely after validation
	file, err := os.Open(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Environment variables override file values
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     sqlx.DefaultConfig(sqlx.DriverPostgres),
			File: FileConfig{
				Path: "./data/rewardkit.json",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			Address:       ":9090",
			Path:          "/metrics",
			CollectSystem: true,
		},
		Security: SecurityConfig{
			EnableRateLimit: false,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
				CleanupInterval:   5 * time.Minute,
			},
			APIKeys: []string{},
		},
		Ledger: LedgerConfig{
			NegativePolicy: core.PolicyReject,
			Retry: RetryConfig{
				MaxRetries:      5,
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				MaxElapsedTime:  10 * time.Second,
			},
		},
		Rules: RulesConfig{
			Concurrency:  8,
			DispatchMode: "async",
		},
		Aggregation: AggregationConfig{
			RankingWindow:     aggregate.DefaultRankingWindow,
			RankingResolution: aggregate.DefaultResolution,
			CacheSize:         aggregate.DefaultCacheSize,
			CacheTTL:          aggregate.DefaultCacheTTL,
		},
		Sweeper: SweeperConfig{
			Enabled:  false,
			Schedule: sweeper.DefaultSchedule,
			Timeout:  10 * time.Minute,
		},
		Webhooks: WebhookConfig{
			MaxRetries: 3,
			Timeout:    5 * time.Second,
		},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	// Validate environment
	if c.Environment == "" {
		errs = append(errs, "environment cannot be empty")
	}

	// Validate server config
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	// Validate storage config
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("storage config: %v", err))
	}

	// Validate logging config
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logging config: %v", err))
	}

	// Validate metrics config
	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("metrics config: %v", err))
	}

	// Validate security config
	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Ledger.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("ledger config: %v", err))
	}
	if err := c.Rules.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("rules config: %v", err))
	}
	if err := c.Sweeper.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("sweeper config: %v", err))
	}
	if err := c.Webhooks.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("webhook config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	// Create a copy for redaction
	cfg := *c

	// Redact sensitive information
	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = "[REDACTED]"
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = "[REDACTED]"
	}
	if cfg.Webhooks.Secret != "" {
		cfg.Webhooks.Secret = "[REDACTED]"
	}
	if len(cfg.Security.APIKeys) > 0 {
		keys := make([]string, len(cfg.Security.APIKeys))
		for i := range keys {
			keys[i] = "[REDACTED]"
		}
		cfg.Security.APIKeys = keys
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}
