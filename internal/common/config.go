package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/ternarybob/conexus/internal/models"
)

// Config represents the application configuration
type Config struct {
	Environment string                  `toml:"environment"` // "development" or "production"
	Server      ServerConfig            `toml:"server"`
	Salesforce  SalesforceConfig        `toml:"salesforce"`
	Capture     CaptureConfig           `toml:"capture"`
	Correlation CorrelationConfig       `toml:"correlation"`
	Redaction   models.RedactionOptions `toml:"redaction"`
	Storage     StorageConfig           `toml:"storage"`
	Logging     LoggingConfig           `toml:"logging"`
	Auth        AuthConfig              `toml:"auth"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// SalesforceConfig controls the platform REST client and connection pool.
type SalesforceConfig struct {
	APIVersion       string        `toml:"api_version"`        // e.g. "v62.0"
	RequestTimeout   time.Duration `toml:"request_timeout"`    // Per-call timeout (default 30s)
	RequestsPerSec   float64       `toml:"requests_per_sec"`   // Rate limit per connection (default 10)
	TokenBufferMins  int           `toml:"token_buffer_mins"`  // Refresh at expiresAt - buffer (default 5)
	MaxIdleConns     int           `toml:"max_idle_conns"`     // Pool LRU size, minimum 1 (default 4)
	MaxParallelCalls int           `toml:"max_parallel_calls"` // In-flight platform calls per analysis (default 5)
}

// CaptureConfig controls trace-flag provisioning.
type CaptureConfig struct {
	Preset                  string        `toml:"preset" validate:"omitempty,oneof=minimal soql_analysis governor_limits triggers cpu_hotspots exceptions callouts ai_optimized full_diagnostic"`
	DurationMinutes         int           `toml:"duration_minutes"`          // Requested flag lifetime, capped at platform max (24h)
	IncludeAutomatedProcess bool          `toml:"include_automated_process"` // Also flag the system-executor user
	BufferMinutes           int           `toml:"buffer_minutes"`            // Extend flags with less than this remaining (default 5)
	WatchPollInterval       time.Duration `toml:"watch_poll_interval"`       // Log watcher poll cadence (default 5s)
	JanitorSchedule         string        `toml:"janitor_schedule"`          // Cron spec for the flag-extension janitor (default "@every 1m")
}

// CorrelationConfig controls candidate search and scoring.
type CorrelationConfig struct {
	MaxTimeWindowMs      int64   `toml:"max_time_window_ms"`                    // Candidate search window (default 3600000)
	MinConfidence        float64 `toml:"min_confidence" validate:"gte=0,lte=1"` // Emission threshold (default 0.40)
	MaxChildren          int     `toml:"max_children"`                          // Per-parent cap (default 5)
	QueryPlatformJobs    bool    `toml:"query_platform_jobs"`                   // Resolve AsyncApexJob records (default true)
	IncludeGrandchildren bool    `toml:"include_grandchildren"`                 // Recurse into child logs
	MaxDepth             int     `toml:"max_depth"`                             // Recursion cap (default 2)
}

type StorageConfig struct {
	Badger         BadgerConfig  `toml:"badger"`
	CacheLogBodies bool          `toml:"cache_log_bodies"` // Opt-in: bodies otherwise never outlive an analysis
	CacheTTL       time.Duration `toml:"cache_ttl"`        // Log cache TTL (default 1h)
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string   `toml:"format"` // "json" or "text"
	Output     []string `toml:"output"` // "stdout", "file"
	TimeFormat string   `toml:"time_format"`
}

// AuthConfig carries the ordered list of preferred auth methods. The
// flows themselves run outside this module; the pool only consumes the
// resulting tokens.
type AuthConfig struct {
	PreferredMethods []string `toml:"preferred_methods" validate:"dive,oneof=authorization-code-pkce device-code cli-import manual-token"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server:      ServerConfig{Port: 8085, Host: "localhost"},
		Salesforce: SalesforceConfig{
			APIVersion:       "v62.0",
			RequestTimeout:   30 * time.Second,
			RequestsPerSec:   10,
			TokenBufferMins:  5,
			MaxIdleConns:     4,
			MaxParallelCalls: 5,
		},
		Capture: CaptureConfig{
			Preset:            string(models.PresetAIOptimized),
			DurationMinutes:   30,
			BufferMinutes:     5,
			WatchPollInterval: 5 * time.Second,
			JanitorSchedule:   "@every 1m",
		},
		Correlation: CorrelationConfig{
			MaxTimeWindowMs:   3600000,
			MinConfidence:     models.ConfidenceMinDefault,
			MaxChildren:       5,
			QueryPlatformJobs: true,
			MaxDepth:          2,
		},
		Redaction: models.RedactionOptions{
			MinSensitivity:  "medium",
			UsePlaceholders: true,
		},
		Storage: StorageConfig{
			Badger:   BadgerConfig{Path: "./data/conexus"},
			CacheTTL: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout"},
		},
		Auth: AuthConfig{
			PreferredMethods: []string{"authorization-code-pkce", "device-code", "cli-import", "manual-token"},
		},
	}
}

// LoadFromFiles loads configuration with precedence:
// defaults -> file1 -> file2 -> ... -> environment variables.
// Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies CONEXUS_* environment variables on top of
// file configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONEXUS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CONEXUS_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CONEXUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("CONEXUS_SF_API_VERSION"); v != "" {
		cfg.Salesforce.APIVersion = v
	}
	if v := os.Getenv("CONEXUS_CAPTURE_PRESET"); v != "" {
		cfg.Capture.Preset = v
	}
	if v := os.Getenv("CONEXUS_BADGER_PATH"); v != "" {
		cfg.Storage.Badger.Path = v
	}
}

// ApplyFlagOverrides applies command-line overrides on top of the
// loaded configuration. Zero values leave the config untouched.
func ApplyFlagOverrides(c *Config, port int, host string) {
	if port != 0 {
		c.Server.Port = port
	}
	if host != "" {
		c.Server.Host = host
	}
}

// Validate checks field constraints and normalizes derived values.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Correlation.MaxTimeWindowMs <= 0 {
		c.Correlation.MaxTimeWindowMs = 3600000
	}
	if c.Correlation.MaxChildren <= 0 {
		c.Correlation.MaxChildren = 5
	}
	if c.Salesforce.MaxParallelCalls <= 0 {
		c.Salesforce.MaxParallelCalls = 5
	}
	if c.Salesforce.MaxIdleConns < 1 {
		c.Salesforce.MaxIdleConns = 1
	}
	if c.Salesforce.RequestTimeout <= 0 {
		c.Salesforce.RequestTimeout = 30 * time.Second
	}
	// Platform caps trace flags at 24 hours from now
	if c.Capture.DurationMinutes <= 0 || c.Capture.DurationMinutes > 24*60 {
		c.Capture.DurationMinutes = 30
	}
	if c.Capture.BufferMinutes <= 0 {
		c.Capture.BufferMinutes = 5
	}
	if _, ok := models.ParseSensitivity(c.Redaction.MinSensitivity); !ok {
		return fmt.Errorf("invalid configuration: unknown redaction min_sensitivity %q", c.Redaction.MinSensitivity)
	}
	return nil
}
