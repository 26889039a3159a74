// Package config loads the duplicator configuration from YAML and applies
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the duplicator engine.
type Config struct {
	Storage Storage                  `yaml:"storage"`
	Server  Server                   `yaml:"server"`
	Logging Logging                  `yaml:"logging"`
	Brokers map[string]BrokerConfig  `yaml:"brokers"`
	Trading TradingConfig            `yaml:"trading"`
	Engine  EngineConfig             `yaml:"engine"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration for the dashboard API.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BrokerConfig describes one configured broker connection.
type BrokerConfig struct {
	Type            string `yaml:"type"` // "alpaca" or "paper"
	Enabled         bool   `yaml:"enabled"`
	PrimaryQuotes   bool   `yaml:"primary_quotes"`
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	StreamURL       string `yaml:"stream_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// TradingConfig defines intent validation parameters.
type TradingConfig struct {
	// Instruments is the allowlist of tradeable instruments. Empty means
	// any non-empty instrument is accepted.
	Instruments     []string `yaml:"instruments"`
	DefaultExchange string   `yaml:"default_exchange"`
}

// EngineConfig holds timeouts and tuning for the orchestration engine.
// Durations are expressed in the unit named by the field suffix.
type EngineConfig struct {
	PlaceTimeoutMs     int `yaml:"place_timeout_ms"`
	SubmitTimeoutMs    int `yaml:"submit_timeout_ms"`
	ModifyRetries      int `yaml:"modify_retries"`
	RetryBaseDelayMs   int `yaml:"retry_base_delay_ms"`
	BatchWindowMs      int `yaml:"batch_window_ms"`
	SubscriberDepth    int `yaml:"subscriber_depth"`
	PositionsCacheTTLs int `yaml:"positions_cache_ttl_s"`
	HealthCacheTTLs    int `yaml:"health_cache_ttl_s"`
	RetentionDays      int `yaml:"retention_days"`
}

// PlaceTimeout returns the per-connector call deadline.
func (e EngineConfig) PlaceTimeout() time.Duration {
	return time.Duration(e.PlaceTimeoutMs) * time.Millisecond
}

// SubmitTimeout returns the global submission deadline.
func (e EngineConfig) SubmitTimeout() time.Duration {
	return time.Duration(e.SubmitTimeoutMs) * time.Millisecond
}

// RetryBaseDelay returns the initial modify/cancel retry backoff.
func (e EngineConfig) RetryBaseDelay() time.Duration {
	return time.Duration(e.RetryBaseDelayMs) * time.Millisecond
}

// BatchWindow returns the broadcaster batching window.
func (e EngineConfig) BatchWindow() time.Duration {
	return time.Duration(e.BatchWindowMs) * time.Millisecond
}

// PositionsCacheTTL returns the TTL for cached position reads.
func (e EngineConfig) PositionsCacheTTL() time.Duration {
	return time.Duration(e.PositionsCacheTTLs) * time.Second
}

// HealthCacheTTL returns the TTL for cached broker-health reads.
func (e EngineConfig) HealthCacheTTL() time.Duration {
	return time.Duration(e.HealthCacheTTLs) * time.Second
}

// Retention returns how long terminal orders stay queryable.
func (e EngineConfig) Retention() time.Duration {
	return time.Duration(e.RetentionDays) * 24 * time.Hour
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into
// a Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars apply to every alpaca-typed broker that has
	// no key in the file (canonical names used by the SDK).
	key := os.Getenv("APCA_API_KEY_ID")
	secret := os.Getenv("APCA_API_SECRET_KEY")
	if key == "" && secret == "" {
		return
	}
	for name, bc := range cfg.Brokers {
		if bc.Type != "alpaca" {
			continue
		}
		if key != "" && bc.APIKey == "" {
			bc.APIKey = key
		}
		if secret != "" && bc.APISecret == "" {
			bc.APISecret = secret
		}
		cfg.Brokers[name] = bc
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Trading.DefaultExchange == "" {
		cfg.Trading.DefaultExchange = "NFO"
	}
	e := &cfg.Engine
	if e.PlaceTimeoutMs == 0 {
		e.PlaceTimeoutMs = 5000
	}
	if e.SubmitTimeoutMs == 0 {
		e.SubmitTimeoutMs = 10000
	}
	if e.ModifyRetries == 0 {
		e.ModifyRetries = 3
	}
	if e.RetryBaseDelayMs == 0 {
		e.RetryBaseDelayMs = 200
	}
	if e.BatchWindowMs == 0 {
		e.BatchWindowMs = 50
	}
	if e.SubscriberDepth == 0 {
		e.SubscriberDepth = 256
	}
	if e.PositionsCacheTTLs == 0 {
		e.PositionsCacheTTLs = 30
	}
	if e.HealthCacheTTLs == 0 {
		e.HealthCacheTTLs = 5
	}
	if e.RetentionDays == 0 {
		e.RetentionDays = 7
	}
}

// Validate checks the broker topology: at least one enabled broker, and
// exactly one primary quote source among the enabled ones.
func (c *Config) Validate() error {
	var enabled, primaries int
	for name, bc := range c.Brokers {
		if bc.Type != "alpaca" && bc.Type != "paper" {
			return fmt.Errorf("broker %q: unsupported type %q", name, bc.Type)
		}
		if !bc.Enabled {
			continue
		}
		enabled++
		if bc.PrimaryQuotes {
			primaries++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled brokers configured")
	}
	if primaries != 1 {
		return fmt.Errorf("exactly one enabled broker must have primary_quotes, got %d", primaries)
	}
	return nil
}

// EnabledBrokerNames returns the names of enabled brokers in a stable
// (sorted) order. Leg ordering on canonical orders follows this order.
func (c *Config) EnabledBrokerNames() []string {
	var names []string
	for name, bc := range c.Brokers {
		if bc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
