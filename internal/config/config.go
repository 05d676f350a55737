// Package config loads the process configuration from <home>/config.yaml
// with environment overrides. The file is optional; a missing file yields
// the defaults, which bind locally and use the embedded action catalog.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acadeon/chatops/internal/otel"
)

// TelegramConfig configures the Telegram delivery channel.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// Recipients maps symbolic names ("staff", "director") to chat ids so
	// handlers never hard-code numeric ids.
	Recipients map[string]int64 `yaml:"recipients"`
}

// ChannelsConfig groups the delivery channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// RateLimitConfig bounds per-key request rates at the gateway.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// APIKeys maps client names to their gateway keys. Requests
	// authenticate with the key value; the name only labels it in logs.
	APIKeys map[string]string `yaml:"api_keys"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DefaultTenant is used when a request does not name one.
	DefaultTenant string `yaml:"default_tenant"`

	// CatalogArtifact optionally overrides the embedded action allow-list.
	// Watched for changes at runtime.
	CatalogArtifact string `yaml:"catalog_artifact"`

	// TenantDefaults is an optional YAML artifact holding the settings
	// blob new tenants are seeded with.
	TenantDefaults string `yaml:"tenant_defaults"`

	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	DrainTimeoutSeconds  int `yaml:"drain_timeout_seconds"`

	// Retention policy (days). 0 keeps forever.
	RetentionRunsDays     int `yaml:"retention_runs_days"`
	RetentionMessagesDays int `yaml:"retention_messages_days"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Otel      otel.Config     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at
// startup so operators can tell which settings a process is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|tenant=%s|origins=%v|sweep=%d",
		c.BindAddr, c.LogLevel, c.DBPath, c.DefaultTenant, c.AllowOrigins, c.SweepIntervalSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// SweepInterval returns the schedule sweep cadence.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// DrainTimeout returns the shutdown drain bound.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:18790",
		LogLevel:              "info",
		DefaultTenant:         "default",
		SweepIntervalSeconds:  60,
		DrainTimeoutSeconds:   5,
		RetentionRunsDays:     365,
		RetentionMessagesDays: 90,
		RateLimit: RateLimitConfig{
			PerMinute: 120,
			Burst:     30,
		},
	}
}

// HomeDir resolves the state directory: CHATOPS_HOME, else ~/.chatops.
func HomeDir() string {
	if override := os.Getenv("CHATOPS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chatops")
}

// Load reads config.yaml under HomeDir, applies environment overrides,
// and fills in defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create chatops home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "chatops.db")
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 60
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.RateLimit.PerMinute <= 0 {
		cfg.RateLimit.PerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CHATOPS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CHATOPS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CHATOPS_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CHATOPS_DEFAULT_TENANT"); raw != "" {
		cfg.DefaultTenant = raw
	}
	if raw := os.Getenv("CHATOPS_CATALOG_ARTIFACT"); raw != "" {
		cfg.CatalogArtifact = raw
	}
	if raw := os.Getenv("CHATOPS_TENANT_DEFAULTS"); raw != "" {
		cfg.TenantDefaults = raw
	}
	if raw := os.Getenv("CHATOPS_SWEEP_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SweepIntervalSeconds = v
		}
	}
	if raw := os.Getenv("CHATOPS_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
