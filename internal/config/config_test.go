package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/acadeon/chatops/internal/config"
)

func TestLoadFrom_DefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" || cfg.DefaultTenant != "default" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.DBPath != filepath.Join(cfg.HomeDir, "chatops.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.SweepIntervalSeconds != 60 || cfg.RateLimit.PerMinute != 120 {
		t.Fatalf("cadence defaults not applied: %+v", cfg)
	}
}

func TestLoadFrom_ReadsYAML(t *testing.T) {
	home := t.TempDir()
	raw := `
bind_addr: "0.0.0.0:9000"
log_level: debug
default_tenant: acadeon
catalog_artifact: /etc/chatops/catalog.yaml
api_keys:
  ops-bot: sk-test-1
rate_limit:
  per_minute: 30
channels:
  telegram:
    enabled: true
    token: placeholder
    recipients:
      staff: 12345
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.LogLevel != "debug" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.DefaultTenant != "acadeon" {
		t.Fatalf("default tenant = %q", cfg.DefaultTenant)
	}
	if cfg.APIKeys["ops-bot"] != "sk-test-1" {
		t.Fatalf("api keys = %v", cfg.APIKeys)
	}
	if cfg.RateLimit.PerMinute != 30 || cfg.RateLimit.Burst != 30 {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Recipients["staff"] != 12345 {
		t.Fatalf("telegram config = %+v", cfg.Channels.Telegram)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHATOPS_LOG_LEVEL", "warn")
	t.Setenv("CHATOPS_DEFAULT_TENANT", "t-env")
	t.Setenv("CHATOPS_SWEEP_INTERVAL_SECONDS", "15")
	t.Setenv("TELEGRAM_TOKEN", "tok-env")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env override missed: log level = %q", cfg.LogLevel)
	}
	if cfg.DefaultTenant != "t-env" || cfg.SweepIntervalSeconds != 15 {
		t.Fatalf("env overrides missed: %+v", cfg)
	}
	if cfg.Channels.Telegram.Token != "tok-env" {
		t.Fatalf("telegram token override missed")
	}
}

func TestLoadFrom_RejectsMalformedYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("bind_addr: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("malformed yaml must be rejected")
	}
}

func TestFingerprint_TracksSettings(t *testing.T) {
	a, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.BindAddr = "0.0.0.0:9999"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint must change when bind addr changes")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint must be stable")
	}
}
