package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadMergesTOMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
mode = "poll"
log_level = "debug"

[hyperliquid]
vault_address = "0xabc"
monitored_addresses = ["0x1", "0x2"]

[poll]
interval = "15s"

[vault]
critical_loss_usd = 3000000.0

[notify]
min_severity = "critical"
cooldown = "10m"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "poll" {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.Hyperliquid.VaultAddress != "0xabc" {
		t.Errorf("vault_address = %q", cfg.Hyperliquid.VaultAddress)
	}
	if len(cfg.Hyperliquid.MonitoredAddresses) != 2 {
		t.Errorf("monitored_addresses = %v", cfg.Hyperliquid.MonitoredAddresses)
	}
	if cfg.Poll.Interval.Duration != 15*time.Second {
		t.Errorf("poll interval = %v", cfg.Poll.Interval.Duration)
	}
	if cfg.Vault.CriticalLossUSD != 3_000_000 {
		t.Errorf("critical_loss_usd = %v", cfg.Vault.CriticalLossUSD)
	}
	if cfg.Notify.Cooldown.Duration != 10*time.Minute {
		t.Errorf("cooldown = %v", cfg.Notify.Cooldown.Duration)
	}
	// Untouched sections keep their defaults.
	if cfg.Oracle.DangerPct != 0.5 {
		t.Errorf("oracle danger_pct = %v", cfg.Oracle.DangerPct)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config should validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HLSENTINEL_MODE", "stream")
	t.Setenv("HLSENTINEL_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("HLSENTINEL_ORACLE_DANGER_PCT", "0.8")
	t.Setenv("HLSENTINEL_POLL_INTERVAL", "45s")
	t.Setenv("HLSENTINEL_STREAM_ASSETS", "BTC, ETH ,ARB")
	t.Setenv("HLSENTINEL_POSTGRES_RUN_MIGRATIONS", "false")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Mode != "stream" {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Oracle.DangerPct != 0.8 {
		t.Errorf("danger_pct = %v", cfg.Oracle.DangerPct)
	}
	if cfg.Poll.Interval.Duration != 45*time.Second {
		t.Errorf("poll interval = %v", cfg.Poll.Interval.Duration)
	}
	if len(cfg.Stream.Assets) != 3 || cfg.Stream.Assets[2] != "ARB" {
		t.Errorf("stream assets = %v", cfg.Stream.Assets)
	}
	if cfg.Postgres.RunMigrations {
		t.Error("run_migrations should be overridden to false")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Oracle.DangerPct = 0.1 // below warning
	cfg.Poll.MaxConcurrent = 0
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"unknown mode", "oracle:", "max_concurrent", "redis:"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.Vault.HighLossUSD = 5_000_000 // above critical

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "high_loss_usd") {
		t.Fatalf("expected vault ordering error, got %v", err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Notify.TelegramToken = "bot-token"
	cfg.Server.APIKey = "key"

	red := RedactedConfig(&cfg)
	if red.Postgres.Password != "***" || red.Notify.TelegramToken != "***" || red.Server.APIKey != "***" {
		t.Error("secrets not redacted")
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Error("original mutated")
	}
	red.Stream.Assets[0] = "XXX"
	if cfg.Stream.Assets[0] == "XXX" {
		t.Error("redacted copy shares slice with original")
	}
}
