// Package config defines the top-level configuration for the monitor and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by HLSENTINEL_* environment variables.
type Config struct {
	Hyperliquid HyperliquidConfig `toml:"hyperliquid"`
	Stream      StreamConfig      `toml:"stream"`
	Poll        PollConfig        `toml:"poll"`
	Breaker     BreakerConfig     `toml:"breaker"`
	Vault       VaultConfig       `toml:"vault"`
	Oracle      OracleConfig      `toml:"oracle"`
	Liquidation LiquidationConfig `toml:"liquidation"`
	RefPrices   RefPricesConfig   `toml:"ref_prices"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// HyperliquidConfig holds exchange API endpoints and the addresses under watch.
type HyperliquidConfig struct {
	APIURL             string   `toml:"api_url"`
	WSURL              string   `toml:"ws_url"`
	VaultAddress       string   `toml:"vault_address"`
	MonitoredAddresses []string `toml:"monitored_addresses"`
}

// StreamConfig holds websocket ingestion parameters.
type StreamConfig struct {
	Enabled            bool     `toml:"enabled"`
	Assets             []string `toml:"assets"`
	BufferSize         int      `toml:"buffer_size"`
	ReconnectBaseDelay duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay  duration `toml:"reconnect_max_delay"`
}

// PollConfig holds REST polling parameters.
type PollConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	MaxConcurrent int      `toml:"max_concurrent"`
	SourceTimeout duration `toml:"source_timeout"`
	CycleTimeout  duration `toml:"cycle_timeout"`
}

// BreakerConfig holds circuit breaker tuning shared by stream and poll paths.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	RecoveryTimeout  duration `toml:"recovery_timeout"`
	SuccessThreshold int      `toml:"success_threshold"`
	Window           duration `toml:"window"`
}

// VaultConfig holds vault exploitation detection thresholds.
type VaultConfig struct {
	CriticalLossUSD     float64 `toml:"critical_loss_usd"`
	HighLossUSD         float64 `toml:"high_loss_usd"`
	SuppressLossUSD     float64 `toml:"suppress_loss_usd"`
	SigmaThreshold      float64 `toml:"sigma_threshold"`
	DrawdownCriticalPct float64 `toml:"drawdown_critical_pct"`
	HistorySize         int     `toml:"history_size"`
}

// OracleConfig holds oracle deviation detection thresholds.
type OracleConfig struct {
	WarningPct       float64 `toml:"warning_pct"`
	DangerPct        float64 `toml:"danger_pct"`
	CriticalPct      float64 `toml:"critical_pct"`
	SustainedSeconds float64 `toml:"sustained_seconds"`
	HistorySize      int     `toml:"history_size"`
}

// LiquidationConfig holds liquidation pattern detection thresholds.
type LiquidationConfig struct {
	FlashLoanWindow     duration `toml:"flash_loan_window"`
	FlashLoanMinUSD     float64  `toml:"flash_loan_min_usd"`
	CascadeWindow       duration `toml:"cascade_window"`
	CascadeMinCount     int      `toml:"cascade_min_count"`
	CoordinatedMinCount int      `toml:"coordinated_min_count"`
	CoordinatedMinUSD   float64  `toml:"coordinated_min_usd"`
	Retention           duration `toml:"retention"`
}

// RefPricesConfig holds reference price source parameters.
type RefPricesConfig struct {
	BinanceEnabled  bool     `toml:"binance_enabled"`
	BinanceURL      string   `toml:"binance_url"`
	CoinbaseEnabled bool     `toml:"coinbase_enabled"`
	CoinbaseURL     string   `toml:"coinbase_url"`
	Assets          []string `toml:"assets"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials and alert policy.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	MinSeverity       string   `toml:"min_severity"`
	Cooldown          duration `toml:"cooldown"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the production default values.
func Defaults() Config {
	return Config{
		Hyperliquid: HyperliquidConfig{
			APIURL:       "https://api.hyperliquid.xyz",
			WSURL:        "wss://api.hyperliquid.xyz/ws",
			VaultAddress: "0xdfc24b077bc1425ad1dea75bcb6f8158e10df303",
		},
		Stream: StreamConfig{
			Enabled:            true,
			Assets:             []string{"BTC", "ETH", "SOL"},
			BufferSize:         10000,
			ReconnectBaseDelay: duration{time.Second},
			ReconnectMaxDelay:  duration{60 * time.Second},
		},
		Poll: PollConfig{
			Enabled:       true,
			Interval:      duration{30 * time.Second},
			MaxConcurrent: 10,
			SourceTimeout: duration{10 * time.Second},
			CycleTimeout:  duration{60 * time.Second},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  duration{60 * time.Second},
			SuccessThreshold: 2,
			Window:           duration{5 * time.Minute},
		},
		Vault: VaultConfig{
			CriticalLossUSD:     2_000_000,
			HighLossUSD:         1_000_000,
			SuppressLossUSD:     500_000,
			SigmaThreshold:      3.0,
			DrawdownCriticalPct: 10.0,
			HistorySize:         1000,
		},
		Oracle: OracleConfig{
			WarningPct:       0.3,
			DangerPct:        0.5,
			CriticalPct:      1.0,
			SustainedSeconds: 30,
			HistorySize:      100,
		},
		Liquidation: LiquidationConfig{
			FlashLoanWindow:     duration{10 * time.Second},
			FlashLoanMinUSD:     500_000,
			CascadeWindow:       duration{5 * time.Minute},
			CascadeMinCount:     5,
			CoordinatedMinCount: 3,
			CoordinatedMinUSD:   1_000_000,
			Retention:           duration{time.Hour},
		},
		RefPrices: RefPricesConfig{
			BinanceEnabled:  true,
			BinanceURL:      "https://api.binance.com",
			CoinbaseEnabled: true,
			CoinbaseURL:     "https://api.coinbase.com",
			Assets:          []string{"BTC", "ETH", "SOL"},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "hlsentinel",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   0,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			MinSeverity: "high",
			Cooldown:    duration{5 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"stream": true,
	"poll":   true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validSeverities enumerates the accepted values for Notify.MinSeverity.
var validSeverities = map[string]bool{
	"info":     true,
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: stream, poll, full)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Hyperliquid endpoints.
	if c.Hyperliquid.APIURL == "" {
		errs = append(errs, "hyperliquid: api_url must not be empty")
	}
	streaming := c.Mode == "stream" || (c.Mode == "full" && c.Stream.Enabled)
	if streaming && c.Hyperliquid.WSURL == "" {
		errs = append(errs, "hyperliquid: ws_url must not be empty for mode "+c.Mode)
	}
	polling := c.Mode == "poll" || (c.Mode == "full" && c.Poll.Enabled)
	if polling && c.Hyperliquid.VaultAddress == "" {
		errs = append(errs, "hyperliquid: vault_address must not be empty for mode "+c.Mode)
	}

	// Stream.
	if c.Stream.BufferSize < 1 {
		errs = append(errs, "stream: buffer_size must be >= 1")
	}
	if c.Stream.ReconnectBaseDelay.Duration <= 0 {
		errs = append(errs, "stream: reconnect_base_delay must be > 0")
	}
	if c.Stream.ReconnectMaxDelay.Duration < c.Stream.ReconnectBaseDelay.Duration {
		errs = append(errs, "stream: reconnect_max_delay must be >= reconnect_base_delay")
	}

	// Poll.
	if c.Poll.Interval.Duration <= 0 {
		errs = append(errs, "poll: interval must be > 0")
	}
	if c.Poll.MaxConcurrent < 1 {
		errs = append(errs, "poll: max_concurrent must be >= 1")
	}
	if c.Poll.SourceTimeout.Duration <= 0 {
		errs = append(errs, "poll: source_timeout must be > 0")
	}
	if c.Poll.CycleTimeout.Duration < c.Poll.SourceTimeout.Duration {
		errs = append(errs, "poll: cycle_timeout must be >= source_timeout")
	}

	// Breaker.
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker: failure_threshold must be >= 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		errs = append(errs, "breaker: success_threshold must be >= 1")
	}
	if c.Breaker.RecoveryTimeout.Duration <= 0 {
		errs = append(errs, "breaker: recovery_timeout must be > 0")
	}

	// Detector thresholds must keep their relative ordering.
	if c.Vault.HighLossUSD <= 0 || c.Vault.CriticalLossUSD <= 0 {
		errs = append(errs, "vault: loss thresholds must be > 0")
	}
	if c.Vault.HighLossUSD > c.Vault.CriticalLossUSD {
		errs = append(errs, "vault: high_loss_usd must not exceed critical_loss_usd")
	}
	if c.Vault.SuppressLossUSD > c.Vault.HighLossUSD {
		errs = append(errs, "vault: suppress_loss_usd must not exceed high_loss_usd")
	}
	if !(c.Oracle.WarningPct > 0 && c.Oracle.WarningPct <= c.Oracle.DangerPct && c.Oracle.DangerPct <= c.Oracle.CriticalPct) {
		errs = append(errs, "oracle: thresholds must satisfy 0 < warning_pct <= danger_pct <= critical_pct")
	}
	if c.Oracle.SustainedSeconds < 0 {
		errs = append(errs, "oracle: sustained_seconds must be >= 0")
	}
	if c.Liquidation.FlashLoanWindow.Duration <= 0 {
		errs = append(errs, "liquidation: flash_loan_window must be > 0")
	}
	if c.Liquidation.CascadeMinCount < 2 {
		errs = append(errs, "liquidation: cascade_min_count must be >= 2")
	}
	if c.Liquidation.CoordinatedMinCount < 2 {
		errs = append(errs, "liquidation: coordinated_min_count must be >= 2")
	}
	if c.Liquidation.Retention.Duration < c.Liquidation.CascadeWindow.Duration {
		errs = append(errs, "liquidation: retention must be >= cascade_window")
	}

	// Reference prices: the oracle detector needs at least one source.
	if polling && !c.RefPrices.BinanceEnabled && !c.RefPrices.CoinbaseEnabled {
		errs = append(errs, "ref_prices: at least one source must be enabled for mode "+c.Mode)
	}

	// Postgres.
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis.
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Server.
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify.
	if !validSeverities[strings.ToLower(c.Notify.MinSeverity)] {
		errs = append(errs, fmt.Sprintf("notify: unknown min_severity %q", c.Notify.MinSeverity))
	}
	if (c.Notify.TelegramToken != "") != (c.Notify.TelegramChatID != "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
