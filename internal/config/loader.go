package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies HLSENTINEL_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known HLSENTINEL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Hyperliquid ──
	setStr(&cfg.Hyperliquid.APIURL, "HLSENTINEL_HYPERLIQUID_API_URL")
	setStr(&cfg.Hyperliquid.WSURL, "HLSENTINEL_HYPERLIQUID_WS_URL")
	setStr(&cfg.Hyperliquid.VaultAddress, "HLSENTINEL_HYPERLIQUID_VAULT_ADDRESS")
	setStringSlice(&cfg.Hyperliquid.MonitoredAddresses, "HLSENTINEL_HYPERLIQUID_MONITORED_ADDRESSES")

	// ── Stream ──
	setBool(&cfg.Stream.Enabled, "HLSENTINEL_STREAM_ENABLED")
	setStringSlice(&cfg.Stream.Assets, "HLSENTINEL_STREAM_ASSETS")
	setInt(&cfg.Stream.BufferSize, "HLSENTINEL_STREAM_BUFFER_SIZE")
	setDuration(&cfg.Stream.ReconnectBaseDelay, "HLSENTINEL_STREAM_RECONNECT_BASE_DELAY")
	setDuration(&cfg.Stream.ReconnectMaxDelay, "HLSENTINEL_STREAM_RECONNECT_MAX_DELAY")

	// ── Poll ──
	setBool(&cfg.Poll.Enabled, "HLSENTINEL_POLL_ENABLED")
	setDuration(&cfg.Poll.Interval, "HLSENTINEL_POLL_INTERVAL")
	setInt(&cfg.Poll.MaxConcurrent, "HLSENTINEL_POLL_MAX_CONCURRENT")
	setDuration(&cfg.Poll.SourceTimeout, "HLSENTINEL_POLL_SOURCE_TIMEOUT")
	setDuration(&cfg.Poll.CycleTimeout, "HLSENTINEL_POLL_CYCLE_TIMEOUT")

	// ── Breaker ──
	setInt(&cfg.Breaker.FailureThreshold, "HLSENTINEL_BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.RecoveryTimeout, "HLSENTINEL_BREAKER_RECOVERY_TIMEOUT")
	setInt(&cfg.Breaker.SuccessThreshold, "HLSENTINEL_BREAKER_SUCCESS_THRESHOLD")
	setDuration(&cfg.Breaker.Window, "HLSENTINEL_BREAKER_WINDOW")

	// ── Detector thresholds ──
	setFloat64(&cfg.Vault.CriticalLossUSD, "HLSENTINEL_VAULT_CRITICAL_LOSS_USD")
	setFloat64(&cfg.Vault.HighLossUSD, "HLSENTINEL_VAULT_HIGH_LOSS_USD")
	setFloat64(&cfg.Vault.SuppressLossUSD, "HLSENTINEL_VAULT_SUPPRESS_LOSS_USD")
	setFloat64(&cfg.Vault.SigmaThreshold, "HLSENTINEL_VAULT_SIGMA_THRESHOLD")
	setFloat64(&cfg.Vault.DrawdownCriticalPct, "HLSENTINEL_VAULT_DRAWDOWN_CRITICAL_PCT")
	setFloat64(&cfg.Oracle.WarningPct, "HLSENTINEL_ORACLE_WARNING_PCT")
	setFloat64(&cfg.Oracle.DangerPct, "HLSENTINEL_ORACLE_DANGER_PCT")
	setFloat64(&cfg.Oracle.CriticalPct, "HLSENTINEL_ORACLE_CRITICAL_PCT")
	setFloat64(&cfg.Oracle.SustainedSeconds, "HLSENTINEL_ORACLE_SUSTAINED_SECONDS")
	setDuration(&cfg.Liquidation.FlashLoanWindow, "HLSENTINEL_LIQUIDATION_FLASH_LOAN_WINDOW")
	setFloat64(&cfg.Liquidation.FlashLoanMinUSD, "HLSENTINEL_LIQUIDATION_FLASH_LOAN_MIN_USD")
	setDuration(&cfg.Liquidation.CascadeWindow, "HLSENTINEL_LIQUIDATION_CASCADE_WINDOW")
	setInt(&cfg.Liquidation.CascadeMinCount, "HLSENTINEL_LIQUIDATION_CASCADE_MIN_COUNT")
	setInt(&cfg.Liquidation.CoordinatedMinCount, "HLSENTINEL_LIQUIDATION_COORDINATED_MIN_COUNT")
	setFloat64(&cfg.Liquidation.CoordinatedMinUSD, "HLSENTINEL_LIQUIDATION_COORDINATED_MIN_USD")
	setDuration(&cfg.Liquidation.Retention, "HLSENTINEL_LIQUIDATION_RETENTION")

	// ── Reference prices ──
	setBool(&cfg.RefPrices.BinanceEnabled, "HLSENTINEL_REF_PRICES_BINANCE_ENABLED")
	setStr(&cfg.RefPrices.BinanceURL, "HLSENTINEL_REF_PRICES_BINANCE_URL")
	setBool(&cfg.RefPrices.CoinbaseEnabled, "HLSENTINEL_REF_PRICES_COINBASE_ENABLED")
	setStr(&cfg.RefPrices.CoinbaseURL, "HLSENTINEL_REF_PRICES_COINBASE_URL")
	setStringSlice(&cfg.RefPrices.Assets, "HLSENTINEL_REF_PRICES_ASSETS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "HLSENTINEL_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "HLSENTINEL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "HLSENTINEL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "HLSENTINEL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "HLSENTINEL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "HLSENTINEL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "HLSENTINEL_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "HLSENTINEL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "HLSENTINEL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "HLSENTINEL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "HLSENTINEL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "HLSENTINEL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HLSENTINEL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "HLSENTINEL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "HLSENTINEL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "HLSENTINEL_REDIS_TLS_ENABLED")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "HLSENTINEL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "HLSENTINEL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "HLSENTINEL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "HLSENTINEL_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "HLSENTINEL_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "HLSENTINEL_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "HLSENTINEL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "HLSENTINEL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "HLSENTINEL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.MinSeverity, "HLSENTINEL_NOTIFY_MIN_SEVERITY")
	setDuration(&cfg.Notify.Cooldown, "HLSENTINEL_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "HLSENTINEL_MODE")
	setStr(&cfg.LogLevel, "HLSENTINEL_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
