package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Hyperliquid.MonitoredAddresses != nil {
		out.Hyperliquid.MonitoredAddresses = append([]string(nil), cfg.Hyperliquid.MonitoredAddresses...)
	}
	if cfg.Stream.Assets != nil {
		out.Stream.Assets = append([]string(nil), cfg.Stream.Assets...)
	}
	if cfg.RefPrices.Assets != nil {
		out.RefPrices.Assets = append([]string(nil), cfg.RefPrices.Assets...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
