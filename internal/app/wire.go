package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentryfi/hlsentinel/internal/cache/redis"
	"github.com/sentryfi/hlsentinel/internal/config"
	"github.com/sentryfi/hlsentinel/internal/domain"
	"github.com/sentryfi/hlsentinel/internal/notify"
	"github.com/sentryfi/hlsentinel/internal/platform/hyperliquid"
	"github.com/sentryfi/hlsentinel/internal/refprice"
	"github.com/sentryfi/hlsentinel/internal/store/postgres"
)

// Dependencies bundles every external collaborator the application modes need.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Persistence
	EventStore *postgres.EventStore
	Sink       domain.EventSink

	// Caches and coordination
	PriceCache  domain.PriceCache
	AlertGate   domain.AlertGate
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	EventBus    domain.EventBus

	// Exchange and reference APIs
	Exchange   *hyperliquid.Client
	RefSources []refprice.Source

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	deps.EventStore = postgres.NewEventStore(pgClient.Pool())
	deps.Sink = deps.EventStore

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient, 10*time.Minute)
	deps.AlertGate = redis.NewAlertGate(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)

	// --- Exchange and reference price APIs ---
	deps.Exchange = hyperliquid.NewClient(cfg.Hyperliquid.APIURL)

	if cfg.RefPrices.BinanceEnabled {
		deps.RefSources = append(deps.RefSources,
			refprice.NewBinanceClient(cfg.RefPrices.BinanceURL, refprice.DefaultBinanceSymbols()))
	}
	if cfg.RefPrices.CoinbaseEnabled {
		deps.RefSources = append(deps.RefSources,
			refprice.NewCoinbaseClient(cfg.RefPrices.CoinbaseURL, refprice.DefaultCoinbaseSymbols()))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(
		senders,
		domain.Severity(cfg.Notify.MinSeverity),
		deps.AlertGate,
		cfg.Notify.Cooldown.Duration,
		logger,
	)

	return deps, cleanup, nil
}
