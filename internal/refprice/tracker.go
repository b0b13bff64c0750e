package refprice

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// Tracker polls every configured reference source on an interval and keeps
// the latest price per source and asset. Each poll also writes through to the
// shared price cache so other processes can read the same references. A
// source that fails a cycle keeps its previous readings until the next one.
type Tracker struct {
	sources  []Source
	assets   []string
	interval time.Duration
	cache    domain.PriceCache
	logger   *slog.Logger

	mu     sync.RWMutex
	latest map[string]map[string]float64 // source -> asset -> price
}

// NewTracker creates a Tracker for the given sources and assets. Cache may be
// nil, which disables write-through.
func NewTracker(sources []Source, assets []string, interval time.Duration, cache domain.PriceCache, logger *slog.Logger) *Tracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Tracker{
		sources:  sources,
		assets:   assets,
		interval: interval,
		cache:    cache,
		logger:   logger.With(slog.String("component", "refprice_tracker")),
		latest:   make(map[string]map[string]float64),
	}
}

// Run polls immediately and then on every interval tick until the context is
// cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	t.Refresh(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Refresh(ctx)
		}
	}
}

// Refresh fetches every source once. Failures are logged and skipped; the
// tracker keeps serving the last good readings.
func (t *Tracker) Refresh(ctx context.Context) {
	now := time.Now().UTC()

	for _, src := range t.sources {
		prices, err := src.Prices(ctx, t.assets)
		if err != nil {
			t.logger.WarnContext(ctx, "reference source fetch failed",
				slog.String("source", src.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}

		t.mu.Lock()
		t.latest[src.Name()] = prices
		t.mu.Unlock()

		if t.cache != nil {
			for asset, price := range prices {
				if err := t.cache.SetPrice(ctx, src.Name(), asset, price, now); err != nil {
					t.logger.WarnContext(ctx, "price cache write failed",
						slog.String("source", src.Name()),
						slog.String("asset", asset),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// Refs returns the latest reference prices for one asset keyed by source
// name. Sources without a reading for the asset are absent.
func (t *Tracker) Refs(asset string) map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]float64, len(t.latest))
	for source, prices := range t.latest {
		if p, ok := prices[asset]; ok && p > 0 {
			out[source] = p
		}
	}
	return out
}

// Snapshot returns a copy of every tracked price, keyed source -> asset.
func (t *Tracker) Snapshot() map[string]map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]map[string]float64, len(t.latest))
	for source, prices := range t.latest {
		out[source] = maps.Clone(prices)
	}
	return out
}
