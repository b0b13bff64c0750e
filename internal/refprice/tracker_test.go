package refprice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	name   string
	prices map[string]float64
	err    error
	calls  int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Prices(ctx context.Context, assets []string) (map[string]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.prices, nil
}

type recordedPrice struct {
	source string
	asset  string
	price  float64
}

type fakeCache struct {
	mu     sync.Mutex
	writes []recordedPrice
}

func (c *fakeCache) SetPrice(ctx context.Context, source, asset string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, recordedPrice{source, asset, price})
	return nil
}

func (c *fakeCache) GetPrice(ctx context.Context, source, asset string) (float64, time.Time, error) {
	return 0, time.Time{}, errors.New("not implemented")
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestTrackerRefsMergesSources(t *testing.T) {
	binance := &fakeSource{name: "binance", prices: map[string]float64{"BTC": 43000, "ETH": 3000}}
	coinbase := &fakeSource{name: "coinbase", prices: map[string]float64{"BTC": 43010}}

	tr := NewTracker([]Source{binance, coinbase}, []string{"BTC", "ETH"}, time.Minute, nil, testLogger())
	tr.Refresh(context.Background())

	refs := tr.Refs("BTC")
	if refs["binance"] != 43000 || refs["coinbase"] != 43010 {
		t.Fatalf("BTC refs = %v", refs)
	}

	refs = tr.Refs("ETH")
	if len(refs) != 1 || refs["binance"] != 3000 {
		t.Fatalf("ETH refs = %v", refs)
	}
}

func TestTrackerKeepsLastGoodOnFailure(t *testing.T) {
	src := &fakeSource{name: "binance", prices: map[string]float64{"BTC": 43000}}
	tr := NewTracker([]Source{src}, []string{"BTC"}, time.Minute, nil, testLogger())

	tr.Refresh(context.Background())
	if refs := tr.Refs("BTC"); refs["binance"] != 43000 {
		t.Fatalf("refs after first refresh = %v", refs)
	}

	src.err = errors.New("503")
	tr.Refresh(context.Background())
	if refs := tr.Refs("BTC"); refs["binance"] != 43000 {
		t.Fatalf("failed refresh should keep last reading, got %v", refs)
	}
	if src.calls != 2 {
		t.Fatalf("calls = %d, want 2", src.calls)
	}
}

func TestTrackerSkipsNonPositivePrices(t *testing.T) {
	src := &fakeSource{name: "binance", prices: map[string]float64{"BTC": 0, "ETH": -1, "SOL": 150}}
	tr := NewTracker([]Source{src}, []string{"BTC", "ETH", "SOL"}, time.Minute, nil, testLogger())
	tr.Refresh(context.Background())

	if refs := tr.Refs("BTC"); len(refs) != 0 {
		t.Fatalf("zero price should be absent, got %v", refs)
	}
	if refs := tr.Refs("ETH"); len(refs) != 0 {
		t.Fatalf("negative price should be absent, got %v", refs)
	}
	if refs := tr.Refs("SOL"); refs["binance"] != 150 {
		t.Fatalf("SOL refs = %v", refs)
	}
}

func TestTrackerWritesThroughToCache(t *testing.T) {
	src := &fakeSource{name: "coinbase", prices: map[string]float64{"BTC": 43010}}
	cache := &fakeCache{}

	tr := NewTracker([]Source{src}, []string{"BTC"}, time.Minute, cache, testLogger())
	tr.Refresh(context.Background())

	if len(cache.writes) != 1 {
		t.Fatalf("cache writes = %d, want 1", len(cache.writes))
	}
	got := cache.writes[0]
	if got.source != "coinbase" || got.asset != "BTC" || got.price != 43010 {
		t.Fatalf("cache write = %+v", got)
	}
}

func TestTrackerSnapshotIsACopy(t *testing.T) {
	src := &fakeSource{name: "binance", prices: map[string]float64{"BTC": 43000}}
	tr := NewTracker([]Source{src}, []string{"BTC"}, time.Minute, nil, testLogger())
	tr.Refresh(context.Background())

	snap := tr.Snapshot()
	snap["binance"]["BTC"] = 1

	if refs := tr.Refs("BTC"); refs["binance"] != 43000 {
		t.Fatalf("mutating a snapshot leaked into the tracker: %v", refs)
	}
}
