package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

func newAnalyzerForTest(at time.Time) *LiquidationAnalyzer {
	a := NewLiquidationAnalyzer(LiquidationConfig{}, testLogger())
	a.now = func() time.Time { return at }
	return a
}

func liq(id, user, asset string, usd, price float64, at time.Time) domain.Liquidation {
	return domain.Liquidation{
		LiquidationID: id,
		User:          user,
		Asset:         asset,
		Side:          "LONG",
		Size:          usd / price,
		Price:         price,
		AmountUSD:     usd,
		Timestamp:     at,
	}
}

func TestFlashLoanBurstDetected(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)
	a := newAnalyzerForTest(at)

	liqs := []domain.Liquidation{
		liq("l1", "0xa", "BTC", 250_000, 43_000, at),
		liq("l2", "0xb", "BTC", 250_000, 42_950, at),
		liq("l3", "0xc", "BTC", 250_000, 42_900, at),
	}

	patterns, events := a.Analyze(liqs)

	if len(patterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(patterns))
	}
	p := patterns[0]
	if p.PatternType != domain.PatternFlashLoan {
		t.Fatalf("pattern type = %s, want flash_loan", p.PatternType)
	}
	if p.TotalLiquidatedUSD != 750_000 {
		t.Fatalf("total = %f, want 750000", p.TotalLiquidatedUSD)
	}
	if p.AffectedUsers != 3 {
		t.Fatalf("affected users = %d, want 3", p.AffectedUsers)
	}
	// $750k across three fills is notable but below the alert bar.
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
}

func TestSingleSmallLiquidationNoPattern(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := newAnalyzerForTest(at)

	patterns, events := a.Analyze([]domain.Liquidation{
		liq("l1", "0xa", "ETH", 50_000, 3_000, at),
	})

	if len(patterns) != 0 || len(events) != 0 {
		t.Fatalf("patterns = %d events = %d, want none", len(patterns), len(events))
	}
}

func TestSingleHugeLiquidationAlerts(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := newAnalyzerForTest(at)

	patterns, events := a.Analyze([]domain.Liquidation{
		liq("l1", "0xwhale", "BTC", 3_000_000, 43_000, at),
	})

	if len(patterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(patterns))
	}
	if patterns[0].SuspicionScore < 90 {
		t.Fatalf("suspicion = %f, want >= 90", patterns[0].SuspicionScore)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Severity != domain.SeverityCritical {
		t.Fatalf("severity = %s, want critical", ev.Severity)
	}
	if ev.ThreatType != domain.ThreatLiquidationAttack {
		t.Fatalf("threat = %s, want liquidation_attack", ev.ThreatType)
	}
	if ev.EstimatedLossUSD != 3_000_000 {
		t.Fatalf("estimated loss = %f, want 3000000", ev.EstimatedLossUSD)
	}
}

func TestCascadeDetected(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := newAnalyzerForTest(start.Add(4 * time.Minute))

	var liqs []domain.Liquidation
	prices := []float64{3_000, 2_990, 2_980, 2_970, 2_960}
	for i, price := range prices {
		liqs = append(liqs, liq(
			fmt.Sprintf("l%d", i),
			fmt.Sprintf("0xuser%d", i),
			"ETH",
			300_000,
			price,
			start.Add(time.Duration(i)*time.Minute),
		))
	}

	patterns, _ := a.Analyze(liqs)

	var cascade *domain.LiquidationPattern
	for i := range patterns {
		if patterns[i].PatternType == domain.PatternCascade {
			cascade = &patterns[i]
		}
	}
	if cascade == nil {
		t.Fatalf("no cascade among %d patterns", len(patterns))
	}
	if cascade.TotalLiquidatedUSD != 1_500_000 {
		t.Fatalf("total = %f, want 1500000", cascade.TotalLiquidatedUSD)
	}
	wantImpact := (3_000.0 - 2_960.0) / 2_960.0 * 100
	if !approx(cascade.PriceImpact["ETH"], wantImpact, 1e-9) {
		t.Fatalf("price impact = %f, want %f", cascade.PriceImpact["ETH"], wantImpact)
	}
	if cascade.DurationSeconds != 240 {
		t.Fatalf("duration = %f, want 240", cascade.DurationSeconds)
	}
}

func TestCascadeRequiresDecliningPrices(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := newAnalyzerForTest(start.Add(4 * time.Minute))

	// Five liquidations, but prices rising: not a cascade.
	var liqs []domain.Liquidation
	for i, price := range []float64{2_960, 2_970, 2_980, 2_990, 3_000} {
		liqs = append(liqs, liq(
			fmt.Sprintf("l%d", i),
			fmt.Sprintf("0xuser%d", i),
			"ETH",
			100_000,
			price,
			start.Add(time.Duration(i)*time.Minute),
		))
	}

	patterns, _ := a.Analyze(liqs)
	for _, p := range patterns {
		if p.PatternType == domain.PatternCascade {
			t.Fatal("rising prices classified as a cascade")
		}
	}
}

func TestCoordinatedDetected(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := newAnalyzerForTest(start.Add(3 * time.Minute))

	liqs := []domain.Liquidation{
		liq("l1", "0xwhale", "BTC", 400_000, 43_000, start),
		liq("l2", "0xwhale", "ETH", 400_000, 3_000, start.Add(time.Minute)),
		liq("l3", "0xwhale", "SOL", 400_000, 150, start.Add(2*time.Minute)),
	}

	patterns, _ := a.Analyze(liqs)

	var coordinated *domain.LiquidationPattern
	for i := range patterns {
		if patterns[i].PatternType == domain.PatternCoordinated {
			coordinated = &patterns[i]
		}
	}
	if coordinated == nil {
		t.Fatalf("no coordinated pattern among %d patterns", len(patterns))
	}
	if coordinated.AffectedUsers != 1 {
		t.Fatalf("affected users = %d, want 1", coordinated.AffectedUsers)
	}
	if coordinated.TotalLiquidatedUSD != 1_200_000 {
		t.Fatalf("total = %f, want 1200000", coordinated.TotalLiquidatedUSD)
	}
	if len(coordinated.AssetsInvolved) != 3 {
		t.Fatalf("assets = %v, want 3", coordinated.AssetsInvolved)
	}
}

func TestLiquidationWindowPruned(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := newAnalyzerForTest(start)

	a.Analyze([]domain.Liquidation{liq("l1", "0xa", "BTC", 50_000, 43_000, start)})
	if a.WindowLen() != 1 {
		t.Fatalf("window = %d, want 1", a.WindowLen())
	}

	a.now = func() time.Time { return start.Add(2 * time.Hour) }
	a.Analyze(nil)
	if a.WindowLen() != 0 {
		t.Fatalf("window = %d, want 0 after retention", a.WindowLen())
	}
}
