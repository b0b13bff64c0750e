package monitor

import (
	"testing"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

type oracleClock struct {
	t time.Time
}

func (c *oracleClock) now() time.Time          { return c.t }
func (c *oracleClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newOracleForTest() (*OracleMonitor, *oracleClock) {
	m := NewOracleMonitor(OracleConfig{}, testLogger())
	clock := &oracleClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clock.now
	return m, clock
}

func TestOracleSustainedDeviationAlerts(t *testing.T) {
	m, clock := newOracleForTest()
	refs := map[string]float64{"binance": 43_000, "coinbase": 43_260}

	// First observation starts the sustain clock; no alert yet.
	dev, events := m.Analyze("BTC", 43_250, refs)
	if dev == nil {
		t.Fatal("deviation should be recorded")
	}
	if dev.MaxDeviationSource != "binance" {
		t.Fatalf("max deviation source = %s, want binance", dev.MaxDeviationSource)
	}
	if dev.IsDangerous || len(events) != 0 {
		t.Fatalf("fresh deviation must not alert: dangerous=%v events=%d", dev.IsDangerous, len(events))
	}

	clock.advance(31 * time.Second)

	dev, events = m.Analyze("BTC", 43_250, refs)
	if !dev.IsDangerous {
		t.Fatal("deviation sustained past 30s should be dangerous")
	}
	if dev.DurationSeconds != 31 {
		t.Fatalf("duration = %f, want 31", dev.DurationSeconds)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if !ev.Severity.AtLeast(domain.SeverityHigh) {
		t.Fatalf("severity = %s, want at least high", ev.Severity)
	}
	if ev.ThreatType != domain.ThreatOracleDeviation {
		t.Fatalf("threat = %s, want oracle_deviation", ev.ThreatType)
	}
	if got := ev.Indicators["max_deviation_source"]; got != "binance" {
		t.Fatalf("max_deviation_source = %v, want binance", got)
	}
}

func TestOracleCriticalManipulation(t *testing.T) {
	m, clock := newOracleForTest()
	refs := map[string]float64{"binance": 43_000}

	m.Analyze("BTC", 43_500, refs) // 1.16% deviation
	clock.advance(31 * time.Second)
	dev, events := m.Analyze("BTC", 43_500, refs)

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Severity != domain.SeverityCritical {
		t.Fatalf("severity = %s, want critical", events[0].Severity)
	}
	if events[0].ThreatType != domain.ThreatOracleManipulation {
		t.Fatalf("threat = %s, want oracle_manipulation", events[0].ThreatType)
	}
	if dev.RiskScore < 80 {
		t.Fatalf("risk score = %f, want >= 80", dev.RiskScore)
	}
}

func TestOracleTransientSpikeNeverAlerts(t *testing.T) {
	m, _ := newOracleForTest()

	dev, events := m.Analyze("ETH", 3_100, map[string]float64{"coinbase": 3_000})

	if dev == nil || !approx(dev.MaxDeviationPct, 100.0/30.0, 1e-9) {
		t.Fatalf("deviation = %+v, want ~3.33%%", dev)
	}
	if len(events) != 0 {
		t.Fatalf("transient spike raised %d events, want 0", len(events))
	}
}

func TestOracleSustainClockResets(t *testing.T) {
	m, clock := newOracleForTest()
	refs := map[string]float64{"binance": 43_000}

	m.Analyze("BTC", 43_250, refs) // dangerous, clock starts
	clock.advance(10 * time.Second)

	// Back inside the warning band: clock clears.
	if dev, _ := m.Analyze("BTC", 43_000, refs); dev != nil {
		t.Fatalf("in-band price recorded a deviation: %+v", dev)
	}

	clock.advance(40 * time.Second)
	dev, events := m.Analyze("BTC", 43_250, refs)
	if dev.DurationSeconds != 0 {
		t.Fatalf("duration = %f, want 0 after reset", dev.DurationSeconds)
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0 after reset", len(events))
	}
}

func TestOracleWarningBandRecordsWithoutClock(t *testing.T) {
	m, _ := newOracleForTest()

	dev, events := m.Analyze("BTC", 43_172, map[string]float64{"binance": 43_000}) // 0.4%

	if dev == nil {
		t.Fatal("warning-band deviation should be recorded")
	}
	if dev.IsDangerous || len(events) != 0 {
		t.Fatal("warning-band deviation must not alert")
	}
	if len(m.ActiveDeviations()) != 0 {
		t.Fatal("warning-band deviation must not start the sustain clock")
	}
}

func TestOracleIgnoresUnusableReferences(t *testing.T) {
	m, _ := newOracleForTest()

	if dev, _ := m.Analyze("BTC", 43_000, map[string]float64{"bad": 0, "worse": -5}); dev != nil {
		t.Fatalf("unusable references produced a deviation: %+v", dev)
	}
	if dev, _ := m.Analyze("BTC", 0, map[string]float64{"binance": 43_000}); dev != nil {
		t.Fatalf("zero venue price produced a deviation: %+v", dev)
	}
}

func TestOracleHistory(t *testing.T) {
	m, clock := newOracleForTest()
	refs := map[string]float64{"binance": 43_000}

	for i := 0; i < 3; i++ {
		m.Analyze("BTC", 43_250, refs)
		clock.advance(time.Second)
	}

	hist := m.History("BTC", 10)
	if len(hist) != 3 {
		t.Fatalf("history = %d, want 3", len(hist))
	}
	if !hist[0].Timestamp.Before(hist[2].Timestamp) {
		t.Fatal("history must be ordered oldest first")
	}
	if m.History("DOGE", 10) != nil {
		t.Fatal("unknown asset should have no history")
	}
}
