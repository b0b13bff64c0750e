package monitor

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// OracleConfig holds oracle deviation detection thresholds. Percentages are
// absolute deviations of the venue price from a reference price.
type OracleConfig struct {
	// WarningPct is the smallest deviation worth recording.
	WarningPct float64
	// DangerPct is the deviation at which the sustain clock starts.
	DangerPct float64
	// CriticalPct is the deviation treated as likely manipulation.
	CriticalPct float64
	// SustainedSeconds is how long a dangerous deviation must persist
	// before it alerts.
	SustainedSeconds float64
	// HistorySize bounds the per-asset deviation history.
	HistorySize int
}

// DefaultOracleConfig returns the production thresholds.
func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		WarningPct:       0.3,
		DangerPct:        0.5,
		CriticalPct:      1.0,
		SustainedSeconds: 30,
		HistorySize:      100,
	}
}

// OracleMonitor compares the venue's mid price against independent reference
// prices per asset and flags sustained divergence. Transient spikes below the
// sustain duration never alert; a deviation at or above the critical
// percentage that has been sustained is treated as manipulation.
type OracleMonitor struct {
	cfg    OracleConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	since   map[string]time.Time // asset -> when the dangerous deviation began
	history map[string]*window[domain.OracleDeviation]
}

// NewOracleMonitor creates an oracle monitor. Zero-valued config fields fall
// back to the defaults.
func NewOracleMonitor(cfg OracleConfig, logger *slog.Logger) *OracleMonitor {
	def := DefaultOracleConfig()
	if cfg.WarningPct <= 0 {
		cfg.WarningPct = def.WarningPct
	}
	if cfg.DangerPct <= 0 {
		cfg.DangerPct = def.DangerPct
	}
	if cfg.CriticalPct <= 0 {
		cfg.CriticalPct = def.CriticalPct
	}
	if cfg.SustainedSeconds <= 0 {
		cfg.SustainedSeconds = def.SustainedSeconds
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	return &OracleMonitor{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "oracle_monitor")),
		now:     time.Now,
		since:   make(map[string]time.Time),
		history: make(map[string]*window[domain.OracleDeviation]),
	}
}

// Analyze compares one asset's venue price against the reference prices and
// returns the deviation record plus any security events. A nil deviation
// means the asset is within the warning band; reaching that band also resets
// the asset's sustain clock. References at or below zero are skipped.
func (m *OracleMonitor) Analyze(asset string, venuePrice float64, refs map[string]float64) (*domain.OracleDeviation, []domain.SecurityEvent) {
	if venuePrice <= 0 || len(refs) == 0 {
		return nil, nil
	}

	maxDev := 0.0
	maxSource := ""
	kept := make(map[string]float64, len(refs))
	for source, ref := range refs {
		if ref <= 0 {
			continue
		}
		kept[source] = ref
		dev := math.Abs((venuePrice - ref) / ref * 100)
		if dev > maxDev {
			maxDev = dev
			maxSource = source
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()

	if maxDev < m.cfg.WarningPct {
		delete(m.since, asset)
		return nil, nil
	}

	// The sustain clock runs only while the deviation stays dangerous.
	var duration float64
	if maxDev >= m.cfg.DangerPct {
		started, ok := m.since[asset]
		if !ok {
			started = now
			m.since[asset] = started
		}
		duration = now.Sub(started).Seconds()
	} else {
		delete(m.since, asset)
	}

	dev := domain.OracleDeviation{
		Timestamp:          now,
		Asset:              asset,
		VenuePrice:         venuePrice,
		ReferencePrices:    kept,
		MaxDeviationPct:    maxDev,
		MaxDeviationSource: maxSource,
		DurationSeconds:    duration,
		IsDangerous:        maxDev >= m.cfg.DangerPct && duration >= m.cfg.SustainedSeconds,
		RiskScore:          m.riskScore(maxDev, duration),
	}

	hist, ok := m.history[asset]
	if !ok {
		hist = newWindow[domain.OracleDeviation](m.cfg.HistorySize)
		m.history[asset] = hist
	}
	hist.append(dev)

	var events []domain.SecurityEvent
	if dev.IsDangerous {
		events = append(events, m.deviationEvent(dev))
	}
	return &dev, events
}

// riskScore combines deviation magnitude (up to 60 points) with how long it
// has persisted (up to 40 points).
func (m *OracleMonitor) riskScore(deviationPct, durationSec float64) float64 {
	score := 0.0

	switch {
	case deviationPct >= m.cfg.CriticalPct:
		score += 60
	case deviationPct >= m.cfg.DangerPct:
		score += 40
	default:
		score += (deviationPct / m.cfg.WarningPct) * 20
	}

	switch {
	case durationSec >= 300:
		score += 40
	case durationSec >= 60:
		score += 30
	case durationSec >= m.cfg.SustainedSeconds:
		score += 20
	default:
		score += (durationSec / m.cfg.SustainedSeconds) * 10
	}

	return math.Min(100, score)
}

func (m *OracleMonitor) deviationEvent(dev domain.OracleDeviation) domain.SecurityEvent {
	severity := domain.SeverityHigh
	threat := domain.ThreatOracleDeviation
	if dev.MaxDeviationPct >= m.cfg.CriticalPct {
		severity = domain.SeverityCritical
		threat = domain.ThreatOracleManipulation
	}

	sources := make([]string, 0, len(dev.ReferencePrices))
	for s := range dev.ReferencePrices {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	return domain.SecurityEvent{
		EventID:    eventID("oracle", dev.Timestamp, dev.Asset),
		Timestamp:  dev.Timestamp,
		Severity:   severity,
		ThreatType: threat,
		Title: fmt.Sprintf("Oracle deviation on %s: %.2f%% vs %s for %.0fs",
			dev.Asset, dev.MaxDeviationPct, dev.MaxDeviationSource, dev.DurationSeconds),
		Description: fmt.Sprintf(
			"Venue price $%.2f for %s diverges %.2f%% from %s, sustained for %.0f seconds. "+
				"Risk score %.0f/100.",
			dev.VenuePrice, dev.Asset, dev.MaxDeviationPct, dev.MaxDeviationSource,
			dev.DurationSeconds, dev.RiskScore,
		),
		AffectedAssets: []string{dev.Asset},
		Indicators: map[string]any{
			"venue_price":          dev.VenuePrice,
			"reference_prices":     dev.ReferencePrices,
			"reference_sources":    sources,
			"max_deviation_pct":    dev.MaxDeviationPct,
			"max_deviation_source": dev.MaxDeviationSource,
			"duration_seconds":     dev.DurationSeconds,
			"risk_score":           dev.RiskScore,
		},
		RecommendedAction: "Verify reference feeds, then check liquidations and funding on the affected market.",
		Source:            "oracle_monitor",
	}
}

// ActiveDeviations returns the assets whose sustain clock is currently
// running, for the health surface.
func (m *OracleMonitor) ActiveDeviations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	assets := make([]string, 0, len(m.since))
	for asset := range m.since {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// History returns up to limit recent deviation records for an asset, oldest
// first.
func (m *OracleMonitor) History(asset string, limit int) []domain.OracleDeviation {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist, ok := m.history[asset]
	if !ok {
		return nil
	}
	tail := hist.tail(limit)
	out := make([]domain.OracleDeviation, len(tail))
	copy(out, tail)
	return out
}
