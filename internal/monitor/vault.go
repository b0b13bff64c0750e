package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// VaultConfig holds vault health detection thresholds.
type VaultConfig struct {
	// CriticalLossUSD is the 24h loss that raises a critical event.
	CriticalLossUSD float64
	// HighLossUSD is the 24h loss that raises a high-severity event.
	HighLossUSD float64
	// SuppressLossUSD is the loss floor below which low-score snapshots
	// raise no events at all.
	SuppressLossUSD float64
	// SigmaThreshold is the z-score beyond which a PnL reading is a
	// statistical anomaly.
	SigmaThreshold float64
	// DrawdownCriticalPct is the peak-to-trough drawdown that raises an event.
	DrawdownCriticalPct float64
	// HistorySize bounds the retained snapshot history.
	HistorySize int
	// StatsMinHistory is the minimum history length before statistical
	// anomaly checks run.
	StatsMinHistory int
}

// DefaultVaultConfig returns the production thresholds.
func DefaultVaultConfig() VaultConfig {
	return VaultConfig{
		CriticalLossUSD:     2_000_000,
		HighLossUSD:         1_000_000,
		SuppressLossUSD:     500_000,
		SigmaThreshold:      3.0,
		DrawdownCriticalPct: 10.0,
		HistorySize:         1000,
		StatsMinHistory:     100,
	}
}

// VaultMonitor detects exploitation of a market-making vault: large short-term
// losses, abnormal drawdowns, and PnL readings far outside the historical
// distribution. It keeps a bounded snapshot history per instance; one monitor
// watches one vault.
type VaultMonitor struct {
	cfg    VaultConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	history *window[domain.VaultSnapshot]
}

// NewVaultMonitor creates a vault monitor. Zero-valued config fields fall back
// to the defaults.
func NewVaultMonitor(cfg VaultConfig, logger *slog.Logger) *VaultMonitor {
	def := DefaultVaultConfig()
	if cfg.CriticalLossUSD <= 0 {
		cfg.CriticalLossUSD = def.CriticalLossUSD
	}
	if cfg.HighLossUSD <= 0 {
		cfg.HighLossUSD = def.HighLossUSD
	}
	if cfg.SuppressLossUSD <= 0 {
		cfg.SuppressLossUSD = def.SuppressLossUSD
	}
	if cfg.SigmaThreshold <= 0 {
		cfg.SigmaThreshold = def.SigmaThreshold
	}
	if cfg.DrawdownCriticalPct <= 0 {
		cfg.DrawdownCriticalPct = def.DrawdownCriticalPct
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.StatsMinHistory <= 0 {
		cfg.StatsMinHistory = def.StatsMinHistory
	}
	return &VaultMonitor{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "vault_monitor")),
		now:     time.Now,
		history: newWindow[domain.VaultSnapshot](cfg.HistorySize),
	}
}

// BuildSnapshot derives a vault snapshot from an account value series. The
// series must be ordered oldest to newest; PnL windows measure the change from
// the oldest point inside each window to the latest point.
func BuildSnapshot(vaultAddress string, points []domain.AccountValuePoint, now time.Time) domain.VaultSnapshot {
	snap := domain.VaultSnapshot{
		Timestamp:    now,
		VaultAddress: vaultAddress,
		IsHealthy:    true,
	}
	if len(points) == 0 {
		return snap
	}

	snap.AccountValue = points[len(points)-1].AccountValue
	snap.PnL24h = pnlOver(points, now, 24*time.Hour)
	snap.PnL7d = pnlOver(points, now, 7*24*time.Hour)
	snap.PnL30d = pnlOver(points, now, 30*24*time.Hour)
	snap.MaxDrawdown = maxDrawdownPct(points)
	return snap
}

func pnlOver(points []domain.AccountValuePoint, now time.Time, span time.Duration) float64 {
	if len(points) < 2 {
		return 0
	}
	cutoff := now.Add(-span)
	current := points[len(points)-1].AccountValue
	start := current
	for _, p := range points {
		if !p.Timestamp.Before(cutoff) {
			start = p.AccountValue
			break
		}
	}
	return current - start
}

func maxDrawdownPct(points []domain.AccountValuePoint) float64 {
	if len(points) < 2 {
		return 0
	}
	peak := points[0].AccountValue
	maxDD := 0.0
	for _, p := range points {
		if p.AccountValue > peak {
			peak = p.AccountValue
		}
		if peak > 0 {
			dd := (peak - p.AccountValue) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD * 100
}

// Analyze appends the snapshot to the history, scores it, and returns the
// enriched snapshot together with any security events. Snapshots whose
// anomaly score stays under 30 with a 24h loss under the suppression floor
// raise no events.
func (m *VaultMonitor) Analyze(snap domain.VaultSnapshot) (domain.VaultSnapshot, []domain.SecurityEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// History timestamps are strictly increasing. A replayed or out-of-order
	// snapshot would skew the z-score baseline, so it is dropped unscored.
	if last, ok := m.history.last(); ok && !snap.Timestamp.After(last.Timestamp) {
		m.logger.Warn("out-of-order vault snapshot dropped",
			slog.String("vault", snap.VaultAddress),
			slog.Time("snapshot_ts", snap.Timestamp),
			slog.Time("latest_ts", last.Timestamp),
		)
		return snap, nil
	}

	m.history.append(snap)

	var events []domain.SecurityEvent

	loss := -snap.PnL24h
	switch {
	case loss >= m.cfg.CriticalLossUSD:
		events = append(events, m.largeLossEvent(snap, domain.SeverityCritical))
	case loss >= m.cfg.HighLossUSD:
		events = append(events, m.largeLossEvent(snap, domain.SeverityHigh))
	}

	if snap.MaxDrawdown > m.cfg.DrawdownCriticalPct {
		events = append(events, m.drawdownEvent(snap))
	}

	if m.history.len() >= m.cfg.StatsMinHistory {
		if ev, ok := m.statisticalAnomaly(snap); ok {
			events = append(events, ev)
		}
	}

	snap.AnomalyScore = m.anomalyScoreLocked(snap)
	if snap.AnomalyScore >= 70 {
		snap.IsHealthy = false
		snap.HealthIssues = append(snap.HealthIssues, "high anomaly score")
		events = append(events, m.anomalyScoreEvent(snap))
	}

	// Benign noise: small loss and low score never alert.
	if snap.AnomalyScore < 30 && loss < m.cfg.SuppressLossUSD {
		if len(events) > 0 {
			m.logger.Debug("suppressed low-signal events",
				slog.Int("count", len(events)),
				slog.Float64("anomaly_score", snap.AnomalyScore),
			)
		}
		return snap, nil
	}

	return snap, events
}

// anomalyScoreLocked combines three components into a 0-100 score: loss
// magnitude (40), drawdown (30), and volatility relative to the recent PnL
// baseline (30).
func (m *VaultMonitor) anomalyScoreLocked(snap domain.VaultSnapshot) float64 {
	score := 0.0

	if snap.PnL24h < 0 {
		lossRatio := -snap.PnL24h / m.cfg.CriticalLossUSD
		score += math.Min(40, lossRatio*40)
	}

	if snap.MaxDrawdown > 0 {
		ddRatio := snap.MaxDrawdown / m.cfg.DrawdownCriticalPct
		score += math.Min(30, ddRatio*30)
	}

	if m.history.len() >= 10 {
		recent := m.history.tail(10)
		sum := 0.0
		for _, s := range recent {
			sum += math.Abs(s.PnL24h)
		}
		avg := sum / float64(len(recent))
		if avg > 0 {
			ratio := math.Abs(snap.PnL24h) / (avg * 2)
			score += math.Min(30, ratio*30)
		}
	}

	return math.Min(100, score)
}

func (m *VaultMonitor) statisticalAnomaly(snap domain.VaultSnapshot) (domain.SecurityEvent, bool) {
	recent := m.history.tail(m.cfg.StatsMinHistory)
	pnls := make([]float64, len(recent))
	for i, s := range recent {
		pnls[i] = s.PnL24h
	}

	mean, std := meanStd(pnls)
	if std == 0 {
		return domain.SecurityEvent{}, false
	}

	z := (snap.PnL24h - mean) / std
	if math.Abs(z) <= m.cfg.SigmaThreshold {
		return domain.SecurityEvent{}, false
	}

	severity := domain.SeverityMedium
	if math.Abs(z) > 4 {
		severity = domain.SeverityHigh
	}

	return domain.SecurityEvent{
		EventID:    eventID("statistical_anomaly", snap.Timestamp, snap.VaultAddress),
		Timestamp:  snap.Timestamp,
		Severity:   severity,
		ThreatType: domain.ThreatVaultExploitation,
		Title:      fmt.Sprintf("Vault statistical anomaly: %.1f sigma deviation", math.Abs(z)),
		Description: fmt.Sprintf(
			"24h PnL of $%.0f is %.1f standard deviations from the historical mean.",
			snap.PnL24h, math.Abs(z),
		),
		AffectedAssets: []string{snap.VaultAddress},
		Indicators: map[string]any{
			"z_score":  z,
			"pnl_24h":  snap.PnL24h,
			"mean_pnl": mean,
			"std_pnl":  std,
		},
		RecommendedAction: "Investigate the cause of the unusual PnL. Review recent liquidations and trades.",
		Source:            "vault_monitor",
	}, true
}

func (m *VaultMonitor) largeLossEvent(snap domain.VaultSnapshot, severity domain.Severity) domain.SecurityEvent {
	loss := -snap.PnL24h
	return domain.SecurityEvent{
		EventID:    eventID("large_loss", snap.Timestamp, snap.VaultAddress),
		Timestamp:  snap.Timestamp,
		Severity:   severity,
		ThreatType: domain.ThreatVaultExploitation,
		Title:      fmt.Sprintf("Vault large loss detected: $%.0f", loss),
		Description: fmt.Sprintf(
			"The vault lost $%.0f over the last 24 hours. This may indicate exploitation, "+
				"market manipulation, or extreme market conditions.",
			loss,
		),
		AffectedAssets: []string{snap.VaultAddress},
		Indicators: map[string]any{
			"pnl_24h":       snap.PnL24h,
			"pnl_7d":        snap.PnL7d,
			"account_value": snap.AccountValue,
			"max_drawdown":  snap.MaxDrawdown,
		},
		RecommendedAction: "Consider pausing vault deposits. Investigate recent large liquidations " +
			"and check for coordinated attacks or oracle manipulation.",
		Source:           "vault_monitor",
		EstimatedLossUSD: loss,
	}
}

func (m *VaultMonitor) drawdownEvent(snap domain.VaultSnapshot) domain.SecurityEvent {
	return domain.SecurityEvent{
		EventID:    eventID("drawdown", snap.Timestamp, snap.VaultAddress),
		Timestamp:  snap.Timestamp,
		Severity:   domain.SeverityHigh,
		ThreatType: domain.ThreatVaultExploitation,
		Title:      fmt.Sprintf("Vault excessive drawdown: %.1f%%", snap.MaxDrawdown),
		Description: fmt.Sprintf(
			"The vault is %.1f%% below its peak value, outside normal operating parameters.",
			snap.MaxDrawdown,
		),
		AffectedAssets: []string{snap.VaultAddress},
		Indicators: map[string]any{
			"max_drawdown_pct": snap.MaxDrawdown,
			"account_value":    snap.AccountValue,
			"pnl_24h":          snap.PnL24h,
		},
		RecommendedAction: "Monitor closely. Review recent market making activity and liquidations.",
		Source:            "vault_monitor",
	}
}

func (m *VaultMonitor) anomalyScoreEvent(snap domain.VaultSnapshot) domain.SecurityEvent {
	return domain.SecurityEvent{
		EventID:    eventID("anomaly_score", snap.Timestamp, snap.VaultAddress),
		Timestamp:  snap.Timestamp,
		Severity:   domain.SeverityCritical,
		ThreatType: domain.ThreatVaultExploitation,
		Title:      fmt.Sprintf("Vault anomaly score %.0f/100", snap.AnomalyScore),
		Description: fmt.Sprintf(
			"Combined loss, drawdown, and volatility scoring places the vault at %.0f/100.",
			snap.AnomalyScore,
		),
		AffectedAssets: []string{snap.VaultAddress},
		Indicators: map[string]any{
			"anomaly_score": snap.AnomalyScore,
			"pnl_24h":       snap.PnL24h,
			"max_drawdown":  snap.MaxDrawdown,
		},
		RecommendedAction: "Cross-check loss, drawdown, and oracle alerts before acting.",
		Source:            "vault_monitor",
	}
}

// HistoryLen reports the number of retained snapshots.
func (m *VaultMonitor) HistoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.len()
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	std = math.Sqrt(ss / float64(len(xs)-1))
	return mean, std
}

// eventID derives a stable identifier so the same detection in the same cycle
// upserts rather than duplicates downstream.
func eventID(kind string, ts time.Time, scope string) string {
	sum := sha256.Sum256([]byte(kind + "_" + ts.UTC().Format(time.RFC3339Nano) + "_" + scope))
	return kind[:min(3, len(kind))] + "-" + hex.EncodeToString(sum[:])[:16]
}
