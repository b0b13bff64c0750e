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

// LiquidationConfig holds liquidation clustering thresholds.
type LiquidationConfig struct {
	// FlashLoanWindow is the burst window for flash-loan style liquidations.
	FlashLoanWindow time.Duration
	// FlashLoanMinUSD is the burst notional below which a window is ignored.
	FlashLoanMinUSD float64
	// CascadeWindow is the span a cascade must fit inside.
	CascadeWindow time.Duration
	// CascadeMinCount is the minimum liquidations for a cascade.
	CascadeMinCount int
	// CoordinatedMinCount is the minimum same-user liquidations for a
	// coordinated pattern.
	CoordinatedMinCount int
	// CoordinatedMinUSD is the minimum same-user total notional.
	CoordinatedMinUSD float64
	// Retention bounds how long liquidations stay in the rolling window.
	Retention time.Duration
}

// DefaultLiquidationConfig returns the production thresholds.
func DefaultLiquidationConfig() LiquidationConfig {
	return LiquidationConfig{
		FlashLoanWindow:     10 * time.Second,
		FlashLoanMinUSD:     500_000,
		CascadeWindow:       5 * time.Minute,
		CascadeMinCount:     5,
		CoordinatedMinCount: 3,
		CoordinatedMinUSD:   1_000_000,
		Retention:           time.Hour,
	}
}

// LiquidationAnalyzer clusters recent liquidations into suspicious patterns:
// flash-loan bursts, per-asset cascades with declining prices, and repeated
// large liquidations of the same user. It keeps a bounded rolling window of
// recent liquidations across Analyze calls.
type LiquidationAnalyzer struct {
	cfg    LiquidationConfig
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	recent []domain.Liquidation
}

// NewLiquidationAnalyzer creates a liquidation analyzer. Zero-valued config
// fields fall back to the defaults.
func NewLiquidationAnalyzer(cfg LiquidationConfig, logger *slog.Logger) *LiquidationAnalyzer {
	def := DefaultLiquidationConfig()
	if cfg.FlashLoanWindow <= 0 {
		cfg.FlashLoanWindow = def.FlashLoanWindow
	}
	if cfg.FlashLoanMinUSD <= 0 {
		cfg.FlashLoanMinUSD = def.FlashLoanMinUSD
	}
	if cfg.CascadeWindow <= 0 {
		cfg.CascadeWindow = def.CascadeWindow
	}
	if cfg.CascadeMinCount <= 0 {
		cfg.CascadeMinCount = def.CascadeMinCount
	}
	if cfg.CoordinatedMinCount <= 0 {
		cfg.CoordinatedMinCount = def.CoordinatedMinCount
	}
	if cfg.CoordinatedMinUSD <= 0 {
		cfg.CoordinatedMinUSD = def.CoordinatedMinUSD
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &LiquidationAnalyzer{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "liquidation_analyzer")),
		now:    time.Now,
	}
}

// Analyze ingests newly observed liquidations into the rolling window and
// returns every qualifying pattern plus security events for patterns whose
// suspicion score exceeds 70.
func (a *LiquidationAnalyzer) Analyze(liqs []domain.Liquidation) ([]domain.LiquidationPattern, []domain.SecurityEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.recent = append(a.recent, liqs...)
	a.pruneLocked()

	var patterns []domain.LiquidationPattern
	patterns = append(patterns, a.detectFlashLoans(liqs)...)
	patterns = append(patterns, a.detectCascades(a.recent)...)
	patterns = append(patterns, a.detectCoordinated(a.recent)...)

	var events []domain.SecurityEvent
	for _, p := range patterns {
		if p.SuspicionScore > 70 {
			events = append(events, a.patternEvent(p))
		}
	}

	if len(patterns) > 0 {
		a.logger.Info("liquidation patterns detected",
			slog.Int("liquidations", len(liqs)),
			slog.Int("patterns", len(patterns)),
			slog.Int("events", len(events)),
		)
	}
	return patterns, events
}

func (a *LiquidationAnalyzer) pruneLocked() {
	cutoff := a.now().Add(-a.cfg.Retention)
	kept := a.recent[:0]
	for _, liq := range a.recent {
		if liq.Timestamp.After(cutoff) {
			kept = append(kept, liq)
		}
	}
	a.recent = kept
}

// detectFlashLoans buckets the new liquidations into fixed burst windows and
// flags any bucket whose total notional reaches the flash-loan floor.
func (a *LiquidationAnalyzer) detectFlashLoans(liqs []domain.Liquidation) []domain.LiquidationPattern {
	windowSec := int64(a.cfg.FlashLoanWindow.Seconds())
	buckets := make(map[int64][]domain.Liquidation)
	for _, liq := range liqs {
		key := liq.Timestamp.Unix() / windowSec
		buckets[key] = append(buckets[key], liq)
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var patterns []domain.LiquidationPattern
	for _, key := range keys {
		bucket := buckets[key]
		total := totalUSD(bucket)
		if total < a.cfg.FlashLoanMinUSD {
			continue
		}
		patterns = append(patterns, a.flashLoanPattern(time.Unix(key*windowSec, 0).UTC(), bucket, total))
	}
	return patterns
}

func (a *LiquidationAnalyzer) flashLoanPattern(windowStart time.Time, liqs []domain.Liquidation, total float64) domain.LiquidationPattern {
	byAsset := groupByAsset(liqs)

	impact := make(map[string]float64, len(byAsset))
	for asset, assetLiqs := range byAsset {
		if len(assetLiqs) >= 2 {
			lo, hi := priceRange(assetLiqs)
			if lo > 0 {
				impact[asset] = (hi - lo) / lo * 100
			}
			continue
		}
		// Single liquidation: estimate impact from size.
		switch size := assetLiqs[0].AmountUSD; {
		case size > 1_000_000:
			impact[asset] = 1.5
		case size > 500_000:
			impact[asset] = 1.0
		default:
			impact[asset] = 0.5
		}
	}

	var indicators []string
	if total > 2_000_000 {
		indicators = append(indicators, fmt.Sprintf("very large amount: $%.0f", total))
	}
	if len(liqs) == 1 {
		indicators = append(indicators, "single large liquidation in short window")
	}
	if len(byAsset) > 3 {
		indicators = append(indicators, fmt.Sprintf("multiple assets affected: %d", len(byAsset)))
	}

	return domain.LiquidationPattern{
		PatternID:          eventID("flash_loan", windowStart, fmt.Sprintf("%d", len(liqs))),
		Timestamp:          windowStart,
		PatternType:        domain.PatternFlashLoan,
		LiquidationIDs:     ids(liqs),
		TotalLiquidatedUSD: total,
		AffectedUsers:      userCount(liqs),
		DurationSeconds:    a.cfg.FlashLoanWindow.Seconds(),
		AssetsInvolved:     assetList(byAsset),
		PriceImpact:        impact,
		SuspicionScore:     a.flashLoanSuspicion(len(liqs), total),
		Indicators:         indicators,
	}
}

func (a *LiquidationAnalyzer) flashLoanSuspicion(count int, total float64) float64 {
	score := 0.0

	switch {
	case total > 5_000_000:
		score += 50
	case total > 2_000_000:
		score += 40
	case total > 1_000_000:
		score += 30
	default:
		score += (total / a.cfg.FlashLoanMinUSD) * 20
	}

	if count == 1 && total > 2_000_000 {
		score += 30
	}

	// Everything here already happened inside the burst window.
	score += 20

	return math.Min(100, score)
}

// detectCascades looks for domino liquidations: enough fills in one asset
// inside the cascade window with prices mostly declining in time order.
func (a *LiquidationAnalyzer) detectCascades(liqs []domain.Liquidation) []domain.LiquidationPattern {
	byAsset := groupByAsset(liqs)
	var patterns []domain.LiquidationPattern
	for _, asset := range assetList(byAsset) {
		assetLiqs := byAsset[asset]
		if len(assetLiqs) < a.cfg.CascadeMinCount {
			continue
		}

		sort.Slice(assetLiqs, func(i, j int) bool {
			return assetLiqs[i].Timestamp.Before(assetLiqs[j].Timestamp)
		})

		span := assetLiqs[len(assetLiqs)-1].Timestamp.Sub(assetLiqs[0].Timestamp)
		if span > a.cfg.CascadeWindow {
			continue
		}

		declining := 0
		for i := 1; i < len(assetLiqs); i++ {
			if assetLiqs[i].Price < assetLiqs[i-1].Price {
				declining++
			}
		}
		if float64(declining)/float64(len(assetLiqs)-1) < 0.7 {
			continue
		}

		patterns = append(patterns, a.cascadePattern(asset, assetLiqs, span))
	}
	return patterns
}

func (a *LiquidationAnalyzer) cascadePattern(asset string, liqs []domain.Liquidation, span time.Duration) domain.LiquidationPattern {
	total := totalUSD(liqs)
	lo, hi := priceRange(liqs)
	impactPct := 0.0
	if lo > 0 {
		impactPct = (hi - lo) / lo * 100
	}

	score := a.cascadeSuspicion(len(liqs), total, impactPct)

	indicators := []string{
		fmt.Sprintf("%d liquidations in %.0f seconds", len(liqs), span.Seconds()),
		fmt.Sprintf("price moved %.2f%%", impactPct),
		fmt.Sprintf("total liquidated: $%.0f", total),
	}

	return domain.LiquidationPattern{
		PatternID:          eventID("cascade", liqs[0].Timestamp, asset),
		Timestamp:          liqs[0].Timestamp,
		PatternType:        domain.PatternCascade,
		LiquidationIDs:     ids(liqs),
		TotalLiquidatedUSD: total,
		AffectedUsers:      userCount(liqs),
		DurationSeconds:    span.Seconds(),
		AssetsInvolved:     []string{asset},
		PriceImpact:        map[string]float64{asset: impactPct},
		SuspicionScore:     score,
		Indicators:         indicators,
	}
}

func (a *LiquidationAnalyzer) cascadeSuspicion(count int, total, impactPct float64) float64 {
	score := 0.0
	score += math.Min(30, float64(count)/10*30)
	score += math.Min(40, total/5_000_000*40)
	if impactPct > 5.0 {
		score += 30
	} else {
		score += impactPct / 5.0 * 30
	}
	return math.Min(100, score)
}

// detectCoordinated flags users liquidated repeatedly for a large combined
// notional, a signature of self-liquidation games and related attacks.
func (a *LiquidationAnalyzer) detectCoordinated(liqs []domain.Liquidation) []domain.LiquidationPattern {
	byUser := make(map[string][]domain.Liquidation)
	for _, liq := range liqs {
		if liq.User == "" {
			continue
		}
		byUser[liq.User] = append(byUser[liq.User], liq)
	}

	users := make([]string, 0, len(byUser))
	for user := range byUser {
		users = append(users, user)
	}
	sort.Strings(users)

	var patterns []domain.LiquidationPattern
	for _, user := range users {
		userLiqs := byUser[user]
		if len(userLiqs) < a.cfg.CoordinatedMinCount {
			continue
		}
		total := totalUSD(userLiqs)
		if total < a.cfg.CoordinatedMinUSD {
			continue
		}
		patterns = append(patterns, a.coordinatedPattern(user, userLiqs, total))
	}
	return patterns
}

func (a *LiquidationAnalyzer) coordinatedPattern(user string, liqs []domain.Liquidation, total float64) domain.LiquidationPattern {
	first, last := liqs[0].Timestamp, liqs[0].Timestamp
	for _, liq := range liqs[1:] {
		if liq.Timestamp.Before(first) {
			first = liq.Timestamp
		}
		if liq.Timestamp.After(last) {
			last = liq.Timestamp
		}
	}
	byAsset := groupByAsset(liqs)

	score := a.coordinatedSuspicion(len(liqs), total)

	indicators := []string{
		fmt.Sprintf("same user liquidated %d times", len(liqs)),
		fmt.Sprintf("total loss: $%.0f", total),
		fmt.Sprintf("across %d assets", len(byAsset)),
	}

	return domain.LiquidationPattern{
		PatternID:          eventID("coordinated", first, user),
		Timestamp:          first,
		PatternType:        domain.PatternCoordinated,
		LiquidationIDs:     ids(liqs),
		TotalLiquidatedUSD: total,
		AffectedUsers:      1,
		DurationSeconds:    last.Sub(first).Seconds(),
		AssetsInvolved:     assetList(byAsset),
		PriceImpact:        map[string]float64{},
		SuspicionScore:     score,
		Indicators:         indicators,
	}
}

func (a *LiquidationAnalyzer) coordinatedSuspicion(count int, total float64) float64 {
	score := 0.0
	score += math.Min(50, float64(count)/5*50)
	score += math.Min(50, total/3_000_000*50)
	return math.Min(100, score)
}

func (a *LiquidationAnalyzer) patternEvent(p domain.LiquidationPattern) domain.SecurityEvent {
	severity := domain.SeverityHigh
	if p.SuspicionScore >= 90 {
		severity = domain.SeverityCritical
	}

	return domain.SecurityEvent{
		EventID:    p.PatternID,
		Timestamp:  p.Timestamp,
		Severity:   severity,
		ThreatType: domain.ThreatLiquidationAttack,
		Title: fmt.Sprintf("Suspicious %s liquidation pattern: $%.0f",
			p.PatternType, p.TotalLiquidatedUSD),
		Description: fmt.Sprintf(
			"%d liquidations totaling $%.0f match a %s pattern. Suspicion score %.0f/100.",
			len(p.LiquidationIDs), p.TotalLiquidatedUSD, p.PatternType, p.SuspicionScore,
		),
		AffectedAssets: p.AssetsInvolved,
		Indicators: map[string]any{
			"pattern_type":         string(p.PatternType),
			"liquidation_count":    len(p.LiquidationIDs),
			"total_liquidated_usd": p.TotalLiquidatedUSD,
			"duration_seconds":     p.DurationSeconds,
			"price_impact":         p.PriceImpact,
			"suspicion_score":      p.SuspicionScore,
			"notes":                p.Indicators,
		},
		RecommendedAction: "Review the liquidated positions and the accounts on the other side of the fills.",
		Source:            "liquidation_analyzer",
		EstimatedLossUSD:  p.TotalLiquidatedUSD,
	}
}

// WindowLen reports the number of liquidations in the rolling window.
func (a *LiquidationAnalyzer) WindowLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.recent)
}

func totalUSD(liqs []domain.Liquidation) float64 {
	total := 0.0
	for _, liq := range liqs {
		total += liq.AmountUSD
	}
	return total
}

func ids(liqs []domain.Liquidation) []string {
	out := make([]string, len(liqs))
	for i, liq := range liqs {
		out[i] = liq.LiquidationID
	}
	return out
}

func userCount(liqs []domain.Liquidation) int {
	users := make(map[string]struct{})
	for _, liq := range liqs {
		if liq.User != "" {
			users[liq.User] = struct{}{}
		}
	}
	return len(users)
}

func groupByAsset(liqs []domain.Liquidation) map[string][]domain.Liquidation {
	byAsset := make(map[string][]domain.Liquidation)
	for _, liq := range liqs {
		if liq.Asset == "" {
			continue
		}
		byAsset[liq.Asset] = append(byAsset[liq.Asset], liq)
	}
	return byAsset
}

func assetList(byAsset map[string][]domain.Liquidation) []string {
	assets := make([]string, 0, len(byAsset))
	for asset := range byAsset {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

func priceRange(liqs []domain.Liquidation) (lo, hi float64) {
	lo, hi = liqs[0].Price, liqs[0].Price
	for _, liq := range liqs[1:] {
		if liq.Price < lo {
			lo = liq.Price
		}
		if liq.Price > hi {
			hi = liq.Price
		}
	}
	return lo, hi
}
