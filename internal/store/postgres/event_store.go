package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// EventStore implements domain.EventSink using PostgreSQL. Event and pattern
// IDs are deterministic per detection, so re-saving the same detection upserts
// instead of duplicating.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// SaveEvent persists one security event, updating on event_id conflict.
func (s *EventStore) SaveEvent(ctx context.Context, event domain.SecurityEvent) error {
	indicators, err := json.Marshal(event.Indicators)
	if err != nil {
		return fmt.Errorf("postgres: marshal indicators: %w", err)
	}

	const query = `
		INSERT INTO security_events (
			event_id, timestamp, severity, threat_type, title, description,
			affected_assets, indicators, recommended_action, source,
			estimated_loss_usd
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO UPDATE SET
			severity = EXCLUDED.severity,
			indicators = EXCLUDED.indicators,
			estimated_loss_usd = EXCLUDED.estimated_loss_usd`

	_, err = s.pool.Exec(ctx, query,
		event.EventID, event.Timestamp, string(event.Severity), string(event.ThreatType),
		event.Title, event.Description, event.AffectedAssets, indicators,
		event.RecommendedAction, event.Source, event.EstimatedLossUSD,
	)
	if err != nil {
		return fmt.Errorf("postgres: save event %s: %w", event.EventID, err)
	}
	return nil
}

// SaveVaultSnapshot persists one vault snapshot.
func (s *EventStore) SaveVaultSnapshot(ctx context.Context, snap domain.VaultSnapshot) error {
	const query = `
		INSERT INTO vault_snapshots (
			timestamp, vault_address, account_value, pnl_24h, pnl_7d, pnl_30d,
			max_drawdown, anomaly_score, is_healthy, health_issues
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		snap.Timestamp, snap.VaultAddress, snap.AccountValue,
		snap.PnL24h, snap.PnL7d, snap.PnL30d,
		snap.MaxDrawdown, snap.AnomalyScore, snap.IsHealthy, snap.HealthIssues,
	)
	if err != nil {
		return fmt.Errorf("postgres: save vault snapshot: %w", err)
	}
	return nil
}

// SaveDeviation persists one oracle deviation record.
func (s *EventStore) SaveDeviation(ctx context.Context, dev domain.OracleDeviation) error {
	refs, err := json.Marshal(dev.ReferencePrices)
	if err != nil {
		return fmt.Errorf("postgres: marshal reference prices: %w", err)
	}

	const query = `
		INSERT INTO oracle_deviations (
			timestamp, asset, venue_price, reference_prices,
			max_deviation_pct, max_deviation_source, duration_seconds,
			is_dangerous, risk_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.pool.Exec(ctx, query,
		dev.Timestamp, dev.Asset, dev.VenuePrice, refs,
		dev.MaxDeviationPct, dev.MaxDeviationSource, dev.DurationSeconds,
		dev.IsDangerous, dev.RiskScore,
	)
	if err != nil {
		return fmt.Errorf("postgres: save deviation %s: %w", dev.Asset, err)
	}
	return nil
}

// SavePattern persists one liquidation pattern, updating on pattern_id
// conflict as the window around a pattern grows.
func (s *EventStore) SavePattern(ctx context.Context, pattern domain.LiquidationPattern) error {
	impact, err := json.Marshal(pattern.PriceImpact)
	if err != nil {
		return fmt.Errorf("postgres: marshal price impact: %w", err)
	}

	const query = `
		INSERT INTO liquidation_patterns (
			pattern_id, timestamp, pattern_type, liquidation_ids,
			total_liquidated_usd, affected_users, duration_seconds,
			assets_involved, price_impact, suspicion_score, indicators
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (pattern_id) DO UPDATE SET
			liquidation_ids = EXCLUDED.liquidation_ids,
			total_liquidated_usd = EXCLUDED.total_liquidated_usd,
			affected_users = EXCLUDED.affected_users,
			duration_seconds = EXCLUDED.duration_seconds,
			price_impact = EXCLUDED.price_impact,
			suspicion_score = EXCLUDED.suspicion_score,
			indicators = EXCLUDED.indicators`

	_, err = s.pool.Exec(ctx, query,
		pattern.PatternID, pattern.Timestamp, string(pattern.PatternType),
		pattern.LiquidationIDs, pattern.TotalLiquidatedUSD, pattern.AffectedUsers,
		pattern.DurationSeconds, pattern.AssetsInvolved, impact,
		pattern.SuspicionScore, pattern.Indicators,
	)
	if err != nil {
		return fmt.Errorf("postgres: save pattern %s: %w", pattern.PatternID, err)
	}
	return nil
}

// ListRecentEvents returns the newest events at or above a severity floor.
func (s *EventStore) ListRecentEvents(ctx context.Context, minSeverity domain.Severity, limit int) ([]domain.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	// Severity is stored as text; rank it in SQL to honor the floor.
	const query = `
		SELECT event_id, timestamp, severity, threat_type, title, description,
			affected_assets, indicators, recommended_action, source,
			estimated_loss_usd
		FROM security_events
		WHERE CASE severity
			WHEN 'critical' THEN 4
			WHEN 'high' THEN 3
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 1
			ELSE 0
		END >= $1
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, severityRank(minSeverity), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent events: %w", err)
	}
	defer rows.Close()

	return scanEventRows(rows)
}

// CountEventsSince returns event counts per severity since the cutoff.
func (s *EventStore) CountEventsSince(ctx context.Context, since time.Time) (map[domain.Severity]int, error) {
	const query = `
		SELECT severity, COUNT(*)
		FROM security_events
		WHERE timestamp >= $1
		GROUP BY severity`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Severity]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("postgres: scan event count: %w", err)
		}
		counts[domain.Severity(severity)] = count
	}
	return counts, rows.Err()
}

func scanEventRows(rows pgx.Rows) ([]domain.SecurityEvent, error) {
	var events []domain.SecurityEvent
	for rows.Next() {
		var ev domain.SecurityEvent
		var severity, threat string
		var indicators []byte
		if err := rows.Scan(
			&ev.EventID, &ev.Timestamp, &severity, &threat, &ev.Title,
			&ev.Description, &ev.AffectedAssets, &indicators,
			&ev.RecommendedAction, &ev.Source, &ev.EstimatedLossUSD,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Severity = domain.Severity(severity)
		ev.ThreatType = domain.ThreatType(threat)
		if len(indicators) > 0 {
			if err := json.Unmarshal(indicators, &ev.Indicators); err != nil {
				return nil, fmt.Errorf("postgres: decode indicators: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 4
	case domain.SeverityHigh:
		return 3
	case domain.SeverityMedium:
		return 2
	case domain.SeverityLow:
		return 1
	default:
		return 0
	}
}
