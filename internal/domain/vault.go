package domain

import "time"

// AccountValuePoint is one timestamped observation of a vault's account value.
type AccountValuePoint struct {
	Timestamp    time.Time
	AccountValue float64
}

// VaultSnapshot is a single timestamped observation of a monitored vault.
// Snapshots are appended to a bounded rolling history per vault address and
// are never mutated after creation.
type VaultSnapshot struct {
	Timestamp    time.Time
	VaultAddress string
	AccountValue float64
	PnL24h       float64
	PnL7d        float64
	PnL30d       float64
	MaxDrawdown  float64 // percentage of peak, 0 when unknown
	AnomalyScore float64 // 0..100
	IsHealthy    bool
	HealthIssues []string
}
