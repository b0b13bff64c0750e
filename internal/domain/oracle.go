package domain

import "time"

// OracleDeviation records a discrepancy between the venue's mid price and one
// or more independent reference prices for the same asset. One is created per
// detection cycle; DurationSeconds tracks how long the deviation has persisted
// across consecutive cycles for the same asset.
type OracleDeviation struct {
	Timestamp          time.Time
	Asset              string
	VenuePrice         float64
	ReferencePrices    map[string]float64 // source -> price
	MaxDeviationPct    float64
	MaxDeviationSource string
	DurationSeconds    float64
	IsDangerous        bool
	RiskScore          float64 // 0..100
}
