package domain

import "time"

// Liquidation is a single observed liquidation fill.
type Liquidation struct {
	LiquidationID string
	User          string
	Asset         string
	Side          string // "LONG" or "SHORT"
	Size          float64
	Price         float64
	AmountUSD     float64
	Timestamp     time.Time
}

// PatternType classifies a cluster of liquidations.
type PatternType string

const (
	PatternFlashLoan    PatternType = "flash_loan"
	PatternCascade      PatternType = "cascade"
	PatternManipulation PatternType = "manipulation"
	PatternCoordinated  PatternType = "coordinated"
)

// LiquidationPattern is emitted when a clustering window over recent
// liquidations yields a qualifying pattern. Immutable once emitted.
type LiquidationPattern struct {
	PatternID          string
	Timestamp          time.Time
	PatternType        PatternType
	LiquidationIDs     []string
	TotalLiquidatedUSD float64
	AffectedUsers      int
	DurationSeconds    float64
	AssetsInvolved     []string
	PriceImpact        map[string]float64 // asset -> pct
	SuspicionScore     float64            // 0..100
	Indicators         []string
}
