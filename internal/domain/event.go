package domain

import "time"

// Severity ranks how urgently a security event needs attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank maps severities onto a total order for comparisons.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is as severe as other or more so.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// ThreatType classifies the category of a detected threat.
type ThreatType string

const (
	ThreatVaultExploitation  ThreatType = "vault_exploitation"
	ThreatOracleManipulation ThreatType = "oracle_manipulation"
	ThreatOracleDeviation    ThreatType = "oracle_deviation"
	ThreatLiquidationAttack  ThreatType = "liquidation_attack"
)

// SecurityEvent is the uniform output record of every detector. Events are
// write-once: once emitted they are handed to the sink and never mutated.
type SecurityEvent struct {
	EventID           string
	Timestamp         time.Time
	Severity          Severity
	ThreatType        ThreatType
	Title             string
	Description       string
	AffectedAssets    []string
	Indicators        map[string]any
	RecommendedAction string
	Source            string
	EstimatedLossUSD  float64
}
