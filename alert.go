package surveillance

import "time"

// AlertClassification is the final bucket an alert is sorted into (spec §3).
type AlertClassification string

const (
	ClassificationStrongInsider    AlertClassification = "strong-insider"
	ClassificationHighConfidence   AlertClassification = "high-confidence"
	ClassificationMediumConfidence AlertClassification = "medium-confidence"
	ClassificationLogOnly          AlertClassification = "log-only"
)

// ScoreBreakdown records the composite score's components so an alert's
// provenance can be audited without re-running the scorer.
type ScoreBreakdown struct {
	GatedImpact        float64
	DormancyMagnitude  float64
	SuspiciousFlags    float64
	ConfidenceEnvelope float64
}

// Alert is the persisted record of spec §3, unique per trade id.
type Alert struct {
	TradeID        string
	MarketID       string
	Wallet         string
	Score          float64
	Classification AlertClassification
	Breakdown      ScoreBreakdown
	Timestamp      time.Time
}
