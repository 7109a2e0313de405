package surveillance

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConfidenceLevel is the aggregate confidence bucket for a wallet
// fingerprint (spec §3).
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceNone   ConfidenceLevel = "none"
)

// ForensicsPath records which data path produced a fingerprint: the
// indexer-first path, or the on-chain fallback (spec §4.J).
type ForensicsPath string

const (
	PathIndexer ForensicsPath = "indexer"
	PathOnChain ForensicsPath = "on_chain"
)

// WalletFlags are the six boolean signals spec §4.J computes. All are
// independent; aggregation into "suspicious" happens in forensics, not here.
type WalletFlags struct {
	LowTradeCount      bool
	YoungAccount       bool
	LowVolume          bool
	HighConcentration  bool
	FreshFatBet        bool
	LowDiversification bool
}

// Count returns how many flags are set, used by the suspicious-wallet
// aggregation thresholds (>=2 indexer path, >=3 on-chain path).
func (f WalletFlags) Count() int {
	n := 0
	for _, v := range []bool{f.LowTradeCount, f.YoungAccount, f.LowVolume, f.HighConcentration, f.FreshFatBet, f.LowDiversification} {
		if v {
			n++
		}
	}
	return n
}

// ConfidenceEnvelope is the calibration record spec §3/§4.J describes:
// independent scores feeding a single 0-100 aggregate.
type ConfidenceEnvelope struct {
	DataCompleteness   float64
	CrossSourceConsistency float64
	Freshness          float64
	Reliability        float64
	Score              int // 0-100
	Level              ConfidenceLevel
}

// WalletFingerprint is the per-address forensic record of spec §3.
type WalletFingerprint struct {
	Address              string
	LifetimeTradeCount    int
	LifetimeUSDVolume     decimal.Decimal
	AccountAgeDays        *int // nil means unknown, not zero (spec §8 boundary behavior)
	ConcentrationPct      float64
	MarketsTraded         int
	Flags                 WalletFlags
	Confidence            ConfidenceEnvelope
	Path                  ForensicsPath
	ComputedAt            time.Time
	CachedUntil           time.Time
}

// Suspicious reports whether the flag count clears the path-dependent
// threshold spec §4.J sets (>=2 for indexer path, >=3 for on-chain path).
func (w *WalletFingerprint) Suspicious() bool {
	if w.Path == PathOnChain {
		return w.Flags.Count() >= 3
	}
	return w.Flags.Count() >= 2
}

// LevelForScore maps a calibrated 0-100 confidence score to a bucket per
// spec §4.J: >=75 high, >=40 medium, >0 low, else none.
func LevelForScore(score int) ConfidenceLevel {
	switch {
	case score >= 75:
		return ConfidenceHigh
	case score >= 40:
		return ConfidenceMedium
	case score > 0:
		return ConfidenceLow
	default:
		return ConfidenceNone
	}
}
