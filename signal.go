package surveillance

import "github.com/shopspring/decimal"

// ImpactMethod selects the denominator used to turn a trade's USD value
// into a market-relative impact percentage (spec §4.I).
type ImpactMethod string

const (
	MethodLiquidity    ImpactMethod = "liquidity"
	MethodVolume       ImpactMethod = "volume"
	MethodOpenInterest ImpactMethod = "open-interest"
)

// AbsoluteTier is the dollar-value tier ladder used by the hybrid gate.
type AbsoluteTier string

const (
	TierNotable     AbsoluteTier = "notable"
	TierSignificant AbsoluteTier = "significant"
	TierLarge       AbsoluteTier = "large"
	TierWhale       AbsoluteTier = "whale"
	TierNone        AbsoluteTier = ""
)

// Absolute-tier USD thresholds, spec §4.I.
var absoluteTierThresholds = []struct {
	Tier      AbsoluteTier
	USDAmount int64
}{
	{TierWhale, 100_000},
	{TierLarge, 50_000},
	{TierSignificant, 25_000},
	{TierNotable, 10_000},
}

// AbsoluteTierFor returns the highest tier usdValue qualifies for, or
// TierNone if it is below the lowest tier. Boundary values (USD exactly
// equal to a tier) qualify for that tier (spec §8 boundary behavior).
func AbsoluteTierFor(usdValue decimal.Decimal) AbsoluteTier {
	for _, t := range absoluteTierThresholds {
		if usdValue.GreaterThanOrEqual(decimal.NewFromInt(t.USDAmount)) {
			return t.Tier
		}
	}
	return TierNone
}

// GateKind records which gate accepted a trade as a candidate signal.
type GateKind string

const (
	GateRelative GateKind = "relative_impact"
	GateAbsolute GateKind = "absolute_tier"
	GateNone     GateKind = ""
)

// Signal is the derived-from-Trade record of spec §3.
type Signal struct {
	Trade            Trade
	USDValue         decimal.Decimal
	ImpactPercentage decimal.Decimal
	Threshold        decimal.Decimal
	Method           ImpactMethod
	Gate             GateKind
	AbsoluteTier     AbsoluteTier
}

// Passed reports whether the hybrid gate (spec §4.I) accepted this signal.
func (s *Signal) Passed() bool {
	return s.Gate != GateNone
}
