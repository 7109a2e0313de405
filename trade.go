package surveillance

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide is the taker's side of a fill.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeOutcome is the outcome-token leg a trade is denominated in.
type TradeOutcome string

const (
	OutcomeYes TradeOutcome = "yes"
	OutcomeNo  TradeOutcome = "no"
)

// TradeSource records which producer (4.G) observed the trade first. Pull is
// authoritative; push is a latency advantage used only to trigger a
// priority fetch (Design Notes §9) — push-sourced trades still flow through
// the same Trade type once normalized, they just arrive sooner.
type TradeSource string

const (
	SourcePush TradeSource = "push"
	SourcePull TradeSource = "pull"
)

// Trade is the normalized, venue-agnostic fill record of spec §3.
type Trade struct {
	ID       string       `json:"id"`
	MarketID string       `json:"market_id"`
	Side     TradeSide    `json:"side"`
	Outcome  TradeOutcome `json:"outcome"`
	// Size is denominated in outcome-token units at 6 decimal places.
	Size decimal.Decimal `json:"size"`
	// Price is a probability in [0, 1].
	Price decimal.Decimal `json:"price"`
	// Taker is the wallet of interest: lowercased 20-byte hex, "0x" + 40 hex chars.
	Taker string `json:"taker"`
	// Maker is populated when the upstream reports both legs of the fill
	// (CLOB trades as maker and as taker, 4.E); empty otherwise.
	Maker     string      `json:"maker,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Source    TradeSource `json:"source"`
	// TxHash, when present, is the preferred dedup key component (4.G).
	TxHash string `json:"tx_hash,omitempty"`
}

const addressHexLength = 42 // "0x" + 40 hex chars

// Validate enforces the invariants of spec §3/§8 invariant 1:
// 0 <= price <= 1, size > 0, and address length is exactly 42 chars.
func (t *Trade) Validate() error {
	if t.Price.LessThan(decimal.Zero) || t.Price.GreaterThan(decimal.NewFromInt(1)) {
		return &InvalidInputError{Field: "Price", Value: t.Price.String(), Reason: "must be in [0, 1]"}
	}
	if !t.Size.GreaterThan(decimal.Zero) {
		return &InvalidInputError{Field: "Size", Value: t.Size.String(), Reason: "must be > 0"}
	}
	if len(t.Taker) != addressHexLength {
		return &InvalidInputError{Field: "Taker", Value: t.Taker, Reason: "must be 42-char 0x-prefixed hex"}
	}
	return nil
}

// USDValue returns size * price, the canonical trade value used throughout
// the impact and scoring pipeline.
func (t *Trade) USDValue() decimal.Decimal {
	return t.Size.Mul(t.Price)
}

// NormalizeAddress lowercases a hex address the way every ingest path must
// before the address is used as a dedup key, wallet-fingerprint cache key,
// or flag-computation input.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// DedupKey returns the stable key used by the Dedup Store (4.D): tx hash
// when present (trades that share a hash are the same fill observed twice),
// else "timestamp|address" (spec §4.G).
func (t *Trade) DedupKey() string {
	if t.TxHash != "" {
		return "tx:" + strings.ToLower(t.TxHash)
	}
	return "ts:" + t.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + t.Taker
}

// TimestampMillis returns the trade timestamp as a millisecond epoch, the
// wire representation spec §3 specifies.
func (t *Trade) TimestampMillis() int64 {
	return t.Timestamp.UnixMilli()
}

// NormalizeTimestamp converts a raw epoch value of ambiguous unit (seconds
// vs. milliseconds — spec §4.G and the boundary test in §8) into a
// time.Time. Values below the threshold are treated as seconds; this
// threshold (10^12) is past any plausible millisecond value for a
// seconds-epoch and well before any plausible second value for a
// milliseconds-epoch for the foreseeable future.
func NormalizeTimestamp(raw int64) time.Time {
	const secondsVsMillisThreshold = 1_000_000_000_000
	if raw < secondsVsMillisThreshold {
		return time.Unix(raw, 0).UTC()
	}
	return time.UnixMilli(raw).UTC()
}
