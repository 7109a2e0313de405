// Package ingestion implements the two coordinated trade producers of spec
// §4.G (a push WebSocket subscriber and a pull poller) feeding one logical
// trade stream through a shared normalization, dedup, and queue-submission
// step.
package ingestion

import (
	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
)

// MarketResolver is the narrow registry seam normalization needs: resolve
// an upstream market identifier (token id or condition id) to the market
// record that carries its tier/category and outcome mapping.
type MarketResolver interface {
	ByTokenID(tokenID string) (*surveillance.Market, bool)
	ByConditionID(conditionID string) (*surveillance.Market, bool)
}

// RawTrade is the upstream-agnostic shape both producers reduce their
// wire payloads to before normalization. Exactly one of TokenID or
// ConditionID is expected to resolve to a market; Outcome is derived from
// TokenID when empty.
type RawTrade struct {
	TokenID         string
	ConditionID     string
	Side            string
	Outcome         string
	Price           string
	Size            string
	Taker           string
	Maker           string
	TimestampRaw    int64
	TransactionHash string
}

// Normalize resolves, validates, and canonicalizes a raw trade (spec §4.G):
// resolves the market, determines outcome, parses size/price into decimal
// form, validates 0<=price<=1 and size>0, lowercases addresses, and stamps
// the source tag. Invalid or unresolvable trades return an error; callers
// log and drop them rather than marking them processed, since a later
// data-quality improvement upstream may succeed where this attempt didn't.
func Normalize(resolver MarketResolver, raw RawTrade, source surveillance.TradeSource) (*surveillance.Trade, error) {
	market, outcome, err := resolveMarket(resolver, raw)
	if err != nil {
		return nil, err
	}

	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return nil, &surveillance.UpstreamBadDataError{Upstream: string(source), Reason: "unparseable price: " + raw.Price}
	}
	size, err := decimal.NewFromString(raw.Size)
	if err != nil {
		return nil, &surveillance.UpstreamBadDataError{Upstream: string(source), Reason: "unparseable size: " + raw.Size}
	}

	trade := &surveillance.Trade{
		MarketID:  market.ID,
		Side:      surveillance.TradeSide(raw.Side),
		Outcome:   outcome,
		Size:      size,
		Price:     price,
		Taker:     surveillance.NormalizeAddress(raw.Taker),
		Maker:     surveillance.NormalizeAddress(raw.Maker),
		Timestamp: surveillance.NormalizeTimestamp(raw.TimestampRaw),
		Source:    source,
		TxHash:    raw.TransactionHash,
	}

	if err := trade.Validate(); err != nil {
		return nil, err
	}

	trade.ID = surveillance.NewID()
	return trade, nil
}

func resolveMarket(resolver MarketResolver, raw RawTrade) (*surveillance.Market, surveillance.TradeOutcome, error) {
	var market *surveillance.Market
	var ok bool

	if raw.TokenID != "" {
		market, ok = resolver.ByTokenID(raw.TokenID)
	}
	if !ok && raw.ConditionID != "" {
		market, ok = resolver.ByConditionID(raw.ConditionID)
	}
	if !ok {
		return nil, "", &surveillance.NotFoundError{Entity: "market", Key: raw.TokenID + raw.ConditionID}
	}

	if raw.Outcome != "" {
		return market, surveillance.TradeOutcome(raw.Outcome), nil
	}
	if raw.TokenID == "" {
		return nil, "", &surveillance.UpstreamBadDataError{Upstream: "ingestion", Reason: "no outcome and no token id to derive it from"}
	}
	outcome, ok := market.OutcomeForTokenID(raw.TokenID)
	if !ok {
		return nil, "", &surveillance.UpstreamBadDataError{Upstream: "ingestion", Reason: "token id does not belong to resolved market"}
	}
	return market, surveillance.TradeOutcome(outcome), nil
}
