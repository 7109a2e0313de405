package ingestion

import (
	"context"
	"encoding/json"

	surveillance "github.com/marketsentinel/surveillance"
	"github.com/marketsentinel/surveillance/internal/upstream/feed"
)

// FeedClient is the narrow feed seam the push subscriber registers a
// handler on (spec §4.E/§4.G).
type FeedClient interface {
	OnEvent(handler feed.Handler)
}

// PriorityFetcher is invoked when a price-change event suggests a
// condition id is worth an immediate single-market pull, debounced by the
// poller itself (spec §4.G).
type PriorityFetcher interface {
	TriggerPriorityFetch(conditionID string)
}

// tradeEventPayload is the wire shape ingestion expects inside a feed
// "trade" event's raw payload.
type tradeEventPayload struct {
	ConditionID     string `json:"condition_id"`
	Side            string `json:"side"`
	Outcome         string `json:"outcome"`
	Price           string `json:"price"`
	Size            string `json:"size"`
	Taker           string `json:"taker_address"`
	Maker           string `json:"maker_address"`
	Timestamp       int64  `json:"timestamp"`
	TransactionHash string `json:"transaction_hash"`
}

// priceChangePayload is the wire shape ingestion expects inside a feed
// "price_change" event's raw payload; only the condition id is needed to
// trigger a priority fetch.
type priceChangePayload struct {
	ConditionID string `json:"condition_id"`
}

// PushSubscriber registers a handler on the market-feed WebSocket and
// funnels trade events into the shared Coordinator (spec §4.G). Trades
// without a resolvable taker address are dropped: identity is a
// prerequisite for the wallet-forensics stage downstream, so an
// unidentified trade is logged, not queued.
type PushSubscriber struct {
	coordinator *Coordinator
	priority    PriorityFetcher
	logger      surveillance.Logger
	metrics     surveillance.Metrics
}

// NewPushSubscriber wires client's events into coordinator. priority may
// be nil; when set, price-change events trigger a debounced single-market
// pull.
func NewPushSubscriber(client FeedClient, coordinator *Coordinator, priority PriorityFetcher, logger surveillance.Logger, metrics surveillance.Metrics) *PushSubscriber {
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	p := &PushSubscriber{coordinator: coordinator, priority: priority, logger: logger, metrics: metrics}
	client.OnEvent(p.handle)
	return p
}

func (p *PushSubscriber) handle(ev feed.Event) {
	switch ev.Type {
	case feed.EventTrade:
		p.handleTrade(ev)
	case feed.EventPriceChange:
		p.handlePriceChange(ev)
	default:
		// book, tick_size_change, last_trade_price are not ingestion
		// inputs; other subsystems (orderbook cache) may register their
		// own handlers on the same feed client.
	}
}

func (p *PushSubscriber) handleTrade(ev feed.Event) {
	var payload tradeEventPayload
	if err := json.Unmarshal(ev.Raw, &payload); err != nil {
		p.logger.Warn("unparseable trade event", "error", err)
		return
	}
	if payload.Taker == "" {
		p.logger.Info("dropping push trade with no resolvable taker", "asset_id", ev.AssetID, "condition_id", payload.ConditionID)
		return
	}

	raw := RawTrade{
		TokenID:         ev.AssetID,
		ConditionID:     payload.ConditionID,
		Side:            payload.Side,
		Outcome:         payload.Outcome,
		Price:           payload.Price,
		Size:            payload.Size,
		Taker:           payload.Taker,
		Maker:           payload.Maker,
		TimestampRaw:    payload.Timestamp,
		TransactionHash: payload.TransactionHash,
	}
	p.coordinator.Ingest(context.Background(), raw, surveillance.SourcePush)
}

func (p *PushSubscriber) handlePriceChange(ev feed.Event) {
	if p.priority == nil {
		return
	}
	var payload priceChangePayload
	if err := json.Unmarshal(ev.Raw, &payload); err != nil || payload.ConditionID == "" {
		return
	}
	p.priority.TriggerPriorityFetch(payload.ConditionID)
}
