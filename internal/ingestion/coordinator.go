package ingestion

import (
	"context"

	surveillance "github.com/marketsentinel/surveillance"
)

// Deduper is the narrow Dedup Store seam (spec §4.D) both producers share:
// a trade is tested before being queued and marked only after the queue
// accepts it (spec §4.G: "marking-as-processed happens only after the
// queue accepts the item").
type Deduper interface {
	Contains(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// QueueSubmitter is the narrow Trade Queue seam (spec §4.H).
type QueueSubmitter interface {
	Submit(trade surveillance.Trade) bool
	IsUnderPressure() bool
}

// Coordinator is the shared normalization/dedup/submit pipeline spec §4.G
// describes as the funnel both the push subscriber and the pull poller
// feed into.
type Coordinator struct {
	resolver MarketResolver
	dedup    Deduper
	queue    QueueSubmitter
	stats    surveillance.StatsIncrementer
	logger   surveillance.Logger
	metrics  surveillance.Metrics
}

// NewCoordinator builds the shared ingest funnel.
func NewCoordinator(resolver MarketResolver, dedup Deduper, queue QueueSubmitter, stats surveillance.StatsIncrementer, logger surveillance.Logger, metrics surveillance.Metrics) *Coordinator {
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	return &Coordinator{resolver: resolver, dedup: dedup, queue: queue, stats: stats, logger: logger, metrics: metrics}
}

// Ingest normalizes raw, checks it against the dedup store, and submits it
// to the queue if new (spec §4.G). It returns nothing, whether the trade was
// accepted, deduped, or invalid — errors from this path are terminal per
// item, never propagated to the caller, and are instead logged/counted.
func (c *Coordinator) Ingest(ctx context.Context, raw RawTrade, source surveillance.TradeSource) {
	trade, err := Normalize(c.resolver, raw, source)
	if err != nil {
		c.logger.Warn("dropping invalid trade", "source", source, "error", err)
		c.incr("filtered_invalid_trade")
		return
	}

	dup, err := c.dedup.Contains(ctx, trade.DedupKey())
	if err != nil {
		c.logger.Warn("dedup check failed, proceeding to avoid losing the trade", "trade_id", trade.ID, "error", err)
	} else if dup {
		c.incr("trades_deduped")
		return
	}

	if !c.queue.Submit(*trade) {
		c.incr("filtered_queue_full")
		return
	}

	if err := c.dedup.Mark(ctx, trade.DedupKey()); err != nil {
		c.logger.Warn("dedup mark failed after successful submit", "trade_id", trade.ID, "error", err)
	}
	c.incr("trades_ingested")
}

func (c *Coordinator) incr(name string) {
	if c.stats != nil {
		c.stats.Increment(name)
	}
}
