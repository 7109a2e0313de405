package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
	"github.com/marketsentinel/surveillance/internal/upstream/marketdata"
)

const (
	// priorityFetchDebounce is the minimum interval between priority
	// fetches for the same condition id (spec §4.G).
	priorityFetchDebounce = 15 * time.Second

	// defaultBatchSize bounds how many condition ids are queried per
	// market-data request in one poll cycle.
	defaultBatchSize = 25

	// baseInterBatchDelay is the pacing delay between batches in a
	// healthy poll cycle; it widens adaptively when upstream pressure is
	// observed (spec §4.G).
	baseInterBatchDelay = 200 * time.Millisecond
	maxInterBatchDelay  = 5 * time.Second
)

// ConditionSource supplies the registry's complete set of monitored
// condition ids for the pull poller to sweep (spec §4.F/§4.G).
type ConditionSource interface {
	ConditionIDs() []string
}

// BackoffChecker lets the poller skip a cycle when the market-data rate
// limiter is already backing off, rather than adding to the pressure
// (spec §4.G).
type BackoffChecker interface {
	IsBackingOff(upstream string) bool
}

// TradeFetcher is the narrow market-data seam the poller pulls from.
type TradeFetcher interface {
	TradesForConditions(ctx context.Context, conditionIDs []string, minUSD decimal.Decimal, limit int) ([]marketdata.Trade, error)
}

// PollerConfig holds the tunables spec §6 exposes for the pull poller.
type PollerConfig struct {
	Interval             time.Duration
	StartupGrace         time.Duration
	MaxTradeAge          time.Duration
	MinTradeUSDPrefilter decimal.Decimal
	BatchSize            int
	FetchLimit           int
}

// Poller is the pull producer of spec §4.G: a periodic sweep of recent
// trades across every monitored condition id, plus on-demand priority
// fetches triggered by the push subscriber's price-change observations.
type Poller struct {
	fetcher     TradeFetcher
	conditions  ConditionSource
	queue       QueueSubmitter
	backoff     BackoffChecker
	coordinator *Coordinator
	config      PollerConfig
	logger      surveillance.Logger
	metrics     surveillance.Metrics

	lastPriorityMu sync.Mutex
	lastPriority   map[string]time.Time
}

// NewPoller builds a pull poller against fetcher, sweeping conditions'
// complete set every config.Interval.
func NewPoller(fetcher TradeFetcher, conditions ConditionSource, queue QueueSubmitter, backoff BackoffChecker, coordinator *Coordinator, config PollerConfig, logger surveillance.Logger, metrics surveillance.Metrics) *Poller {
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.FetchLimit <= 0 {
		config.FetchLimit = 200
	}
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	return &Poller{
		fetcher:      fetcher,
		conditions:   conditions,
		queue:        queue,
		backoff:      backoff,
		coordinator:  coordinator,
		config:       config,
		logger:       logger,
		metrics:      metrics,
		lastPriority: make(map[string]time.Time),
	}
}

// Run starts the periodic poll loop, delaying the first poll by
// config.StartupGrace (spec §4.G: "delay first poll by a startup grace
// window to let other subsystems warm up") and running until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	select {
	case <-time.After(p.config.StartupGrace):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) shouldSkipCycle() bool {
	if p.queue != nil && p.queue.IsUnderPressure() {
		p.logger.Info("skipping poll cycle: queue under pressure")
		return true
	}
	if p.backoff != nil && p.backoff.IsBackingOff("market-data") {
		p.logger.Info("skipping poll cycle: market-data rate limiter backing off")
		return true
	}
	return false
}

func (p *Poller) pollOnce(ctx context.Context) {
	if p.shouldSkipCycle() {
		return
	}

	ids := p.conditions.ConditionIDs()
	delay := baseInterBatchDelay
	for i := 0; i < len(ids); i += p.config.BatchSize {
		end := i + p.config.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]

		widened := p.fetchBatch(ctx, batch)
		if widened {
			delay *= 2
			if delay > maxInterBatchDelay {
				delay = maxInterBatchDelay
			}
		} else {
			delay = baseInterBatchDelay
		}

		if end < len(ids) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// fetchBatch queries one batch of condition ids and ingests the results.
// It returns true if the fetch encountered upstream pressure (rate limit
// or transport trouble), signaling the caller to widen its inter-batch
// delay (spec §4.G: "adaptive inter-batch delay that widens when upstream
// pressure is observed").
func (p *Poller) fetchBatch(ctx context.Context, conditionIDs []string) bool {
	trades, err := p.fetcher.TradesForConditions(ctx, conditionIDs, p.config.MinTradeUSDPrefilter, p.config.FetchLimit)
	if err != nil {
		p.logger.Warn("poll batch failed", "error", err, "batch_size", len(conditionIDs))
		return surveillance.IsRetryable(err)
	}

	cutoff := surveillance.Now().Add(-p.config.MaxTradeAge)
	for _, t := range trades {
		if p.config.MaxTradeAge > 0 && t.Timestamp.Before(cutoff) {
			continue
		}
		p.ingestMarketDataTrade(ctx, t)
	}
	return false
}

func (p *Poller) ingestMarketDataTrade(ctx context.Context, t marketdata.Trade) {
	raw := RawTrade{
		TokenID:         t.TokenID,
		ConditionID:     t.ConditionID,
		Side:            t.Side,
		Outcome:         t.Outcome,
		Price:           t.Price.String(),
		Size:            t.Size.String(),
		Taker:           t.Taker,
		Maker:           t.Maker,
		TimestampRaw:    t.Timestamp.UnixMilli(),
		TransactionHash: t.TxHash,
	}
	p.coordinator.Ingest(ctx, raw, surveillance.SourcePull)
}

// TriggerPriorityFetch runs a single-market pull for conditionID,
// debounced to at most once per priorityFetchDebounce (spec §4.G). It is
// invoked synchronously from the push subscriber's event-dispatch
// goroutine, so the actual fetch runs on its own goroutine to honor the
// "handlers must be non-blocking" rule (spec §5); errors are logged and
// discarded.
func (p *Poller) TriggerPriorityFetch(conditionID string) {
	if !p.armDebounce(conditionID) {
		return
	}
	go func() {
		if p.shouldSkipCycle() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.fetchBatch(ctx, []string{conditionID})
	}()
}

func (p *Poller) armDebounce(conditionID string) bool {
	p.lastPriorityMu.Lock()
	defer p.lastPriorityMu.Unlock()
	now := surveillance.Now()
	if last, ok := p.lastPriority[conditionID]; ok && now.Sub(last) < priorityFetchDebounce {
		return false
	}
	p.lastPriority[conditionID] = now
	return true
}
