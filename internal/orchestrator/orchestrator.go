// Package orchestrator wires modules A through K together and owns the
// process's startup, drain, and shutdown sequence (spec §5): producers
// stop first, the queue drains up to DRAIN_TIMEOUT_MS, upstreams
// disconnect, then cache and database close.
package orchestrator

import (
	"context"
	"sync"
	"time"

	surveillance "github.com/marketsentinel/surveillance"
	"github.com/marketsentinel/surveillance/internal/forensics"
	"github.com/marketsentinel/surveillance/internal/ingestion"
	"github.com/marketsentinel/surveillance/internal/queue"
	"github.com/marketsentinel/surveillance/internal/registry"
	"github.com/marketsentinel/surveillance/internal/scorer"
	"github.com/marketsentinel/surveillance/internal/detector"
)

// FeedCloser is the upstream disconnect seam for shutdown.
type FeedCloser interface {
	Close() error
}

// StoreCloser is the database-close seam for shutdown.
type StoreCloser interface {
	Close()
}

// Orchestrator owns the single trade consumer and the two producers (push
// subscriber registration and the poller), per spec §5's "1 trade-consumer
// by default" worker pool sizing.
type Orchestrator struct {
	queue    *queue.Queue
	poller   *ingestion.Poller
	registry *registry.Registry
	detector *detector.Detector
	forensics *forensics.Engine
	scorer   *scorer.Scorer

	feed  FeedCloser
	store StoreCloser

	drainTimeout time.Duration

	logger  surveillance.Logger
	metrics surveillance.Metrics

	wg           sync.WaitGroup
	cancel       context.CancelFunc
	stopConsumer context.CancelFunc
}

// New assembles an Orchestrator from its already-constructed components.
func New(
	q *queue.Queue,
	poller *ingestion.Poller,
	reg *registry.Registry,
	det *detector.Detector,
	fx *forensics.Engine,
	sc *scorer.Scorer,
	feed FeedCloser,
	store StoreCloser,
	drainTimeout time.Duration,
	logger surveillance.Logger,
	metrics surveillance.Metrics,
) *Orchestrator {
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	return &Orchestrator{
		queue:        q,
		poller:       poller,
		registry:     reg,
		detector:     det,
		forensics:    fx,
		scorer:       sc,
		feed:         feed,
		store:        store,
		drainTimeout: drainTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run starts the registry's periodic refresh, the poller, and the single
// trade consumer, and blocks until ctx is cancelled, at which point it
// drains the queue and tears down upstreams in order.
func (o *Orchestrator) Run(ctx context.Context, statsSource registry.StatsSource) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.registry.RunPeriodicRefresh(runCtx, statsSource)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.poller.Run(runCtx)
	}()

	// The consumer outlives ctx so that shutdown can drain the queue; it
	// stops when the queue is closed, or when the drain times out.
	consumerCtx, stopConsumer := context.WithCancel(context.WithoutCancel(runCtx))
	o.stopConsumer = stopConsumer
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.queue.Run(consumerCtx, o.handleTrade)
	}()

	<-runCtx.Done()
	return o.shutdown()
}

// Shutdown requests a graceful stop: producers are cancelled first via the
// context passed to Run, then this drains the queue and closes upstreams.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) shutdown() error {
	o.logger.Info("orchestrator shutting down, draining queue", "timeout", o.drainTimeout)
	drained := o.queue.Drain(context.Background(), o.drainTimeout)
	if !drained {
		o.logger.Warn("drain timed out with items remaining", "depth", o.queue.Depth(), "dead_letters", o.queue.DeadLetterDepth())
		if o.stopConsumer != nil {
			o.stopConsumer()
		}
	}
	o.queue.Close()

	if o.feed != nil {
		if err := o.feed.Close(); err != nil {
			o.logger.Warn("feed close failed", "error", err)
		}
	}

	o.wg.Wait()

	if o.store != nil {
		o.store.Close()
	}
	return nil
}

// handleTrade is the single consumer's per-item pipeline: market lookup ->
// Signal Detector -> (if passed) Wallet Forensics -> Scorer/Persister
// (spec §3's data-flow diagram).
func (o *Orchestrator) handleTrade(ctx context.Context, trade surveillance.Trade) error {
	market, ok := o.registry.ByID(trade.MarketID)
	if !ok {
		o.metrics.Increment(surveillance.MetricFilteredNoMarketData)
		return nil
	}

	signal, dormancy, err := o.detector.Evaluate(ctx, trade, market)
	if err != nil {
		return err
	}
	if signal == nil || !signal.Passed() {
		return nil
	}

	o.metrics.Increment(surveillance.MetricForensicsPerformed)
	fingerprint, err := o.forensics.Fingerprint(ctx, trade.Taker, signal.USDValue, market.OpenInterest)
	if err != nil {
		o.logger.Warn("wallet forensics failed, scoring without a fingerprint", "taker", trade.Taker, "error", err)
		fingerprint = nil
	}

	_, err = o.scorer.Evaluate(ctx, signal, dormancy, fingerprint)
	return err
}
