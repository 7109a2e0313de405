// Package queue implements the Trade Queue (spec §4.H): a bounded FIFO
// between ingestion and the rest of the pipeline, with backpressure
// signaling, a dead-letter queue for terminally failed items, and a
// graceful drain for shutdown.
package queue

import (
	"context"
	"sync"
	"time"

	surveillance "github.com/marketsentinel/surveillance"
)

// PressureRatio is the queue-depth fraction at and above which
// isUnderPressure reports true (spec §4.H: "queue depth >= 80% of
// capacity").
const PressureRatio = 0.8

// Handler processes one trade. A non-nil error after Handler's own
// internal retries is terminal: the item is dead-lettered, not retried
// by the queue itself (spec §4.H: "fail processing terminally (after
// in-component retries)").
type Handler func(ctx context.Context, trade surveillance.Trade) error

// DeadLetter pairs a trade that failed processing terminally with the
// error that killed it, for operator inspection.
type DeadLetter struct {
	Trade     surveillance.Trade
	Err       error
	FailedAt  time.Time
}

// Queue is a bounded, single-consumer FIFO of trades (spec §4.H). Submit
// never blocks: at capacity it drops the item and logs a warning rather
// than exerting backpressure on the producer, since producers (push
// subscriber, pull poller) must never stall on a full queue.
type Queue struct {
	capacity int
	logger   surveillance.Logger
	metrics  surveillance.Metrics

	items chan surveillance.Trade

	mu          sync.Mutex
	deadLetters []DeadLetter
}

// New creates a queue bounded at capacity.
func New(capacity int, logger surveillance.Logger, metrics surveillance.Metrics) *Queue {
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	return &Queue{
		capacity: capacity,
		logger:   logger,
		metrics:  metrics,
		items:    make(chan surveillance.Trade, capacity),
	}
}

// Submit enqueues trade, dropping it with a warning if the queue is at
// capacity. Never blocks the caller (spec §4.H).
func (q *Queue) Submit(trade surveillance.Trade) bool {
	select {
	case q.items <- trade:
		q.metrics.Gauge("surveillance.queue.depth", float64(q.Depth()))
		return true
	default:
		q.logger.Warn("queue at capacity, dropping trade", "trade_id", trade.ID, "market_id", trade.MarketID)
		q.metrics.Increment("surveillance.queue.dropped")
		return false
	}
}

// Depth returns the current number of items awaiting consumption.
func (q *Queue) Depth() int {
	return len(q.items)
}

// IsUnderPressure reports whether the queue depth has reached
// PressureRatio of capacity (spec §4.H), the signal the pull poller
// uses to skip a cycle rather than compound the backlog.
func (q *Queue) IsUnderPressure() bool {
	if q.capacity == 0 {
		return false
	}
	return float64(q.Depth())/float64(q.capacity) >= PressureRatio
}

// DeadLetterDepth returns the number of items currently held in the
// dead-letter queue.
func (q *Queue) DeadLetterDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deadLetters)
}

// DeadLetters returns a copy of the current dead-letter contents, for
// operator inspection.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

func (q *Queue) deadLetter(trade surveillance.Trade, err error) {
	q.mu.Lock()
	q.deadLetters = append(q.deadLetters, DeadLetter{Trade: trade, Err: err, FailedAt: surveillance.Now()})
	q.mu.Unlock()
	q.logger.Error("trade dead-lettered", "trade_id", trade.ID, "error", err)
	q.metrics.Increment("surveillance.queue.dead_lettered")
}

// Run is the single consumer loop (spec §4.H: "a single consumer
// processes items sequentially"). It processes items in submit order
// until ctx is cancelled (items still buffered stay in the queue) or the
// queue is closed and every buffered item has been consumed. Handler
// errors are dead-lettered, not retried by the queue: per-item retry is
// the handler's own responsibility.
func (q *Queue) Run(ctx context.Context, handle Handler) {
	for {
		select {
		case trade, ok := <-q.items:
			if !ok {
				return
			}
			q.metrics.Gauge("surveillance.queue.depth", float64(q.Depth()))

			if err := handle(ctx, trade); err != nil {
				q.deadLetter(trade, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops accepting new items. Callers must have already stopped
// producers before calling Close; submitting after Close panics, so the
// orchestrator calls this only once drain (see Drain) has completed or
// timed out.
func (q *Queue) Close() {
	close(q.items)
}

// Drain polls the queue depth until it reaches zero or timeout elapses
// (spec §4.H: "the orchestrator polls queue depth and waits up to
// DRAIN_TIMEOUT_MS for it to reach zero before closing downstream
// connections"). Returns true if the queue drained fully.
func (q *Queue) Drain(ctx context.Context, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.Depth() == 0 {
			return true
		}
		select {
		case <-deadline:
			q.logger.Warn("drain timed out with items remaining", "depth", q.Depth(), "dead_letter_depth", q.DeadLetterDepth())
			return false
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
