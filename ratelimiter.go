package surveillance

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces calls to a given upstream at a configured rate,
// queueing submitted thunks FIFO and running each once admitted (spec
// §4.A). It never originates errors of its own; a thunk's error is
// returned to its caller unchanged. Submissions are cancellable by the
// caller's context deadline.
//
// Each upstream gets its own token bucket, mirroring the per-upstream
// state map in CircuitBreaker: callers share one RateLimiter across the
// process and pass the upstream name on every call.
type RateLimiter struct {
	ratePerSecond float64
	burst         int
	logger        Logger
	metrics       Metrics

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	backoffMu sync.Mutex
	backingOff map[string]time.Time
}

// NewRateLimiter creates a limiter admitting up to ratePerSecond calls
// per second per upstream, with burst allowance burst.
func NewRateLimiter(ratePerSecond float64, burst int, logger Logger, metrics Metrics) *RateLimiter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &RateLimiter{
		ratePerSecond: ratePerSecond,
		burst:         burst,
		logger:        logger,
		metrics:       metrics,
		buckets:       make(map[string]*rate.Limiter),
		backingOff:    make(map[string]time.Time),
	}
}

func (r *RateLimiter) bucket(upstream string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[upstream]
	if !ok {
		b = rate.NewLimiter(rate.Limit(r.ratePerSecond), r.burst)
		r.buckets[upstream] = b
	}
	return b
}

// Do waits for admission under upstream's bucket, then runs fn. If ctx is
// cancelled or its deadline passes before admission, Do returns ctx.Err()
// without running fn.
func (r *RateLimiter) Do(ctx context.Context, upstream string, fn func() error) error {
	start := time.Now()
	if err := r.bucket(upstream).Wait(ctx); err != nil {
		return err
	}
	waited := time.Since(start)
	if waited > 0 {
		r.metrics.Timing(MetricRateLimiterWait, waited, "upstream", upstream)
	}
	return fn()
}

// ReportRateLimited records that upstream returned a rate-limit response
// (e.g. HTTP 429), extending the window during which IsBackingOff reports
// true for that upstream. Ingestion pollers use this to skip or lengthen
// polls without the rate limiter needing to parse upstream responses
// itself.
func (r *RateLimiter) ReportRateLimited(upstream string, backoffFor time.Duration) {
	r.backoffMu.Lock()
	defer r.backoffMu.Unlock()
	r.backingOff[upstream] = time.Now().Add(backoffFor)
	r.metrics.Increment(MetricRateLimiterBacklog, "upstream", upstream)
}

// IsBackingOff reports whether upstream is currently within a reported
// backoff window. Query-only: it never blocks or mutates scheduling.
func (r *RateLimiter) IsBackingOff(upstream string) bool {
	r.backoffMu.Lock()
	defer r.backoffMu.Unlock()
	until, ok := r.backingOff[upstream]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}
