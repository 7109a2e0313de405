package surveillance

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Resilience composes the three-layer call wrapper spec §4.E requires for
// every upstream call: rate-limit, then circuit-break, then
// retry-with-exponential-backoff-and-jitter. One Resilience is built per
// upstream client and reused across every call that client makes.
type Resilience struct {
	Upstream    string
	RateLimiter *RateLimiter
	Breaker     *CircuitBreaker
	Retry       RetryConfig
	Logger      Logger
	Metrics     Metrics
}

// NewResilience wires a rate limiter and circuit breaker (either may be nil
// to skip that layer, e.g. in a unit test) under the given retry policy.
func NewResilience(upstream string, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryConfig, logger Logger, metrics Metrics) *Resilience {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Resilience{Upstream: upstream, RateLimiter: limiter, Breaker: breaker, Retry: retry, Logger: logger, Metrics: metrics}
}

// Call runs fn through rate-limiter -> circuit-breaker -> retry. fn should
// return a classified error (TransportError, RateLimitedError, or an error
// for which IsRetryable reports the right answer) so the retry loop can
// decide whether to try again.
func (r *Resilience) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		attempt++
		start := time.Now()
		err := r.callOnce(ctx, fn)
		r.Metrics.Timing(MetricUpstreamCallDuration, time.Since(start), "upstream", r.Upstream)

		if err == nil {
			return nil
		}
		if !r.shouldRetry(err) || attempt > r.Retry.MaxRetries {
			r.Metrics.Increment(MetricUpstreamCallError, "upstream", r.Upstream)
			return err
		}

		delay := r.backoffFor(attempt, err)
		r.Logger.Warn("upstream call failed, retrying", "upstream", r.Upstream, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Resilience) callOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	run := func() error { return fn(ctx) }

	if r.Breaker != nil {
		breakerRun := func() error { return r.Breaker.Execute(ctx, r.Upstream, run) }
		run = breakerRun
	}
	if r.RateLimiter != nil {
		return r.RateLimiter.Do(ctx, r.Upstream, run)
	}
	return run()
}

// shouldRetry implements spec §7's retry-worthiness taxonomy: transport,
// timeout, rate-limited, and dependency-unavailable errors retry; circuit
// breaker rejection, bad-data, not-found, invalid-input, and config errors
// never do.
func (r *Resilience) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errorIsCircuitOpen(err) {
		return false
	}
	return IsRetryable(err)
}

// backoffFor returns the delay before the next attempt: exponential with
// jitter, using a longer base when the failure was a rate-limit response
// (spec §4.E: "429 uses a longer base delay").
func (r *Resilience) backoffFor(attempt int, err error) time.Duration {
	base := r.Retry.InitialBackoff
	if isRateLimited(err) {
		base *= 3
	}

	multiplier := math.Pow(float64(r.Retry.BackoffMultiple), float64(attempt-1))
	delay := time.Duration(float64(base) * multiplier)

	jitter := r.Retry.JitterPercent
	if jitter > 0 {
		spread := float64(delay) * jitter
		delay = delay - time.Duration(spread/2) + time.Duration(rand.Float64()*spread)
	}
	if delay < 0 {
		delay = base
	}
	return delay
}

func isRateLimited(err error) bool {
	var e *RateLimitedError
	return errors.As(err, &e)
}
