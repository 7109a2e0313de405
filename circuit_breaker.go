package surveillance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BreakerState is one of the three circuit breaker states of spec §4.B.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// snapshot is the serialized form of a single upstream's breaker state,
// written to the shared cache after every transition so that other
// processes (and this process after a brief cache outage) observe the same
// open/closed/half-open decision.
type snapshot struct {
	State           BreakerState `json:"state"`
	LastFailureTime time.Time    `json:"last_failure_time"`
}

// breakerState is the full local record for one upstream, including the
// failure window and half-open concurrency counters that spec §4.B requires
// but that are not worth round-tripping through Redis on every call.
type breakerState struct {
	snapshot
	failureTimes      []time.Time // within monitoringPeriod, oldest first
	halfOpenInFlight  int
	halfOpenSuccesses int
}

// CircuitBreaker implements spec §4.B: per-upstream closed/open/half-open
// tracking, with state mirrored to a shared cache so a brief cache outage
// does not erase an open circuit (the local copy of the last-known snapshot
// survives even when the cache round-trip fails).
//
// Use case: wrap every chain-RPC, indexer, market-data, and feed-reconnect
// call so a sick upstream fails fast instead of piling up retries.
type CircuitBreaker struct {
	redis               *redis.Client
	keyPrefix           string
	failureThreshold    int
	monitoringPeriod    time.Duration
	recoveryTimeout     time.Duration
	halfOpenMaxAttempts int
	logger              Logger
	metrics             Metrics

	mu    sync.Mutex
	local map[string]*breakerState
}

// NewCircuitBreaker creates a circuit breaker shared across upstreams.
// failureThreshold failures inside monitoringPeriod opens the circuit;
// recoveryTimeout after the last failure, one half-open trial batch (up to
// halfOpenMaxAttempts concurrent calls) is allowed through. redisClient may
// be nil, in which case state is local-only (single process).
func NewCircuitBreaker(redisClient *redis.Client, keyPrefix string, failureThreshold int, monitoringPeriod, recoveryTimeout time.Duration, halfOpenMaxAttempts int, logger Logger, metrics Metrics) *CircuitBreaker {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	if halfOpenMaxAttempts <= 0 {
		halfOpenMaxAttempts = 1
	}
	return &CircuitBreaker{
		redis:               redisClient,
		keyPrefix:           keyPrefix,
		failureThreshold:    failureThreshold,
		monitoringPeriod:    monitoringPeriod,
		recoveryTimeout:     recoveryTimeout,
		halfOpenMaxAttempts: halfOpenMaxAttempts,
		logger:              logger,
		metrics:             metrics,
		local:               make(map[string]*breakerState),
	}
}

// Execute runs fn if the circuit for upstream allows it. Returns a
// *CircuitOpenError without calling fn at all when the circuit is open
// (spec §8 invariant 4).
func (cb *CircuitBreaker) Execute(ctx context.Context, upstream string, fn func() error) error {
	st, err := cb.allow(ctx, upstream)
	if err != nil {
		cb.metrics.Increment(MetricCircuitRejected, "upstream", upstream)
		return err
	}

	callErr := fn()
	cb.recordResult(ctx, upstream, st, callErr)
	return callErr
}

func (cb *CircuitBreaker) stateFor(upstream string) *breakerState {
	st, ok := cb.local[upstream]
	if !ok {
		st = &breakerState{snapshot: snapshot{State: StateClosed}}
		cb.local[upstream] = st
	}
	return st
}

// allow decides whether a call may proceed, transitioning open->half-open
// when recoveryTimeout has elapsed. It refreshes the local copy from the
// shared cache first so multiple processes agree on state; a cache error
// falls back to the last-known local snapshot rather than defaulting to
// closed, which would silently re-admit traffic to a known-bad upstream.
func (cb *CircuitBreaker) allow(ctx context.Context, upstream string) (*breakerState, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st := cb.stateFor(upstream)
	cb.refreshFromCache(ctx, upstream, st)

	switch st.State {
	case StateOpen:
		nextRetry := st.LastFailureTime.Add(cb.recoveryTimeout)
		if time.Now().Before(nextRetry) {
			return nil, &CircuitOpenError{Upstream: upstream, NextRetryTime: nextRetry}
		}
		cb.transition(ctx, upstream, st, StateHalfOpen)
		st.halfOpenInFlight++
		return st, nil

	case StateHalfOpen:
		if st.halfOpenInFlight >= cb.halfOpenMaxAttempts {
			nextRetry := st.LastFailureTime.Add(cb.recoveryTimeout)
			return nil, &CircuitOpenError{Upstream: upstream, NextRetryTime: nextRetry}
		}
		st.halfOpenInFlight++
		return st, nil

	default: // closed
		return st, nil
	}
}

func (cb *CircuitBreaker) recordResult(ctx context.Context, upstream string, st *breakerState, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if st.State == StateHalfOpen && st.halfOpenInFlight > 0 {
		st.halfOpenInFlight--
	}

	if callErr != nil {
		now := time.Now()
		st.failureTimes = append(st.failureTimes, now)
		st.failureTimes = trimWindow(st.failureTimes, now, cb.monitoringPeriod)
		st.LastFailureTime = now

		switch st.State {
		case StateHalfOpen:
			cb.transition(ctx, upstream, st, StateOpen)
		case StateClosed:
			if len(st.failureTimes) >= cb.failureThreshold {
				cb.transition(ctx, upstream, st, StateOpen)
			}
		}
		return
	}

	switch st.State {
	case StateHalfOpen:
		st.halfOpenSuccesses++
		if st.halfOpenSuccesses >= cb.halfOpenMaxAttempts {
			st.failureTimes = nil
			st.halfOpenSuccesses = 0
			cb.transition(ctx, upstream, st, StateClosed)
		}
	case StateClosed:
		st.failureTimes = nil
	}
}

func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

func (cb *CircuitBreaker) transition(ctx context.Context, upstream string, st *breakerState, newState BreakerState) {
	old := st.State
	st.State = newState
	st.halfOpenInFlight = 0
	st.halfOpenSuccesses = 0

	cb.logger.Info("circuit breaker state change", "upstream", upstream, "from", old, "to", newState)
	cb.metrics.Increment(MetricCircuitTransition, "upstream", upstream, "to", string(newState))

	cb.writeToCache(ctx, upstream, st.snapshot)
}

func (cb *CircuitBreaker) cacheKey(upstream string) string {
	return fmt.Sprintf("%s:circuit:%s", cb.keyPrefix, upstream)
}

func (cb *CircuitBreaker) writeToCache(ctx context.Context, upstream string, snap snapshot) {
	if cb.redis == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	// Best effort: a write failure just means the next refreshFromCache
	// keeps using the local copy, which is already up to date.
	_ = cb.redis.Set(ctx, cb.cacheKey(upstream), data, cb.monitoringPeriod+cb.recoveryTimeout).Err()
}

func (cb *CircuitBreaker) refreshFromCache(ctx context.Context, upstream string, st *breakerState) {
	if cb.redis == nil {
		return
	}
	data, err := cb.redis.Get(ctx, cb.cacheKey(upstream)).Bytes()
	if err != nil {
		cb.metrics.Increment(MetricCircuitCacheMiss, "upstream", upstream)
		return // graceful degradation: keep local last-known state
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return
	}
	// Never let a stale remote "open" snapshot silently erase local
	// knowledge of an in-progress half-open trial this process started.
	if st.State == StateHalfOpen && snap.State == StateOpen {
		return
	}
	st.snapshot = snap
}

// State returns the current state for upstream (local view).
func (cb *CircuitBreaker) State(upstream string) BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateFor(upstream).State
}

// Reset forces upstream's circuit closed, clearing failure history.
func (cb *CircuitBreaker) Reset(ctx context.Context, upstream string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := cb.stateFor(upstream)
	st.failureTimes = nil
	cb.transition(ctx, upstream, st, StateClosed)
}
