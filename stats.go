package surveillance

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// StatsHash is a shared key-value hash of named counters for funnel
// visibility (spec §4.I/§4.K/§6): one field per named event —
// trades_analyzed, filtered_no_market_data, passed_oi_filter, and so on.
// Backed by a single Redis hash (HINCRBY); falls back to an in-process
// map when Redis is unavailable so a cache outage degrades observability
// rather than the pipeline itself. It implements StatsIncrementer so the
// decision framework and the signal detector can both depend on the
// interface rather than on each other's concrete type (spec §7 reference
// cycle note).
type StatsHash struct {
	redis   *redis.Client
	key     string
	logger  Logger
	metrics Metrics

	mu       sync.Mutex
	fallback map[string]int64
}

// NewStatsHash creates a funnel-counter hash stored at key.
func NewStatsHash(redisClient *redis.Client, key string, logger Logger, metrics Metrics) *StatsHash {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &StatsHash{
		redis:    redisClient,
		key:      key,
		logger:   logger,
		metrics:  metrics,
		fallback: make(map[string]int64),
	}
}

// Increment bumps the named counter by 1. Satisfies StatsIncrementer.
// Errors are logged, not returned: a stats-hash outage must never block
// the detection pipeline it is observing.
func (s *StatsHash) Increment(name string) {
	s.IncrementBy(name, 1)
}

// IncrementBy bumps the named counter by delta.
func (s *StatsHash) IncrementBy(name string, delta int64) {
	if s.redis == nil {
		s.incrementFallback(name, delta)
		return
	}

	ctx := context.Background()
	if err := s.redis.HIncrBy(ctx, s.key, name, delta).Err(); err != nil {
		s.logger.Warn("stats hash unavailable, using fallback", "counter", name, "error", err)
		s.incrementFallback(name, delta)
	}
}

func (s *StatsHash) incrementFallback(name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[name] += delta
}

// Snapshot returns the current value of every known counter, for the
// read-only operator statistics view (spec §6). Redis counters and any
// fallback-accumulated counters (recorded during an outage) are merged,
// with Redis taking precedence for a name present in both.
func (s *StatsHash) Snapshot(ctx context.Context) (map[string]int64, error) {
	result := make(map[string]int64)

	s.mu.Lock()
	for name, val := range s.fallback {
		result[name] = val
	}
	s.mu.Unlock()

	if s.redis == nil {
		return result, nil
	}

	raw, err := s.redis.HGetAll(ctx, s.key).Result()
	if err != nil {
		s.logger.Warn("stats hash unavailable, returning fallback counters", "error", err)
		return result, nil
	}

	for name, valStr := range raw {
		if val, err := strconv.ParseInt(valStr, 10, 64); err == nil {
			result[name] = val
		}
	}
	return result, nil
}

// Get returns the current value of a single counter.
func (s *StatsHash) Get(ctx context.Context, name string) (int64, error) {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snapshot[name], nil
}
