package surveillance

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MaxFallbackEntries bounds the in-memory fallback set used when the
// primary cache is unreachable (spec §4.D). Oldest entries are evicted
// once the bound is hit.
const MaxFallbackEntries = 100_000

// DedupStore is a set with TTL-per-member, used to tombstone processed
// trade ids so push and pull ingestion never double-submit the same
// trade (spec §4.D, scenario S2). Redis is the primary backend; an
// in-memory bounded map is the fallback when Redis is unavailable. The
// fallback may admit duplicates across a process restart, so every
// downstream write reachable after a dedup check must be idempotent.
type DedupStore struct {
	redis     *redis.Client
	keyPrefix string
	ttl       time.Duration
	breaker   *CircuitBreaker
	logger    Logger
	metrics   Metrics

	mu       sync.Mutex
	fallback map[string]*list.Element
	order    *list.List // front = most recently marked, back = oldest
}

// NewDedupStore creates a dedup store backed by redisClient, tombstoning
// keys for ttl. breaker may be nil to call Redis directly.
func NewDedupStore(redisClient *redis.Client, keyPrefix string, ttl time.Duration, breaker *CircuitBreaker, logger Logger, metrics Metrics) *DedupStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &DedupStore{
		redis:     redisClient,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		breaker:   breaker,
		logger:    logger,
		metrics:   metrics,
		fallback:  make(map[string]*list.Element),
		order:     list.New(),
	}
}

func (d *DedupStore) redisKey(key string) string {
	return d.keyPrefix + ":dedup:" + key
}

// Contains reports whether key has already been marked, preferring Redis
// and falling back to the in-memory set on cache unavailability.
func (d *DedupStore) Contains(ctx context.Context, key string) (bool, error) {
	if d.redis == nil {
		return d.fallbackContains(key), nil
	}

	var found bool
	err := d.run(ctx, func() error {
		n, err := d.redis.Exists(ctx, d.redisKey(key)).Result()
		if err != nil {
			return err
		}
		found = n > 0
		return nil
	})
	if err != nil {
		d.logger.Warn("dedup store unavailable, using fallback", "error", err)
		d.metrics.Increment(MetricDedupFallback)
		return d.fallbackContains(key), nil
	}

	if found {
		d.metrics.Increment(MetricDedupHit)
	} else {
		d.metrics.Increment(MetricDedupMiss)
	}
	return found, nil
}

// Mark records key as processed with the store's configured TTL.
func (d *DedupStore) Mark(ctx context.Context, key string) error {
	if d.redis == nil {
		d.fallbackMark(key)
		return nil
	}

	err := d.run(ctx, func() error {
		return d.redis.Set(ctx, d.redisKey(key), "1", d.ttl).Err()
	})
	if err != nil {
		d.logger.Warn("dedup mark falling back to in-memory set", "key", key, "error", err)
		d.metrics.Increment(MetricDedupFallback)
		d.fallbackMark(key)
	}
	return nil
}

func (d *DedupStore) run(ctx context.Context, fn func() error) error {
	if d.breaker == nil {
		return fn()
	}
	return d.breaker.Execute(ctx, "redis-dedup", fn)
}

func (d *DedupStore) fallbackContains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.fallback[key]
	return ok
}

func (d *DedupStore) fallbackMark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.fallback[key]; ok {
		return
	}

	el := d.order.PushFront(key)
	d.fallback[key] = el

	for len(d.fallback) > MaxFallbackEntries {
		oldest := d.order.Back()
		if oldest == nil {
			break
		}
		d.order.Remove(oldest)
		delete(d.fallback, oldest.Value.(string))
		d.metrics.Increment(MetricDedupEvicted)
	}
}
