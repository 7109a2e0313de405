package surveillance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript atomically deletes the lock key only if it still holds our
// fencing token, so a holder whose lock already expired and was re-acquired
// by someone else cannot delete the new holder's lock.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// refreshScript atomically extends the TTL of the lock key only if it
// still holds our fencing token.
const refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// DistributedLock provides Redis-backed mutual exclusion with fencing
// tokens, used to serialize identity-sensitive writes (spec §4.C): alert
// persistence for a trade id, wallet-fingerprint cache refresh for an
// address, market registry add/remove.
type DistributedLock struct {
	redis     *redis.Client
	keyPrefix string
	logger    Logger
	metrics   Metrics
}

// NewDistributedLock creates a lock manager keyed under keyPrefix.
func NewDistributedLock(redisClient *redis.Client, keyPrefix string, logger Logger, metrics Metrics) *DistributedLock {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &DistributedLock{redis: redisClient, keyPrefix: keyPrefix, logger: logger, metrics: metrics}
}

func (l *DistributedLock) lockKey(key string) string {
	return fmt.Sprintf("%s:lock:%s", l.keyPrefix, key)
}

func newFencingToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Held represents an acquired lock: its fencing token and a Release
// function. Calling Release after the TTL has already expired is a no-op
// (someone else may hold the key by then); this is logged, not erred.
type Held struct {
	Key             string
	Token           string
	lock            *DistributedLock
	refreshCancel   context.CancelFunc
	refreshDone     chan struct{}
	refreshMu       sync.Mutex
}

// Release gives up the lock if we still hold its fencing token.
func (h *Held) Release(ctx context.Context) {
	if h.refreshCancel != nil {
		h.refreshMu.Lock()
		h.refreshCancel()
		h.refreshMu.Unlock()
		<-h.refreshDone
	}

	res, err := h.lock.redis.Eval(ctx, releaseScript, []string{h.lock.lockKey(h.Key)}, h.Token).Result()
	if err != nil {
		h.lock.logger.Warn("lock release failed", "key", h.Key, "error", err)
		return
	}
	if n, ok := res.(int64); ok && n == 0 {
		h.lock.logger.Info("lock release no-op, token already superseded", "key", h.Key)
	}
}

// Acquire attempts acquire(key, ttl, maxRetries, retryDelay) per spec §4.C:
// atomic set-if-absent with a random fencing token, retried at retryDelay
// until success, maxRetries exhausted, or ctx is done.
func (l *DistributedLock) Acquire(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (*Held, error) {
	token, err := newFencingToken()
	if err != nil {
		return nil, &DependencyUnavailableError{Dependency: "rand", Err: err}
	}

	lockKey := l.lockKey(key)
	var lastHolder string

	for attempt := 0; attempt <= maxRetries; attempt++ {
		start := time.Now()
		ok, err := l.redis.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, &DependencyUnavailableError{Dependency: "redis", Err: err}
		}
		if ok {
			l.metrics.Increment(MetricLockAcquired, "key", key)
			if attempt > 0 {
				l.metrics.Increment(MetricLockContention, "key", key)
			}
			l.metrics.Timing(MetricLockDuration, time.Since(start), "key", key)
			return &Held{Key: key, Token: token, lock: l}, nil
		}

		if holder, err := l.redis.Get(ctx, lockKey).Result(); err == nil {
			lastHolder = holder
		}

		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	l.metrics.Increment(MetricLockFailed, "key", key)
	return nil, &LockUnavailableError{Key: key, Holder: lastHolder}
}

// AcquireWithAutoRefresh acquires the lock like Acquire, then starts a
// background goroutine that extends the TTL every refreshInterval (which
// must be less than ttl) for as long as the caller holds the Held value.
// The goroutine stops, and does not race Release, once Release is called.
func (l *DistributedLock) AcquireWithAutoRefresh(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay, refreshInterval time.Duration) (*Held, error) {
	if refreshInterval >= ttl {
		return nil, &ConfigError{Field: "refreshInterval", Value: refreshInterval, Reason: "must be less than ttl"}
	}

	held, err := l.Acquire(ctx, key, ttl, maxRetries, retryDelay)
	if err != nil {
		return nil, err
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	held.refreshCancel = cancel
	held.refreshDone = make(chan struct{})

	go func() {
		defer close(held.refreshDone)
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				res, err := l.redis.Eval(refreshCtx, refreshScript, []string{l.lockKey(key)}, held.Token, ttl.Milliseconds()).Result()
				if err != nil {
					l.logger.Warn("lock refresh failed", "key", key, "error", err)
					continue
				}
				if n, ok := res.(int64); ok && n == 0 {
					l.logger.Warn("lock refresh no-op, token superseded", "key", key)
					return
				}
				l.metrics.Increment(MetricLockRefreshed, "key", key)
			}
		}
	}()

	return held, nil
}

// WithLock acquires key with the given ttl/retry policy, runs fn, and
// always releases afterward through a deferred Release, so the lock is
// also released when fn returns an error or panics.
func (l *DistributedLock) WithLock(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration, fn func(ctx context.Context) error) error {
	held, err := l.Acquire(ctx, key, ttl, maxRetries, retryDelay)
	if err != nil {
		return err
	}
	defer held.Release(ctx)
	return fn(ctx)
}
