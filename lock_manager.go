package surveillance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockInfo describes an active lock, as discovered via SCAN. The lock
// value is an opaque fencing token (spec §4.C), so no acquisition time can
// be derived from it; TTL remaining is the only liveness signal available.
type LockInfo struct {
	Key     string
	LockKey string
	Token   string
	TTL     time.Duration
}

// LockManager provides administrative operations over the locks a running
// DistributedLock has created: listing, forced release, and cleanup of
// locks whose remaining TTL suggests their holder crashed before release.
type LockManager struct {
	redis     *redis.Client
	keyPrefix string
	logger    Logger
	metrics   Metrics
}

// NewLockManager creates a lock manager for administrative operations.
func NewLockManager(redisClient *redis.Client, keyPrefix string, logger Logger, metrics Metrics) *LockManager {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &LockManager{redis: redisClient, keyPrefix: keyPrefix, logger: logger, metrics: metrics}
}

// ListLocks returns all active locks matching the key prefix, e.g. for the
// health endpoint's queue-depth-and-lock-state view (spec §6).
func (lm *LockManager) ListLocks(ctx context.Context) ([]LockInfo, error) {
	if lm.redis == nil {
		return nil, &DependencyUnavailableError{Dependency: "redis", Err: fmt.Errorf("not configured")}
	}

	lockPattern := fmt.Sprintf("%s:lock:*", lm.keyPrefix)

	var locks []LockInfo
	var cursor uint64

	for {
		keys, next, err := lm.redis.Scan(ctx, cursor, lockPattern, 100).Result()
		if err != nil {
			return nil, &DependencyUnavailableError{Dependency: "redis", Err: err}
		}
		cursor = next

		for _, lockKey := range keys {
			ttl, err := lm.redis.TTL(ctx, lockKey).Result()
			if err != nil {
				lm.logger.Warn("failed to get TTL for lock", "key", lockKey, "error", err)
				continue
			}
			if ttl < 0 {
				continue
			}

			token, err := lm.redis.Get(ctx, lockKey).Result()
			if err != nil {
				lm.logger.Warn("failed to get value for lock", "key", lockKey, "error", err)
				continue
			}

			resourceKey := strings.TrimPrefix(lockKey, fmt.Sprintf("%s:lock:", lm.keyPrefix))
			locks = append(locks, LockInfo{Key: resourceKey, LockKey: lockKey, Token: token, TTL: ttl})
		}

		if cursor == 0 {
			break
		}
	}

	lm.metrics.Gauge(MetricLockActive, float64(len(locks)))
	return locks, nil
}

// CleanupStaleLocks force-deletes every active lock whose remaining TTL is
// at or below maxRemainingTTL. A crashed holder's lock still expires on its
// own via Redis TTL; this exists only to shorten that wait for an operator
// who has confirmed the holder is gone.
func (lm *LockManager) CleanupStaleLocks(ctx context.Context, maxRemainingTTL time.Duration) (int, error) {
	locks, err := lm.ListLocks(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, lock := range locks {
		if lock.TTL > maxRemainingTTL {
			continue
		}
		deleted, err := lm.redis.Del(ctx, lock.LockKey).Result()
		if err != nil {
			lm.logger.Warn("failed to delete stale lock", "key", lock.Key, "error", err)
			continue
		}
		if deleted > 0 {
			removed++
			lm.logger.Info("removed stale lock", "key", lock.Key, "ttl_remaining", lock.TTL)
			lm.metrics.Increment(MetricLockOrphaned, "key", lock.Key)
		}
	}

	if removed > 0 {
		lm.metrics.Increment(MetricLockCleanup, "removed", fmt.Sprintf("%d", removed))
	}
	return removed, nil
}

// ForceRelease unconditionally deletes a lock regardless of fencing token.
// Use only when certain the holder crashed; an ordinary release should
// always go through Held.Release so the fencing-token check applies.
func (lm *LockManager) ForceRelease(ctx context.Context, resourceKey string) error {
	if lm.redis == nil {
		return &DependencyUnavailableError{Dependency: "redis", Err: fmt.Errorf("not configured")}
	}

	lockKey := fmt.Sprintf("%s:lock:%s", lm.keyPrefix, resourceKey)
	deleted, err := lm.redis.Del(ctx, lockKey).Result()
	if err != nil {
		return &DependencyUnavailableError{Dependency: "redis", Err: err}
	}
	if deleted == 0 {
		return &NotFoundError{Entity: "lock", Key: resourceKey}
	}

	lm.logger.Info("forcefully released lock", "key", resourceKey)
	lm.metrics.Increment(MetricLockForceRelease, "key", resourceKey)
	return nil
}

// GetLockInfo retrieves information about a specific lock.
func (lm *LockManager) GetLockInfo(ctx context.Context, resourceKey string) (*LockInfo, error) {
	if lm.redis == nil {
		return nil, &DependencyUnavailableError{Dependency: "redis", Err: fmt.Errorf("not configured")}
	}

	lockKey := fmt.Sprintf("%s:lock:%s", lm.keyPrefix, resourceKey)

	exists, err := lm.redis.Exists(ctx, lockKey).Result()
	if err != nil {
		return nil, &DependencyUnavailableError{Dependency: "redis", Err: err}
	}
	if exists == 0 {
		return nil, &NotFoundError{Entity: "lock", Key: resourceKey}
	}

	ttl, err := lm.redis.TTL(ctx, lockKey).Result()
	if err != nil {
		return nil, &DependencyUnavailableError{Dependency: "redis", Err: err}
	}
	token, err := lm.redis.Get(ctx, lockKey).Result()
	if err != nil {
		return nil, &DependencyUnavailableError{Dependency: "redis", Err: err}
	}

	return &LockInfo{Key: resourceKey, LockKey: lockKey, Token: token, TTL: ttl}, nil
}
