// Package forensics implements Wallet Forensics (spec §4.J): an
// indexer-first fingerprint computation with an on-chain fallback,
// identity resolution through the indexer's proxy->signer mapping, and a
// two-keyspace cache for already-computed fingerprints.
package forensics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	surveillance "github.com/marketsentinel/surveillance"
)

// FingerprintCache stores computed WalletFingerprints under one of two
// keyspaces (indexer-derived, on-chain-derived), each with its own TTL
// (spec §4.J). It mirrors the Redis-plus-typed-JSON pattern the root
// package uses for the stats hash and dedup store, adapted to a richer
// value shape that needs typed timestamp reconstitution on hit.
type FingerprintCache struct {
	redis      *redis.Client
	keyPrefix  string
	indexerTTL time.Duration
	onChainTTL time.Duration
	logger     surveillance.Logger
	metrics    surveillance.Metrics
}

// NewFingerprintCache creates a cache backed by redisClient. A nil client
// makes every Get a miss and every Put a no-op, which is the degraded mode
// forensics runs in without Redis: fingerprints are simply recomputed
// every time.
func NewFingerprintCache(redisClient *redis.Client, keyPrefix string, indexerTTL, onChainTTL time.Duration, logger surveillance.Logger, metrics surveillance.Metrics) *FingerprintCache {
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	return &FingerprintCache{redis: redisClient, keyPrefix: keyPrefix, indexerTTL: indexerTTL, onChainTTL: onChainTTL, logger: logger, metrics: metrics}
}

func (c *FingerprintCache) key(path surveillance.ForensicsPath, address string) string {
	return c.keyPrefix + ":wallet:" + string(path) + ":" + address
}

func (c *FingerprintCache) ttlFor(path surveillance.ForensicsPath) time.Duration {
	if path == surveillance.PathOnChain {
		return c.onChainTTL
	}
	return c.indexerTTL
}

// Get returns a cached fingerprint for (path, address), if present and
// unexpired. Timestamps come back as real time.Time values because
// WalletFingerprint round-trips through encoding/json, which already
// parses RFC3339 for time.Time fields.
func (c *FingerprintCache) Get(ctx context.Context, path surveillance.ForensicsPath, address string) (*surveillance.WalletFingerprint, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, c.key(path, address)).Bytes()
	if err != nil {
		return nil, false
	}
	var fp surveillance.WalletFingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		c.logger.Warn("fingerprint cache entry unparseable, treating as miss", "address", address, "error", err)
		return nil, false
	}
	c.metrics.Increment("surveillance.forensics.cache_hit", "path", string(path))
	return &fp, true
}

// Put stores fp under its path's keyspace with that keyspace's TTL.
func (c *FingerprintCache) Put(ctx context.Context, fp *surveillance.WalletFingerprint) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(fp)
	if err != nil {
		c.logger.Warn("fingerprint marshal failed, skipping cache write", "address", fp.Address, "error", err)
		return
	}
	ttl := c.ttlFor(fp.Path)
	if err := c.redis.Set(ctx, c.key(fp.Path, fp.Address), raw, ttl).Err(); err != nil {
		c.logger.Warn("fingerprint cache write failed", "address", fp.Address, "error", err)
	}
}
