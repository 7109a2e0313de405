// Package registry implements the Market Registry (spec §4.F): the
// in-memory authoritative set of monitored markets, indexed by id,
// condition id, and token id, with a periodic open-interest/volume
// refresh job and atomic add/remove against the feed subscription set.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
)

// Store is the persistence seam the registry writes through on add,
// remove, and refresh (internal/storepg implements this against Postgres).
type Store interface {
	UpsertMarket(ctx context.Context, m *surveillance.Market) error
}

// Subscriber is the feed-client seam the registry mutates atomically with
// its in-memory map on add/remove (spec §4.F: "Add/remove mutate the
// WebSocket subscription set atomically with the in-memory map").
type Subscriber interface {
	Subscribe(tokenIDs ...string) error
	Unsubscribe(tokenIDs ...string) error
}

// MarketStats is the open-interest/volume pair the periodic refresh job
// applies to a market (spec §4.F).
type MarketStats struct {
	OpenInterest decimal.Decimal
	Volume       decimal.Decimal
}

// StatsSource is the market-data seam the periodic refresh job (spec §4.F)
// pulls current liquidity/volume from.
type StatsSource interface {
	MarketStatsFor(ctx context.Context, conditionID string) (*MarketStats, error)
}

// Registry is the in-memory authoritative market set, backed by Store for
// durability. All reads take a snapshot under a read lock; all mutations
// (Add, Remove, refresh) take the write lock, so one writer cannot race
// concurrently with itself while many readers proceed uncontended (spec
// §5: "The registry map is mutated only by add/remove/reload paths and is
// read by many tasks").
type Registry struct {
	store      Store
	subscriber Subscriber
	logger     surveillance.Logger
	metrics    surveillance.Metrics

	mu            sync.RWMutex
	byID          map[string]*surveillance.Market
	byConditionID map[string]*surveillance.Market
	byTokenID     map[string]*surveillance.Market
}

// New builds an empty registry. subscriber may be nil for tests that don't
// exercise the WebSocket subscription side effect.
func New(store Store, subscriber Subscriber, logger surveillance.Logger, metrics surveillance.Metrics) *Registry {
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	return &Registry{
		store:         store,
		subscriber:    subscriber,
		logger:        logger,
		metrics:       metrics,
		byID:          make(map[string]*surveillance.Market),
		byConditionID: make(map[string]*surveillance.Market),
		byTokenID:     make(map[string]*surveillance.Market),
	}
}

// ByID returns the market with the given id, if any.
func (r *Registry) ByID(id string) (*surveillance.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	return m, ok
}

// ByConditionID returns the market with the given condition id, if any
// (the cross-upstream equivalence key, spec §3).
func (r *Registry) ByConditionID(conditionID string) (*surveillance.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byConditionID[conditionID]
	return m, ok
}

// ByTokenID resolves an outcome token id to its market.
func (r *Registry) ByTokenID(tokenID string) (*surveillance.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byTokenID[tokenID]
	return m, ok
}

// ByTier enumerates enabled markets at the given tier.
func (r *Registry) ByTier(tier surveillance.MarketTier) []*surveillance.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*surveillance.Market
	for _, m := range r.byID {
		if m.Enabled && m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}

// ByCategory enumerates enabled markets in the given category.
func (r *Registry) ByCategory(category string) []*surveillance.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*surveillance.Market
	for _, m := range r.byID {
		if m.Enabled && m.Category == category {
			out = append(out, m)
		}
	}
	return out
}

// ConditionIDs returns the complete set of enabled condition ids, for pull
// polling and registry-wide lookups (spec §4.F).
func (r *Registry) ConditionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConditionID))
	for id, m := range r.byConditionID {
		if m.Enabled {
			out = append(out, id)
		}
	}
	return out
}

// TokenIDs returns the complete set of enabled outcome token ids, for feed
// subscription (spec §4.F).
func (r *Registry) TokenIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTokenID))
	for id, m := range r.byTokenID {
		if m.Enabled {
			out = append(out, id)
		}
	}
	return out
}

// Add inserts or replaces m, persists it, and atomically updates the feed
// subscription set to include m's token ids alongside the in-memory map
// (spec §4.F).
func (r *Registry) Add(ctx context.Context, m *surveillance.Market) error {
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byConditionID[m.ConditionID]; ok && existing.ID != m.ID {
		return &surveillance.InvalidInputError{Field: "ConditionID", Value: m.ConditionID, Reason: "already registered to a different market"}
	}

	if r.store != nil {
		if err := r.store.UpsertMarket(ctx, m); err != nil {
			return err
		}
	}

	r.byID[m.ID] = m
	r.byConditionID[m.ConditionID] = m
	for _, tokenID := range m.TokenIDs() {
		r.byTokenID[tokenID] = m
	}

	if r.subscriber != nil && m.Enabled {
		if err := r.subscriber.Subscribe(m.TokenIDs()...); err != nil {
			r.logger.Warn("feed subscribe failed on registry add", "market_id", m.ID, "error", err)
		}
	}

	r.logger.Info("market registered", "market_id", m.ID, "condition_id", m.ConditionID)
	return nil
}

// Remove disables and purges m from the in-memory map and the feed
// subscription set atomically (spec §4.F: "removed by disable + purge of
// live subscriptions").
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return &surveillance.NotFoundError{Entity: "market", Key: id}
	}

	m.Enabled = false
	if r.store != nil {
		if err := r.store.UpsertMarket(ctx, m); err != nil {
			return err
		}
	}

	delete(r.byID, id)
	delete(r.byConditionID, m.ConditionID)
	for _, tokenID := range m.TokenIDs() {
		delete(r.byTokenID, tokenID)
	}

	if r.subscriber != nil {
		if err := r.subscriber.Unsubscribe(m.TokenIDs()...); err != nil {
			r.logger.Warn("feed unsubscribe failed on registry remove", "market_id", id, "error", err)
		}
	}

	r.logger.Info("market removed", "market_id", id)
	return nil
}

// Snapshot returns every market currently registered, for callers (like
// the refresh job) that need to iterate without holding the registry lock
// across remote calls.
func (r *Registry) Snapshot() []*surveillance.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*surveillance.Market, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m)
	}
	return out
}

// updateStats applies a refreshed open-interest/volume pair to the
// in-memory market and persists it, without touching the feed subscription
// set (stats refresh never changes which markets are subscribed).
func (r *Registry) updateStats(ctx context.Context, id string, stats *MarketStats) error {
	r.mu.Lock()
	m, ok := r.byID[id]
	if ok {
		m.OpenInterest = stats.OpenInterest
		m.Volume = stats.Volume
	}
	r.mu.Unlock()
	if !ok {
		return &surveillance.NotFoundError{Entity: "market", Key: id}
	}

	if r.store != nil {
		return r.store.UpsertMarket(ctx, m)
	}
	return nil
}

// RefreshInterval is the spec §4.F cadence for the open-interest/volume
// refresh job.
const RefreshInterval = 10 * time.Minute

// RefreshStats fetches current liquidity/volume for every enabled market
// from source and applies it (spec §4.F: "fetch current liquidity + volume
// per market from the market-data source, persist, cache, and update
// in-memory"). Errors for individual markets are logged and counted, not
// returned, so one bad market-data response doesn't abort the whole pass.
func (r *Registry) RefreshStats(ctx context.Context, source StatsSource) {
	for _, m := range r.Snapshot() {
		if !m.Enabled {
			continue
		}
		stats, err := source.MarketStatsFor(ctx, m.ConditionID)
		if err != nil {
			r.logger.Warn("market stats refresh failed", "market_id", m.ID, "error", err)
			r.metrics.Increment("surveillance.registry.refresh_error", "market_id", m.ID)
			continue
		}
		if err := r.updateStats(ctx, m.ID, stats); err != nil {
			r.logger.Warn("market stats apply failed", "market_id", m.ID, "error", err)
		}
	}
}

// RunPeriodicRefresh runs RefreshStats every RefreshInterval until ctx is
// cancelled. Intended to be started as its own goroutine by the
// orchestrator.
func (r *Registry) RunPeriodicRefresh(ctx context.Context, source StatsSource) {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshStats(ctx, source)
		}
	}
}
