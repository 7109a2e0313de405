// Package storepg implements Postgres persistence for the domain's four
// durable row shapes (spec §5 "storepg/"): markets, trades, wallet
// fingerprints, and alerts. Each store satisfies the narrow seam its
// consuming package already defines (registry.Store, scorer.Store, etc.)
// so callers depend on an interface, never on *pgxpool.Pool directly.
package storepg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
)

// Store wraps a pgxpool.Pool with the four table-specific stores.
type Store struct {
	pool    *pgxpool.Pool
	logger  surveillance.Logger
	metrics surveillance.Metrics
}

// New connects to dsn and returns a Store. Callers should call Close on
// shutdown (spec §5's graceful-shutdown step "closes cache and database").
func New(ctx context.Context, dsn string, logger surveillance.Logger, metrics surveillance.Metrics) (*Store, error) {
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &surveillance.DependencyUnavailableError{Dependency: "postgres", Err: err}
	}
	return &Store{pool: pool, logger: logger, metrics: metrics}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// UpsertMarket writes m, satisfying registry.Store.
func (s *Store) UpsertMarket(ctx context.Context, m *surveillance.Market) error {
	const stmt = `
		INSERT INTO markets (id, condition_id, yes_token_id, no_token_id, question, slug, tier, category, enabled, open_interest, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			condition_id = EXCLUDED.condition_id,
			yes_token_id = EXCLUDED.yes_token_id,
			no_token_id = EXCLUDED.no_token_id,
			question = EXCLUDED.question,
			slug = EXCLUDED.slug,
			tier = EXCLUDED.tier,
			category = EXCLUDED.category,
			enabled = EXCLUDED.enabled,
			open_interest = EXCLUDED.open_interest,
			volume = EXCLUDED.volume
	`
	_, err := s.pool.Exec(ctx, stmt, m.ID, m.ConditionID, m.YesTokenID, m.NoTokenID, m.Question, m.Slug, int(m.Tier), m.Category, m.Enabled, m.OpenInterest.String(), m.Volume.String())
	if err != nil {
		return &surveillance.DependencyUnavailableError{Dependency: "postgres", Err: err}
	}
	return nil
}

// MarketByID loads a market row by id, returning a surveillance.NotFoundError
// if absent.
func (s *Store) MarketByID(ctx context.Context, id string) (*surveillance.Market, error) {
	const stmt = `SELECT id, condition_id, yes_token_id, no_token_id, question, slug, tier, category, enabled, open_interest, volume FROM markets WHERE id = $1`
	row := s.pool.QueryRow(ctx, stmt, id)
	var m surveillance.Market
	var tier int
	var oi, vol string
	if err := row.Scan(&m.ID, &m.ConditionID, &m.YesTokenID, &m.NoTokenID, &m.Question, &m.Slug, &tier, &m.Category, &m.Enabled, &oi, &vol); err != nil {
		if err == pgx.ErrNoRows {
			return nil, &surveillance.NotFoundError{Entity: "market", Key: id}
		}
		return nil, &surveillance.DependencyUnavailableError{Dependency: "postgres", Err: err}
	}
	m.Tier = surveillance.MarketTier(tier)
	m.OpenInterest, _ = decimal.NewFromString(oi)
	m.Volume, _ = decimal.NewFromString(vol)
	return &m, nil
}

// InsertTrade persists a normalized trade. Conflicts on id are ignored: the
// dedup store is the source of truth for "have we seen this trade", so a
// duplicate insert here is treated as a harmless replay rather than an
// error.
func (s *Store) InsertTrade(ctx context.Context, t *surveillance.Trade) error {
	const stmt = `
		INSERT INTO trades (id, market_id, side, outcome, size, price, taker, maker, "timestamp", source, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, stmt, t.ID, t.MarketID, string(t.Side), string(t.Outcome), t.Size.String(), t.Price.String(), t.Taker, t.Maker, t.Timestamp, string(t.Source), t.TxHash)
	if err != nil {
		return &surveillance.DependencyUnavailableError{Dependency: "postgres", Err: err}
	}
	return nil
}

// UpsertWalletFingerprint persists a WalletFingerprint, satisfying a
// durable mirror of the Redis fingerprint cache for audit/replay.
func (s *Store) UpsertWalletFingerprint(ctx context.Context, fp *surveillance.WalletFingerprint) error {
	flags, err := json.Marshal(fp.Flags)
	if err != nil {
		return &surveillance.InvalidInputError{Field: "Flags", Reason: err.Error()}
	}
	const stmt = `
		INSERT INTO wallet_fingerprints (address, lifetime_trade_count, lifetime_usd_volume, account_age_days, concentration_pct, markets_traded, flags, confidence_score, confidence_level, path, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (address) DO UPDATE SET
			lifetime_trade_count = EXCLUDED.lifetime_trade_count,
			lifetime_usd_volume = EXCLUDED.lifetime_usd_volume,
			account_age_days = EXCLUDED.account_age_days,
			concentration_pct = EXCLUDED.concentration_pct,
			markets_traded = EXCLUDED.markets_traded,
			flags = EXCLUDED.flags,
			confidence_score = EXCLUDED.confidence_score,
			confidence_level = EXCLUDED.confidence_level,
			path = EXCLUDED.path,
			computed_at = EXCLUDED.computed_at
	`
	_, err = s.pool.Exec(ctx, stmt, fp.Address, fp.LifetimeTradeCount, fp.LifetimeUSDVolume.String(), fp.AccountAgeDays, fp.ConcentrationPct, fp.MarketsTraded, flags, fp.Confidence.Score, string(fp.Confidence.Level), string(fp.Path), fp.ComputedAt)
	if err != nil {
		return &surveillance.DependencyUnavailableError{Dependency: "postgres", Err: err}
	}
	return nil
}

// UpsertAlert persists an Alert, satisfying scorer.Store. Upsert-by-
// trade-id is what makes the scorer's lock-guarded write idempotent (spec
// §4.K: "upsert by trade-id").
func (s *Store) UpsertAlert(ctx context.Context, alert *surveillance.Alert) error {
	breakdown, err := json.Marshal(alert.Breakdown)
	if err != nil {
		return &surveillance.InvalidInputError{Field: "Breakdown", Reason: err.Error()}
	}
	const stmt = `
		INSERT INTO alerts (trade_id, market_id, wallet, score, classification, breakdown, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trade_id) DO UPDATE SET
			market_id = EXCLUDED.market_id,
			wallet = EXCLUDED.wallet,
			score = EXCLUDED.score,
			classification = EXCLUDED.classification,
			breakdown = EXCLUDED.breakdown,
			"timestamp" = EXCLUDED."timestamp"
	`
	_, err = s.pool.Exec(ctx, stmt, alert.TradeID, alert.MarketID, alert.Wallet, alert.Score, string(alert.Classification), breakdown, alert.Timestamp)
	if err != nil {
		return &surveillance.DependencyUnavailableError{Dependency: "postgres", Err: err}
	}
	return nil
}

// AlertByTradeID loads a persisted alert, used by tests and the admin
// surface to confirm a write landed.
func (s *Store) AlertByTradeID(ctx context.Context, tradeID string) (*surveillance.Alert, error) {
	const stmt = `SELECT trade_id, market_id, wallet, score, classification, breakdown, "timestamp" FROM alerts WHERE trade_id = $1`
	row := s.pool.QueryRow(ctx, stmt, tradeID)
	var alert surveillance.Alert
	var classification string
	var breakdown []byte
	var ts time.Time
	if err := row.Scan(&alert.TradeID, &alert.MarketID, &alert.Wallet, &alert.Score, &classification, &breakdown, &ts); err != nil {
		if err == pgx.ErrNoRows {
			return nil, &surveillance.NotFoundError{Entity: "alert", Key: tradeID}
		}
		return nil, &surveillance.DependencyUnavailableError{Dependency: "postgres", Err: err}
	}
	alert.Classification = surveillance.AlertClassification(classification)
	alert.Timestamp = ts
	if err := json.Unmarshal(breakdown, &alert.Breakdown); err != nil {
		return nil, &surveillance.UpstreamBadDataError{Upstream: "postgres", Reason: err.Error()}
	}
	return &alert, nil
}
