package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	surveillance "github.com/marketsentinel/surveillance"
	"github.com/marketsentinel/surveillance/internal/detector"
	"github.com/marketsentinel/surveillance/internal/forensics"
	"github.com/marketsentinel/surveillance/internal/queue"
	"github.com/marketsentinel/surveillance/internal/registry"
	"github.com/marketsentinel/surveillance/internal/scorer"
	"github.com/marketsentinel/surveillance/internal/upstream/indexer"
	"github.com/marketsentinel/surveillance/internal/upstream/marketdata"
)

type fakeOrderbook struct{}

func (fakeOrderbook) OrderbookSnapshot(ctx context.Context, tokenID string) (*marketdata.Orderbook, error) {
	return &marketdata.Orderbook{TokenID: tokenID}, nil
}

type fakeHistory struct {
	trades []marketdata.Trade
}

func (f fakeHistory) TradesForConditions(ctx context.Context, conditionIDs []string, minUSD decimal.Decimal, limit int) ([]marketdata.Trade, error) {
	return f.trades, nil
}

type fakeIndexer struct{}

func (fakeIndexer) UserActivity(ctx context.Context, address string) ([]indexer.Activity, error) { return nil, nil }
func (fakeIndexer) CLOBTrades(ctx context.Context, address string) ([]indexer.CLOBTrade, error) {
	return []indexer.CLOBTrade{
		{EventID: "1", Price: decimal.NewFromFloat(0.4), Size: decimal.NewFromInt(1000), Timestamp: time.Now().Add(-6 * 24 * time.Hour)},
		{EventID: "2", Price: decimal.NewFromFloat(0.4), Size: decimal.NewFromInt(1000), Timestamp: time.Now().Add(-5 * 24 * time.Hour)},
		{EventID: "3", Price: decimal.NewFromFloat(0.4), Size: decimal.NewFromInt(1000), Timestamp: time.Now().Add(-4 * 24 * time.Hour)},
	}, nil
}
func (fakeIndexer) UserPositions(ctx context.Context, address string) ([]indexer.Position, error) {
	return []indexer.Position{{ConditionID: "c1", ValueUSD: decimal.NewFromInt(4000)}}, nil
}
func (fakeIndexer) ProxyToSigner(ctx context.Context, proxy string) (string, error) { return proxy, nil }

type fakeAlertStore struct {
	upserted []*surveillance.Alert
}

func (f *fakeAlertStore) UpsertAlert(ctx context.Context, alert *surveillance.Alert) error {
	f.upserted = append(f.upserted, alert)
	return nil
}

type fakeLocker struct{}

func (fakeLocker) WithLock(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newDormantMarket() *surveillance.Market {
	return &surveillance.Market{
		ID:           "m1",
		ConditionID:  "c1",
		YesTokenID:   "y1",
		NoTokenID:    "n1",
		Enabled:      true,
		OpenInterest: decimal.NewFromInt(50_000),
	}
}

func detectorConfig() detector.Config {
	return detector.Config{
		Method:                     surveillance.MethodOpenInterest,
		MinOIPercentage:            0.01,
		FallbackOIPercentage:       0.01,
		FallbackToOI:               true,
		OrderbookDepthLevels:       10,
		OrderbookCacheTTL:          30 * time.Second,
		VolumeLookbackHours:        24,
		DormantHoursNoLargeTrades:  24,
		DormantHoursNoPriceMoves:   24,
		DormantLargeTradeThreshold: 10_000,
		DormantPriceMoveThreshold:  5,
		HistoryFetchLimit:          500,
	}
}

func scorerConfig() scorer.Config {
	return scorer.Config{
		Weights: scorer.Weights{
			GatedImpact:        1.0,
			DormancyMagnitude:  10.0,
			SuspiciousFlags:    5.0,
			ConfidenceEnvelope: 10.0,
		},
		Thresholds:     scorer.ClassificationThresholds{StrongInsider: 30, HighConfidence: 20, MediumConfidence: 10},
		AlertThreshold: 10,
		LockTTL:        time.Second,
		LockMaxRetries: 1,
		LockRetryDelay: time.Millisecond,
	}
}

func forensicsThresholds() forensics.Thresholds {
	return forensics.Thresholds{
		LowTradeCount:             5,
		YoungAccountDays:          30,
		LowVolumeUSD:              5000,
		HighConcentrationPct:      80,
		FreshFatBetSizeUSD:        5000,
		FreshFatBetMaxOI:          60000,
		FreshFatBetPriorTrades:    5,
		LowDiversificationMarkets: 2,
		CEXFundingWindowDays:      7,
		MaxWalletTransactions:     1000,
	}
}

// TestHandleTradeEmitsAlertForWhaleOnDormantMarket exercises spec §8
// scenario S1: a whale-sized trade on a dormant market from a thin,
// young, concentrated wallet clears every gate and persists an alert.
func TestHandleTradeEmitsAlertForWhaleOnDormantMarket(t *testing.T) {
	market := newDormantMarket()
	reg := registry.New(nil, nil, nil, nil)
	require.NoError(t, reg.Add(context.Background(), market))

	det := detector.New(fakeOrderbook{}, fakeHistory{}, reg, detectorConfig(), nil, nil, nil)
	fx := forensics.New(fakeIndexer{}, nil, nil, nil, nil, forensicsThresholds(), nil, nil)
	store := &fakeAlertStore{}
	sc := scorer.New(store, fakeLocker{}, nil, scorerConfig(), nil, nil, nil)

	o := &Orchestrator{registry: reg, detector: det, forensics: fx, scorer: sc, logger: &surveillance.NoOpLogger{}, metrics: &surveillance.NoOpMetrics{}}

	trade := surveillance.Trade{
		ID:       "t1",
		MarketID: "m1",
		Side:     surveillance.SideBuy,
		Outcome:  surveillance.OutcomeYes,
		Size:     decimal.NewFromInt(200_000),
		Price:    decimal.NewFromFloat(0.5),
		Taker:    "0x1111111111111111111111111111111111111111111111"[:42],
	}
	err := o.handleTrade(context.Background(), trade)
	require.NoError(t, err)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, "t1", store.upserted[0].TradeID)
}

// TestHandleTradeSkipsWhenMarketNotRegistered exercises spec §8 scenario
// S5: a trade for an unmonitored condition id is dropped before the
// detector runs at all.
func TestHandleTradeSkipsWhenMarketNotRegistered(t *testing.T) {
	reg := registry.New(nil, nil, nil, nil)
	det := detector.New(fakeOrderbook{}, fakeHistory{}, reg, detectorConfig(), nil, nil, nil)
	fx := forensics.New(fakeIndexer{}, nil, nil, nil, nil, forensicsThresholds(), nil, nil)
	store := &fakeAlertStore{}
	sc := scorer.New(store, fakeLocker{}, nil, scorerConfig(), nil, nil, nil)

	o := &Orchestrator{registry: reg, detector: det, forensics: fx, scorer: sc, logger: &surveillance.NoOpLogger{}, metrics: &surveillance.NoOpMetrics{}}

	trade := surveillance.Trade{ID: "t2", MarketID: "unregistered", Taker: "0x2222222222222222222222222222222222222222"}
	err := o.handleTrade(context.Background(), trade)
	require.NoError(t, err)
	assert.Empty(t, store.upserted)
}

// TestHandleTradeNoAlertBelowThresholds exercises spec §8 scenario S3: a
// trade far below both the relative and absolute gate never reaches
// forensics or the scorer's persistence path.
func TestHandleTradeNoAlertBelowThresholds(t *testing.T) {
	market := newDormantMarket()
	market.OpenInterest = decimal.NewFromInt(5_000_000)
	reg := registry.New(nil, nil, nil, nil)
	require.NoError(t, reg.Add(context.Background(), market))

	det := detector.New(fakeOrderbook{}, fakeHistory{}, reg, detectorConfig(), nil, nil, nil)
	fx := forensics.New(fakeIndexer{}, nil, nil, nil, nil, forensicsThresholds(), nil, nil)
	store := &fakeAlertStore{}
	sc := scorer.New(store, fakeLocker{}, nil, scorerConfig(), nil, nil, nil)

	o := &Orchestrator{registry: reg, detector: det, forensics: fx, scorer: sc, logger: &surveillance.NoOpLogger{}, metrics: &surveillance.NoOpMetrics{}}

	trade := surveillance.Trade{
		ID:       "t3",
		MarketID: "m1",
		Side:     surveillance.SideBuy,
		Outcome:  surveillance.OutcomeYes,
		Size:     decimal.NewFromInt(1000),
		Price:    decimal.NewFromFloat(0.5),
		Taker:    "0x3333333333333333333333333333333333333333",
	}
	err := o.handleTrade(context.Background(), trade)
	require.NoError(t, err)
	assert.Empty(t, store.upserted)
}

type fakeFeedCloser struct{ closed bool }

func (f *fakeFeedCloser) Close() error { f.closed = true; return nil }

type fakeStoreCloser struct{ closed bool }

func (f *fakeStoreCloser) Close() { f.closed = true }

// TestShutdownDrainsQueueAndClosesUpstreams exercises spec §8 scenario S6:
// shutdown drains the queue before closing the feed and store.
func TestShutdownDrainsQueueAndClosesUpstreams(t *testing.T) {
	q := queue.New(10, nil, nil)
	for i := 0; i < 5; i++ {
		q.Submit(surveillance.Trade{ID: "t"})
	}
	feed := &fakeFeedCloser{}
	store := &fakeStoreCloser{}

	o := New(q, nil, registry.New(nil, nil, nil, nil), nil, nil, nil, feed, store, 2*time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx, func(ctx context.Context, trade surveillance.Trade) error { return nil })
	time.Sleep(20 * time.Millisecond)

	err := o.shutdown()
	cancel()
	require.NoError(t, err)
	assert.True(t, feed.closed)
	assert.True(t, store.closed)
}
