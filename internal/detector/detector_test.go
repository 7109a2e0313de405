package detector

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	surveillance "github.com/marketsentinel/surveillance"
	"github.com/marketsentinel/surveillance/internal/upstream/marketdata"
)

type fakeOrderbook struct {
	book *marketdata.Orderbook
	err  error
}

func (f *fakeOrderbook) OrderbookSnapshot(ctx context.Context, tokenID string) (*marketdata.Orderbook, error) {
	return f.book, f.err
}

type fakeHistory struct {
	trades []marketdata.Trade
	err    error
}

func (f *fakeHistory) TradesForConditions(ctx context.Context, conditionIDs []string, minUSD decimal.Decimal, limit int) ([]marketdata.Trade, error) {
	return f.trades, f.err
}

type fakeMarkets struct {
	markets map[string]*surveillance.Market
}

func (f *fakeMarkets) ByConditionID(conditionID string) (*surveillance.Market, bool) {
	m, ok := f.markets[conditionID]
	return m, ok
}

func testMarket() *surveillance.Market {
	return &surveillance.Market{
		ID:           "m1",
		ConditionID:  "c1",
		YesTokenID:   "y1",
		NoTokenID:    "n1",
		OpenInterest: decimal.NewFromInt(100_000),
		Volume:       decimal.NewFromInt(500_000),
	}
}

func testConfig() Config {
	return Config{
		Method:                 surveillance.MethodOpenInterest,
		MinOIPercentage:        0.01,
		MinLiquidityPercentage: 0.05,
		MinVolumePercentage:    0.02,
		FallbackToOI:           true,
		FallbackOIPercentage:   0.01,
		OrderbookDepthLevels:   10,
		OrderbookCacheTTL:      30 * time.Second,
		VolumeLookbackHours:    24,
		DormantHoursNoLargeTrades:  24,
		DormantHoursNoPriceMoves:   24,
		DormantLargeTradeThreshold: 10_000,
		DormantPriceMoveThreshold:  5,
		HistoryFetchLimit:      500,
	}
}

func TestEvaluateOpenInterestRelativeGate(t *testing.T) {
	market := testMarket()
	d := New(&fakeOrderbook{}, &fakeHistory{}, &fakeMarkets{markets: map[string]*surveillance.Market{"c1": market}}, testConfig(), nil, nil, nil)

	trade := surveillance.Trade{MarketID: "m1", Side: surveillance.SideBuy, Outcome: surveillance.OutcomeYes, Size: decimal.NewFromInt(2000), Price: decimal.NewFromFloat(0.5)}
	signal, _, err := d.Evaluate(context.Background(), trade, market)
	require.NoError(t, err)
	assert.Equal(t, surveillance.GateRelative, signal.Gate)
	assert.True(t, signal.Passed())
}

func TestEvaluateAbsoluteTierGateWhenBelowRelativeThreshold(t *testing.T) {
	market := testMarket()
	market.OpenInterest = decimal.NewFromInt(100_000_000) // huge OI so relative impact is tiny
	d := New(&fakeOrderbook{}, &fakeHistory{}, &fakeMarkets{markets: map[string]*surveillance.Market{"c1": market}}, testConfig(), nil, nil, nil)

	trade := surveillance.Trade{MarketID: "m1", Side: surveillance.SideBuy, Outcome: surveillance.OutcomeYes, Size: decimal.NewFromInt(20000), Price: decimal.NewFromFloat(0.5)} // $10,000 USD
	signal, _, err := d.Evaluate(context.Background(), trade, market)
	require.NoError(t, err)
	assert.Equal(t, surveillance.GateAbsolute, signal.Gate)
	assert.Equal(t, surveillance.TierNotable, signal.AbsoluteTier)
}

func TestEvaluateRejectsWhenNeitherGateFires(t *testing.T) {
	market := testMarket()
	d := New(&fakeOrderbook{}, &fakeHistory{}, &fakeMarkets{markets: map[string]*surveillance.Market{"c1": market}}, testConfig(), nil, nil, nil)

	trade := surveillance.Trade{MarketID: "m1", Side: surveillance.SideBuy, Outcome: surveillance.OutcomeYes, Size: decimal.NewFromInt(10), Price: decimal.NewFromFloat(0.5)}
	signal, dormancy, err := d.Evaluate(context.Background(), trade, market)
	require.NoError(t, err)
	assert.False(t, signal.Passed())
	assert.Nil(t, dormancy)
}

func TestEvaluateLiquidityMethodFallsBackToOIOnEmptyBook(t *testing.T) {
	market := testMarket()
	cfg := testConfig()
	cfg.Method = surveillance.MethodLiquidity
	d := New(&fakeOrderbook{book: &marketdata.Orderbook{TokenID: "y1"}}, &fakeHistory{}, &fakeMarkets{markets: map[string]*surveillance.Market{"c1": market}}, cfg, nil, nil, nil)

	trade := surveillance.Trade{MarketID: "m1", Side: surveillance.SideBuy, Outcome: surveillance.OutcomeYes, Size: decimal.NewFromInt(2000), Price: decimal.NewFromFloat(0.5)}
	signal, _, err := d.Evaluate(context.Background(), trade, market)
	require.NoError(t, err)
	assert.Equal(t, surveillance.MethodOpenInterest, signal.Method)
}

func TestComputeDormancyBothWindowsEmpty(t *testing.T) {
	market := testMarket()
	history := &fakeHistory{trades: []marketdata.Trade{
		{Timestamp: surveillance.Now().Add(-48 * time.Hour), Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(1), Maker: "x"},
	}}
	d := New(&fakeOrderbook{}, history, &fakeMarkets{markets: map[string]*surveillance.Market{"c1": market}}, testConfig(), nil, nil, nil)

	dm, err := d.computeDormancy(context.Background(), market)
	require.NoError(t, err)
	assert.True(t, dm.IsDormant)
}

func TestComputeDormancyLargeTradeWithinWindowIsNotDormant(t *testing.T) {
	market := testMarket()
	history := &fakeHistory{trades: []marketdata.Trade{
		{Timestamp: surveillance.Now().Add(-1 * time.Hour), Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(40000)},
	}}
	d := New(&fakeOrderbook{}, history, &fakeMarkets{markets: map[string]*surveillance.Market{"c1": market}}, testConfig(), nil, nil, nil)

	dm, err := d.computeDormancy(context.Background(), market)
	require.NoError(t, err)
	assert.False(t, dm.IsDormant)
}
