package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	surveillance "github.com/marketsentinel/surveillance"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	resilience := surveillance.NewResilience("market-data", nil, nil, surveillance.DefaultRetryConfig(), nil, nil)
	return New(server.URL, nil, resilience, nil)
}

func TestTradesForConditionsFiltersMinUSDAndSortsMostRecentFirst(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":"t1","conditionId":"c1","tokenId":"tok1","side":"buy","outcome":"yes","price":"0.5","size":"10","taker":"0xa","timestamp":1700000000000},
			{"id":"t2","conditionId":"c1","tokenId":"tok1","side":"buy","outcome":"yes","price":"0.5","size":"50000","taker":"0xb","timestamp":1700000100000}
		]`))
	})

	trades, err := client.TradesForConditions(context.Background(), []string{"c1"}, decimal.NewFromInt(1000), 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "t2", trades[0].ID)
}

func TestOrderbookSnapshotAvailableLiquidity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids":[["0.5","1000"],["0.49","2000"]],"asks":[["0.51","500"]]}`))
	})

	ob, err := client.OrderbookSnapshot(context.Background(), "tok1")
	require.NoError(t, err)
	liquidity := ob.AvailableLiquidity("asks", 10)
	assert.True(t, liquidity.Equal(decimal.NewFromFloat(0.51 * 500)))
}

func TestUserActivitySummary(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"address":"0xuser","tradeCount":12,"volumeUsd":"4500.25","marketsCount":3}`))
	})

	summary, err := client.UserActivitySummary(context.Background(), "0xuser")
	require.NoError(t, err)
	assert.Equal(t, 12, summary.TradeCount)
	assert.Equal(t, 3, summary.MarketsCount)
}

func TestMarketStatsFor(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"openInterest":"50000.00","volume":"1200000.50"}`))
	})

	stats, err := client.MarketStatsFor(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, stats.OpenInterest.Equal(decimal.NewFromFloat(50000)))
}

func TestGetJSONClassifiesNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.OrderbookSnapshot(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, surveillance.IsNotFound(err))
}
