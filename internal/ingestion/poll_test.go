package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketsentinel/surveillance/internal/upstream/marketdata"
)

type fakeFetcher struct {
	trades       []marketdata.Trade
	calls        [][]string
	err          error
}

func (f *fakeFetcher) TradesForConditions(ctx context.Context, conditionIDs []string, minUSD decimal.Decimal, limit int) ([]marketdata.Trade, error) {
	f.calls = append(f.calls, conditionIDs)
	if f.err != nil {
		return nil, f.err
	}
	return f.trades, nil
}

type fakeConditions struct{ ids []string }

func (c *fakeConditions) ConditionIDs() []string { return c.ids }

type fakeBackoff struct{ backingOff bool }

func (b *fakeBackoff) IsBackingOff(upstream string) bool { return b.backingOff }

func newTestPoller(resolver *fakeResolver, fetcher *fakeFetcher, conditions *fakeConditions, q *fakeQueue, backoff *fakeBackoff) *Poller {
	coord := NewCoordinator(resolver, newFakeDeduper(), q, newFakeStats(), nil, nil)
	return NewPoller(fetcher, conditions, q, backoff, coord, PollerConfig{
		Interval:     time.Hour,
		StartupGrace: 0,
		MaxTradeAge:  24 * time.Hour,
		BatchSize:    10,
	}, nil, nil)
}

func TestPollOnceIngestsFetchedTrades(t *testing.T) {
	resolver, market := newResolverWithMarket()
	fetcher := &fakeFetcher{trades: []marketdata.Trade{
		{ID: "t1", ConditionID: market.ConditionID, TokenID: "tok-yes", Side: "buy", Outcome: "yes",
			Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(100), Taker: "0x000000000000000000000000000000000000AA",
			Timestamp: time.Now(), TxHash: "0xabc"},
	}}
	conditions := &fakeConditions{ids: []string{market.ConditionID}}
	q := &fakeQueue{}
	backoff := &fakeBackoff{}

	p := newTestPoller(resolver, fetcher, conditions, q, backoff)
	p.pollOnce(context.Background())

	require.Len(t, q.accepted, 1)
}

func TestPollOnceSkipsWhenQueueUnderPressure(t *testing.T) {
	resolver, market := newResolverWithMarket()
	fetcher := &fakeFetcher{}
	conditions := &fakeConditions{ids: []string{market.ConditionID}}
	q := &fakeQueue{full: true}
	backoff := &fakeBackoff{}

	coord := NewCoordinator(resolver, newFakeDeduper(), q, newFakeStats(), nil, nil)
	p := NewPoller(fetcher, conditions, pressureQueue{q}, backoff, coord, PollerConfig{BatchSize: 10}, nil, nil)
	p.pollOnce(context.Background())

	assert.Empty(t, fetcher.calls)
}

func TestPollOnceSkipsWhenRateLimiterBackingOff(t *testing.T) {
	resolver, market := newResolverWithMarket()
	fetcher := &fakeFetcher{}
	conditions := &fakeConditions{ids: []string{market.ConditionID}}
	q := &fakeQueue{}
	backoff := &fakeBackoff{backingOff: true}

	p := newTestPoller(resolver, fetcher, conditions, q, backoff)
	p.pollOnce(context.Background())

	assert.Empty(t, fetcher.calls)
}

func TestPollOnceFiltersTradesOlderThanMaxAge(t *testing.T) {
	resolver, market := newResolverWithMarket()
	fetcher := &fakeFetcher{trades: []marketdata.Trade{
		{ID: "old", ConditionID: market.ConditionID, TokenID: "tok-yes", Side: "buy", Outcome: "yes",
			Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(100), Taker: "0x000000000000000000000000000000000000AA",
			Timestamp: time.Now().Add(-48 * time.Hour), TxHash: "0xold"},
	}}
	conditions := &fakeConditions{ids: []string{market.ConditionID}}
	q := &fakeQueue{}
	backoff := &fakeBackoff{}

	p := newTestPoller(resolver, fetcher, conditions, q, backoff)
	p.pollOnce(context.Background())

	assert.Empty(t, q.accepted)
}

func TestTriggerPriorityFetchDebouncesRepeatedCalls(t *testing.T) {
	resolver, market := newResolverWithMarket()
	fetcher := &fakeFetcher{}
	conditions := &fakeConditions{ids: []string{market.ConditionID}}
	q := &fakeQueue{}
	backoff := &fakeBackoff{}

	p := newTestPoller(resolver, fetcher, conditions, q, backoff)
	p.TriggerPriorityFetch(market.ConditionID)
	p.TriggerPriorityFetch(market.ConditionID)

	require.Eventually(t, func() bool { return len(fetcher.calls) >= 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fetcher.calls, 1)
}

// pressureQueue wraps fakeQueue to report IsUnderPressure true regardless
// of contents, since fakeQueue's IsUnderPressure always returns false.
type pressureQueue struct{ *fakeQueue }

func (p pressureQueue) IsUnderPressure() bool { return true }
