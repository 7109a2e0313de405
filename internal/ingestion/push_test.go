package ingestion

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketsentinel/surveillance/internal/upstream/feed"
)

type fakeFeedClient struct {
	handler feed.Handler
}

func (c *fakeFeedClient) OnEvent(h feed.Handler) { c.handler = h }

func (c *fakeFeedClient) emit(ev feed.Event) { c.handler(ev) }

type fakePriorityFetcher struct {
	triggered []string
}

func (f *fakePriorityFetcher) TriggerPriorityFetch(conditionID string) {
	f.triggered = append(f.triggered, conditionID)
}

func TestPushSubscriberIngestsTradeWithTaker(t *testing.T) {
	resolver, _ := newResolverWithMarket()
	dedup := newFakeDeduper()
	q := &fakeQueue{}
	stats := newFakeStats()
	coord := NewCoordinator(resolver, dedup, q, stats, nil, nil)
	client := &fakeFeedClient{}

	NewPushSubscriber(client, coord, nil, nil, nil)

	payload, err := json.Marshal(tradeEventPayload{
		Side: "buy", Price: "0.6", Size: "50", Taker: "0x000000000000000000000000000000000000AA",
		Timestamp: time.Now().UnixMilli(), TransactionHash: "0xdeadbeef",
	})
	require.NoError(t, err)
	client.emit(feed.Event{Type: feed.EventTrade, AssetID: "tok-yes", Raw: payload})

	require.Len(t, q.accepted, 1)
	assert.Equal(t, "0x000000000000000000000000000000000000aa", q.accepted[0].Taker)
}

func TestPushSubscriberDropsTradeWithoutTaker(t *testing.T) {
	resolver, _ := newResolverWithMarket()
	dedup := newFakeDeduper()
	q := &fakeQueue{}
	coord := NewCoordinator(resolver, dedup, q, newFakeStats(), nil, nil)
	client := &fakeFeedClient{}

	NewPushSubscriber(client, coord, nil, nil, nil)

	payload, _ := json.Marshal(tradeEventPayload{Side: "buy", Price: "0.6", Size: "50"})
	client.emit(feed.Event{Type: feed.EventTrade, AssetID: "tok-yes", Raw: payload})

	assert.Empty(t, q.accepted)
}

func TestPushSubscriberTriggersPriorityFetchOnPriceChange(t *testing.T) {
	resolver, _ := newResolverWithMarket()
	coord := NewCoordinator(resolver, newFakeDeduper(), &fakeQueue{}, newFakeStats(), nil, nil)
	client := &fakeFeedClient{}
	priority := &fakePriorityFetcher{}

	NewPushSubscriber(client, coord, priority, nil, nil)

	payload, _ := json.Marshal(priceChangePayload{ConditionID: "c1"})
	client.emit(feed.Event{Type: feed.EventPriceChange, AssetID: "tok-yes", Raw: payload})

	require.Len(t, priority.triggered, 1)
	assert.Equal(t, "c1", priority.triggered[0])
}

func TestPushSubscriberIgnoresUnrelatedEventTypes(t *testing.T) {
	resolver, _ := newResolverWithMarket()
	coord := NewCoordinator(resolver, newFakeDeduper(), &fakeQueue{}, newFakeStats(), nil, nil)
	client := &fakeFeedClient{}
	priority := &fakePriorityFetcher{}

	NewPushSubscriber(client, coord, priority, nil, nil)
	client.emit(feed.Event{Type: feed.EventBook, AssetID: "tok-yes", Raw: json.RawMessage(`{}`)})

	assert.Empty(t, priority.triggered)
}
