package indexer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	surveillance "github.com/marketsentinel/surveillance"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	resilience := surveillance.NewResilience("indexer", nil, nil, surveillance.DefaultRetryConfig(), nil, nil)
	return New(server.URL, nil, resilience, nil)
}

func readQueryName(r *http.Request) string {
	body, _ := io.ReadAll(r.Body)
	var req graphqlRequest
	_ = json.Unmarshal(body, &req)
	return req.Query
}

func TestUserActivityParsesSplitsMergesRedemptions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"activities":[
			{"id":"a1","type":"split","market":"m1","amount":"100","timestamp":"1700000000"}
		]}}`))
	})

	activities, err := client.UserActivity(context.Background(), "0xuser")
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, ActivitySplit, activities[0].Type)
}

func TestCLOBTradesMergesMakerAndTakerDedupedByEventID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := readQueryName(r)
		switch {
		case q == clobTradesAsMakerQuery:
			w.Write([]byte(`{"data":{"trades":[
				{"id":"e1","market":"m1","tokenId":"t1","maker":"0xuser","taker":"0xother","side":"buy","price":"0.5","size":"10","timestamp":"1700000000","txHash":"0xhash1"}
			]}}`))
		case q == clobTradesAsTakerQuery:
			w.Write([]byte(`{"data":{"trades":[
				{"id":"e1","market":"m1","tokenId":"t1","maker":"0xother2","taker":"0xuser","side":"sell","price":"0.6","size":"5","timestamp":"1700000001","txHash":"0xhash2"},
				{"id":"e2","market":"m1","tokenId":"t1","maker":"0xother3","taker":"0xuser","side":"sell","price":"0.6","size":"5","timestamp":"1700000002","txHash":"0xhash3"}
			]}}`))
		}
	})

	trades, err := client.CLOBTrades(context.Background(), "0xuser")
	require.NoError(t, err)
	require.Len(t, trades, 2) // e1 deduped, e2 kept
}

func TestProxyToSignerNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"proxyWallet":null}}`))
	})

	_, err := client.ProxyToSigner(context.Background(), "0xproxy")
	require.Error(t, err)
	assert.True(t, surveillance.IsNotFound(err))
}

func TestQueryPropagatesGraphQLErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"internal indexer error"}]}`))
	})

	_, err := client.UserActivity(context.Background(), "0xuser")
	require.Error(t, err)
}
