package explorer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	surveillance "github.com/marketsentinel/surveillance"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	resilience := surveillance.NewResilience("explorer", nil, nil, surveillance.DefaultRetryConfig(), nil, nil)
	return New(server.URL, "test-key", nil, resilience, nil), server
}

func TestNormalTransactionsFiltersByMethodID(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"status": "1",
			"message": "OK",
			"result": [
				{"hash":"0xaaa","from":"0xUSER","to":"0xBBB","methodId":"0x38ed1739","timeStamp":"1700000000","blockNumber":"100","value":"0"},
				{"hash":"0xccc","from":"0xUSER","to":"0xDDD","methodId":"0x00000000","timeStamp":"1700000100","blockNumber":"101","value":"0"}
			]
		}`))
	})

	txs, err := client.NormalTransactions(context.Background(), "0xuser", "0x38ed1739", 1, 100)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "0xaaa", txs[0].Hash)
	assert.Equal(t, "0xbbb", txs[0].To)
}

func TestFirstTransferTimestampReturnsNilWhenNoTransactions(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"0","message":"No transactions found","result":[]}`))
	})

	ts, err := client.FirstTransferTimestamp(context.Background(), "0xuser")
	require.NoError(t, err)
	assert.Nil(t, ts)
}

func TestFirstTransferTimestampReturnsEarliest(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"1","message":"OK","result":[
			{"hash":"0xaaa","from":"0xuser","to":"0xbbb","methodId":"0x1","timeStamp":"1600000000","blockNumber":"1","value":"0"}
		]}`))
	})

	ts, err := client.FirstTransferTimestamp(context.Background(), "0xuser")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, int64(1600000000), ts.Unix())
}

func TestNormalTransactionsRetriesOn500(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"status":"1","message":"OK","result":[]}`))
	})
	client.resilience = surveillance.NewResilience("explorer", nil, nil, surveillance.RetryConfig{
		MaxRetries: 2, InitialBackoff: time.Millisecond, BackoffMultiple: 2, JitterPercent: 0,
	}, nil, nil)

	_, err := client.NormalTransactions(context.Background(), "0xuser", "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

