package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSubscribeCapturingServer records every subscribe message it receives
// and echoes a single trade event back so dispatch can be exercised.
func newSubscribeCapturingServer(t *testing.T, received chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case received <- string(msg):
			default:
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"trade","asset_id":"tok1"}`))
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSubscribeSendsExactCurrentTokenSet(t *testing.T) {
	received := make(chan string, 10)
	server := newSubscribeCapturingServer(t, received)
	defer server.Close()

	client := New(wsURL(server), nil, nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	require.NoError(t, client.Subscribe("tok1", "tok2"))

	select {
	case msg := <-received:
		assert.Contains(t, msg, "tok1")
		assert.Contains(t, msg, "tok2")
		assert.Contains(t, msg, `"type":"market"`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe message")
	}
}

func TestEventsDispatchToRegisteredHandlers(t *testing.T) {
	received := make(chan string, 10)
	server := newSubscribeCapturingServer(t, received)
	defer server.Close()

	client := New(wsURL(server), nil, nil)

	var mu sync.Mutex
	var gotEvents []Event
	client.OnEvent(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		gotEvents = append(gotEvents, e)
	})

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()
	require.NoError(t, client.Subscribe("tok1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotEvents) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventTrade, gotEvents[0].Type)
	assert.Equal(t, "tok1", gotEvents[0].AssetID)
}

func TestCurrentSubscriptionsTracksAddAndRemove(t *testing.T) {
	received := make(chan string, 10)
	server := newSubscribeCapturingServer(t, received)
	defer server.Close()

	client := New(wsURL(server), nil, nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	require.NoError(t, client.Subscribe("tok1", "tok2"))
	assert.ElementsMatch(t, []string{"tok1", "tok2"}, client.CurrentSubscriptions())

	require.NoError(t, client.Unsubscribe("tok1"))
	assert.ElementsMatch(t, []string{"tok2"}, client.CurrentSubscriptions())
}
