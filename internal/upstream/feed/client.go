// Package feed implements the market-feed WebSocket client (spec §4.E): a
// single multiplexed connection subscribed to a set of token ids, dispatch
// of price-change/book/trade/tick-size-change/last-trade-price events to
// registered handlers, a 30s ping / 5s pong-timeout heartbeat, and
// exponential-backoff reconnection that resubscribes the full current
// token-id set in one batched message (spec §8 invariant 5).
package feed

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	surveillance "github.com/marketsentinel/surveillance"
)

// EventType is one of the event kinds the feed multiplexes onto a single
// connection (spec §4.E, §6).
type EventType string

const (
	EventBook            EventType = "book"
	EventPriceChange     EventType = "price_change"
	EventTrade           EventType = "trade"
	EventTickSizeChange  EventType = "tick_size_change"
	EventLastTradePrice  EventType = "last_trade_price"
)

// Event is a parsed feed message, normalized across the event types (spec
// §6: "event shapes include event_type with token-id keyed payload").
type Event struct {
	Type    EventType
	AssetID string
	Raw     json.RawMessage
}

// Handler is invoked for every event dispatched from the WebSocket reader's
// own task. Per spec §5, handlers must be non-blocking and enqueue work
// rather than process inline.
type Handler func(Event)

// State is the WebSocket connection lifecycle (spec §4 State machines).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateSubscribed   State = "subscribed"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const (
	pingInterval      = 30 * time.Second
	pongTimeout       = 5 * time.Second
	maxReconnectDelay = 60 * time.Second
	defaultMaxAttempts = 20
)

// subscribeMessage is the wire shape spec §6 specifies:
// {assets_ids: [token_id…], type: "market"}.
type subscribeMessage struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

type unsubscribeMessage struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
	Action    string   `json:"action"`
}

type wireEvent struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Raw       json.RawMessage `json:"-"`
}

// Client manages one feed WebSocket connection and its subscription set.
type Client struct {
	url        string
	logger     surveillance.Logger
	metrics    surveillance.Metrics
	maxAttempts int

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	tokenIDs  map[string]struct{}
	handlers  []Handler

	writeMu sync.Mutex
	closed  chan struct{}
}

// New builds a feed client against url, not yet connected.
func New(url string, logger surveillance.Logger, metrics surveillance.Metrics) *Client {
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	return &Client{
		url:         url,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: defaultMaxAttempts,
		state:       StateDisconnected,
		tokenIDs:    make(map[string]struct{}),
	}
}

// OnEvent registers a handler invoked for every dispatched event.
func (c *Client) OnEvent(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the feed, starts the read loop and heartbeat in background
// goroutines, and subscribes to the current token-id set (empty on first
// connect). Connect returns once the connection is open; subscription
// confirmation is asynchronous.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return &surveillance.TransportError{Upstream: "market-feed", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = make(chan struct{})
	c.mu.Unlock()
	c.setState(StateOpen)

	go c.readLoop(conn, c.closed)
	go c.heartbeatLoop(conn, c.closed)

	if err := c.resubscribeAll(); err != nil {
		c.logger.Warn("initial subscribe failed", "error", err)
	} else {
		c.setState(StateSubscribed)
	}
	return nil
}

// Subscribe adds tokenIDs to the live subscription set and sends a single
// subscribe message for the full updated set (simpler and equally correct
// as an incremental message, and matches the "resubscribe full set" wire
// shape used on reconnect).
func (c *Client) Subscribe(tokenIDs ...string) error {
	c.mu.Lock()
	for _, id := range tokenIDs {
		c.tokenIDs[id] = struct{}{}
	}
	c.mu.Unlock()
	return c.resubscribeAll()
}

// Unsubscribe removes tokenIDs from the live set and tells the feed to
// stop sending them.
func (c *Client) Unsubscribe(tokenIDs ...string) error {
	c.mu.Lock()
	for _, id := range tokenIDs {
		delete(c.tokenIDs, id)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.writeJSON(conn, unsubscribeMessage{AssetsIDs: tokenIDs, Type: "market", Action: "unsubscribe"})
}

// CurrentSubscriptions returns the token ids currently subscribed.
func (c *Client) CurrentSubscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.tokenIDs))
	for id := range c.tokenIDs {
		ids = append(ids, id)
	}
	return ids
}

// resubscribeAll sends exactly one subscribe message carrying the current
// token-id set (spec §8 invariant 5: reconnect, or any resubscribe, must
// emit a single message containing the exact current set).
func (c *Client) resubscribeAll() error {
	c.mu.Lock()
	conn := c.conn
	ids := make([]string, 0, len(c.tokenIDs))
	for id := range c.tokenIDs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	if conn == nil || len(ids) == 0 {
		return nil
	}
	return c.writeJSON(conn, subscribeMessage{AssetsIDs: ids, Type: "market"})
}

func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return &surveillance.TransportError{Upstream: "market-feed", Err: err}
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// readLoop parses incoming messages (single event or an array of events)
// and dispatches each to every registered handler synchronously, in the
// reader's own goroutine (spec §5: handlers must not block).
func (c *Client) readLoop(conn *websocket.Conn, closed chan struct{}) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(closed)
			if c.State() == StateDisconnected {
				return // the connection was closed by Close
			}
			c.logger.Warn("feed read error, will reconnect", "error", err)
			c.handleDisconnect()
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var events []wireEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var single wireEvent
		if err := json.Unmarshal(data, &single); err != nil {
			c.logger.Warn("unparseable feed message", "error", err)
			return
		}
		events = []wireEvent{single}
	}

	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, we := range events {
		ev := Event{Type: EventType(strings.ToLower(we.EventType)), AssetID: we.AssetID, Raw: we.Raw}
		for _, h := range handlers {
			h(ev)
		}
	}
}

// heartbeatLoop pings every pingInterval; if no pong-driven read-deadline
// refresh occurs within pongTimeout of the ping, the connection is
// considered dead and torn down to trigger reconnect (spec §4.E).
func (c *Client) heartbeatLoop(conn *websocket.Conn, closed chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("feed ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// handleDisconnect transitions to reconnecting and retries with
// exponential backoff capped at maxReconnectDelay, up to maxAttempts. A
// successful reconnect resubscribes the full current token-id set in one
// message; exhausting attempts transitions to failed (recoverable via
// health probe per spec §4 state machines).
func (c *Client) handleDisconnect() {
	c.setState(StateReconnecting)
	c.metrics.Increment(surveillance.MetricUpstreamCallError, "upstream", "market-feed")

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		delay := backoffDelay(attempt)
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.logger.Info("feed reconnected", "attempt", attempt)
			return
		}
		c.logger.Warn("feed reconnect attempt failed", "attempt", attempt, "error", err)
	}

	c.setState(StateFailed)
	c.logger.Error("feed reconnect exhausted attempts, giving up", "max_attempts", c.maxAttempts)
}

func backoffDelay(attempt int) time.Duration {
	base := time.Second
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

// Close gracefully shuts down the connection and stops background loops.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.setState(StateDisconnected)
	return conn.Close()
}
