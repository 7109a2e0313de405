// Package marketdata wraps the HTTP "data API" (spec §4.E): exchange
// trades by market, user activity summaries, and orderbook snapshots. Used
// by the pull poller (4.G) and the Signal Detector's liquidity/volume
// impact methods (4.I).
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
)

// Trade is a single fill as reported by the data API.
type Trade struct {
	ID          string
	ConditionID string
	TokenID     string
	Side        string
	Outcome     string
	Price       decimal.Decimal
	Size        decimal.Decimal
	Taker       string
	Maker       string
	Timestamp   time.Time
	TxHash      string
}

// USDValue is size * price for this trade.
func (t Trade) USDValue() decimal.Decimal { return t.Size.Mul(t.Price) }

// ActivitySummary is a coarse per-user rollup from the data API (spec §4.E
// "user activity summary"), used as a cheap first pass before the more
// expensive indexer/on-chain forensics paths.
type ActivitySummary struct {
	Address      string
	TradeCount   int
	VolumeUSD    decimal.Decimal
	MarketsCount int
}

// OrderbookLevel is one price/size pair on one side of the book.
type OrderbookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Orderbook is a snapshot of both sides of a token's order book (spec
// §4.I liquidity-impact method denominator).
type Orderbook struct {
	TokenID   string
	Bids      []OrderbookLevel
	Asks      []OrderbookLevel
	Timestamp time.Time
}

// AvailableLiquidity sums price*size across the top n levels of side
// ("bids" or "asks"), the "available-liquidity" denominator spec §4.I
// defines for the liquidity impact method.
func (ob Orderbook) AvailableLiquidity(side string, n int) decimal.Decimal {
	levels := ob.Bids
	if side == "asks" {
		levels = ob.Asks
	}
	if n > len(levels) {
		n = len(levels)
	}
	total := decimal.Zero
	for _, l := range levels[:n] {
		total = total.Add(l.Price.Mul(l.Size))
	}
	return total
}

// Client wraps the data API's HTTP endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	resilience *surveillance.Resilience
	logger     surveillance.Logger
}

// New builds a market-data client against baseURL.
func New(baseURL string, httpClient *http.Client, resilience *surveillance.Resilience, logger surveillance.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, resilience: resilience, logger: logger}
}

type tradeWire struct {
	ID          string `json:"id"`
	ConditionID string `json:"conditionId"`
	TokenID     string `json:"tokenId"`
	Side        string `json:"side"`
	Outcome     string `json:"outcome"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	Taker       string `json:"taker"`
	Maker       string `json:"maker"`
	Timestamp   int64  `json:"timestamp"`
	TxHash      string `json:"transactionHash"`
}

// TradesForConditions returns recent trades across conditionIDs, sorted
// most-recent-first, filtered to USD value >= minUSD (spec §4.E: "sorted
// most-recent-first, minimum-USD filter").
func (c *Client) TradesForConditions(ctx context.Context, conditionIDs []string, minUSD decimal.Decimal, limit int) ([]Trade, error) {
	q := url.Values{}
	for _, id := range conditionIDs {
		q.Add("market", id)
	}
	q.Set("limit", strconv.Itoa(limit))

	var wire []tradeWire
	if err := c.getJSON(ctx, "/trades", q, &wire); err != nil {
		return nil, err
	}

	out := make([]Trade, 0, len(wire))
	for _, w := range wire {
		t := Trade{
			ID:          w.ID,
			ConditionID: w.ConditionID,
			TokenID:     w.TokenID,
			Side:        w.Side,
			Outcome:     w.Outcome,
			Price:       parseDecimal(w.Price),
			Size:        parseDecimal(w.Size),
			Taker:       w.Taker,
			Maker:       w.Maker,
			Timestamp:   surveillance.NormalizeTimestamp(w.Timestamp),
			TxHash:      w.TxHash,
		}
		if minUSD.IsPositive() && t.USDValue().LessThan(minUSD) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// UserActivitySummary returns a coarse rollup of address's trading
// history, used as a fast pre-check before the full forensics path.
func (c *Client) UserActivitySummary(ctx context.Context, address string) (*ActivitySummary, error) {
	var wire struct {
		Address      string `json:"address"`
		TradeCount   int    `json:"tradeCount"`
		VolumeUSD    string `json:"volumeUsd"`
		MarketsCount int    `json:"marketsCount"`
	}
	q := url.Values{"address": {address}}
	if err := c.getJSON(ctx, "/activity", q, &wire); err != nil {
		return nil, err
	}
	return &ActivitySummary{
		Address:      wire.Address,
		TradeCount:   wire.TradeCount,
		VolumeUSD:    parseDecimal(wire.VolumeUSD),
		MarketsCount: wire.MarketsCount,
	}, nil
}

type orderbookWire struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

// OrderbookSnapshot returns the current order book for tokenID.
func (c *Client) OrderbookSnapshot(ctx context.Context, tokenID string) (*Orderbook, error) {
	var wire orderbookWire
	q := url.Values{"token_id": {tokenID}}
	if err := c.getJSON(ctx, "/book", q, &wire); err != nil {
		return nil, err
	}
	return &Orderbook{
		TokenID:   tokenID,
		Bids:      levelsFromWire(wire.Bids),
		Asks:      levelsFromWire(wire.Asks),
		Timestamp: surveillance.Now(),
	}, nil
}

func levelsFromWire(pairs [][2]string) []OrderbookLevel {
	out := make([]OrderbookLevel, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, OrderbookLevel{Price: parseDecimal(p[0]), Size: parseDecimal(p[1])})
	}
	return out
}

// MarketStats is the periodic open-interest/volume refresh input spec §4.F
// names ("fetch current liquidity + volume per market from the market-data
// source").
type MarketStats struct {
	ConditionID  string
	OpenInterest decimal.Decimal
	Volume       decimal.Decimal
}

// MarketStatsFor returns current open-interest and volume for conditionID.
func (c *Client) MarketStatsFor(ctx context.Context, conditionID string) (*MarketStats, error) {
	var wire struct {
		OpenInterest string `json:"openInterest"`
		Volume       string `json:"volume"`
	}
	q := url.Values{"condition_id": {conditionID}}
	if err := c.getJSON(ctx, "/market-stats", q, &wire); err != nil {
		return nil, err
	}
	return &MarketStats{
		ConditionID:  conditionID,
		OpenInterest: parseDecimal(wire.OpenInterest),
		Volume:       parseDecimal(wire.Volume),
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, dest interface{}) error {
	return c.resilience.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
		if err != nil {
			return &surveillance.InvalidInputError{Field: "request", Reason: err.Error()}
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &surveillance.TransportError{Upstream: "market-data", Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &surveillance.TransportError{Upstream: "market-data", Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return &surveillance.RateLimitedError{Upstream: "market-data", RetryAfter: 5 * time.Second}
		case resp.StatusCode == http.StatusNotFound:
			return &surveillance.NotFoundError{Entity: "market_data_resource", Key: path}
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
			return &surveillance.TransportError{Upstream: "market-data", Err: fmt.Errorf("status %d", resp.StatusCode)}
		case resp.StatusCode >= 400:
			return &surveillance.UpstreamBadDataError{Upstream: "market-data", Reason: fmt.Sprintf("status %d", resp.StatusCode)}
		}

		if dest == nil {
			return nil
		}
		if err := json.Unmarshal(body, dest); err != nil {
			return &surveillance.UpstreamBadDataError{Upstream: "market-data", Reason: "malformed response: " + err.Error()}
		}
		return nil
	})
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
