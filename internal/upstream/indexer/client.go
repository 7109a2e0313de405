// Package indexer wraps the GraphQL indexer endpoint (spec §4.E): user
// activity (splits/merges/redemptions), user positions with P&L,
// maker/taker CLOB trade history, proxy->signer mapping, and recent CLOB
// trades filtered to a token-id set. Queries are composed as plain
// JSON-over-HTTP POST bodies (SPEC_FULL §3: no GraphQL client library
// appears anywhere in the retrieved corpus) rather than through a GraphQL
// client package.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
)

// ActivityType enumerates the position-lifecycle events spec §4.E names.
type ActivityType string

const (
	ActivitySplit      ActivityType = "split"
	ActivityMerge      ActivityType = "merge"
	ActivityRedemption ActivityType = "redemption"
)

// Activity is a single splits/merges/redemptions event for a user.
type Activity struct {
	ID        string
	Type      ActivityType
	MarketID  string
	Amount    decimal.Decimal
	Timestamp time.Time
}

// Position is a user's net position in one condition, with deposit/
// withdrawal and P&L tracking (spec §4.E).
type Position struct {
	ConditionID    string
	NetDeposits    decimal.Decimal
	NetWithdrawals decimal.Decimal
	RealizedPnL    decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	ValueUSD       decimal.Decimal
}

// CLOBTrade is a single fill as reported by the indexer, with the user's
// role in the fill (maker or taker) attached so maker+taker query results
// can be merged.
type CLOBTrade struct {
	EventID   string
	MarketID  string
	TokenID   string
	Maker     string
	Taker     string
	Side      string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp time.Time
	TxHash    string
}

// Client is a thin GraphQL-over-HTTP wrapper.
type Client struct {
	endpoint   string
	httpClient *http.Client
	resilience *surveillance.Resilience
	logger     surveillance.Logger
}

// New builds an indexer client against endpoint.
func New(endpoint string, httpClient *http.Client, resilience *surveillance.Resilience, logger surveillance.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	return &Client{endpoint: endpoint, httpClient: httpClient, resilience: resilience, logger: logger}
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

// query executes a GraphQL request against the indexer and unmarshals the
// "data" field of the response into dest.
func (c *Client) query(ctx context.Context, gqlQuery string, variables map[string]interface{}, dest interface{}) error {
	return c.resilience.Call(ctx, func(ctx context.Context) error {
		payload, err := json.Marshal(graphqlRequest{Query: gqlQuery, Variables: variables})
		if err != nil {
			return &surveillance.InvalidInputError{Field: "variables", Reason: err.Error()}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return &surveillance.InvalidInputError{Field: "request", Reason: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &surveillance.TransportError{Upstream: "indexer", Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &surveillance.TransportError{Upstream: "indexer", Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return &surveillance.RateLimitedError{Upstream: "indexer", RetryAfter: 5 * time.Second}
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
			return &surveillance.TransportError{Upstream: "indexer", Err: fmt.Errorf("status %d", resp.StatusCode)}
		case resp.StatusCode == http.StatusNotFound:
			return &surveillance.NotFoundError{Entity: "indexer_resource", Key: c.endpoint}
		case resp.StatusCode >= 400:
			return &surveillance.UpstreamBadDataError{Upstream: "indexer", Reason: fmt.Sprintf("status %d", resp.StatusCode)}
		}

		var gr graphqlResponse
		if err := json.Unmarshal(body, &gr); err != nil {
			return &surveillance.UpstreamBadDataError{Upstream: "indexer", Reason: "malformed graphql envelope: " + err.Error()}
		}
		if len(gr.Errors) > 0 {
			return &surveillance.UpstreamBadDataError{Upstream: "indexer", Reason: gr.Errors[0].Message}
		}
		if dest == nil || len(gr.Data) == 0 {
			return nil
		}
		return json.Unmarshal(gr.Data, dest)
	})
}

const activityQuery = `query UserActivity($user: String!) {
  activities(where: { user: $user }) {
    id type market amount timestamp
  }
}`

// UserActivity returns user's splits/merges/redemptions history.
func (c *Client) UserActivity(ctx context.Context, address string) ([]Activity, error) {
	var result struct {
		Activities []struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			Market    string `json:"market"`
			Amount    string `json:"amount"`
			Timestamp string `json:"timestamp"`
		} `json:"activities"`
	}
	if err := c.query(ctx, activityQuery, map[string]interface{}{"user": address}, &result); err != nil {
		return nil, err
	}

	out := make([]Activity, 0, len(result.Activities))
	for _, a := range result.Activities {
		out = append(out, Activity{
			ID:        a.ID,
			Type:      ActivityType(a.Type),
			MarketID:  a.Market,
			Amount:    parseDecimal(a.Amount),
			Timestamp: parseUnixSeconds(a.Timestamp),
		})
	}
	return out, nil
}

const positionsQuery = `query UserPositions($user: String!) {
  positions(where: { user: $user }) {
    condition netDeposits netWithdrawals realizedPnl unrealizedPnl valueUsd
  }
}`

// UserPositions returns user's per-condition position and P&L (spec §4.E).
func (c *Client) UserPositions(ctx context.Context, address string) ([]Position, error) {
	var result struct {
		Positions []struct {
			Condition      string `json:"condition"`
			NetDeposits    string `json:"netDeposits"`
			NetWithdrawals string `json:"netWithdrawals"`
			RealizedPnl    string `json:"realizedPnl"`
			UnrealizedPnl  string `json:"unrealizedPnl"`
			ValueUSD       string `json:"valueUsd"`
		} `json:"positions"`
	}
	if err := c.query(ctx, positionsQuery, map[string]interface{}{"user": address}, &result); err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(result.Positions))
	for _, p := range result.Positions {
		out = append(out, Position{
			ConditionID:    p.Condition,
			NetDeposits:    parseDecimal(p.NetDeposits),
			NetWithdrawals: parseDecimal(p.NetWithdrawals),
			RealizedPnL:    parseDecimal(p.RealizedPnl),
			UnrealizedPnL:  parseDecimal(p.UnrealizedPnl),
			ValueUSD:       parseDecimal(p.ValueUSD),
		})
	}
	return out, nil
}

const clobTradesAsMakerQuery = `query TradesAsMaker($user: String!) {
  trades(where: { maker: $user }) {
    id market tokenId maker taker side price size timestamp txHash
  }
}`

const clobTradesAsTakerQuery = `query TradesAsTaker($user: String!) {
  trades(where: { taker: $user }) {
    id market tokenId maker taker side price size timestamp txHash
  }
}`

type tradeWire struct {
	ID        string `json:"id"`
	Market    string `json:"market"`
	TokenID   string `json:"tokenId"`
	Maker     string `json:"maker"`
	Taker     string `json:"taker"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
	TxHash    string `json:"txHash"`
}

func (w tradeWire) toTrade() CLOBTrade {
	return CLOBTrade{
		EventID:   w.ID,
		MarketID:  w.Market,
		TokenID:   w.TokenID,
		Maker:     strings.ToLower(w.Maker),
		Taker:     strings.ToLower(w.Taker),
		Side:      w.Side,
		Price:     parseDecimal(w.Price),
		Size:      parseDecimal(w.Size),
		Timestamp: parseUnixSeconds(w.Timestamp),
		TxHash:    w.TxHash,
	}
}

// CLOBTrades runs the maker and taker queries for address in parallel and
// merges the results, de-duplicating by event id (spec §4.E: "parallel
// queries, merged with de-duplication by event id").
func (c *Client) CLOBTrades(ctx context.Context, address string) ([]CLOBTrade, error) {
	type queryResult struct {
		trades []tradeWire
		err    error
	}
	makerCh := make(chan queryResult, 1)
	takerCh := make(chan queryResult, 1)

	go func() {
		var result struct {
			Trades []tradeWire `json:"trades"`
		}
		err := c.query(ctx, clobTradesAsMakerQuery, map[string]interface{}{"user": address}, &result)
		makerCh <- queryResult{trades: result.Trades, err: err}
	}()
	go func() {
		var result struct {
			Trades []tradeWire `json:"trades"`
		}
		err := c.query(ctx, clobTradesAsTakerQuery, map[string]interface{}{"user": address}, &result)
		takerCh <- queryResult{trades: result.Trades, err: err}
	}()

	maker := <-makerCh
	taker := <-takerCh
	if maker.err != nil {
		return nil, maker.err
	}
	if taker.err != nil {
		return nil, taker.err
	}

	seen := make(map[string]struct{}, len(maker.trades)+len(taker.trades))
	merged := make([]CLOBTrade, 0, len(maker.trades)+len(taker.trades))
	for _, w := range maker.trades {
		if _, ok := seen[w.ID]; ok {
			continue
		}
		seen[w.ID] = struct{}{}
		merged = append(merged, w.toTrade())
	}
	for _, w := range taker.trades {
		if _, ok := seen[w.ID]; ok {
			continue
		}
		seen[w.ID] = struct{}{}
		merged = append(merged, w.toTrade())
	}
	return merged, nil
}

const recentTradesQuery = `query RecentTrades($tokenIds: [String!]!, $sinceBlock: Int!) {
  trades(where: { tokenId_in: $tokenIds, block_gte: $sinceBlock }) {
    id market tokenId maker taker side price size timestamp txHash
  }
}`

// RecentCLOBTrades returns CLOB trades since sinceBlock filtered to
// tokenIDs (spec §4.E: "recent CLOB trades by block/time window filtered
// to a set of token ids"), used by the pull poller.
func (c *Client) RecentCLOBTrades(ctx context.Context, tokenIDs []string, sinceBlock uint64) ([]CLOBTrade, error) {
	var result struct {
		Trades []tradeWire `json:"trades"`
	}
	variables := map[string]interface{}{"tokenIds": tokenIDs, "sinceBlock": sinceBlock}
	if err := c.query(ctx, recentTradesQuery, variables, &result); err != nil {
		return nil, err
	}
	out := make([]CLOBTrade, 0, len(result.Trades))
	for _, w := range result.Trades {
		out = append(out, w.toTrade())
	}
	return out, nil
}

const proxySignerQuery = `query ProxySigner($proxy: String!) {
  proxyWallet(id: $proxy) { signer }
}`

// ProxyToSigner resolves a proxy contract address to its signer EOA (spec
// §4.J identity resolution). Returns NotFoundError when the indexer has no
// mapping for proxy, which callers should treat as "proceed with the given
// address" per spec §4.J.
func (c *Client) ProxyToSigner(ctx context.Context, proxy string) (string, error) {
	var result struct {
		ProxyWallet *struct {
			Signer string `json:"signer"`
		} `json:"proxyWallet"`
	}
	if err := c.query(ctx, proxySignerQuery, map[string]interface{}{"proxy": proxy}, &result); err != nil {
		return "", err
	}
	if result.ProxyWallet == nil {
		return "", &surveillance.NotFoundError{Entity: "proxy_signer_mapping", Key: proxy}
	}
	return strings.ToLower(result.ProxyWallet.Signer), nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseUnixSeconds(s string) time.Time {
	d := parseDecimal(s)
	return time.Unix(d.IntPart(), 0).UTC()
}
