// Package explorer wraps a block-explorer HTTP endpoint (spec §4.E): an
// alternative source of first-transfer timestamp and normal-transaction
// history, keyed by method-id, used when the chain RPC asset-transfer
// extension disagrees or is unavailable.
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	surveillance "github.com/marketsentinel/surveillance"
)

// Transaction is a single normal transaction as reported by the explorer's
// "list of normal transactions" endpoint.
type Transaction struct {
	Hash      string
	From      string
	To        string
	MethodID  string
	Timestamp time.Time
	BlockNumber uint64
	ValueWei  string
}

// Client wraps an explorer's HTTP API (Etherscan-family: a single endpoint
// selected by a "module"/"action" query pair and an API key).
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	resilience *surveillance.Resilience
	logger     surveillance.Logger
}

// New builds an explorer client against baseURL (e.g.
// "https://api.etherscan.io/api").
func New(baseURL, apiKey string, httpClient *http.Client, resilience *surveillance.Resilience, logger surveillance.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient, resilience: resilience, logger: logger}
}

type txListResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type txWire struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	MethodID    string `json:"methodId"`
	TimeStamp   string `json:"timeStamp"`
	BlockNumber string `json:"blockNumber"`
	Value       string `json:"value"`
}

// NormalTransactions returns address's normal (external) transaction
// history, most ascending by default (explorer convention), optionally
// filtered to a single methodID ("" means no filter).
func (c *Client) NormalTransactions(ctx context.Context, address, methodID string, page, offset int) ([]Transaction, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("sort", "asc")
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	var wire []txWire
	err := c.resilience.Call(ctx, func(ctx context.Context) error {
		body, status, err := c.get(ctx, q)
		if err != nil {
			return err
		}
		if retryable := classifyHTTPStatus(status); retryable != nil {
			return retryable
		}

		var resp txListResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return &surveillance.UpstreamBadDataError{Upstream: "explorer", Reason: "malformed txlist response: " + err.Error()}
		}
		if resp.Status == "0" && resp.Message != "No transactions found" {
			return &surveillance.UpstreamBadDataError{Upstream: "explorer", Reason: resp.Message}
		}
		if len(resp.Result) > 0 {
			_ = json.Unmarshal(resp.Result, &wire)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Transaction, 0, len(wire))
	for _, w := range wire {
		if methodID != "" && !strings.EqualFold(w.MethodID, methodID) {
			continue
		}
		ts, _ := strconv.ParseInt(w.TimeStamp, 10, 64)
		blockNum, _ := strconv.ParseUint(w.BlockNumber, 10, 64)
		out = append(out, Transaction{
			Hash:        w.Hash,
			From:        strings.ToLower(w.From),
			To:          strings.ToLower(w.To),
			MethodID:    w.MethodID,
			Timestamp:   time.Unix(ts, 0).UTC(),
			BlockNumber: blockNum,
			ValueWei:    w.Value,
		})
	}
	return out, nil
}

// FirstTransferTimestamp returns the timestamp of address's earliest normal
// transaction, or nil if the address has none (spec §8 boundary: "zero
// historical transfers yields walletAgeDays = null, not 0").
func (c *Client) FirstTransferTimestamp(ctx context.Context, address string) (*time.Time, error) {
	txs, err := c.NormalTransactions(ctx, address, "", 1, 1)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0].Timestamp, nil
}

func (c *Client) get(ctx context.Context, q url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, &surveillance.InvalidInputError{Field: "request", Reason: err.Error()}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &surveillance.TransportError{Upstream: "explorer", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &surveillance.TransportError{Upstream: "explorer", Err: err}
	}
	return body, resp.StatusCode, nil
}

// classifyHTTPStatus maps an HTTP status to the retry taxonomy of spec §4.E:
// 429 and 5xx retry, 408 retries, other 4xx never retry.
func classifyHTTPStatus(status int) error {
	switch {
	case status == 0 || status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &surveillance.RateLimitedError{Upstream: "explorer", RetryAfter: 5 * time.Second}
	case status == http.StatusRequestTimeout || status >= 500:
		return &surveillance.TransportError{Upstream: "explorer", Err: fmt.Errorf("status %d", status)}
	default:
		return &surveillance.UpstreamBadDataError{Upstream: "explorer", Reason: fmt.Sprintf("status %d", status)}
	}
}
