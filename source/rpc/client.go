// Package rpc reads contract events from the network's JSON-RPC query
// interface.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/source"
)

// Config configures a Client.
type Config struct {
	URL string

	// ContractIDs restricts events to these contracts. Empty means all.
	ContractIDs []string

	// PageLimit is the getEvents page size. MaxPages bounds how many pages
	// with unseen events one fetch returns.
	PageLimit int
	MaxPages  int

	// RPS and Burst throttle outgoing calls. Zero RPS disables throttling.
	RPS   float64
	Burst int

	Timeout time.Duration
}

// Client is a JSON-RPC client for event queries. It implements source.Fetcher.
type Client struct {
	httpClient *http.Client
	rpcURL     string
	cfg        Config
	throttle   *rate.Limiter
	requestID  atomic.Int64
	logger     *slog.Logger
}

var _ source.Fetcher = (*Client)(nil)

// NewClient returns a Client for cfg.URL.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		rpcURL:     cfg.URL,
		cfg:        cfg,
		logger:     logger,
	}
	if cfg.RPS > 0 {
		c.throttle = rate.NewLimiter(rate.Limit(cfg.RPS), max(cfg.Burst, 1))
	}
	return c
}

// FetchEvents returns events from since's ledger onward, following result
// pages until a short page or MaxPages pages holding events after since.
//
// Pages made up only of events at or before since are dropped and do not
// count toward MaxPages. A ledger with more than PageLimit*MaxPages events
// is therefore drained over several polls instead of being refetched from
// its first event forever.
func (c *Client) FetchEvents(ctx context.Context, since chainevent.Cursor) ([]source.RawEvent, error) {
	params := GetEventsParams{
		StartLedger: max(since.Ledger, 1),
		Filters:     []EventFilter{{Type: "contract", ContractIDs: c.cfg.ContractIDs}},
		Pagination:  &Pagination{Limit: c.cfg.PageLimit},
	}

	var out []source.RawEvent
	skipped := 0
	for pages := 0; pages < c.cfg.MaxPages; {
		res, err := c.GetEvents(ctx, params)
		if err != nil {
			return nil, err
		}
		if slices.ContainsFunc(res.Events, func(r source.RawEvent) bool { return since.Before(r.Position()) }) {
			out = append(out, res.Events...)
			pages++
		} else {
			skipped++
		}
		if len(res.Events) < c.cfg.PageLimit || res.Cursor == "" {
			break
		}
		params.StartLedger = 0
		params.Pagination = &Pagination{Cursor: res.Cursor, Limit: c.cfg.PageLimit}
	}
	c.logger.DebugContext(ctx, "fetched events",
		"since", since.String(), "count", len(out), "skipped_pages", skipped)
	return out, nil
}

// GetEvents issues one getEvents call.
func (c *Client) GetEvents(ctx context.Context, params GetEventsParams) (*GetEventsResult, error) {
	raw, err := c.call(ctx, "getEvents", params)
	if err != nil {
		return nil, err
	}
	var res GetEventsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("unmarshal getEvents: %w", err)
	}
	return &res, nil
}

// LatestLedger returns the newest ledger sequence the node knows.
func (c *Client) LatestLedger(ctx context.Context) (int64, error) {
	raw, err := c.call(ctx, "getLatestLedger", nil)
	if err != nil {
		return 0, err
	}
	var res LatestLedgerResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("unmarshal getLatestLedger: %w", err)
	}
	return res.Sequence, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.throttle == nil {
		return nil
	}
	r := c.throttle.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	if delay := r.Delay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

// call performs one JSON-RPC round trip. Network failures and 429/5xx
// responses are marked source.ErrTransient.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      int(c.requestID.Add(1)),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: http request: %w", source.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", source.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: http status %d: %s", source.ErrTransient, resp.StatusCode, string(respBody))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
