// Package tradesync provides a Go SDK for the tradesync-server API.
package tradesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a running tradesync-server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tradesync API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// ReconcileRequest overrides the server's configured defaults for one run.
// Nil boolean fields leave the server default in place.
type ReconcileRequest struct {
	Label                string   `json:"label,omitempty"`
	DryRun               *bool    `json:"dry_run,omitempty"`
	Force                *bool    `json:"force,omitempty"`
	WorkingOrdersOnly    *bool    `json:"working_orders_only,omitempty"`
	ExcludeWorkingOrders *bool    `json:"exclude_working_orders,omitempty"`
	CloseUnknown         *bool    `json:"close_unknown,omitempty"`
	IgnoreErrors         *bool    `json:"ignore_errors,omitempty"`
	Markets              []string `json:"markets,omitempty"`
	Currency             string   `json:"currency,omitempty"`
}

// Order is one order as reported by the API. Quantities and prices are
// decimal strings.
type Order struct {
	Action    string `json:"action"`
	Quant     string `json:"quant"`
	OrderType string `json:"order_type"`
	Limit     string `json:"limit,omitempty"`
	Stop      string `json:"stop,omitempty"`
	TIF       string `json:"tif,omitempty"`
	OrderRef  string `json:"order_ref,omitempty"`
	AttachRef string `json:"attach_ref,omitempty"`
	Symbol    string `json:"symbol"`
	Market    string `json:"market"`
	Status    string `json:"status,omitempty"`
}

// OrderFailure names a contract whose mutations the broker rejected.
type OrderFailure struct {
	Symbol string `json:"symbol"`
	Market string `json:"market"`
	Error  string `json:"error"`
}

// ReconcileResult is the outcome of one reconciliation run.
type ReconcileResult struct {
	Label    string         `json:"label"`
	DryRun   bool           `json:"dry_run"`
	Posted   int            `json:"posted"`
	Orders   []Order        `json:"orders"`
	Failures []OrderFailure `json:"failures,omitempty"`
}

// RunSummary is one recorded reconciliation run.
type RunSummary struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Asof      time.Time `json:"asof"`
	DryRun    bool      `json:"dry_run"`
	Mutations int       `json:"mutations"`
	Posted    int       `json:"posted"`
	Failures  int       `json:"failures"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Position is one broker position row.
type Position struct {
	Symbol   string    `json:"symbol"`
	Market   string    `json:"market"`
	Currency string    `json:"currency,omitempty"`
	Position string    `json:"position"`
	TradedAt time.Time `json:"traded_at,omitzero"`
	Account  string    `json:"account,omitempty"`
}

// ---------------------------------------------------------------------------
// API calls
// ---------------------------------------------------------------------------

// Reconcile triggers one reconciliation run.
func (c *Client) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	var result ReconcileResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/reconcile", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRuns retrieves recorded runs, newest first. An empty label matches all
// labels; limit <= 0 uses the server default.
func (c *Client) ListRuns(ctx context.Context, label string, limit int) ([]RunSummary, error) {
	q := url.Values{}
	if label != "" {
		q.Set("label", label)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var runs []RunSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// ListRunOrders retrieves the orders one run posted.
func (c *Client) ListRunOrders(ctx context.Context, runID string) ([]Order, error) {
	var orders []Order
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/orders"
	if err := c.do(ctx, http.MethodGet, path, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// Positions retrieves the broker's current position rows.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var rows []Position
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Orders retrieves the broker's current working orders.
func (c *Client) Orders(ctx context.Context) ([]Order, error) {
	var orders []Order
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders", nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
