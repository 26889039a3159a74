// Package duplicator provides a Go SDK for the duplicator engine's HTTP
// API. It carries its own wire types so importers do not depend on the
// server's internals.
package duplicator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderIntent is a request to buy or sell, duplicated across all enabled
// brokers by the server.
type OrderIntent struct {
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`       // "BUY" or "SELL"
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	OrderType  string          `json:"order_type"` // "LMT", "MKT", "SL", "SL-M"
	Exchange   string          `json:"exchange,omitempty"`
}

// OrderChanges carries the mutable fields of a modify request. Nil fields
// are left unchanged.
type OrderChanges struct {
	Quantity *int64           `json:"quantity,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
}

// OrderLeg is the portion of an order routed to one broker.
type OrderLeg struct {
	BrokerID      string          `json:"broker_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	State         string          `json:"state"`
	FilledQty     int64           `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	LastError     string          `json:"last_error,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Order is the canonical duplicated order as returned by the server.
type Order struct {
	ID         string          `json:"order_id"`
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	OrderType  string          `json:"order_type"`
	Exchange   string          `json:"exchange"`
	State      string          `json:"state"`
	Legs       []OrderLeg      `json:"legs"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Position is one open position at one broker.
type Position struct {
	BrokerID     string          `json:"broker_id"`
	Instrument   string          `json:"instrument"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PnL          decimal.Decimal `json:"pnl"`
	MTM          decimal.Decimal `json:"mtm"`
}

// BrokerStatus is a snapshot of one broker connection.
type BrokerStatus struct {
	BrokerID        string `json:"broker_id"`
	Enabled         bool   `json:"enabled"`
	PrimaryQuotes   bool   `json:"primary_quotes"`
	ConnectionState string `json:"connection_state"`
}

// PriceTick is a last-traded-price update.
type PriceTick struct {
	Instrument   string          `json:"instrument"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Volume       int64           `json:"volume,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	SourceBroker string          `json:"source_broker_id"`
}

// Client talks to a running duplicator server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client for the given base URL, e.g.
// "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("duplicator API: %d %s", e.StatusCode, e.Message)
}

// SubmitOrder duplicates the intent across all enabled brokers and returns
// the canonical order, typically still in DISPATCHING.
func (c *Client) SubmitOrder(ctx context.Context, intent OrderIntent) (Order, error) {
	var order Order
	err := c.do(ctx, http.MethodPost, "/api/orders", intent, &order)
	return order, err
}

// GetOrder retrieves one order by ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var order Order
	err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID), nil, &order)
	return order, err
}

// ListOrders retrieves orders, optionally filtered by instrument and
// states. states are OR-ed together.
func (c *Client) ListOrders(ctx context.Context, instrument string, states ...string) ([]Order, error) {
	q := url.Values{}
	if instrument != "" {
		q.Set("instrument", instrument)
	}
	if len(states) > 0 {
		q.Set("state", strings.Join(states, ","))
	}
	path := "/api/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var orders []Order
	err := c.do(ctx, http.MethodGet, path, nil, &orders)
	return orders, err
}

// ModifyOrder applies quantity and/or price changes to every open leg.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, changes OrderChanges) (Order, error) {
	var order Order
	err := c.do(ctx, http.MethodPatch, "/api/orders/"+url.PathEscape(orderID), changes, &order)
	return order, err
}

// CancelOrder requests cancellation of every cancellable leg.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (Order, error) {
	var order Order
	err := c.do(ctx, http.MethodDelete, "/api/orders/"+url.PathEscape(orderID), nil, &order)
	return order, err
}

// Positions retrieves open positions across all brokers.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var positions []Position
	err := c.do(ctx, http.MethodGet, "/api/positions", nil, &positions)
	return positions, err
}

// Brokers retrieves the status of every configured broker connection.
func (c *Client) Brokers(ctx context.Context) ([]BrokerStatus, error) {
	var statuses []BrokerStatus
	err := c.do(ctx, http.MethodGet, "/api/brokers", nil, &statuses)
	return statuses, err
}

// LastPrice retrieves the last traded price for an instrument.
func (c *Client) LastPrice(ctx context.Context, instrument string) (PriceTick, error) {
	var tick PriceTick
	err := c.do(ctx, http.MethodGet, "/api/ltp/"+url.PathEscape(instrument), nil, &tick)
	return tick, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
