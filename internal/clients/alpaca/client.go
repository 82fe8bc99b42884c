// Package alpaca provides the Alpaca Trading API v2 backend.
//
// Market orders are submitted with qty or notional depending on the
// instruction's quantity mode; the instruction ID is passed as Alpaca's
// client_order_id, which makes resubmission after a crash safe: Alpaca
// rejects the duplicate and the client recovers the original order.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradelib/internal/domain"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"

	requestTimeout = 30 * time.Second
)

// Config holds Alpaca credentials and endpoint selection.
// BaseURL overrides the paper/live selection when set (used by tests).
type Config struct {
	APIKey    string
	APISecret string
	Paper     bool
	BaseURL   string
}

// Client is the Alpaca trading backend. Safe for concurrent use.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
	connected  atomic.Bool
}

var _ domain.Backend = (*Client)(nil)

// New creates an Alpaca client. Paper selects the paper trading endpoint;
// live trading requires an explicit opt-out in config.
func New(cfg Config, log zerolog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Paper {
			baseURL = paperBaseURL
		} else {
			baseURL = liveBaseURL
		}
	}
	return &Client{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.With().Str("backend", "alpaca").Bool("paper", cfg.Paper).Logger(),
	}
}

// Name returns the backend identifier.
func (c *Client) Name() string { return "alpaca" }

// SupportsNotional reports that Alpaca accepts raw currency amounts.
func (c *Client) SupportsNotional() bool { return true }

// IsConnected reports whether the most recent request succeeded.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// HealthCheck verifies credentials and that the account can trade.
func (c *Client) HealthCheck(ctx context.Context) error {
	var account accountPayload
	if err := c.doJSON(ctx, http.MethodGet, "/v2/account", nil, &account); err != nil {
		return err
	}
	if account.TradingBlocked {
		return fmt.Errorf("alpaca account is blocked from trading")
	}
	if account.Status != "ACTIVE" {
		return fmt.Errorf("alpaca account status is %s, expected ACTIVE", account.Status)
	}
	return nil
}

// AccountValue returns total account equity.
func (c *Client) AccountValue(ctx context.Context) (decimal.Decimal, error) {
	var account accountPayload
	if err := c.doJSON(ctx, http.MethodGet, "/v2/account", nil, &account); err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(account.Equity)
}

// CashBalance returns the available cash balance.
func (c *Client) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	var account accountPayload
	if err := c.doJSON(ctx, http.MethodGet, "/v2/account", nil, &account); err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(account.Cash)
}

// Positions returns current holdings, ticker -> quantity.
func (c *Client) Positions(ctx context.Context) (map[string]decimal.Decimal, error) {
	var payload []positionPayload
	if err := c.doJSON(ctx, http.MethodGet, "/v2/positions", nil, &payload); err != nil {
		return nil, err
	}

	positions := make(map[string]decimal.Decimal, len(payload))
	for _, p := range payload {
		qty, err := parseDecimal(p.Qty)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", p.Symbol, err)
		}
		positions[p.Symbol] = qty
	}
	return positions, nil
}

// PlaceOrder submits a market order. A duplicate client_order_id rejection is
// resolved by fetching the original order, so retried submissions of the same
// instruction never execute twice.
func (c *Client) PlaceOrder(ctx context.Context, inst domain.TradeInstruction) (*domain.OrderResult, error) {
	if err := inst.Validate(); err != nil {
		return nil, &domain.OrderRejectedError{Ticker: inst.Ticker, Reason: err.Error()}
	}

	req := orderRequest{
		Symbol:        inst.Ticker,
		Side:          string(inst.Side),
		Type:          "market",
		TimeInForce:   string(inst.TimeInForce),
		ClientOrderID: inst.ID,
	}
	if inst.Mode == domain.QuantityNotional {
		// Alpaca accepts notional amounts up to two decimal places.
		req.Notional = inst.Notional.RoundDown(2).String()
	} else {
		req.Qty = inst.Quantity.String()
	}

	c.log.Debug().
		Str("ticker", inst.Ticker).
		Str("side", req.Side).
		Str("qty", req.Qty).
		Str("notional", req.Notional).
		Str("client_order_id", req.ClientOrderID).
		Msg("submitting order")

	var payload orderPayload
	err := c.doJSON(ctx, http.MethodPost, "/v2/orders", &req, &payload)
	if err != nil {
		var apiErr *apiError
		if asAPIError(err, &apiErr) {
			if isDuplicateClientOrderID(apiErr) {
				c.log.Warn().Str("client_order_id", inst.ID).Msg("duplicate client order id, recovering original order")
				return c.findByClientOrderID(ctx, inst.ID)
			}
			return nil, &domain.OrderRejectedError{Ticker: inst.Ticker, Reason: apiErr.Message}
		}
		return nil, err
	}

	return toOrderResult(&payload)
}

// OrderStatus fetches the current state of an order by its Alpaca order ID.
func (c *Client) OrderStatus(ctx context.Context, backendOrderID string) (*domain.OrderResult, error) {
	var payload orderPayload
	if err := c.doJSON(ctx, http.MethodGet, "/v2/orders/"+backendOrderID, nil, &payload); err != nil {
		var apiErr *apiError
		if asAPIError(err, &apiErr) {
			return nil, fmt.Errorf("failed to fetch order %s: %w", backendOrderID, apiErr)
		}
		return nil, err
	}
	return toOrderResult(&payload)
}

// CancelOrder requests cancellation of an open order.
func (c *Client) CancelOrder(ctx context.Context, backendOrderID string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/v2/orders/"+backendOrderID, nil, nil)
	if err != nil {
		var apiErr *apiError
		if asAPIError(err, &apiErr) {
			return fmt.Errorf("failed to cancel order %s: %w", backendOrderID, apiErr)
		}
		return err
	}
	return nil
}

// findByClientOrderID recovers an order submitted with the given idempotency key
func (c *Client) findByClientOrderID(ctx context.Context, clientOrderID string) (*domain.OrderResult, error) {
	path := "/v2/orders:by_client_order_id?client_order_id=" + url.QueryEscape(clientOrderID)
	var payload orderPayload
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to recover order by client id %s: %w", clientOrderID, err)
	}
	return toOrderResult(&payload)
}

// doJSON performs one API request. Transport failures and 5xx responses become
// BackendUnavailableError; 4xx responses become *apiError for the caller to
// translate.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.APISecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.connected.Store(false)
		return &domain.BackendUnavailableError{Backend: "alpaca", Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.connected.Store(false)
		return &domain.BackendUnavailableError{
			Backend: "alpaca",
			Op:      method + " " + path,
			Err:     fmt.Errorf("server returned %s", resp.Status),
		}
	}
	c.connected.Store(true)

	if resp.StatusCode >= 400 {
		apiErr := &apiError{}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil || json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Code = resp.StatusCode
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = resp.Status
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// asAPIError extracts an *apiError from an error chain
func asAPIError(err error, target **apiError) bool {
	e, ok := err.(*apiError)
	if ok {
		*target = e
	}
	return ok
}

// isDuplicateClientOrderID detects Alpaca's duplicate idempotency key rejection
func isDuplicateClientOrderID(err *apiError) bool {
	return strings.Contains(strings.ToLower(err.Message), "client order id must be unique") ||
		strings.Contains(strings.ToLower(err.Message), "client_order_id must be unique")
}
