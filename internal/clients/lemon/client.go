// Package lemon provides the lemon.markets trading backend.
//
// The API is share-based: notional instructions are converted to whole share
// quantities using the latest quote (ask for buys, bid for sells) before
// submission. The provider is deprecated upstream but retained behind the
// same backend interface.
package lemon

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
	liveTradingURL  = "https://trading.lemon.markets/v1"
	paperTradingURL = "https://paper-trading.lemon.markets/v1"
	marketDataURL   = "https://data.lemon.markets/v1"

	requestTimeout = 30 * time.Second
)

// Config holds lemon.markets credentials and endpoint selection.
// TradingURL and DataURL override the defaults when set (used by tests).
type Config struct {
	APIKey     string
	Paper      bool
	TradingURL string
	DataURL    string
}

// Client is the lemon.markets trading backend. Safe for concurrent use.
type Client struct {
	cfg        Config
	tradingURL string
	dataURL    string
	httpClient *http.Client
	log        zerolog.Logger
	connected  atomic.Bool
}

var _ domain.Backend = (*Client)(nil)

// New creates a lemon.markets client.
func New(cfg Config, log zerolog.Logger) *Client {
	tradingURL := cfg.TradingURL
	if tradingURL == "" {
		if cfg.Paper {
			tradingURL = paperTradingURL
		} else {
			tradingURL = liveTradingURL
		}
	}
	dataURL := cfg.DataURL
	if dataURL == "" {
		dataURL = marketDataURL
	}
	return &Client{
		cfg:        cfg,
		tradingURL: tradingURL,
		dataURL:    dataURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.With().Str("backend", "lemon").Bool("paper", cfg.Paper).Logger(),
	}
}

// Name returns the backend identifier.
func (c *Client) Name() string { return "lemon" }

// SupportsNotional reports false: orders are placed in whole shares.
// Notional instructions are converted via NotionalToQuantity.
func (c *Client) SupportsNotional() bool { return false }

// IsConnected reports whether the most recent request succeeded.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// HealthCheck verifies the API key by fetching the account.
func (c *Client) HealthCheck(ctx context.Context) error {
	var account accountResult
	return c.doJSON(ctx, http.MethodGet, c.tradingURL+"/account", nil, &account)
}

// AccountValue returns cash balance plus the estimated value of all positions.
func (c *Client) AccountValue(ctx context.Context) (decimal.Decimal, error) {
	var account accountResult
	if err := c.doJSON(ctx, http.MethodGet, c.tradingURL+"/account", nil, &account); err != nil {
		return decimal.Zero, err
	}
	var positions []positionResult
	if err := c.doJSON(ctx, http.MethodGet, c.tradingURL+"/positions", nil, &positions); err != nil {
		return decimal.Zero, err
	}

	total := fromHcents(account.Balance)
	for _, p := range positions {
		total = total.Add(fromHcents(p.EstimatedPriceTotal))
	}
	return total, nil
}

// CashBalance returns the account cash balance.
func (c *Client) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	var account accountResult
	if err := c.doJSON(ctx, http.MethodGet, c.tradingURL+"/account", nil, &account); err != nil {
		return decimal.Zero, err
	}
	return fromHcents(account.Balance), nil
}

// Positions returns current holdings, isin -> quantity.
func (c *Client) Positions(ctx context.Context) (map[string]decimal.Decimal, error) {
	var payload []positionResult
	if err := c.doJSON(ctx, http.MethodGet, c.tradingURL+"/positions", nil, &payload); err != nil {
		return nil, err
	}

	positions := make(map[string]decimal.Decimal, len(payload))
	for _, p := range payload {
		positions[p.ISIN] = decimal.NewFromInt(p.Quantity)
	}
	return positions, nil
}

// NotionalToQuantity converts a currency amount to a whole share quantity
// using the latest quote: ask price for buys, bid price for sells. The result
// rounds half up, matching the venue's own sizing arithmetic on hundredths of
// a cent.
func (c *Client) NotionalToQuantity(ctx context.Context, isin string, side domain.OrderSide, notional decimal.Decimal) (decimal.Decimal, error) {
	quote, err := c.latestQuote(ctx, isin)
	if err != nil {
		return decimal.Zero, err
	}

	priceHcents := quote.Ask
	if side == domain.SideSell {
		priceHcents = quote.Bid
	}
	if priceHcents <= 0 {
		return decimal.Zero, fmt.Errorf("quote for %s has non-positive %s price", isin, side)
	}

	qty := decimal.NewFromInt(toHcents(notional)).
		Div(decimal.NewFromInt(priceHcents)).
		Round(0)
	return qty, nil
}

// LatestPrice returns the current bid/ask mid price for an isin in currency
// units. Serves the price sync job.
func (c *Client) LatestPrice(ctx context.Context, isin string) (decimal.Decimal, error) {
	quote, err := c.latestQuote(ctx, isin)
	if err != nil {
		return decimal.Zero, err
	}
	if quote.Ask <= 0 || quote.Bid <= 0 {
		return decimal.Zero, fmt.Errorf("quote for %s has non-positive prices", isin)
	}
	return fromHcents(quote.Ask).Add(fromHcents(quote.Bid)).Div(decimal.NewFromInt(2)), nil
}

// PlaceOrder submits an order after adapter-level sizing defenses: notional
// conversion, a sell cap at the held quantity, and dismissal of zero-quantity
// orders. Created orders are activated immediately.
func (c *Client) PlaceOrder(ctx context.Context, inst domain.TradeInstruction) (*domain.OrderResult, error) {
	if err := inst.Validate(); err != nil {
		return nil, &domain.OrderRejectedError{Ticker: inst.Ticker, Reason: err.Error()}
	}

	qty := inst.Quantity.Truncate(0)
	if inst.Mode == domain.QuantityNotional {
		converted, err := c.NotionalToQuantity(ctx, inst.Ticker, inst.Side, inst.Notional)
		if err != nil {
			return nil, err
		}
		qty = converted
	}

	if inst.Side == domain.SideSell {
		positions, err := c.Positions(ctx)
		if err != nil {
			return nil, err
		}
		held := positions[inst.Ticker]
		if qty.GreaterThan(held) {
			c.log.Warn().
				Str("isin", inst.Ticker).
				Str("requested", qty.String()).
				Str("held", held.String()).
				Msg("sell quantity exceeds held amount, capping at held")
			qty = held
		}
	}

	if !qty.IsPositive() {
		c.log.Warn().
			Str("isin", inst.Ticker).
			Str("side", string(inst.Side)).
			Str("quantity", qty.String()).
			Msg("order quantity is zero or negative, dismissing order")
		return &domain.OrderResult{
			Status: domain.StatusCancelled,
			Reason: "dismissed: computed quantity is zero",
		}, nil
	}

	req := createOrderRequest{
		ISIN:        inst.Ticker,
		Side:        string(inst.Side),
		Quantity:    qty.IntPart(),
		Idempotency: inst.ID,
	}

	var payload orderPayload
	if err := c.doJSON(ctx, http.MethodPost, c.tradingURL+"/orders", &req, &payload); err != nil {
		var apiErr *apiError
		if asAPIError(err, &apiErr) {
			return nil, &domain.OrderRejectedError{Ticker: inst.Ticker, Reason: apiErr.Message}
		}
		return nil, err
	}

	if payload.Status == "inactive" {
		if err := c.activateOrder(ctx, payload.ID); err != nil {
			return nil, fmt.Errorf("order %s created but activation failed: %w", payload.ID, err)
		}
		payload.Status = "activated"
	}

	c.log.Info().
		Str("order_id", payload.ID).
		Str("isin", inst.Ticker).
		Str("side", string(inst.Side)).
		Int64("quantity", req.Quantity).
		Msg("order placed and activated")

	return toOrderResult(&payload), nil
}

// OrderStatus fetches the current state of an order.
func (c *Client) OrderStatus(ctx context.Context, backendOrderID string) (*domain.OrderResult, error) {
	var payload orderPayload
	if err := c.doJSON(ctx, http.MethodGet, c.tradingURL+"/orders/"+backendOrderID, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", backendOrderID, err)
	}
	return toOrderResult(&payload), nil
}

// CancelOrder requests cancellation of an open order.
func (c *Client) CancelOrder(ctx context.Context, backendOrderID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, c.tradingURL+"/orders/"+backendOrderID, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", backendOrderID, err)
	}
	return nil
}

// activateOrder activates a created but inactive order
func (c *Client) activateOrder(ctx context.Context, orderID string) error {
	return c.doJSON(ctx, http.MethodPost, c.tradingURL+"/orders/"+orderID+"/activate", struct{}{}, nil)
}

// latestQuote fetches the latest quote for an isin from the market data API.
// decimals=false keeps prices as integer hundredths of a cent.
func (c *Client) latestQuote(ctx context.Context, isin string) (*quoteResult, error) {
	path := c.dataURL + "/quotes/latest?isin=" + url.QueryEscape(isin) + "&decimals=false"
	var quotes []quoteResult
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &quotes); err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote available for %s", isin)
	}
	return &quotes[0], nil
}

// doJSON performs one API request and unwraps the response envelope.
// Transport failures and 5xx responses become BackendUnavailableError; other
// errors surface as *apiError for the caller to translate.
func (c *Client) doJSON(ctx context.Context, method, rawURL string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.connected.Store(false)
		return &domain.BackendUnavailableError{Backend: "lemon", Op: method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.connected.Store(false)
		return &domain.BackendUnavailableError{
			Backend: "lemon",
			Op:      method + " " + req.URL.Path,
			Err:     fmt.Errorf("server returned %s", resp.Status),
		}
	}
	c.connected.Store(true)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("failed to parse response envelope: %w", err)
		}
	}

	if resp.StatusCode >= 400 || env.Status == "error" {
		message := env.ErrorMessage
		if message == "" {
			message = strings.TrimSpace(string(data))
		}
		if message == "" {
			message = resp.Status
		}
		return &apiError{HTTPStatus: resp.StatusCode, Code: env.ErrorCode, Message: message}
	}

	if out == nil || len(env.Results) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Results, out); err != nil {
		return fmt.Errorf("failed to decode results: %w", err)
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
