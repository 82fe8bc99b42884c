// Package sandbox provides an in-memory paper trading backend.
//
// Orders fill immediately at the price source's current price, so a rebalance
// cycle against the sandbox reconciles exactly: account value matches the
// local store after every fill. Used for tests, dry runs and local development.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradelib/internal/domain"
)

// Backend is an in-memory trading backend. All state lives in process memory;
// nothing survives a restart. Safe for concurrent use.
type Backend struct {
	mu        sync.Mutex
	log       zerolog.Logger
	prices    domain.PriceSource
	cash      decimal.Decimal
	positions map[string]decimal.Decimal
	orders    map[string]*orderRecord
	byClient  map[string]string
	orderSeq  int
	tradeSeq  int
}

// orderRecord is the sandbox's internal order book entry.
type orderRecord struct {
	tradeID string
	result  domain.OrderResult
}

var _ domain.Backend = (*Backend)(nil)

// New creates a sandbox backend seeded with starting cash.
func New(startingCash decimal.Decimal, prices domain.PriceSource, log zerolog.Logger) *Backend {
	return &Backend{
		log:       log.With().Str("backend", "sandbox").Logger(),
		prices:    prices,
		cash:      startingCash,
		positions: make(map[string]decimal.Decimal),
		orders:    make(map[string]*orderRecord),
		byClient:  make(map[string]string),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "sandbox" }

// SupportsNotional reports that the sandbox accepts notional orders.
// Notional amounts convert to fractional shares at the current price.
func (b *Backend) SupportsNotional() bool { return true }

// IsConnected always reports true; there is no transport to lose.
func (b *Backend) IsConnected() bool { return true }

// HealthCheck verifies the backend is usable.
func (b *Backend) HealthCheck(ctx context.Context) error {
	if b.prices == nil {
		return &domain.BackendUnavailableError{Backend: "sandbox", Op: "health_check", Err: fmt.Errorf("no price source configured")}
	}
	return nil
}

// AccountValue returns cash plus the market value of all positions at current prices.
func (b *Backend) AccountValue(ctx context.Context) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.cash
	for ticker, qty := range b.positions {
		price, err := b.prices.GetPrice(ticker, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to value position %s: %w", ticker, err)
		}
		total = total.Add(qty.Mul(price))
	}
	return total, nil
}

// CashBalance returns the current cash balance.
func (b *Backend) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash, nil
}

// Positions returns a copy of the current holdings, ticker -> quantity.
func (b *Backend) Positions(ctx context.Context) (map[string]decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(b.positions))
	for ticker, qty := range b.positions {
		out[ticker] = qty
	}
	return out, nil
}

// Deposit adds cash to the sandbox account.
func (b *Backend) Deposit(amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cash = b.cash.Add(amount)
	b.log.Debug().Str("amount", amount.String()).Str("cash", b.cash.String()).Msg("deposit")
}

// PlaceOrder fills a market order immediately at the current price.
// Submitting the same instruction ID twice returns the original result
// without executing again.
func (b *Backend) PlaceOrder(ctx context.Context, inst domain.TradeInstruction) (*domain.OrderResult, error) {
	if err := inst.Validate(); err != nil {
		return nil, &domain.OrderRejectedError{Ticker: inst.Ticker, Reason: err.Error()}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if orderID, seen := b.byClient[inst.ID]; seen {
		rec := b.orders[orderID]
		b.log.Debug().Str("ticker", inst.Ticker).Str("order_id", orderID).Msg("duplicate instruction, returning original result")
		result := rec.result
		return &result, nil
	}

	price, err := b.prices.GetPrice(inst.Ticker, nil)
	if err != nil {
		return nil, &domain.OrderRejectedError{Ticker: inst.Ticker, Reason: fmt.Sprintf("no price available: %v", err)}
	}

	qty := inst.Quantity
	if inst.Mode == domain.QuantityNotional {
		qty = inst.Notional.Div(price)
	}

	switch inst.Side {
	case domain.SideBuy:
		cost := qty.Mul(price)
		if cost.GreaterThan(b.cash) {
			return nil, &domain.OrderRejectedError{
				Ticker: inst.Ticker,
				Reason: fmt.Sprintf("insufficient cash: need %s, have %s", cost, b.cash),
			}
		}
		b.cash = b.cash.Sub(cost)
		b.positions[inst.Ticker] = b.positions[inst.Ticker].Add(qty)
	case domain.SideSell:
		held := b.positions[inst.Ticker]
		if qty.GreaterThan(held) {
			return nil, &domain.OrderRejectedError{
				Ticker: inst.Ticker,
				Reason: fmt.Sprintf("sell of %s exceeds held quantity %s", qty, held),
			}
		}
		b.cash = b.cash.Add(qty.Mul(price))
		remaining := held.Sub(qty)
		if remaining.IsZero() {
			delete(b.positions, inst.Ticker)
		} else {
			b.positions[inst.Ticker] = remaining
		}
	}

	b.orderSeq++
	b.tradeSeq++
	orderID := fmt.Sprintf("ORD-%d", b.orderSeq)
	rec := &orderRecord{
		tradeID: fmt.Sprintf("TRD-%d", b.tradeSeq),
		result: domain.OrderResult{
			BackendOrderID: orderID,
			Status:         domain.StatusFilled,
			FilledQuantity: qty,
			FilledPrice:    price,
		},
	}
	b.orders[orderID] = rec
	b.byClient[inst.ID] = orderID

	b.log.Info().
		Str("order_id", orderID).
		Str("trade_id", rec.tradeID).
		Str("ticker", inst.Ticker).
		Str("side", string(inst.Side)).
		Str("quantity", qty.String()).
		Str("price", price.String()).
		Msg("order filled")

	result := rec.result
	return &result, nil
}

// OrderStatus returns the recorded result for a sandbox order.
func (b *Backend) OrderStatus(ctx context.Context, backendOrderID string) (*domain.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.orders[backendOrderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %q", backendOrderID)
	}
	result := rec.result
	return &result, nil
}

// CancelOrder always fails: sandbox orders fill at submission, so there is
// never an open order to cancel.
func (b *Backend) CancelOrder(ctx context.Context, backendOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.orders[backendOrderID]
	if !ok {
		return fmt.Errorf("unknown order %q", backendOrderID)
	}
	return fmt.Errorf("cannot cancel order %s: already %s", backendOrderID, rec.result.Status)
}
