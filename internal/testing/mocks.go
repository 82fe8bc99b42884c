package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/shopspring/decimal"
)

// MockBackend is a configurable in-memory implementation of domain.Backend.
// Safe for concurrent use; records every placed instruction for assertions.
type MockBackend struct {
	mu sync.Mutex

	name             string
	supportsNotional bool
	accountValue     decimal.Decimal
	cashBalance      decimal.Decimal
	positions        map[string]decimal.Decimal

	placeErr   error
	statusErr  error
	cancelErr  error
	healthErr  error
	placeHook  func(inst domain.TradeInstruction) (*domain.OrderResult, error)
	placed     []domain.TradeInstruction
	statuses   map[string]*domain.OrderResult
	cancelled  []string
	orderSeq   int
	fillPrices map[string]decimal.Decimal
}

// Compile-time interface check
var _ domain.Backend = (*MockBackend)(nil)

// NewMockBackend creates a mock backend that fills every order immediately
// at the configured fill price.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		name:             "mock",
		supportsNotional: true,
		positions:        make(map[string]decimal.Decimal),
		statuses:         make(map[string]*domain.OrderResult),
		fillPrices:       make(map[string]decimal.Decimal),
	}
}

// SetAccountValue sets the reported account value
func (m *MockBackend) SetAccountValue(v decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountValue = v
}

// SetCashBalance sets the reported cash balance
func (m *MockBackend) SetCashBalance(v decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cashBalance = v
}

// SetPosition sets a reported position quantity
func (m *MockBackend) SetPosition(ticker string, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[ticker] = qty
}

// SetFillPrice sets the price at which orders for a ticker fill
func (m *MockBackend) SetFillPrice(ticker string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillPrices[ticker] = price
}

// SetPlaceError makes PlaceOrder fail with the given error
func (m *MockBackend) SetPlaceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErr = err
}

// SetPlaceHook overrides order placement behavior entirely
func (m *MockBackend) SetPlaceHook(hook func(inst domain.TradeInstruction) (*domain.OrderResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeHook = hook
}

// SetStatus pre-sets the status returned for a backend order ID
func (m *MockBackend) SetStatus(orderID string, result *domain.OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[orderID] = result
}

// SetStatusError makes OrderStatus fail with the given error
func (m *MockBackend) SetStatusError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErr = err
}

// SetCancelError makes CancelOrder fail with the given error
func (m *MockBackend) SetCancelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

// SetHealthError makes HealthCheck fail
func (m *MockBackend) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// SetSupportsNotional toggles notional capability
func (m *MockBackend) SetSupportsNotional(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supportsNotional = v
}

// PlacedInstructions returns a copy of every instruction placed so far
func (m *MockBackend) PlacedInstructions() []domain.TradeInstruction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TradeInstruction, len(m.placed))
	copy(out, m.placed)
	return out
}

// CancelledOrders returns backend order IDs cancelled so far
func (m *MockBackend) CancelledOrders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// Name implements domain.Backend
func (m *MockBackend) Name() string { return m.name }

// AccountValue implements domain.Backend
func (m *MockBackend) AccountValue(_ context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountValue, nil
}

// CashBalance implements domain.Backend
func (m *MockBackend) CashBalance(_ context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cashBalance, nil
}

// Positions implements domain.Backend
func (m *MockBackend) Positions(_ context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.positions))
	for k, v := range m.positions {
		out[k] = v
	}
	return out, nil
}

// PlaceOrder implements domain.Backend. Orders fill immediately at the
// configured fill price unless a hook or error is set.
func (m *MockBackend) PlaceOrder(_ context.Context, inst domain.TradeInstruction) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placed = append(m.placed, inst)

	if m.placeErr != nil {
		return nil, m.placeErr
	}
	if m.placeHook != nil {
		return m.placeHook(inst)
	}

	price, ok := m.fillPrices[inst.Ticker]
	if !ok {
		price = decimal.NewFromInt(100)
	}

	qty := inst.Quantity
	if inst.Mode == domain.QuantityNotional {
		qty = inst.Notional.DivRound(price, 8)
	}

	m.orderSeq++
	result := &domain.OrderResult{
		BackendOrderID: fmt.Sprintf("MOCK-%d", m.orderSeq),
		Status:         domain.StatusFilled,
		FilledQuantity: qty,
		FilledPrice:    price,
	}
	m.statuses[result.BackendOrderID] = result

	return result, nil
}

// OrderStatus implements domain.Backend
func (m *MockBackend) OrderStatus(_ context.Context, backendOrderID string) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statusErr != nil {
		return nil, m.statusErr
	}
	result, ok := m.statuses[backendOrderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", backendOrderID)
	}
	return result, nil
}

// CancelOrder implements domain.Backend
func (m *MockBackend) CancelOrder(_ context.Context, backendOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, backendOrderID)
	return nil
}

// SupportsNotional implements domain.Backend
func (m *MockBackend) SupportsNotional() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supportsNotional
}

// IsConnected implements domain.Backend
func (m *MockBackend) IsConnected() bool { return true }

// HealthCheck implements domain.Backend
func (m *MockBackend) HealthCheck(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

// MockPriceSource is a static in-memory price source
type MockPriceSource struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	err    error
}

// Compile-time interface check
var _ domain.PriceSource = (*MockPriceSource)(nil)

// NewMockPriceSource creates a price source from a literal price map
func NewMockPriceSource(prices map[string]decimal.Decimal) *MockPriceSource {
	if prices == nil {
		prices = make(map[string]decimal.Decimal)
	}
	return &MockPriceSource{prices: prices}
}

// SetPrice sets a price
func (m *MockPriceSource) SetPrice(ticker string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[ticker] = price
}

// SetError makes every lookup fail
func (m *MockPriceSource) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// GetPrice implements domain.PriceSource
func (m *MockPriceSource) GetPrice(ticker string, _ *time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return decimal.Zero, m.err
	}
	price, ok := m.prices[ticker]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", ticker)
	}
	return price, nil
}

// PricesFor returns prices for all requested tickers, failing on any miss
func (m *MockPriceSource) PricesFor(tickers []string) (map[string]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]decimal.Decimal, len(tickers))
	for _, ticker := range tickers {
		price, ok := m.prices[ticker]
		if !ok {
			return nil, fmt.Errorf("no price for %s", ticker)
		}
		out[ticker] = price
	}
	return out, nil
}
