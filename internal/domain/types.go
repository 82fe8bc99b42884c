// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// QuantityMode determines how an instruction expresses its size.
// Share-based backends require a whole number of shares; notional-capable
// backends accept a raw currency amount.
type QuantityMode string

const (
	QuantityShares   QuantityMode = "shares"
	QuantityNotional QuantityMode = "notional"
)

// TimeInForce represents order lifetime
type TimeInForce string

const (
	TIFDay             TimeInForce = "day"
	TIFGoodTilCanceled TimeInForce = "gtc"
)

// OrderStatus represents the lifecycle state of an order.
// Transitions: pending -> submitted -> {filled, partially_filled, rejected, cancelled, expired}
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusSubmitted       OrderStatus = "submitted"
	StatusFilled          OrderStatus = "filled"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusRejected        OrderStatus = "rejected"
	StatusCancelled       OrderStatus = "cancelled"
	StatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further status updates can arrive for this status.
// partially_filled is not terminal: the backend may still fill or cancel the rest.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Position represents a holding in a single ticker.
// Mutated only by confirmed fills; created on first fill, removed at zero quantity.
type Position struct {
	Ticker      string          `json:"ticker"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

// MarketValue returns quantity * price
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// CostBasis returns quantity * average cost
func (p Position) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AverageCost)
}

// UnrealizedPL returns market value minus cost basis at the given price
func (p Position) UnrealizedPL(price decimal.Decimal) decimal.Decimal {
	return p.MarketValue(price).Sub(p.CostBasis())
}

// Return returns the relative performance against average cost.
// The second return value is false when average cost is zero.
func (p Position) Return(price decimal.Decimal) (float64, bool) {
	if p.AverageCost.IsZero() {
		return 0, false
	}
	rel, _ := price.Div(p.AverageCost).Sub(decimal.NewFromInt(1)).Float64()
	return rel, true
}

// PortfolioSnapshot is a point-in-time record of portfolio composition and value.
// Immutable once recorded; one snapshot is created per reconciliation cycle.
// Invariant: sum(position quantity * price) + cash == total value (within tolerance).
type PortfolioSnapshot struct {
	Timestamp  time.Time           `json:"timestamp"`
	TotalValue decimal.Decimal     `json:"total_value"`
	Positions  map[string]Position `json:"positions"`
	Cash       decimal.Decimal     `json:"cash"`
}

// Position returns the position for a ticker, if held
func (s *PortfolioSnapshot) Position(ticker string) (Position, bool) {
	p, ok := s.Positions[ticker]
	return p, ok
}

// Tickers returns held tickers in lexicographic order
func (s *PortfolioSnapshot) Tickers() []string {
	tickers := make([]string, 0, len(s.Positions))
	for t := range s.Positions {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}

// CheckConsistency verifies the snapshot value invariant against the given prices.
// Returns an InconsistentStateError when positions + cash do not sum to total value
// within the tolerance.
func (s *PortfolioSnapshot) CheckConsistency(prices map[string]decimal.Decimal, tolerance decimal.Decimal) error {
	sum := s.Cash
	for ticker, pos := range s.Positions {
		price, ok := prices[ticker]
		if !ok {
			return &InconsistentStateError{
				Ticker: ticker,
				Detail: "no price available for held position",
			}
		}
		sum = sum.Add(pos.MarketValue(price))
	}
	if sum.Sub(s.TotalValue).Abs().GreaterThan(tolerance) {
		return &InconsistentStateError{
			Detail: fmt.Sprintf("positions+cash %s does not match total value %s", sum, s.TotalValue),
		}
	}
	return nil
}

// WeightSumEpsilon is the tolerance applied when validating that target weights
// sum to at most 1.0. Anything under 1.0 is implicit cash.
const WeightSumEpsilon = 1e-6

// TargetWeights maps ticker -> target fraction of total portfolio value.
// Produced externally by a strategy; treated as read-only input.
type TargetWeights map[string]float64

// Sum returns the total allocated weight
func (w TargetWeights) Sum() float64 {
	total := 0.0
	for _, v := range w {
		total += v
	}
	return total
}

// CashWeight returns the implicit cash fraction (never negative)
func (w TargetWeights) CashWeight() float64 {
	cash := 1.0 - w.Sum()
	if cash < 0 {
		return 0
	}
	return cash
}

// Tickers returns target tickers in lexicographic order
func (w TargetWeights) Tickers() []string {
	tickers := make([]string, 0, len(w))
	for t := range w {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}

// Validate checks that every weight is in [0,1] and the sum does not exceed
// 1.0 + WeightSumEpsilon
func (w TargetWeights) Validate() error {
	for ticker, weight := range w {
		if ticker == "" {
			return fmt.Errorf("target weights contain an empty ticker")
		}
		if weight < 0 || weight > 1 {
			return fmt.Errorf("weight for %s out of range [0,1]: %f", ticker, weight)
		}
	}
	if sum := w.Sum(); sum > 1.0+WeightSumEpsilon {
		return fmt.Errorf("target weights sum to %f, exceeding 1.0", sum)
	}
	return nil
}

// FrameEntry is the per-ticker result of a rebalance computation
type FrameEntry struct {
	Ticker       string          `json:"ticker"`
	CurrentValue decimal.Decimal `json:"current_value"`
	TargetValue  decimal.Decimal `json:"target_value"`
	DeltaValue   decimal.Decimal `json:"delta_value"`
}

// RebalanceFrame holds the currency deltas between the current portfolio and a
// target allocation. Ephemeral: recomputed each cycle, never persisted directly.
// Entries are ordered lexicographically by ticker so repeated runs on identical
// inputs produce identical instruction ordering.
type RebalanceFrame struct {
	Total   decimal.Decimal `json:"total"`
	Entries []FrameEntry    `json:"entries"`
}

// TargetSum returns the sum of all target values in the frame
func (f *RebalanceFrame) TargetSum() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range f.Entries {
		sum = sum.Add(e.TargetValue)
	}
	return sum
}

// Entry returns the frame entry for a ticker, if present
func (f *RebalanceFrame) Entry(ticker string) (FrameEntry, bool) {
	for _, e := range f.Entries {
		if e.Ticker == ticker {
			return e, true
		}
	}
	return FrameEntry{}, false
}

// TradeInstruction is a discrete, executable order instruction.
// Exactly one of Quantity (shares mode) or Notional (notional mode) is meaningful.
// ID is a client-generated idempotency key passed through to the backend.
type TradeInstruction struct {
	ID          string          `json:"id"`
	Ticker      string          `json:"ticker"`
	Side        OrderSide       `json:"side"`
	Mode        QuantityMode    `json:"mode"`
	Quantity    decimal.Decimal `json:"quantity"`
	Notional    decimal.Decimal `json:"notional"`
	TimeInForce TimeInForce     `json:"time_in_force"`
}

// Validate checks instruction invariants before submission
func (i *TradeInstruction) Validate() error {
	if i.Ticker == "" {
		return fmt.Errorf("instruction has no ticker")
	}
	if i.Side != SideBuy && i.Side != SideSell {
		return fmt.Errorf("invalid side for %s: %q", i.Ticker, i.Side)
	}
	switch i.Mode {
	case QuantityShares:
		if !i.Quantity.IsPositive() {
			return fmt.Errorf("share instruction for %s has non-positive quantity %s", i.Ticker, i.Quantity)
		}
	case QuantityNotional:
		if !i.Notional.IsPositive() {
			return fmt.Errorf("notional instruction for %s has non-positive amount %s", i.Ticker, i.Notional)
		}
	default:
		return fmt.Errorf("invalid quantity mode for %s: %q", i.Ticker, i.Mode)
	}
	return nil
}

// Size returns the instruction size in its native mode: share quantity for
// shares mode, currency amount for notional mode.
func (i *TradeInstruction) Size() decimal.Decimal {
	if i.Mode == QuantityNotional {
		return i.Notional
	}
	return i.Quantity
}

// OrderResult is the normalized outcome of a backend order operation.
// Provider wire formats never leak past this type.
type OrderResult struct {
	BackendOrderID string          `json:"backend_order_id"`
	Status         OrderStatus     `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	FilledPrice    decimal.Decimal `json:"filled_price"`
	Reason         string          `json:"reason,omitempty"`
}

// TradeRecord is the persistent record of a submitted instruction.
// Created on submission; only the order dispatcher mutates status afterward.
// History is append-only.
type TradeRecord struct {
	ID             int64            `json:"id"`
	Instruction    TradeInstruction `json:"instruction"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	BackendOrderID string           `json:"backend_order_id"`
	Status         OrderStatus      `json:"status"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	FilledPrice    decimal.Decimal  `json:"filled_price"`
}

// FilledNotional returns filled quantity * filled price
func (r *TradeRecord) FilledNotional() decimal.Decimal {
	return r.FilledQuantity.Mul(r.FilledPrice)
}
