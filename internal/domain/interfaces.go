package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Backend defines the capability interface over heterogeneous brokerage APIs.
// Each concrete backend maps instructions to its own wire format and normalizes
// error responses into the shared taxonomy (BackendUnavailableError for
// transport failures, OrderRejectedError for rejections). Provider-specific
// types must not leak past this boundary, and the core never branches on
// provider identity.
type Backend interface {
	// Name returns the backend identifier used in logs and records
	Name() string

	// AccountValue returns the total account value (positions + cash)
	AccountValue(ctx context.Context) (decimal.Decimal, error)

	// CashBalance returns the available cash / buying power
	CashBalance(ctx context.Context) (decimal.Decimal, error)

	// Positions returns currently held quantities keyed by ticker
	Positions(ctx context.Context) (map[string]decimal.Decimal, error)

	// PlaceOrder submits a single instruction and returns the normalized result.
	// Submission is at-most-once: callers must not retry a PlaceOrder call that
	// may have reached the backend.
	PlaceOrder(ctx context.Context, inst TradeInstruction) (*OrderResult, error)

	// OrderStatus returns the current status of a previously placed order
	OrderStatus(ctx context.Context, backendOrderID string) (*OrderResult, error)

	// CancelOrder cancels an open order. This is an explicit operation:
	// the core never cancels submitted orders on its own.
	CancelOrder(ctx context.Context, backendOrderID string) error

	// SupportsNotional reports whether the backend accepts notional
	// (currency-amount) orders. Share-based backends require quantities.
	SupportsNotional() bool

	// IsConnected reports whether the backend has valid credentials configured
	IsConnected() bool

	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error
}

// PriceSource provides last-known prices for tickers.
// A nil asOf means the latest available price.
type PriceSource interface {
	GetPrice(ticker string, asOf *time.Time) (decimal.Decimal, error)
}

// Store defines the Price/Position Store contract. The store exclusively owns
// Position and PortfolioSnapshot lifecycle; snapshot timestamps are strictly
// monotonic and concurrent fills are serialized.
type Store interface {
	// GetSnapshot returns the current portfolio snapshot at last-known prices
	GetSnapshot() (*PortfolioSnapshot, error)

	// ApplyFill applies a confirmed fill to positions and cash and returns the
	// resulting snapshot. Fails with InconsistentStateError if a sell exceeds
	// the held quantity.
	ApplyFill(rec *TradeRecord) (*PortfolioSnapshot, error)

	// RecordTrade appends a trade record to the ledger
	RecordTrade(rec *TradeRecord) error
}
