package portfolio

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/tradelib/internal/database"
	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/events"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PriceProvider supplies latest prices for valuing held positions.
// Defined here to avoid an import cycle with the pricing module.
type PriceProvider interface {
	PricesFor(tickers []string) (map[string]decimal.Decimal, error)
}

// TradeRecorder appends trade records to the ledger.
// Defined here to avoid an import cycle with the trading module.
type TradeRecorder interface {
	Create(rec *domain.TradeRecord) error
}

// consistencyTolerance bounds the allowed drift between stored total value
// and the positions+cash sum when checking snapshots.
var consistencyTolerance = decimal.RequireFromString("0.01")

// Store is the price/position store. It exclusively owns Position and
// PortfolioSnapshot lifecycle: fills are the only way positions change, and
// all writes are serialized through the store mutex. Snapshot timestamps are
// strictly monotonic.
type Store struct {
	mu sync.Mutex // one writer at a time

	db        *sql.DB
	positions *PositionRepository
	snapshots *SnapshotRepository
	prices    PriceProvider
	trades    TradeRecorder
	events    *events.Manager // optional, nil disables event emission
	log       zerolog.Logger
}

// Compile-time interface check
var _ domain.Store = (*Store)(nil)

// NewStore creates the portfolio store
func NewStore(
	portfolioDB *sql.DB,
	positions *PositionRepository,
	snapshots *SnapshotRepository,
	prices PriceProvider,
	trades TradeRecorder,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Store {
	return &Store{
		db:        portfolioDB,
		positions: positions,
		snapshots: snapshots,
		prices:    prices,
		trades:    trades,
		events:    eventManager,
		log:       log.With().Str("service", "store").Logger(),
	}
}

// GetSnapshot returns the current portfolio state valued at last-known prices.
// The returned snapshot is a fresh value: callers may read it freely without
// holding any lock.
func (s *Store) GetSnapshot() (*domain.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildSnapshot()
}

// buildSnapshot computes the current snapshot. Caller must hold s.mu.
func (s *Store) buildSnapshot() (*domain.PortfolioSnapshot, error) {
	positions, err := s.positions.GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}

	cash, err := s.positions.GetCash()
	if err != nil {
		return nil, fmt.Errorf("failed to load cash: %w", err)
	}

	tickers := make([]string, 0, len(positions))
	for t := range positions {
		tickers = append(tickers, t)
	}

	prices, err := s.prices.PricesFor(tickers)
	if err != nil {
		return nil, fmt.Errorf("failed to load prices: %w", err)
	}

	total := cash
	for ticker, pos := range positions {
		total = total.Add(pos.MarketValue(prices[ticker]))
	}

	return &domain.PortfolioSnapshot{
		Timestamp:  time.Now(),
		TotalValue: total,
		Positions:  positions,
		Cash:       cash,
	}, nil
}

// ApplyFill applies a confirmed fill to positions and cash and returns the
// resulting snapshot. Buys re-average the cost basis; sells reduce quantity at
// unchanged cost basis; a position reaching zero is removed. A sell exceeding
// the held quantity fails with InconsistentStateError and changes nothing.
// Concurrent fills are serialized.
func (s *Store) ApplyFill(rec *domain.TradeRecord) (*domain.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !rec.FilledQuantity.IsPositive() {
		// Nothing executed: positions and cash are untouched
		return s.buildSnapshot()
	}

	ticker := rec.Instruction.Ticker
	current, err := s.positions.Get(ticker)
	if err != nil {
		return nil, err
	}

	held := decimal.Zero
	avgCost := decimal.Zero
	if current != nil {
		held = current.Quantity
		avgCost = current.AverageCost
	}

	var updated domain.Position
	notional := rec.FilledNotional()

	switch rec.Instruction.Side {
	case domain.SideBuy:
		newQty := held.Add(rec.FilledQuantity)
		// Weighted-average cost basis across the old lot and the new fill
		newCost := held.Mul(avgCost).Add(notional).Div(newQty)
		updated = domain.Position{Ticker: ticker, Quantity: newQty, AverageCost: newCost}

	case domain.SideSell:
		if rec.FilledQuantity.GreaterThan(held) {
			return nil, &domain.InconsistentStateError{
				Ticker:    ticker,
				Held:      held,
				Requested: rec.FilledQuantity,
			}
		}
		updated = domain.Position{Ticker: ticker, Quantity: held.Sub(rec.FilledQuantity), AverageCost: avgCost}

	default:
		return nil, fmt.Errorf("invalid side %q on fill for %s", rec.Instruction.Side, ticker)
	}

	cash, err := s.positions.GetCash()
	if err != nil {
		return nil, err
	}
	if rec.Instruction.Side == domain.SideBuy {
		cash = cash.Sub(notional)
	} else {
		cash = cash.Add(notional)
	}

	if cash.IsNegative() {
		s.log.Warn().
			Str("ticker", ticker).
			Str("cash", cash.String()).
			Msg("Cash balance went negative after fill")
	}

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if err := s.positions.UpsertTx(tx, updated); err != nil {
			return err
		}
		return s.positions.SetCashTx(tx, cash)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("ticker", ticker).
		Str("side", string(rec.Instruction.Side)).
		Str("filled_quantity", rec.FilledQuantity.String()).
		Str("filled_price", rec.FilledPrice.String()).
		Msg("Fill applied")

	return s.buildSnapshot()
}

// RecordTrade appends a trade record to the ledger
func (s *Store) RecordTrade(rec *domain.TradeRecord) error {
	return s.trades.Create(rec)
}

// SaveSnapshot persists the current state as a new immutable snapshot and
// returns it. Timestamps are strictly monotonic: a snapshot never shares or
// precedes the timestamp of its predecessor.
func (s *Store) SaveSnapshot() (*domain.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.buildSnapshot()
	if err != nil {
		return nil, err
	}

	last, err := s.snapshots.LatestTimestamp()
	if err != nil {
		return nil, err
	}
	if !snap.Timestamp.After(last) {
		snap.Timestamp = last.Add(time.Nanosecond)
	}

	tickers := make([]string, 0, len(snap.Positions))
	for t := range snap.Positions {
		tickers = append(tickers, t)
	}
	prices, err := s.prices.PricesFor(tickers)
	if err != nil {
		return nil, err
	}

	if err := s.snapshots.Create(snap, prices); err != nil {
		return nil, err
	}

	s.log.Debug().
		Time("timestamp", snap.Timestamp).
		Str("total_value", snap.TotalValue.String()).
		Msg("Snapshot recorded")

	return snap, nil
}

// Deposit adds cash to the portfolio. Deposits feed the add-value flow of
// rebalance cycles: new cash is deployed by the next cycle.
func (s *Store) Deposit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit amount must be positive, got %s", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cash, err := s.positions.GetCash()
	if err != nil {
		return err
	}

	if err := s.positions.SetCash(cash.Add(amount)); err != nil {
		return err
	}

	s.log.Info().Str("amount", amount.String()).Msg("Cash deposited")

	if s.events != nil {
		f, _ := amount.Float64()
		s.events.EmitTyped(events.DepositProcessed, "portfolio", &events.DepositProcessedData{Amount: f})
	}

	return nil
}

// SetCash overwrites the cash balance. Used for initial seeding and manual
// reconciliation against the backend.
func (s *Store) SetCash(balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("cash balance must not be negative, got %s", balance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions.SetCash(balance)
}

// CheckConsistency verifies the snapshot value invariant of the current state
func (s *Store) CheckConsistency() error {
	snap, err := s.GetSnapshot()
	if err != nil {
		return err
	}

	tickers := snap.Tickers()
	prices, err := s.prices.PricesFor(tickers)
	if err != nil {
		return err
	}

	return snap.CheckConsistency(prices, consistencyTolerance)
}

// Snapshots exposes read access to snapshot history
func (s *Store) Snapshots() *SnapshotRepository {
	return s.snapshots
}
