// Package trading submits trade instructions to a brokerage backend and keeps
// the trade ledger consistent with what actually executed.
package trading

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// tradesColumns is the list of columns for the trades table.
// Column order must match the scanTrade helpers.
const tradesColumns = `id, instruction_id, ticker, side, mode, quantity, notional, time_in_force, submitted_at, backend_order_id, status, filled_quantity, filled_price`

// TradeRepository handles trade ledger database operations
type TradeRepository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(ledgerDB *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "trade").Logger(),
	}
}

// Create inserts a new trade record and fills in rec.ID.
// The instruction ID is unique across the ledger; inserting the same
// instruction twice fails, which backs the at-most-once submission guarantee.
func (r *TradeRepository) Create(rec *domain.TradeRecord) error {
	if rec == nil {
		return fmt.Errorf("trade record is required")
	}
	if err := rec.Instruction.Validate(); err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}

	query := `
		INSERT INTO trades
		(instruction_id, ticker, side, mode, quantity, notional, time_in_force,
		 submitted_at, backend_order_id, status, filled_quantity, filled_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.ledgerDB.Exec(query,
		rec.Instruction.ID,
		strings.ToUpper(strings.TrimSpace(rec.Instruction.Ticker)),
		string(rec.Instruction.Side),
		string(rec.Instruction.Mode),
		rec.Instruction.Quantity.String(),
		rec.Instruction.Notional.String(),
		string(rec.Instruction.TimeInForce),
		rec.SubmittedAt.UnixNano(),
		nullString(rec.BackendOrderID),
		string(rec.Status),
		rec.FilledQuantity.String(),
		rec.FilledPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}

	rec.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read trade id: %w", err)
	}

	r.log.Info().
		Str("instruction_id", rec.Instruction.ID).
		Str("ticker", rec.Instruction.Ticker).
		Str("side", string(rec.Instruction.Side)).
		Str("size", rec.Instruction.Size().String()).
		Msg("Trade recorded")

	return nil
}

// Exists checks whether an instruction has already been recorded
func (r *TradeRepository) Exists(instructionID string) (bool, error) {
	query := "SELECT 1 FROM trades WHERE instruction_id = ? LIMIT 1"

	var exists int
	err := r.ledgerDB.QueryRow(query, instructionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check trade existence: %w", err)
	}

	return true, nil
}

// UpdateStatus updates the status and fill columns of a trade record.
// Only the order dispatcher calls this as backend updates arrive.
func (r *TradeRepository) UpdateStatus(instructionID string, status domain.OrderStatus, backendOrderID string, filledQty, filledPrice decimal.Decimal) error {
	query := `
		UPDATE trades
		SET status = ?, backend_order_id = ?, filled_quantity = ?, filled_price = ?
		WHERE instruction_id = ?
	`

	result, err := r.ledgerDB.Exec(query,
		string(status),
		nullString(backendOrderID),
		filledQty.String(),
		filledPrice.String(),
		instructionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trade status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no trade found for instruction %s", instructionID)
	}

	return nil
}

// GetByInstructionID retrieves a trade by its instruction idempotency key.
// Returns nil when not found.
func (r *TradeRepository) GetByInstructionID(instructionID string) (*domain.TradeRecord, error) {
	query := "SELECT " + tradesColumns + " FROM trades WHERE instruction_id = ?"

	rec, err := scanTrade(r.ledgerDB.QueryRow(query, instructionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade by instruction_id: %w", err)
	}

	return rec, nil
}

// GetByBackendOrderID retrieves a trade by the backend's order identifier.
// Returns nil when not found.
func (r *TradeRepository) GetByBackendOrderID(backendOrderID string) (*domain.TradeRecord, error) {
	query := "SELECT " + tradesColumns + " FROM trades WHERE backend_order_id = ?"

	rec, err := scanTrade(r.ledgerDB.QueryRow(query, backendOrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade by backend_order_id: %w", err)
	}

	return rec, nil
}

// History retrieves trades submitted within [from, to], most recent first
func (r *TradeRepository) History(from, to time.Time) ([]*domain.TradeRecord, error) {
	query := `
		SELECT ` + tradesColumns + ` FROM trades
		WHERE submitted_at >= ? AND submitted_at <= ?
		ORDER BY submitted_at DESC
	`
	return r.queryMany(query, from.UnixNano(), to.UnixNano())
}

// HistoryByTicker retrieves trades for one ticker within [from, to], most
// recent first
func (r *TradeRepository) HistoryByTicker(ticker string, from, to time.Time) ([]*domain.TradeRecord, error) {
	query := `
		SELECT ` + tradesColumns + ` FROM trades
		WHERE ticker = ? AND submitted_at >= ? AND submitted_at <= ?
		ORDER BY submitted_at DESC
	`
	return r.queryMany(query, strings.ToUpper(ticker), from.UnixNano(), to.UnixNano())
}

// Open retrieves trades whose status is not terminal (pending, submitted or
// partially filled), oldest first. Used to reconcile in-flight orders.
func (r *TradeRepository) Open() ([]*domain.TradeRecord, error) {
	query := `
		SELECT ` + tradesColumns + ` FROM trades
		WHERE status IN (?, ?, ?)
		ORDER BY submitted_at ASC
	`
	return r.queryMany(query,
		string(domain.StatusPending),
		string(domain.StatusSubmitted),
		string(domain.StatusPartiallyFilled),
	)
}

// HasOpenOrder reports whether a non-terminal record exists for the ticker.
// The safety layer uses this to keep a second order off a ticker that already
// has one in flight.
func (r *TradeRepository) HasOpenOrder(ticker string) (bool, error) {
	query := `
		SELECT 1 FROM trades
		WHERE ticker = ? AND status IN (?, ?, ?)
		LIMIT 1
	`

	var exists int
	err := r.ledgerDB.QueryRow(query,
		strings.ToUpper(strings.TrimSpace(ticker)),
		string(domain.StatusPending),
		string(domain.StatusSubmitted),
		string(domain.StatusPartiallyFilled),
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check open orders: %w", err)
	}

	return true, nil
}

// CountSince counts trades submitted after the cutoff
func (r *TradeRepository) CountSince(cutoff time.Time) (int, error) {
	query := "SELECT COUNT(*) FROM trades WHERE submitted_at >= ?"

	var count int
	if err := r.ledgerDB.QueryRow(query, cutoff.UnixNano()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}

	return count, nil
}

// Recent retrieves the most recent trades up to limit
func (r *TradeRepository) Recent(limit int) ([]*domain.TradeRecord, error) {
	query := `
		SELECT ` + tradesColumns + ` FROM trades
		ORDER BY submitted_at DESC
		LIMIT ?
	`
	return r.queryMany(query, limit)
}

// Helper methods

func (r *TradeRepository) queryMany(query string, args ...interface{}) ([]*domain.TradeRecord, error) {
	rows, err := r.ledgerDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var records []*domain.TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return records, nil
}

// scanner abstracts *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row scanner) (*domain.TradeRecord, error) {
	var (
		rec            domain.TradeRecord
		quantity       string
		notional       string
		filledQuantity string
		filledPrice    string
		submittedAt    int64
		backendOrderID sql.NullString
		side, mode     string
		tif, status    string
	)

	err := row.Scan(
		&rec.ID,
		&rec.Instruction.ID,
		&rec.Instruction.Ticker,
		&side,
		&mode,
		&quantity,
		&notional,
		&tif,
		&submittedAt,
		&backendOrderID,
		&status,
		&filledQuantity,
		&filledPrice,
	)
	if err != nil {
		return nil, err
	}

	rec.Instruction.Side = domain.OrderSide(side)
	rec.Instruction.Mode = domain.QuantityMode(mode)
	rec.Instruction.TimeInForce = domain.TimeInForce(tif)
	rec.Status = domain.OrderStatus(status)
	rec.SubmittedAt = time.Unix(0, submittedAt).UTC()
	if backendOrderID.Valid {
		rec.BackendOrderID = backendOrderID.String
	}

	if rec.Instruction.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("invalid quantity %q: %w", quantity, err)
	}
	if rec.Instruction.Notional, err = decimal.NewFromString(notional); err != nil {
		return nil, fmt.Errorf("invalid notional %q: %w", notional, err)
	}
	if rec.FilledQuantity, err = decimal.NewFromString(filledQuantity); err != nil {
		return nil, fmt.Errorf("invalid filled quantity %q: %w", filledQuantity, err)
	}
	if rec.FilledPrice, err = decimal.NewFromString(filledPrice); err != nil {
		return nil, fmt.Errorf("invalid filled price %q: %w", filledPrice, err)
	}

	return &rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
