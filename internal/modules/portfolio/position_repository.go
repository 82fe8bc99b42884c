// Package portfolio implements the price/position store: current holdings,
// cash, and the snapshot history of the portfolio.
package portfolio

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// positionsColumns is the list of columns for the positions table
// Used to avoid SELECT * which can break when schema changes
const positionsColumns = `ticker, quantity, average_cost, updated_at`

// PositionRepository handles position and cash database operations
type PositionRepository struct {
	portfolioDB *sql.DB // portfolio.db - positions, cash
	log         zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(portfolioDB *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		portfolioDB: portfolioDB,
		log:         log.With().Str("repo", "position").Logger(),
	}
}

// GetAll returns all current positions keyed by ticker
func (r *PositionRepository) GetAll() (map[string]domain.Position, error) {
	query := "SELECT " + positionsColumns + " FROM positions ORDER BY ticker"

	rows, err := r.portfolioDB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make(map[string]domain.Position)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions[pos.Ticker] = *pos
	}

	return positions, rows.Err()
}

// Get returns the position for a ticker, or nil when not held
func (r *PositionRepository) Get(ticker string) (*domain.Position, error) {
	query := "SELECT " + positionsColumns + " FROM positions WHERE ticker = ?"

	var (
		tk      string
		qtyStr  string
		costStr string
		updated int64
	)
	err := r.portfolioDB.QueryRow(query, ticker).Scan(&tk, &qtyStr, &costStr, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s: %w", ticker, err)
	}

	return buildPosition(tk, qtyStr, costStr)
}

// UpsertTx writes a position inside an existing transaction.
// A zero quantity deletes the position: positions exist only while held.
func (r *PositionRepository) UpsertTx(tx *sql.Tx, pos domain.Position) error {
	if pos.Quantity.IsZero() {
		if _, err := tx.Exec("DELETE FROM positions WHERE ticker = ?", pos.Ticker); err != nil {
			return fmt.Errorf("failed to delete position %s: %w", pos.Ticker, err)
		}
		return nil
	}

	query := `
		INSERT INTO positions (ticker, quantity, average_cost, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			quantity = excluded.quantity,
			average_cost = excluded.average_cost,
			updated_at = excluded.updated_at
	`

	_, err := tx.Exec(query, pos.Ticker, pos.Quantity.String(), pos.AverageCost.String(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", pos.Ticker, err)
	}

	return nil
}

// GetCash returns the current cash balance (zero when never set)
func (r *PositionRepository) GetCash() (decimal.Decimal, error) {
	var balanceStr string
	err := r.portfolioDB.QueryRow("SELECT balance FROM cash WHERE id = 1").Scan(&balanceStr)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get cash balance: %w", err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse stored cash balance %q: %w", balanceStr, err)
	}

	return balance, nil
}

// SetCash writes the cash balance
func (r *PositionRepository) SetCash(balance decimal.Decimal) error {
	return r.setCash(r.portfolioDB.Exec, balance)
}

// SetCashTx writes the cash balance inside an existing transaction
func (r *PositionRepository) SetCashTx(tx *sql.Tx, balance decimal.Decimal) error {
	return r.setCash(tx.Exec, balance)
}

func (r *PositionRepository) setCash(exec func(string, ...interface{}) (sql.Result, error), balance decimal.Decimal) error {
	query := `
		INSERT INTO cash (id, balance, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at
	`

	if _, err := exec(query, balance.String(), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to set cash balance: %w", err)
	}

	return nil
}

// scanPosition scans a position from sql.Rows
func scanPosition(rows *sql.Rows) (*domain.Position, error) {
	var (
		ticker  string
		qtyStr  string
		costStr string
		updated int64
	)

	if err := rows.Scan(&ticker, &qtyStr, &costStr, &updated); err != nil {
		return nil, fmt.Errorf("failed to scan position row: %w", err)
	}

	return buildPosition(ticker, qtyStr, costStr)
}

// buildPosition parses stored decimal strings into a Position
func buildPosition(ticker, qtyStr, costStr string) (*domain.Position, error) {
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored quantity %q for %s: %w", qtyStr, ticker, err)
	}
	cost, err := decimal.NewFromString(costStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored average cost %q for %s: %w", costStr, ticker, err)
	}

	return &domain.Position{Ticker: ticker, Quantity: qty, AverageCost: cost}, nil
}
