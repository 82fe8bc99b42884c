// Package pricing provides price storage and lookup for tickers.
package pricing

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when no price exists for a ticker at the requested time
var ErrNoPrice = errors.New("no price available")

// pricesColumns is the list of columns for the prices table
// Used to avoid SELECT * which can break when schema changes
const pricesColumns = `ticker, price, as_of`

// PricePoint is a single price observation
type PricePoint struct {
	Ticker string          `json:"ticker"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
}

// PriceRepository handles price history database operations
type PriceRepository struct {
	historyDB *sql.DB // history.db - prices table
	log       zerolog.Logger
}

// NewPriceRepository creates a new price repository
func NewPriceRepository(historyDB *sql.DB, log zerolog.Logger) *PriceRepository {
	return &PriceRepository{
		historyDB: historyDB,
		log:       log.With().Str("repo", "price").Logger(),
	}
}

// Set upserts a price point for a ticker
func (r *PriceRepository) Set(ticker string, price decimal.Decimal, asOf time.Time) error {
	query := `
		INSERT INTO prices (ticker, price, as_of)
		VALUES (?, ?, ?)
		ON CONFLICT(ticker, as_of) DO UPDATE SET price = excluded.price
	`

	_, err := r.historyDB.Exec(query, ticker, price.String(), asOf.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set price for %s: %w", ticker, err)
	}

	return nil
}

// Latest returns the most recent price for a ticker
func (r *PriceRepository) Latest(ticker string) (*PricePoint, error) {
	query := "SELECT " + pricesColumns + " FROM prices WHERE ticker = ? ORDER BY as_of DESC LIMIT 1"

	point, err := r.scanPrice(r.historyDB.QueryRow(query, ticker))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w for %s", ErrNoPrice, ticker)
		}
		return nil, fmt.Errorf("failed to get latest price for %s: %w", ticker, err)
	}

	return point, nil
}

// AsOf returns the last price at or before the given time
func (r *PriceRepository) AsOf(ticker string, t time.Time) (*PricePoint, error) {
	query := "SELECT " + pricesColumns + " FROM prices WHERE ticker = ? AND as_of <= ? ORDER BY as_of DESC LIMIT 1"

	point, err := r.scanPrice(r.historyDB.QueryRow(query, ticker, t.UnixNano()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w for %s at %s", ErrNoPrice, ticker, t.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("failed to get price for %s: %w", ticker, err)
	}

	return point, nil
}

// History returns price points for a ticker in [from, to], oldest first
func (r *PriceRepository) History(ticker string, from, to time.Time) ([]PricePoint, error) {
	query := "SELECT " + pricesColumns + " FROM prices WHERE ticker = ? AND as_of >= ? AND as_of <= ? ORDER BY as_of ASC"

	rows, err := r.historyDB.Query(query, ticker, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query price history for %s: %w", ticker, err)
	}
	defer rows.Close()

	var points []PricePoint
	for rows.Next() {
		point, err := r.scanPriceFromRows(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *point)
	}

	return points, rows.Err()
}

// LatestAll returns the most recent price for every known ticker
func (r *PriceRepository) LatestAll() (map[string]decimal.Decimal, error) {
	// Window over (ticker, as_of DESC): first row per ticker is the latest
	query := `
		SELECT p.ticker, p.price, p.as_of
		FROM prices p
		INNER JOIN (
			SELECT ticker, MAX(as_of) AS max_as_of
			FROM prices
			GROUP BY ticker
		) latest ON p.ticker = latest.ticker AND p.as_of = latest.max_as_of
	`

	rows, err := r.historyDB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest prices: %w", err)
	}
	defer rows.Close()

	prices := make(map[string]decimal.Decimal)
	for rows.Next() {
		point, err := r.scanPriceFromRows(rows)
		if err != nil {
			return nil, err
		}
		prices[point.Ticker] = point.Price
	}

	return prices, rows.Err()
}

// scanPrice scans a single price row
func (r *PriceRepository) scanPrice(row *sql.Row) (*PricePoint, error) {
	var (
		ticker   string
		priceStr string
		asOfNano int64
	)

	if err := row.Scan(&ticker, &priceStr, &asOfNano); err != nil {
		return nil, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored price %q for %s: %w", priceStr, ticker, err)
	}

	return &PricePoint{Ticker: ticker, Price: price, AsOf: time.Unix(0, asOfNano)}, nil
}

// scanPriceFromRows scans a price from sql.Rows
func (r *PriceRepository) scanPriceFromRows(rows *sql.Rows) (*PricePoint, error) {
	var (
		ticker   string
		priceStr string
		asOfNano int64
	)

	if err := rows.Scan(&ticker, &priceStr, &asOfNano); err != nil {
		return nil, fmt.Errorf("failed to scan price row: %w", err)
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored price %q for %s: %w", priceStr, ticker, err)
	}

	return &PricePoint{Ticker: ticker, Price: price, AsOf: time.Unix(0, asOfNano)}, nil
}
