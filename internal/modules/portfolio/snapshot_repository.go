package portfolio

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/tradelib/internal/database"
	"github.com/aristath/tradelib/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNoSnapshot is returned when no snapshot exists for the requested time
var ErrNoSnapshot = errors.New("no snapshot available")

// SnapshotRepository handles portfolio snapshot persistence.
// Snapshots are immutable once recorded: there are no update operations.
type SnapshotRepository struct {
	portfolioDB *sql.DB // portfolio.db - snapshots, snapshot_positions
	log         zerolog.Logger
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(portfolioDB *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		portfolioDB: portfolioDB,
		log:         log.With().Str("repo", "snapshot").Logger(),
	}
}

// Create persists a snapshot with the per-position prices used to value it.
// The snapshot row and its position rows are written in one transaction.
func (r *SnapshotRepository) Create(snap *domain.PortfolioSnapshot, prices map[string]decimal.Decimal) error {
	return database.WithTransaction(r.portfolioDB, func(tx *sql.Tx) error {
		result, err := tx.Exec(
			"INSERT INTO snapshots (timestamp, total_value, cash) VALUES (?, ?, ?)",
			snap.Timestamp.UnixNano(), snap.TotalValue.String(), snap.Cash.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}

		snapshotID, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get snapshot id: %w", err)
		}

		for ticker, pos := range snap.Positions {
			price, ok := prices[ticker]
			if !ok {
				return fmt.Errorf("no price for held position %s", ticker)
			}
			_, err := tx.Exec(
				"INSERT INTO snapshot_positions (snapshot_id, ticker, quantity, average_cost, price) VALUES (?, ?, ?, ?, ?)",
				snapshotID, ticker, pos.Quantity.String(), pos.AverageCost.String(), price.String(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert snapshot position %s: %w", ticker, err)
			}
		}

		return nil
	})
}

// Latest returns the most recent snapshot
func (r *SnapshotRepository) Latest() (*domain.PortfolioSnapshot, error) {
	return r.queryOne("SELECT id, timestamp, total_value, cash FROM snapshots ORDER BY timestamp DESC LIMIT 1")
}

// AtTime returns the last snapshot at or before the given time
func (r *SnapshotRepository) AtTime(t time.Time) (*domain.PortfolioSnapshot, error) {
	return r.queryOne(
		"SELECT id, timestamp, total_value, cash FROM snapshots WHERE timestamp <= ? ORDER BY timestamp DESC LIMIT 1",
		t.UnixNano(),
	)
}

// LatestTimestamp returns the timestamp of the most recent snapshot, or zero
// time when none exists. Used to enforce monotonic snapshot ordering.
func (r *SnapshotRepository) LatestTimestamp() (time.Time, error) {
	var nanos int64
	err := r.portfolioDB.QueryRow("SELECT timestamp FROM snapshots ORDER BY timestamp DESC LIMIT 1").Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest snapshot timestamp: %w", err)
	}
	return time.Unix(0, nanos), nil
}

// Range returns snapshots with timestamp in [from, to], oldest first.
// Positions are loaded for each snapshot.
func (r *SnapshotRepository) Range(from, to time.Time) ([]*domain.PortfolioSnapshot, error) {
	query := "SELECT id, timestamp, total_value, cash FROM snapshots WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC"

	rows, err := r.portfolioDB.Query(query, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	type row struct {
		id   int64
		snap *domain.PortfolioSnapshot
	}
	var loaded []row
	for rows.Next() {
		id, snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, row{id: id, snap: snap})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snapshots := make([]*domain.PortfolioSnapshot, 0, len(loaded))
	for _, l := range loaded {
		if err := r.loadPositions(l.id, l.snap); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, l.snap)
	}

	return snapshots, nil
}

// PositionHistory returns the (timestamp, quantity, price) series for one
// ticker across snapshots in [from, to], oldest first.
func (r *SnapshotRepository) PositionHistory(ticker string, from, to time.Time) ([]PositionObservation, error) {
	query := `
		SELECT s.timestamp, sp.quantity, sp.price
		FROM snapshot_positions sp
		INNER JOIN snapshots s ON s.id = sp.snapshot_id
		WHERE sp.ticker = ? AND s.timestamp >= ? AND s.timestamp <= ?
		ORDER BY s.timestamp ASC
	`

	rows, err := r.portfolioDB.Query(query, ticker, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query position history for %s: %w", ticker, err)
	}
	defer rows.Close()

	var observations []PositionObservation
	for rows.Next() {
		var (
			nanos    int64
			qtyStr   string
			priceStr string
		)
		if err := rows.Scan(&nanos, &qtyStr, &priceStr); err != nil {
			return nil, fmt.Errorf("failed to scan position history row: %w", err)
		}

		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored quantity %q: %w", qtyStr, err)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored price %q: %w", priceStr, err)
		}

		observations = append(observations, PositionObservation{
			Timestamp: time.Unix(0, nanos),
			Quantity:  qty,
			Price:     price,
		})
	}

	return observations, rows.Err()
}

// PositionObservation is one snapshot's view of a single position
type PositionObservation struct {
	Timestamp time.Time       `json:"timestamp"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// queryOne loads a single snapshot (with positions) from a query
func (r *SnapshotRepository) queryOne(query string, args ...interface{}) (*domain.PortfolioSnapshot, error) {
	rows, err := r.portfolioDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoSnapshot
	}

	id, snap, err := scanSnapshot(rows)
	if err != nil {
		return nil, err
	}

	if err := r.loadPositions(id, snap); err != nil {
		return nil, err
	}

	return snap, nil
}

// loadPositions fills in the positions map for a stored snapshot
func (r *SnapshotRepository) loadPositions(snapshotID int64, snap *domain.PortfolioSnapshot) error {
	query := "SELECT ticker, quantity, average_cost FROM snapshot_positions WHERE snapshot_id = ?"

	rows, err := r.portfolioDB.Query(query, snapshotID)
	if err != nil {
		return fmt.Errorf("failed to query snapshot positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ticker, qtyStr, costStr string
		if err := rows.Scan(&ticker, &qtyStr, &costStr); err != nil {
			return fmt.Errorf("failed to scan snapshot position: %w", err)
		}

		pos, err := buildPosition(ticker, qtyStr, costStr)
		if err != nil {
			return err
		}
		snap.Positions[ticker] = *pos
	}

	return rows.Err()
}

// scanSnapshot scans the snapshot header row (without positions)
func scanSnapshot(rows *sql.Rows) (int64, *domain.PortfolioSnapshot, error) {
	var (
		id       int64
		nanos    int64
		totalStr string
		cashStr  string
	)

	if err := rows.Scan(&id, &nanos, &totalStr, &cashStr); err != nil {
		return 0, nil, fmt.Errorf("failed to scan snapshot row: %w", err)
	}

	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to parse stored total value %q: %w", totalStr, err)
	}
	cash, err := decimal.NewFromString(cashStr)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to parse stored cash %q: %w", cashStr, err)
	}

	return id, &domain.PortfolioSnapshot{
		Timestamp:  time.Unix(0, nanos),
		TotalValue: total,
		Cash:       cash,
		Positions:  make(map[string]domain.Position),
	}, nil
}
