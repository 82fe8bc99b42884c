package portfolio

import (
	"testing"
	"time"

	"github.com/aristath/tradelib/internal/domain"
	testhelpers "github.com/aristath/tradelib/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotAt(ts time.Time) (*domain.PortfolioSnapshot, map[string]decimal.Decimal) {
	snap := &domain.PortfolioSnapshot{
		Timestamp:  ts,
		TotalValue: testhelpers.Dec("3000"),
		Positions: map[string]domain.Position{
			"AAPL": {Ticker: "AAPL", Quantity: testhelpers.Dec("10"), AverageCost: testhelpers.Dec("140")},
			"MSFT": {Ticker: "MSFT", Quantity: testhelpers.Dec("20"), AverageCost: testhelpers.Dec("45")},
		},
		Cash: testhelpers.Dec("500"),
	}
	prices := map[string]decimal.Decimal{
		"AAPL": testhelpers.Dec("150"),
		"MSFT": testhelpers.Dec("50"),
	}
	return snap, prices
}

func TestSnapshotRepository_CreateAndLatest(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewSnapshotRepository(db.Conn(), zerolog.Nop())

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap, prices := snapshotAt(ts)
	require.NoError(t, repo.Create(snap, prices))

	got, err := repo.Latest()
	require.NoError(t, err)

	assert.True(t, got.Timestamp.Equal(ts))
	assert.True(t, got.TotalValue.Equal(testhelpers.Dec("3000")))
	assert.True(t, got.Cash.Equal(testhelpers.Dec("500")))
	require.Len(t, got.Positions, 2)

	pos, ok := got.Position("AAPL")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(testhelpers.Dec("10")))
	assert.True(t, pos.AverageCost.Equal(testhelpers.Dec("140")))
}

func TestSnapshotRepository_Latest_Empty(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewSnapshotRepository(db.Conn(), zerolog.Nop())

	_, err := repo.Latest()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSnapshotRepository_Create_MissingPrice(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewSnapshotRepository(db.Conn(), zerolog.Nop())

	snap, prices := snapshotAt(time.Now())
	delete(prices, "MSFT")

	err := repo.Create(snap, prices)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MSFT")

	// Failed create must not leave a partial snapshot behind
	_, err = repo.Latest()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSnapshotRepository_AtTime(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewSnapshotRepository(db.Conn(), zerolog.Nop())

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, time.Hour, 2 * time.Hour} {
		snap, prices := snapshotAt(base.Add(offset))
		require.NoError(t, repo.Create(snap, prices))
	}

	got, err := repo.AtTime(base.Add(90 * time.Minute))
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(base.Add(time.Hour)))

	_, err = repo.AtTime(base.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSnapshotRepository_LatestTimestamp(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewSnapshotRepository(db.Conn(), zerolog.Nop())

	ts, err := repo.LatestTimestamp()
	require.NoError(t, err)
	assert.True(t, ts.IsZero(), "empty repository reports zero time")

	want := time.Date(2025, 6, 1, 12, 0, 0, 123, time.UTC)
	snap, prices := snapshotAt(want)
	require.NoError(t, repo.Create(snap, prices))

	ts, err = repo.LatestTimestamp()
	require.NoError(t, err)
	assert.True(t, ts.Equal(want), "nanosecond precision survives the round trip")
}

func TestSnapshotRepository_Range(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewSnapshotRepository(db.Conn(), zerolog.Nop())

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for day := 0; day < 5; day++ {
		snap, prices := snapshotAt(base.AddDate(0, 0, day))
		require.NoError(t, repo.Create(snap, prices))
	}

	snaps, err := repo.Range(base.AddDate(0, 0, 1), base.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.True(t, snaps[0].Timestamp.Before(snaps[2].Timestamp), "oldest first")
}

func TestSnapshotRepository_PositionHistory(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewSnapshotRepository(db.Conn(), zerolog.Nop())

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for day := 0; day < 3; day++ {
		snap, prices := snapshotAt(base.AddDate(0, 0, day))
		prices["AAPL"] = testhelpers.Dec("150").Add(decimal.NewFromInt(int64(day)))
		require.NoError(t, repo.Create(snap, prices))
	}

	obs, err := repo.PositionHistory("AAPL", base, base.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.True(t, obs[0].Price.Equal(testhelpers.Dec("150")))
	assert.True(t, obs[2].Price.Equal(testhelpers.Dec("152")))
	assert.True(t, obs[1].Quantity.Equal(testhelpers.Dec("10")))
}
