package portfolio

import (
	"database/sql"
	"testing"

	"github.com/aristath/tradelib/internal/database"
	"github.com/aristath/tradelib/internal/domain"
	testhelpers "github.com/aristath/tradelib/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upsert(t *testing.T, db *sql.DB, repo *PositionRepository, pos domain.Position) {
	t.Helper()
	err := database.WithTransaction(db, func(tx *sql.Tx) error {
		return repo.UpsertTx(tx, pos)
	})
	require.NoError(t, err)
}

func TestPositionRepository_UpsertAndGet(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewPositionRepository(db.Conn(), zerolog.Nop())

	upsert(t, db.Conn(), repo, domain.Position{
		Ticker:      "AAPL",
		Quantity:    testhelpers.Dec("10.5"),
		AverageCost: testhelpers.Dec("140.25"),
	})

	pos, err := repo.Get("AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(testhelpers.Dec("10.5")))
	assert.True(t, pos.AverageCost.Equal(testhelpers.Dec("140.25")))

	// Upsert replaces
	upsert(t, db.Conn(), repo, domain.Position{
		Ticker:      "AAPL",
		Quantity:    testhelpers.Dec("12"),
		AverageCost: testhelpers.Dec("141"),
	})

	pos, err = repo.Get("AAPL")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(testhelpers.Dec("12")))
}

func TestPositionRepository_Get_Missing(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewPositionRepository(db.Conn(), zerolog.Nop())

	pos, err := repo.Get("NOPE")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestPositionRepository_ZeroQuantityDeletes(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewPositionRepository(db.Conn(), zerolog.Nop())

	upsert(t, db.Conn(), repo, domain.Position{
		Ticker:      "AAPL",
		Quantity:    testhelpers.Dec("10"),
		AverageCost: testhelpers.Dec("140"),
	})
	upsert(t, db.Conn(), repo, domain.Position{
		Ticker:      "AAPL",
		Quantity:    decimal.Zero,
		AverageCost: testhelpers.Dec("140"),
	})

	pos, err := repo.Get("AAPL")
	require.NoError(t, err)
	assert.Nil(t, pos, "zero-quantity position is removed, not stored")

	all, err := repo.GetAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPositionRepository_GetAll(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewPositionRepository(db.Conn(), zerolog.Nop())

	upsert(t, db.Conn(), repo, domain.Position{Ticker: "AAPL", Quantity: testhelpers.Dec("10"), AverageCost: testhelpers.Dec("140")})
	upsert(t, db.Conn(), repo, domain.Position{Ticker: "MSFT", Quantity: testhelpers.Dec("20"), AverageCost: testhelpers.Dec("45")})

	all, err := repo.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all["MSFT"].Quantity.Equal(testhelpers.Dec("20")))
}

func TestPositionRepository_Cash(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	defer cleanup()
	repo := NewPositionRepository(db.Conn(), zerolog.Nop())

	cash, err := repo.GetCash()
	require.NoError(t, err)
	assert.True(t, cash.IsZero(), "fresh database starts at zero cash")

	require.NoError(t, repo.SetCash(testhelpers.Dec("1000.50")))
	cash, err = repo.GetCash()
	require.NoError(t, err)
	assert.True(t, cash.Equal(testhelpers.Dec("1000.50")))

	require.NoError(t, repo.SetCash(testhelpers.Dec("750")))
	cash, err = repo.GetCash()
	require.NoError(t, err)
	assert.True(t, cash.Equal(testhelpers.Dec("750")))
}
