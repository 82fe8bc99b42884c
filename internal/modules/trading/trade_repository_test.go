package trading

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

func newTestTradeRepo(t *testing.T) *TradeRepository {
	t.Helper()

	db, cleanup := testhelpers.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	return NewTradeRepository(db.Conn(), zerolog.Nop())
}

func buyRecord(instructionID, ticker string, qty int64, at time.Time) *domain.TradeRecord {
	return &domain.TradeRecord{
		Instruction: domain.TradeInstruction{
			ID:          instructionID,
			Ticker:      ticker,
			Side:        domain.SideBuy,
			Mode:        domain.QuantityShares,
			Quantity:    decimal.NewFromInt(qty),
			TimeInForce: domain.TIFDay,
		},
		SubmittedAt: at,
		Status:      domain.StatusPending,
	}
}

func TestTradeRepository_CreateAndGet(t *testing.T) {
	repo := newTestTradeRepo(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := buyRecord("inst-1", "AAPL", 10, now)

	err := repo.Create(rec)
	require.NoError(t, err)
	assert.Positive(t, rec.ID)

	got, err := repo.GetByInstructionID("inst-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "AAPL", got.Instruction.Ticker)
	assert.Equal(t, domain.SideBuy, got.Instruction.Side)
	assert.True(t, got.Instruction.Quantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, got.SubmittedAt.Equal(now))
	assert.True(t, got.FilledQuantity.IsZero())
}

func TestTradeRepository_Get_Missing(t *testing.T) {
	repo := newTestTradeRepo(t)

	got, err := repo.GetByInstructionID("nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = repo.GetByBackendOrderID("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTradeRepository_DuplicateInstructionRejected(t *testing.T) {
	repo := newTestTradeRepo(t)

	now := time.Now().UTC()
	require.NoError(t, repo.Create(buyRecord("inst-1", "AAPL", 10, now)))

	err := repo.Create(buyRecord("inst-1", "MSFT", 5, now))
	assert.Error(t, err)
}

func TestTradeRepository_Exists(t *testing.T) {
	repo := newTestTradeRepo(t)

	exists, err := repo.Exists("inst-1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, repo.Create(buyRecord("inst-1", "AAPL", 10, time.Now().UTC())))

	exists, err = repo.Exists("inst-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestTradeRepository_UpdateStatus(t *testing.T) {
	repo := newTestTradeRepo(t)

	require.NoError(t, repo.Create(buyRecord("inst-1", "AAPL", 10, time.Now().UTC())))

	err := repo.UpdateStatus("inst-1", domain.StatusFilled, "ord-77",
		decimal.NewFromInt(10), decimal.RequireFromString("150.25"))
	require.NoError(t, err)

	got, err := repo.GetByInstructionID("inst-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.Equal(t, "ord-77", got.BackendOrderID)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, got.FilledPrice.Equal(decimal.RequireFromString("150.25")))

	byOrder, err := repo.GetByBackendOrderID("ord-77")
	require.NoError(t, err)
	require.NotNil(t, byOrder)
	assert.Equal(t, "inst-1", byOrder.Instruction.ID)
}

func TestTradeRepository_UpdateStatus_Missing(t *testing.T) {
	repo := newTestTradeRepo(t)

	err := repo.UpdateStatus("nope", domain.StatusFilled, "",
		decimal.Zero, decimal.Zero)
	assert.Error(t, err)
}

func TestTradeRepository_History(t *testing.T) {
	repo := newTestTradeRepo(t)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(buyRecord("inst-1", "AAPL", 1, base)))
	require.NoError(t, repo.Create(buyRecord("inst-2", "MSFT", 2, base.Add(time.Hour))))
	require.NoError(t, repo.Create(buyRecord("inst-3", "AAPL", 3, base.Add(48*time.Hour))))

	records, err := repo.History(base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Most recent first
	assert.Equal(t, "inst-2", records[0].Instruction.ID)
	assert.Equal(t, "inst-1", records[1].Instruction.ID)
}

func TestTradeRepository_HistoryByTicker(t *testing.T) {
	repo := newTestTradeRepo(t)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(buyRecord("inst-1", "AAPL", 1, base)))
	require.NoError(t, repo.Create(buyRecord("inst-2", "MSFT", 2, base.Add(time.Minute))))
	require.NoError(t, repo.Create(buyRecord("inst-3", "AAPL", 3, base.Add(2*time.Minute))))

	records, err := repo.HistoryByTicker("aapl", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "inst-3", records[0].Instruction.ID)
	assert.Equal(t, "inst-1", records[1].Instruction.ID)
}

func TestTradeRepository_Open(t *testing.T) {
	repo := newTestTradeRepo(t)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(buyRecord("inst-1", "AAPL", 1, base)))
	require.NoError(t, repo.Create(buyRecord("inst-2", "MSFT", 2, base.Add(time.Minute))))
	require.NoError(t, repo.Create(buyRecord("inst-3", "GOOG", 3, base.Add(2*time.Minute))))

	require.NoError(t, repo.UpdateStatus("inst-2", domain.StatusFilled, "ord-2",
		decimal.NewFromInt(2), decimal.NewFromInt(50)))
	require.NoError(t, repo.UpdateStatus("inst-3", domain.StatusPartiallyFilled, "ord-3",
		decimal.NewFromInt(1), decimal.NewFromInt(120)))

	open, err := repo.Open()
	require.NoError(t, err)
	require.Len(t, open, 2)

	// Oldest first
	assert.Equal(t, "inst-1", open[0].Instruction.ID)
	assert.Equal(t, "inst-3", open[1].Instruction.ID)
}

func TestTradeRepository_CountSinceAndRecent(t *testing.T) {
	repo := newTestTradeRepo(t)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"inst-1", "inst-2", "inst-3"} {
		require.NoError(t, repo.Create(buyRecord(id, "AAPL", 1, base.Add(time.Duration(i)*time.Hour))))
	}

	count, err := repo.CountSince(base.Add(30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	recent, err := repo.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "inst-3", recent[0].Instruction.ID)
}
