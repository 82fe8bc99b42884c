package trading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradelib/internal/domain"
	testhelpers "github.com/aristath/tradelib/internal/testing"
)

func newTestSafety(t *testing.T) (*SafetyService, *testhelpers.MockBackend, *TradeRepository) {
	t.Helper()

	db, cleanup := testhelpers.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	backend := testhelpers.NewMockBackend()
	repo := NewTradeRepository(db.Conn(), zerolog.Nop())
	return NewSafetyService(repo, backend, zerolog.Nop()), backend, repo
}

func TestPreflightCycle(t *testing.T) {
	safety, _, _ := newTestSafety(t)
	ctx := context.Background()

	assert.Error(t, safety.PreflightCycle(ctx, nil))
	assert.Error(t, safety.PreflightCycle(ctx, domain.TargetWeights{}))
	assert.Error(t, safety.PreflightCycle(ctx, domain.TargetWeights{"AAPL": 0.7, "MSFT": 0.5}))
	assert.Error(t, safety.PreflightCycle(ctx, domain.TargetWeights{"AAPL": -0.1}))
	assert.Error(t, safety.PreflightCycle(ctx, domain.TargetWeights{"": 0.5}))

	assert.NoError(t, safety.PreflightCycle(ctx, domain.TargetWeights{"AAPL": 0.6, "MSFT": 0.4}))
	assert.NoError(t, safety.PreflightCycle(ctx, domain.TargetWeights{"AAPL": 0.5}))
}

func TestPreflightCycle_BackendDown(t *testing.T) {
	safety, backend, _ := newTestSafety(t)

	backend.SetHealthError(errors.New("dial tcp: connection refused"))
	err := safety.PreflightCycle(context.Background(), domain.TargetWeights{"AAPL": 0.5})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	// An error that is already classified passes through unchanged
	backend.SetHealthError(&domain.BackendUnavailableError{
		Backend: "mock", Op: "health_check", Err: errors.New("503"),
	})
	err = safety.PreflightCycle(context.Background(), domain.TargetWeights{"AAPL": 0.5})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestPreflightCycle_NoBackend(t *testing.T) {
	safety := NewSafetyService(nil, nil, zerolog.Nop())
	err := safety.PreflightCycle(context.Background(), domain.TargetWeights{"AAPL": 0.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backend")
}

func TestValidateInstruction_Structural(t *testing.T) {
	safety, _, _ := newTestSafety(t)
	snap := testhelpers.NewSnapshotFixture()

	bad := domain.TradeInstruction{
		ID:          "bad-1",
		Ticker:      "AAPL",
		Side:        domain.SideBuy,
		Mode:        domain.QuantityShares,
		TimeInForce: domain.TIFDay,
	}
	assert.Error(t, safety.ValidateInstruction(bad, snap), "zero quantity must be rejected")

	bad.Ticker = ""
	assert.Error(t, safety.ValidateInstruction(bad, snap))

	good := testhelpers.NewInstructionFixture("GOOG", domain.SideBuy, "5")
	assert.NoError(t, safety.ValidateInstruction(good, snap))
}

func TestValidateInstruction_NotionalUnsupported(t *testing.T) {
	safety, backend, _ := newTestSafety(t)
	backend.SetSupportsNotional(false)

	inst := domain.TradeInstruction{
		ID:          "notional-1",
		Ticker:      "AAPL",
		Side:        domain.SideBuy,
		Mode:        domain.QuantityNotional,
		Notional:    testhelpers.Dec("500"),
		TimeInForce: domain.TIFDay,
	}
	err := safety.ValidateInstruction(inst, testhelpers.NewSnapshotFixture())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support notional")

	backend.SetSupportsNotional(true)
	assert.NoError(t, safety.ValidateInstruction(inst, testhelpers.NewSnapshotFixture()))
}

func TestValidateInstruction_Duplicate(t *testing.T) {
	safety, _, repo := newTestSafety(t)
	snap := testhelpers.NewSnapshotFixture()

	inst := testhelpers.NewInstructionFixture("GOOG", domain.SideBuy, "5")
	require.NoError(t, repo.Create(testhelpers.NewTradeRecordFixture(inst, "120")))

	err := safety.ValidateInstruction(inst, snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already submitted")
}

func TestValidateInstruction_OpenOrderPerTicker(t *testing.T) {
	safety, _, repo := newTestSafety(t)
	snap := testhelpers.NewSnapshotFixture()

	// A submitted order for GOOG is in flight
	pending := testhelpers.NewInstructionFixture("GOOG", domain.SideBuy, "5")
	require.NoError(t, repo.Create(&domain.TradeRecord{
		Instruction:    pending,
		SubmittedAt:    time.Now().UTC(),
		BackendOrderID: "ORD-1",
		Status:         domain.StatusSubmitted,
	}))

	next := testhelpers.NewInstructionFixture("GOOG", domain.SideSell, "2")
	next.ID = "second-goog"
	err := safety.ValidateInstruction(next, snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in flight")

	// Terminal records do not block new orders
	require.NoError(t, repo.UpdateStatus(pending.ID, domain.StatusFilled, "ORD-1",
		testhelpers.Dec("5"), testhelpers.Dec("120")))
	buyAgain := testhelpers.NewInstructionFixture("GOOG", domain.SideBuy, "3")
	buyAgain.ID = "third-goog"
	assert.NoError(t, safety.ValidateInstruction(buyAgain, snap))
}

func TestValidateInstruction_SellChecks(t *testing.T) {
	safety, _, _ := newTestSafety(t)
	snap := testhelpers.NewSnapshotFixture() // AAPL 10, MSFT 20

	notHeld := testhelpers.NewInstructionFixture("GOOG", domain.SideSell, "5")
	err := safety.ValidateInstruction(notHeld, snap)
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))

	var inconsistent *domain.InconsistentStateError
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, "GOOG", inconsistent.Ticker)

	oversized := testhelpers.NewInstructionFixture("AAPL", domain.SideSell, "11")
	err = safety.ValidateInstruction(oversized, snap)
	require.ErrorAs(t, err, &inconsistent)
	assert.True(t, inconsistent.Held.Equal(testhelpers.Dec("10")))
	assert.True(t, inconsistent.Requested.Equal(testhelpers.Dec("11")))

	// Selling the entire position is allowed
	full := testhelpers.NewInstructionFixture("AAPL", domain.SideSell, "10")
	assert.NoError(t, safety.ValidateInstruction(full, snap))

	// No snapshot means sells cannot be validated
	err = safety.ValidateInstruction(full, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no snapshot")
}
