package trading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/events"
	"github.com/aristath/tradelib/internal/modules/rebalancing"
	testhelpers "github.com/aristath/tradelib/internal/testing"
)

// mockPlanner returns a canned plan. When block is set, Plan waits until the
// channel closes, which lets tests hold the cycle lock open.
type mockPlanner struct {
	mu    sync.Mutex
	plan  *rebalancing.Plan
	err   error
	block chan struct{}
	calls int
}

func (p *mockPlanner) Plan(_ domain.TargetWeights, _ decimal.Decimal) (*rebalancing.Plan, error) {
	p.mu.Lock()
	p.calls++
	block := p.block
	p.mu.Unlock()

	if block != nil {
		<-block
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.plan, nil
}

func (p *mockPlanner) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// cycleStore extends mockStore with snapshot persistence
type cycleStore struct {
	mockStore
	snapMu  sync.Mutex
	saves   int
	saveErr error
}

func (s *cycleStore) SaveSnapshot() (*domain.PortfolioSnapshot, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	s.saves++
	return testhelpers.NewSnapshotFixture(), nil
}

func (s *cycleStore) Saves() int {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.saves
}

// eventRecorder collects emitted events by type
type eventRecorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *eventRecorder) record(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ByType(t events.EventType) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type cycleFixture struct {
	service *Service
	backend *testhelpers.MockBackend
	repo    *TradeRepository
	store   *cycleStore
	planner *mockPlanner
	events  *eventRecorder
}

func newCycleFixture(t *testing.T) *cycleFixture {
	t.Helper()

	db, cleanup := testhelpers.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	backend := testhelpers.NewMockBackend()
	repo := NewTradeRepository(db.Conn(), zerolog.Nop())
	store := &cycleStore{}
	planner := &mockPlanner{}

	dispatcher := NewDispatcher(backend, repo, store, zerolog.Nop())
	dispatcher.pollInterval = time.Millisecond
	safety := NewSafetyService(repo, backend, zerolog.Nop())

	bus := events.NewBus()
	recorder := &eventRecorder{}
	for _, et := range []events.EventType{
		events.CycleCompleted, events.TradeExecuted, events.TradeRejected,
		events.FundsInsufficient, events.SnapshotSaved, events.ErrorOccurred,
	} {
		bus.Subscribe(et, recorder.record)
	}
	manager := events.NewManager(bus, zerolog.Nop())

	service := NewService(planner, safety, dispatcher, store, repo, backend, manager, zerolog.Nop())
	return &cycleFixture{
		service: service,
		backend: backend,
		repo:    repo,
		store:   store,
		planner: planner,
		events:  recorder,
	}
}

func planWith(instructions ...domain.TradeInstruction) *rebalancing.Plan {
	return &rebalancing.Plan{
		Snapshot: testhelpers.NewSnapshotFixture(),
		Frame: &domain.RebalanceFrame{
			Total: testhelpers.Dec("3000"),
		},
		Instructions: instructions,
	}
}

func testWeights() domain.TargetWeights {
	return domain.TargetWeights{"AAPL": 0.5, "MSFT": 0.3}
}

func TestRunCycle_EndToEnd(t *testing.T) {
	f := newCycleFixture(t)
	f.backend.SetFillPrice("GOOG", testhelpers.Dec("120"))

	buy := testhelpers.NewInstructionFixture("GOOG", domain.SideBuy, "5")
	f.planner.plan = planWith(buy)

	report, err := f.service.RunCycle(context.Background(), testWeights(), decimal.Zero, false)
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	require.NoError(t, report.Outcomes[0].Err)
	assert.Equal(t, domain.StatusFilled, report.Outcomes[0].Record.Status)
	assert.Equal(t, 1, report.Filled())
	assert.Equal(t, 0, report.Failed())
	require.NotNil(t, report.NewSnapshot)
	assert.Equal(t, 1, f.store.Saves())
	assert.False(t, report.FinishedAt.Before(report.StartedAt))

	// Ledger holds the settled record
	rec, err := f.repo.GetByInstructionID(buy.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusFilled, rec.Status)

	assert.Len(t, f.events.ByType(events.TradeExecuted), 1)
	assert.Len(t, f.events.ByType(events.CycleCompleted), 1)
	assert.Len(t, f.events.ByType(events.SnapshotSaved), 1)
}

func TestRunCycle_DryRunSubmitsNothing(t *testing.T) {
	f := newCycleFixture(t)
	buy := testhelpers.NewInstructionFixture("GOOG", domain.SideBuy, "5")
	f.planner.plan = planWith(buy)

	report, err := f.service.RunCycle(context.Background(), testWeights(), decimal.Zero, true)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Len(t, report.Instructions, 1)
	assert.Empty(t, report.Outcomes)
	assert.Nil(t, report.NewSnapshot)

	assert.Empty(t, f.backend.PlacedInstructions())
	assert.Equal(t, 0, f.store.Saves())

	// Dry runs still report completion
	completed := f.events.ByType(events.CycleCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, true, completed[0].Data["dry_run"])
}

func TestRunCycle_SecondConcurrentCycleFailsFast(t *testing.T) {
	f := newCycleFixture(t)

	release := make(chan struct{})
	f.planner.block = release
	f.planner.plan = planWith()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := f.service.RunCycle(context.Background(), testWeights(), decimal.Zero, true)
		done <- err
	}()

	<-started
	// Give the first cycle time to take the lock and block in Plan.
	require.Eventually(t, func() bool { return f.planner.Calls() == 1 }, time.Second, time.Millisecond)

	_, err := f.service.RunCycle(context.Background(), testWeights(), decimal.Zero, true)
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestRunCycle_PreflightBlocksWhenBackendDown(t *testing.T) {
	f := newCycleFixture(t)
	f.backend.SetHealthError(&domain.BackendUnavailableError{
		Backend: "mock", Op: "health_check", Err: errors.New("connection refused"),
	})
	f.planner.plan = planWith()

	_, err := f.service.RunCycle(context.Background(), testWeights(), decimal.Zero, false)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	// Dry runs skip the backend health gate
	_, err = f.service.RunCycle(context.Background(), testWeights(), decimal.Zero, true)
	assert.NoError(t, err)
}

func TestRunCycle_SafetyBlocksOversizedSell(t *testing.T) {
	f := newCycleFixture(t)
	f.backend.SetFillPrice("MSFT", testhelpers.Dec("50"))

	// Snapshot holds 10 AAPL; selling 50 is inconsistent.
	badSell := testhelpers.NewInstructionFixture("AAPL", domain.SideSell, "50")
	goodSell := testhelpers.NewInstructionFixture("MSFT", domain.SideSell, "5")
	f.planner.plan = planWith(badSell, goodSell)

	report, err := f.service.RunCycle(context.Background(), testWeights(), decimal.Zero, false)
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 2)
	require.Error(t, report.Outcomes[0].Err)
	assert.True(t, domain.IsFatal(report.Outcomes[0].Err))
	require.NoError(t, report.Outcomes[1].Err)

	// Only the valid sell reached the backend
	placed := f.backend.PlacedInstructions()
	require.Len(t, placed, 1)
	assert.Equal(t, "MSFT", placed[0].Ticker)

	assert.Len(t, f.events.ByType(events.TradeRejected), 1)
}

func TestRunCycle_SoftErrorsReported(t *testing.T) {
	f := newCycleFixture(t)

	plan := planWith()
	plan.SoftErrors = []error{&domain.InsufficientFundsError{
		Required:    testhelpers.Dec("1000"),
		Available:   testhelpers.Dec("800"),
		ScaleFactor: 0.8,
	}}
	f.planner.plan = plan

	report, err := f.service.RunCycle(context.Background(), testWeights(), decimal.Zero, false)
	require.NoError(t, err)

	require.Len(t, report.SoftErrors, 1)
	assert.Contains(t, report.SoftErrors[0], "insufficient funds")

	insufficient := f.events.ByType(events.FundsInsufficient)
	require.Len(t, insufficient, 1)
	assert.Equal(t, 0.8, insufficient[0].Data["scale_factor"])
}

func TestRunCycle_PlannerErrorAborts(t *testing.T) {
	f := newCycleFixture(t)
	f.planner.err = errors.New("no price for GOOG")

	_, err := f.service.RunCycle(context.Background(), testWeights(), decimal.Zero, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to plan cycle")
	assert.Equal(t, 0, f.store.Saves())
}

func TestRunCycle_SnapshotFailureReturnsReportAndError(t *testing.T) {
	f := newCycleFixture(t)
	f.backend.SetFillPrice("GOOG", testhelpers.Dec("120"))
	f.store.saveErr = errors.New("disk full")

	buy := testhelpers.NewInstructionFixture("GOOG", domain.SideBuy, "5")
	f.planner.plan = planWith(buy)

	report, err := f.service.RunCycle(context.Background(), testWeights(), decimal.Zero, false)
	require.Error(t, err)

	// The dispatch still happened; the report says so.
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Filled())
	assert.Nil(t, report.NewSnapshot)
}

func TestCancelOrder(t *testing.T) {
	f := newCycleFixture(t)

	inst := testhelpers.NewInstructionFixture("AAPL", domain.SideBuy, "5")
	rec := &domain.TradeRecord{
		Instruction:    inst,
		SubmittedAt:    time.Now().UTC(),
		BackendOrderID: "ORD-1",
		Status:         domain.StatusSubmitted,
	}
	require.NoError(t, f.repo.Create(rec))
	f.backend.SetStatus("ORD-1", &domain.OrderResult{
		BackendOrderID: "ORD-1",
		Status:         domain.StatusCancelled,
	})

	require.NoError(t, f.service.CancelOrder(context.Background(), "ORD-1"))
	assert.Equal(t, []string{"ORD-1"}, f.backend.CancelledOrders())

	// Reconcile settled the record from the backend's state
	settled, err := f.repo.GetByBackendOrderID("ORD-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, settled.Status)
}

func TestCancelOrder_UnknownOrTerminal(t *testing.T) {
	f := newCycleFixture(t)

	assert.ErrorIs(t, f.service.CancelOrder(context.Background(), "ORD-404"), ErrOrderNotFound)

	inst := testhelpers.NewInstructionFixture("AAPL", domain.SideBuy, "5")
	rec := testhelpers.NewTradeRecordFixture(inst, "150")
	require.NoError(t, f.repo.Create(rec))

	err := f.service.CancelOrder(context.Background(), rec.BackendOrderID)
	require.ErrorIs(t, err, ErrOrderSettled)
	assert.Contains(t, err.Error(), "already filled")
}

func TestHandleStreamUpdate(t *testing.T) {
	f := newCycleFixture(t)

	inst := testhelpers.NewInstructionFixture("AAPL", domain.SideBuy, "10")
	rec := &domain.TradeRecord{
		Instruction:    inst,
		SubmittedAt:    time.Now().UTC(),
		BackendOrderID: "ORD-1",
		Status:         domain.StatusSubmitted,
	}
	require.NoError(t, f.repo.Create(rec))

	f.service.HandleStreamUpdate(inst.ID, &domain.OrderResult{
		BackendOrderID: "ORD-1",
		Status:         domain.StatusFilled,
		FilledQuantity: testhelpers.Dec("10"),
		FilledPrice:    testhelpers.Dec("150"),
	})

	settled, err := f.repo.GetByInstructionID(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, settled.Status)
	assert.True(t, settled.FilledQuantity.Equal(testhelpers.Dec("10")))

	// The fill reached the portfolio
	fills := f.store.Fills()
	require.Len(t, fills, 1)

	// Updates for unknown instructions are ignored without error
	f.service.HandleStreamUpdate("nonexistent", &domain.OrderResult{Status: domain.StatusFilled})
}

func TestReconcile_RefreshesSnapshotWhenChanged(t *testing.T) {
	f := newCycleFixture(t)

	inst := testhelpers.NewInstructionFixture("AAPL", domain.SideBuy, "10")
	rec := &domain.TradeRecord{
		Instruction:    inst,
		SubmittedAt:    time.Now().UTC(),
		BackendOrderID: "ORD-1",
		Status:         domain.StatusSubmitted,
	}
	require.NoError(t, f.repo.Create(rec))
	f.backend.SetStatus("ORD-1", &domain.OrderResult{
		BackendOrderID: "ORD-1",
		Status:         domain.StatusFilled,
		FilledQuantity: testhelpers.Dec("10"),
		FilledPrice:    testhelpers.Dec("150"),
	})

	updated, err := f.service.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 1, f.store.Saves())

	// A second pass finds nothing open and saves nothing
	updated, err = f.service.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, updated)
	assert.Equal(t, 1, f.store.Saves())
}
