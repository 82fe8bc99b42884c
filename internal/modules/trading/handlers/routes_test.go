package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/events"
	"github.com/aristath/tradelib/internal/modules/rebalancing"
	"github.com/aristath/tradelib/internal/modules/trading"
	testhelpers "github.com/aristath/tradelib/internal/testing"
)

// stubStore satisfies the service's store needs; order control never plans
type stubStore struct{}

func (stubStore) GetSnapshot() (*domain.PortfolioSnapshot, error) {
	return testhelpers.NewSnapshotFixture(), nil
}
func (stubStore) ApplyFill(*domain.TradeRecord) (*domain.PortfolioSnapshot, error) {
	return testhelpers.NewSnapshotFixture(), nil
}
func (stubStore) RecordTrade(*domain.TradeRecord) error { return nil }
func (stubStore) SaveSnapshot() (*domain.PortfolioSnapshot, error) {
	return testhelpers.NewSnapshotFixture(), nil
}

type stubPlanner struct{}

func (stubPlanner) Plan(domain.TargetWeights, decimal.Decimal) (*rebalancing.Plan, error) {
	return &rebalancing.Plan{Snapshot: testhelpers.NewSnapshotFixture()}, nil
}

func newTestRouter(t *testing.T) (chi.Router, *trading.TradeRepository, *testhelpers.MockBackend) {
	t.Helper()

	db, cleanup := testhelpers.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)
	log := zerolog.Nop()

	backend := testhelpers.NewMockBackend()
	repo := trading.NewTradeRepository(db.Conn(), log)
	store := stubStore{}
	dispatcher := trading.NewDispatcher(backend, repo, store, log)
	safety := trading.NewSafetyService(repo, backend, log)
	manager := events.NewManager(events.NewBus(), log)
	service := trading.NewService(stubPlanner{}, safety, dispatcher, store, repo, backend, manager, log)

	router := chi.NewRouter()
	NewHandler(repo, service, backend, log).RegisterRoutes(router)
	return router, repo, backend
}

func seedTrade(t *testing.T, repo *trading.TradeRepository, ticker, orderID string, status domain.OrderStatus) domain.TradeInstruction {
	t.Helper()
	inst := testhelpers.NewInstructionFixture(ticker, domain.SideBuy, "5")
	inst.ID = "inst-" + orderID
	rec := &domain.TradeRecord{
		Instruction:    inst,
		SubmittedAt:    time.Now().UTC(),
		BackendOrderID: orderID,
		Status:         status,
	}
	if status == domain.StatusFilled {
		rec.FilledQuantity = testhelpers.Dec("5")
		rec.FilledPrice = testhelpers.Dec("150")
	}
	require.NoError(t, repo.Create(rec))
	return inst
}

func TestHandleGetTrades(t *testing.T) {
	router, repo, _ := newTestRouter(t)
	seedTrade(t, repo, "AAPL", "ORD-1", domain.StatusFilled)
	seedTrade(t, repo, "MSFT", "ORD-2", domain.StatusFilled)

	req := httptest.NewRequest("GET", "/trades/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count  int                   `json:"count"`
		Trades []*domain.TradeRecord `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Trades, 2)
}

func TestHandleGetTrades_TickerFilter(t *testing.T) {
	router, repo, _ := newTestRouter(t)
	seedTrade(t, repo, "AAPL", "ORD-1", domain.StatusFilled)
	seedTrade(t, repo, "MSFT", "ORD-2", domain.StatusFilled)

	req := httptest.NewRequest("GET", "/trades/?ticker=AAPL", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Trades []*domain.TradeRecord `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Trades, 1)
	assert.Equal(t, "AAPL", body.Trades[0].Instruction.Ticker)
}

func TestHandleGetTrades_BadRange(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/trades/?from=yesterday", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetOpenOrders(t *testing.T) {
	router, repo, _ := newTestRouter(t)
	seedTrade(t, repo, "AAPL", "ORD-1", domain.StatusSubmitted)
	seedTrade(t, repo, "MSFT", "ORD-2", domain.StatusFilled)

	req := httptest.NewRequest("GET", "/orders/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count  int                   `json:"count"`
		Orders []*domain.TradeRecord `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Orders, 1)
	assert.Equal(t, "ORD-1", body.Orders[0].BackendOrderID)
}

func TestHandleGetOrder(t *testing.T) {
	router, repo, backend := newTestRouter(t)
	seedTrade(t, repo, "AAPL", "ORD-1", domain.StatusSubmitted)
	backend.SetStatus("ORD-1", &domain.OrderResult{
		BackendOrderID: "ORD-1",
		Status:         domain.StatusPartiallyFilled,
		FilledQuantity: testhelpers.Dec("2"),
		FilledPrice:    testhelpers.Dec("150"),
	})

	req := httptest.NewRequest("GET", "/orders/ORD-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "record")
	require.Contains(t, body, "live")

	var live domain.OrderResult
	require.NoError(t, json.Unmarshal(body["live"], &live))
	assert.Equal(t, domain.StatusPartiallyFilled, live.Status)
}

func TestHandleGetOrder_BackendUnreachable(t *testing.T) {
	router, repo, backend := newTestRouter(t)
	seedTrade(t, repo, "AAPL", "ORD-1", domain.StatusSubmitted)
	backend.SetStatusError(&domain.BackendUnavailableError{
		Backend: "mock", Op: "order_status",
	})

	req := httptest.NewRequest("GET", "/orders/ORD-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// Record still served, with the live error alongside
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "record")
	assert.Contains(t, body, "live_error")
	assert.NotContains(t, body, "live")
}

func TestHandleGetOrder_NotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/orders/ORD-404", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancelOrder(t *testing.T) {
	router, repo, backend := newTestRouter(t)
	seedTrade(t, repo, "AAPL", "ORD-1", domain.StatusSubmitted)
	backend.SetStatus("ORD-1", &domain.OrderResult{
		BackendOrderID: "ORD-1",
		Status:         domain.StatusCancelled,
	})

	req := httptest.NewRequest("DELETE", "/orders/ORD-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ORD-1"}, backend.CancelledOrders())

	settled, err := repo.GetByBackendOrderID("ORD-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, settled.Status)
}

func TestHandleCancelOrder_Errors(t *testing.T) {
	router, repo, _ := newTestRouter(t)

	// Unknown order
	req := httptest.NewRequest("DELETE", "/orders/ORD-404", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Already terminal
	seedTrade(t, repo, "AAPL", "ORD-1", domain.StatusFilled)
	req = httptest.NewRequest("DELETE", "/orders/ORD-1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
