package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/modules/portfolio"
	testhelpers "github.com/aristath/tradelib/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLedger struct{}

func (nopLedger) Create(*domain.TradeRecord) error { return nil }

func newTestRouter(t *testing.T) (chi.Router, *portfolio.Store, func()) {
	t.Helper()

	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	log := zerolog.Nop()

	source := testhelpers.NewMockPriceSource(map[string]decimal.Decimal{
		"AAPL": testhelpers.Dec("150"),
	})
	store := portfolio.NewStore(
		db.Conn(),
		portfolio.NewPositionRepository(db.Conn(), log),
		portfolio.NewSnapshotRepository(db.Conn(), log),
		source,
		nopLedger{},
		nil,
		log,
	)

	router := chi.NewRouter()
	NewHandler(store, source, log).RegisterRoutes(router)
	return router, store, cleanup
}

func seedPosition(t *testing.T, store *portfolio.Store) {
	t.Helper()
	require.NoError(t, store.SetCash(testhelpers.Dec("2000")))
	_, err := store.ApplyFill(&domain.TradeRecord{
		Instruction: domain.TradeInstruction{
			ID:          "seed",
			Ticker:      "AAPL",
			Side:        domain.SideBuy,
			Mode:        domain.QuantityShares,
			Quantity:    testhelpers.Dec("10"),
			TimeInForce: domain.TIFDay,
		},
		SubmittedAt:    time.Now(),
		Status:         domain.StatusFilled,
		FilledQuantity: testhelpers.Dec("10"),
		FilledPrice:    testhelpers.Dec("140"),
	})
	require.NoError(t, err)
}

func TestHandleGetPortfolio(t *testing.T) {
	router, store, cleanup := newTestRouter(t)
	defer cleanup()
	seedPosition(t, store)

	req := httptest.NewRequest("GET", "/portfolio/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	// 2000 - 10*140 cash + 10*150 market value = 2100
	assert.Equal(t, "2100", body["total_value"])
	assert.Equal(t, "$2,100.00", body["total_value_display"])
	assert.Equal(t, "600", body["cash"])
	assert.Equal(t, "$600.00", body["cash_display"])
}

func TestHandleGetPositions(t *testing.T) {
	router, store, cleanup := newTestRouter(t)
	defer cleanup()
	seedPosition(t, store)

	req := httptest.NewRequest("GET", "/portfolio/positions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "AAPL", body[0]["ticker"])
	assert.Equal(t, "10", body[0]["quantity"])
	assert.Equal(t, "1500", body[0]["market_value"])
	assert.Equal(t, "100", body[0]["unrealized_pl"])
}

func TestHandleGetSnapshots(t *testing.T) {
	router, store, cleanup := newTestRouter(t)
	defer cleanup()
	seedPosition(t, store)

	_, err := store.SaveSnapshot()
	require.NoError(t, err)
	_, err = store.SaveSnapshot()
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/portfolio/snapshots", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body, 2)
}

func TestHandleGetSnapshots_BadRange(t *testing.T) {
	router, _, cleanup := newTestRouter(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/portfolio/snapshots?from=yesterday", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDeposit(t *testing.T) {
	router, store, cleanup := newTestRouter(t)
	defer cleanup()

	req := httptest.NewRequest("POST", "/portfolio/deposit", strings.NewReader(`{"amount":"500"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	snap, err := store.GetSnapshot()
	require.NoError(t, err)
	assert.True(t, snap.Cash.Equal(testhelpers.Dec("500")))

	// Negative deposits rejected
	req = httptest.NewRequest("POST", "/portfolio/deposit", strings.NewReader(`{"amount":"-500"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
