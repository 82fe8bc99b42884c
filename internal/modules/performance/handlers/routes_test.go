package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/modules/performance"
	testhelpers "github.com/aristath/tradelib/internal/testing"
)

type stubHistory struct {
	snaps    []*domain.PortfolioSnapshot
	lastFrom time.Time
	lastTo   time.Time
}

func (s *stubHistory) Range(from, to time.Time) ([]*domain.PortfolioSnapshot, error) {
	s.lastFrom, s.lastTo = from, to
	return s.snaps, nil
}

type stubStore struct{}

func (stubStore) GetSnapshot() (*domain.PortfolioSnapshot, error) {
	return testhelpers.NewSnapshotFixture(), nil
}
func (stubStore) ApplyFill(*domain.TradeRecord) (*domain.PortfolioSnapshot, error) {
	return testhelpers.NewSnapshotFixture(), nil
}
func (stubStore) RecordTrade(*domain.TradeRecord) error { return nil }

func dailySnaps(values ...string) []*domain.PortfolioSnapshot {
	start := time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC)
	snaps := make([]*domain.PortfolioSnapshot, 0, len(values))
	for i, v := range values {
		snaps = append(snaps, &domain.PortfolioSnapshot{
			Timestamp:  start.AddDate(0, 0, i),
			TotalValue: testhelpers.Dec(v),
			Positions:  map[string]domain.Position{},
		})
	}
	return snaps
}

func newTestRouter(history *stubHistory) chi.Router {
	log := zerolog.Nop()
	svc := performance.NewService(
		history,
		stubStore{},
		testhelpers.NewMockPriceSource(testhelpers.NewPricesFixture()),
		performance.DefaultConfig(),
		log,
	)
	router := chi.NewRouter()
	NewHandler(svc, log).RegisterRoutes(router)
	return router
}

func get(router chi.Router, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleGetPerformance(t *testing.T) {
	router := newTestRouter(&stubHistory{snaps: dailySnaps("1000", "1100", "1045")})

	rec := get(router, "/performance/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Summary *struct {
			Observations     int     `json:"observations"`
			CumulativeReturn float64 `json:"cumulative_return"`
			MaxDrawdown      float64 `json:"max_drawdown"`
		} `json:"summary"`
		Positions []struct {
			Ticker    string   `json:"ticker"`
			ReturnPct *float64 `json:"return_pct"`
		} `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	require.NotNil(t, body.Summary)
	assert.Equal(t, 3, body.Summary.Observations)
	assert.InDelta(t, 0.045, body.Summary.CumulativeReturn, 1e-9)
	assert.InDelta(t, 0.05, body.Summary.MaxDrawdown, 1e-9)

	require.Len(t, body.Positions, 2)
	assert.Equal(t, "AAPL", body.Positions[0].Ticker)
	assert.Equal(t, "MSFT", body.Positions[1].Ticker)
	require.NotNil(t, body.Positions[0].ReturnPct)
	assert.InDelta(t, 10.0/140.0, *body.Positions[0].ReturnPct, 1e-9)
}

func TestHandleGetPerformance_RangeQuery(t *testing.T) {
	history := &stubHistory{snaps: dailySnaps("1000", "1100")}
	router := newTestRouter(history)

	rec := get(router, "/performance/?from=2024-01-01T00:00:00Z&to=2024-02-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), history.lastFrom)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), history.lastTo)
}

func TestHandleGetPerformance_InsufficientHistory(t *testing.T) {
	router := newTestRouter(&stubHistory{snaps: dailySnaps("1000")})

	rec := get(router, "/performance/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Nil(t, body["summary"])
	assert.Contains(t, body["summary_error"], "insufficient history")
	// Positions still come through for a young portfolio
	assert.Len(t, body["positions"], 2)
}

func TestHandleGetPerformance_BadRange(t *testing.T) {
	router := newTestRouter(&stubHistory{})

	for _, path := range []string{
		"/performance/?from=yesterday",
		"/performance/?to=2024-13-01",
	} {
		rec := get(router, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}
