// Package handlers provides HTTP handlers for portfolio state.
package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/aristath/tradelib/internal/modules/portfolio"
	"github.com/aristath/tradelib/internal/utils"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// displayCurrency is the currency used for human-readable value strings.
// Account values from every supported backend are USD denominated.
const displayCurrency = "USD"

// Handler handles portfolio HTTP requests
type Handler struct {
	store  *portfolio.Store
	prices portfolio.PriceProvider
	log    zerolog.Logger
}

// NewHandler creates a new portfolio handler
func NewHandler(store *portfolio.Store, prices portfolio.PriceProvider, log zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		prices: prices,
		log:    log.With().Str("handler", "portfolio").Logger(),
	}
}

// HandleGetPortfolio returns the current snapshot
func (h *Handler) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.GetSnapshot()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":           snap.Timestamp.Format(time.RFC3339Nano),
		"total_value":         snap.TotalValue,
		"total_value_display": utils.FormatMoney(snap.TotalValue, displayCurrency),
		"cash":                snap.Cash,
		"cash_display":        utils.FormatMoney(snap.Cash, displayCurrency),
		"positions":           snap.Positions,
	})
}

// HandleGetPositions returns the positions list with valuation details,
// sorted by market value descending
func (h *Handler) HandleGetPositions(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.GetSnapshot()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	prices, err := h.prices.PricesFor(snap.Tickers())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := make([]map[string]interface{}, 0, len(snap.Positions))
	for ticker, pos := range snap.Positions {
		price := prices[ticker]
		entry := map[string]interface{}{
			"ticker":        ticker,
			"quantity":      pos.Quantity,
			"average_cost":  pos.AverageCost,
			"price":         price,
			"market_value":  pos.MarketValue(price),
			"cost_basis":    pos.CostBasis(),
			"unrealized_pl": pos.UnrealizedPL(price),
		}
		if ret, ok := pos.Return(price); ok {
			entry["return_pct"] = ret * 100
		}
		result = append(result, entry)
	}

	sort.Slice(result, func(i, j int) bool {
		valI := result[i]["market_value"].(decimal.Decimal)
		valJ := result[j]["market_value"].(decimal.Decimal)
		return valI.GreaterThan(valJ)
	})

	h.writeJSON(w, http.StatusOK, result)
}

// HandleGetSnapshots returns persisted snapshot history for a time range.
// Defaults to the last 30 days when no range is given.
func (h *Handler) HandleGetSnapshots(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.AddDate(0, 0, -30)

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid 'from' timestamp, want RFC3339")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid 'to' timestamp, want RFC3339")
			return
		}
		to = t
	}

	snaps, err := h.store.Snapshots().Range(from, to)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := make([]map[string]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		result = append(result, map[string]interface{}{
			"timestamp":   snap.Timestamp.Format(time.RFC3339Nano),
			"total_value": snap.TotalValue,
			"cash":        snap.Cash,
			"positions":   snap.Positions,
		})
	}

	h.writeJSON(w, http.StatusOK, result)
}

// HandleDeposit adds cash to the portfolio
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.store.Deposit(req.Amount); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.store.GetSnapshot()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"cash":   snap.Cash,
	})
}

// Helper methods

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
