// Package handlers provides HTTP handlers for trade history and order control.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/modules/trading"
)

// Handler handles trading HTTP requests
type Handler struct {
	trades  *trading.TradeRepository
	service *trading.Service
	backend domain.Backend
	log     zerolog.Logger
}

// NewHandler creates a new trading handler
func NewHandler(trades *trading.TradeRepository, service *trading.Service, backend domain.Backend, log zerolog.Logger) *Handler {
	return &Handler{
		trades:  trades,
		service: service,
		backend: backend,
		log:     log.With().Str("handler", "trading").Logger(),
	}
}

// HandleGetTrades returns trade history for a time range, optionally filtered
// by ticker. Defaults to the last 30 days.
func (h *Handler) HandleGetTrades(w http.ResponseWriter, r *http.Request) {
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

	var (
		records []*domain.TradeRecord
		err     error
	)
	if ticker := r.URL.Query().Get("ticker"); ticker != "" {
		records, err = h.trades.HistoryByTicker(ticker, from, to)
	} else {
		records, err = h.trades.History(from, to)
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":   from.Format(time.RFC3339Nano),
		"to":     to.Format(time.RFC3339Nano),
		"count":  len(records),
		"trades": records,
	})
}

// HandleGetOpenOrders returns ledger records that have not reached a terminal
// status
func (h *Handler) HandleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.OpenOrders()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(records),
		"orders": records,
	})
}

// HandleGetOrder returns the ledger record for a backend order ID together
// with the backend's live view of it
func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	rec, err := h.trades.GetByBackendOrderID(orderID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	response := map[string]interface{}{"record": rec}

	live, err := h.backend.OrderStatus(r.Context(), orderID)
	if err != nil {
		// The ledger record is still useful when the backend is unreachable
		h.log.Warn().Err(err).Str("order_id", orderID).Msg("Failed to fetch live order status")
		response["live_error"] = err.Error()
	} else {
		response["live"] = live
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleCancelOrder cancels an open order at the backend
func (h *Handler) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	err := h.service.CancelOrder(r.Context(), orderID)
	switch {
	case err == nil:
	case errors.Is(err, trading.ErrOrderNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, trading.ErrOrderSettled):
		h.writeError(w, http.StatusConflict, err.Error())
		return
	case domain.IsRetryable(err):
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rec, err := h.trades.GetByBackendOrderID(orderID)
	if err != nil || rec == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cancelled"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "cancelled",
		"record": rec,
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
