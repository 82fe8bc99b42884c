// Package handlers provides HTTP handlers for rebalancing operations.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/modules/trading"
)

// Handler handles rebalancing HTTP requests
type Handler struct {
	cycles *trading.Service
	log    zerolog.Logger
}

// NewHandler creates a new rebalancing handler
func NewHandler(cycles *trading.Service, log zerolog.Logger) *Handler {
	return &Handler{
		cycles: cycles,
		log:    log.With().Str("handler", "rebalancing").Logger(),
	}
}

// RebalanceRequest is the body for rebalance and preview calls
type RebalanceRequest struct {
	Weights  domain.TargetWeights `json:"weights"`
	AddValue decimal.Decimal      `json:"add_value"`
	DryRun   bool                 `json:"dry_run"`
}

// HandleRebalance runs a full rebalance cycle toward the requested weights.
// With dry_run set, planning happens but nothing is submitted.
func (h *Handler) HandleRebalance(w http.ResponseWriter, r *http.Request) {
	var req RebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.runCycle(w, r, req)
}

// HandlePreview computes the frame and instructions without submitting.
// Equivalent to a rebalance with dry_run forced on.
func (h *Handler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	var req RebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.DryRun = true
	h.runCycle(w, r, req)
}

func (h *Handler) runCycle(w http.ResponseWriter, r *http.Request, req RebalanceRequest) {
	report, err := h.cycles.RunCycle(r.Context(), req.Weights, req.AddValue, req.DryRun)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, report)
	case errors.Is(err, trading.ErrCycleInProgress):
		h.writeError(w, http.StatusConflict, err.Error())
	case domain.IsRetryable(err):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case report != nil:
		// Orders went out but the cycle could not finish cleanly; the caller
		// needs the outcomes regardless.
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"report": report,
		})
	default:
		h.writeError(w, http.StatusBadRequest, err.Error())
	}
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
