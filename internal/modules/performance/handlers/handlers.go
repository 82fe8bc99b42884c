// Package handlers provides the HTTP surface for performance metrics.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradelib/internal/modules/performance"
)

// Handler handles performance HTTP requests
type Handler struct {
	perf *performance.Service
	log  zerolog.Logger
}

// NewHandler creates a new performance handler
func NewHandler(perf *performance.Service, log zerolog.Logger) *Handler {
	return &Handler{
		perf: perf,
		log:  log.With().Str("handler", "performance").Logger(),
	}
}

// HandleGetPerformance returns the portfolio summary plus per-position
// performance. Accepts from/to RFC3339 query parameters; defaults to the
// whole recorded history. A portfolio too young to have metrics still gets
// its positions, with the reason the summary is missing.
func (h *Handler) HandleGetPerformance(w http.ResponseWriter, r *http.Request) {
	from := time.Time{}
	to := time.Now()

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

	positions, err := h.perf.Positions()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := map[string]interface{}{
		"positions": positions,
	}

	summary, err := h.perf.Summary(from, to)
	switch {
	case err == nil:
		response["summary"] = summary
	case errors.Is(err, performance.ErrInsufficientHistory):
		response["summary"] = nil
		response["summary_error"] = err.Error()
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, response)
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
