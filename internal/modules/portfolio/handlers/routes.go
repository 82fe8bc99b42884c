package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all portfolio routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/portfolio", func(r chi.Router) {
		r.Get("/", h.HandleGetPortfolio)          // Current snapshot
		r.Get("/positions", h.HandleGetPositions) // Positions with valuation
		r.Get("/snapshots", h.HandleGetSnapshots) // Snapshot history
		r.Post("/deposit", h.HandleDeposit)       // Cash deposit
	})
}
