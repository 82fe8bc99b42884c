package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all pricing routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/prices", func(r chi.Router) {
		r.Get("/", h.HandleGetLatest)                  // Latest price per ticker
		r.Get("/{ticker}", h.HandleGetPrice)           // Single price, latest or as-of
		r.Put("/{ticker}", h.HandlePutPrice)           // Price upsert
		r.Get("/{ticker}/history", h.HandleGetHistory) // Price series
	})
}
