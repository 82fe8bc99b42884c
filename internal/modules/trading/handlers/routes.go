package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all trading routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/trades", func(r chi.Router) {
		r.Get("/", h.HandleGetTrades) // Trade history
	})

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", h.HandleGetOpenOrders)           // Open orders
		r.Get("/{orderID}", h.HandleGetOrder)       // Ledger record + live status
		r.Delete("/{orderID}", h.HandleCancelOrder) // Explicit cancel
	})
}
