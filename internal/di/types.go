// Package di provides dependency injection type definitions.
//
// The Container is the single source of truth for all service instances. It
// is created by Wire() and passed to the HTTP server and job registration.
package di

import (
	"github.com/aristath/tradelib/internal/clients/alpaca"
	"github.com/aristath/tradelib/internal/clients/lemon"
	"github.com/aristath/tradelib/internal/database"
	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/events"
	"github.com/aristath/tradelib/internal/modules/performance"
	"github.com/aristath/tradelib/internal/modules/portfolio"
	"github.com/aristath/tradelib/internal/modules/pricing"
	"github.com/aristath/tradelib/internal/modules/rebalancing"
	"github.com/aristath/tradelib/internal/modules/trading"
	"github.com/aristath/tradelib/internal/reliability"
)

// Container holds all dependencies for the application.
//
// Architecture:
//   - Databases: portfolio (current state), ledger (append-only trade audit
//     trail), history (price time series)
//   - Backend: the active brokerage adapter (alpaca, lemon or sandbox)
//   - Repositories: data access layer
//   - Services: business logic layer
//
// All dependencies are injected via constructor injection.
type Container struct {
	// Databases
	PortfolioDB *database.DB // Current portfolio state (positions, snapshots)
	LedgerDB    *database.DB // Immutable trade audit trail
	HistoryDB   *database.DB // Historical price data

	// Backend adapter selected by TRADELIB_BACKEND
	Backend domain.Backend

	// AlpacaStream is the order-update websocket; nil unless backend=alpaca
	AlpacaStream *alpaca.Stream

	// LemonClient keeps the concrete lemon client around when backend=lemon,
	// so the price sync job can use its quote endpoint
	LemonClient *lemon.Client

	// Repositories
	PositionRepo *portfolio.PositionRepository
	SnapshotRepo *portfolio.SnapshotRepository
	PriceRepo    *pricing.PriceRepository
	TradeRepo    *trading.TradeRepository

	// Services
	PricingService     *pricing.Service
	PortfolioStore     *portfolio.Store
	RebalancingService *rebalancing.Service
	SafetyService      *trading.SafetyService
	Dispatcher         *trading.Dispatcher
	TradingService     *trading.Service
	PerformanceService *performance.Service
	BackupService      *reliability.BackupService

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager
}

// Databases returns the named database handles, keyed the way the backup and
// maintenance services expect them.
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		"portfolio": c.PortfolioDB,
		"ledger":    c.LedgerDB,
		"history":   c.HistoryDB,
	}
}

// Close closes all database connections. Safe to call with partially
// initialized containers.
func (c *Container) Close() {
	for _, db := range []*database.DB{c.PortfolioDB, c.LedgerDB, c.HistoryDB} {
		if db != nil {
			db.Close()
		}
	}
}
