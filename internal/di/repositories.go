// Package di provides dependency injection for repository implementations.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tradelib/internal/modules/portfolio"
	"github.com/aristath/tradelib/internal/modules/pricing"
	"github.com/aristath/tradelib/internal/modules/trading"
)

// InitializeRepositories creates all repositories and stores them in the container
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	container.PositionRepo = portfolio.NewPositionRepository(container.PortfolioDB.Conn(), log)
	container.SnapshotRepo = portfolio.NewSnapshotRepository(container.PortfolioDB.Conn(), log)
	container.PriceRepo = pricing.NewPriceRepository(container.HistoryDB.Conn(), log)
	container.TradeRepo = trading.NewTradeRepository(container.LedgerDB.Conn(), log)

	log.Debug().Msg("Repositories initialized")

	return nil
}
