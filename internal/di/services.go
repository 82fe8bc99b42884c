// Package di provides dependency injection for service implementations.
package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradelib/internal/clients/alpaca"
	"github.com/aristath/tradelib/internal/clients/lemon"
	"github.com/aristath/tradelib/internal/clients/sandbox"
	"github.com/aristath/tradelib/internal/config"
	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/events"
	"github.com/aristath/tradelib/internal/modules/performance"
	"github.com/aristath/tradelib/internal/modules/portfolio"
	"github.com/aristath/tradelib/internal/modules/pricing"
	"github.com/aristath/tradelib/internal/modules/rebalancing"
	"github.com/aristath/tradelib/internal/modules/trading"
	"github.com/aristath/tradelib/internal/reliability"
)

// InitializeServices creates all services and stores them in the container.
// Order matters: pricing before the store, the store before the cycle
// service, the cycle service before the alpaca stream that feeds it.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// Events
	container.EventBus = events.NewBus()
	container.EventManager = events.NewManager(container.EventBus, log)

	// Pricing
	container.PricingService = pricing.NewService(container.PriceRepo, container.EventManager, log)

	// Backend adapter
	backend, lemonClient, err := buildBackend(cfg, container.PricingService, log)
	if err != nil {
		return err
	}
	container.Backend = backend
	container.LemonClient = lemonClient

	// Price/position store: exclusive owner of position and snapshot state
	container.PortfolioStore = portfolio.NewStore(
		container.PortfolioDB.Conn(),
		container.PositionRepo,
		container.SnapshotRepo,
		container.PricingService,
		container.TradeRepo,
		container.EventManager,
		log,
	)

	// Rebalancing: frame engine + instruction builder behind the planning service
	engine := rebalancing.NewEngine(cfg.RebalanceThreshold, log)
	builder := rebalancing.NewBuilder(log)
	policy := rebalancing.DefaultPolicy(decimal.NewFromFloat(cfg.MinTradeNotional))
	container.RebalancingService = rebalancing.NewService(
		engine,
		builder,
		container.PortfolioStore,
		container.PricingService,
		policy,
		log,
	)

	// Trading: safety checks, dispatcher, cycle orchestration
	container.SafetyService = trading.NewSafetyService(container.TradeRepo, container.Backend, log)
	container.Dispatcher = trading.NewDispatcher(container.Backend, container.TradeRepo, container.PortfolioStore, log)
	container.TradingService = trading.NewService(
		container.RebalancingService,
		container.SafetyService,
		container.Dispatcher,
		container.PortfolioStore,
		container.TradeRepo,
		container.Backend,
		container.EventManager,
		log,
	)

	// Alpaca order-update stream feeds fills into the ledger ahead of polling
	if cfg.Backend == config.BackendAlpaca {
		container.AlpacaStream = alpaca.NewStream(alpaca.Config{
			APIKey:    cfg.AlpacaAPIKey,
			APISecret: cfg.AlpacaAPISecret,
			Paper:     cfg.AlpacaPaper,
		}, container.TradingService.HandleStreamUpdate, log)
	}

	// Performance metrics over snapshot history
	container.PerformanceService = performance.NewService(
		container.SnapshotRepo,
		container.PortfolioStore,
		container.PricingService,
		performance.DefaultConfig(),
		log,
	)

	// Backups: remote object store only when a bucket is configured
	var remote reliability.ObjectStore
	if cfg.Backup.Enabled() {
		s3Client, err := reliability.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			return fmt.Errorf("failed to initialize s3 client: %w", err)
		}
		remote = s3Client
	}
	container.BackupService = reliability.NewBackupService(
		container.Databases(),
		container.SnapshotRepo,
		container.TradeRepo,
		remote,
		container.EventManager,
		cfg.Backup,
		log,
	)

	log.Info().Str("backend", cfg.Backend).Msg("Services initialized")

	return nil
}

// buildBackend selects and constructs the brokerage adapter. The lemon client
// is returned separately so the price sync job can reach its quote endpoint.
func buildBackend(cfg *config.Config, prices *pricing.Service, log zerolog.Logger) (domain.Backend, *lemon.Client, error) {
	switch cfg.Backend {
	case config.BackendAlpaca:
		return alpaca.New(alpaca.Config{
			APIKey:    cfg.AlpacaAPIKey,
			APISecret: cfg.AlpacaAPISecret,
			Paper:     cfg.AlpacaPaper,
		}, log), nil, nil
	case config.BackendLemon:
		client := lemon.New(lemon.Config{
			APIKey: cfg.LemonAPIKey,
			Paper:  cfg.LemonPaper,
		}, log)
		return client, client, nil
	case config.BackendSandbox:
		return sandbox.New(decimal.NewFromFloat(cfg.SandboxStartingCash), prices, log), nil, nil
	default:
		// Config.Validate rejects unknown backends before we get here
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
