package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/modules/trading"
	"github.com/aristath/tradelib/internal/utils"
)

// defaultJobTimeout bounds one scheduled run; cycles hitting it surface as
// backend timeouts and the next run starts clean
const defaultJobTimeout = 5 * time.Minute

// CycleRunner runs one rebalance cycle. Implemented by trading.Service.
type CycleRunner interface {
	RunCycle(ctx context.Context, weights domain.TargetWeights, addValue decimal.Decimal, dryRun bool) (*trading.CycleReport, error)
}

// RebalanceJob runs a full rebalance cycle against fixed target weights
// taken from configuration. A cycle already in flight is skipped, not an
// error: the schedule will come around again.
type RebalanceJob struct {
	cycles  CycleRunner
	weights domain.TargetWeights
	log     zerolog.Logger
}

// NewRebalanceJob parses the weights spec ("AAPL:0.5,MSFT:0.3") and builds
// the job. Malformed or invalid weights fail at startup, not at 17:30.
func NewRebalanceJob(cycles CycleRunner, weightsSpec string, log zerolog.Logger) (*RebalanceJob, error) {
	weights, err := utils.ParseWeights(weightsSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rebalance weights: %w", err)
	}
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rebalance weights: %w", err)
	}

	return &RebalanceJob{
		cycles:  cycles,
		weights: weights,
		log:     log.With().Str("job", "scheduled_rebalance").Logger(),
	}, nil
}

// Run executes one rebalance cycle
func (j *RebalanceJob) Run() error {
	timer := utils.NewTimer("scheduled_rebalance", j.log)
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()

	report, err := j.cycles.RunCycle(ctx, j.weights, decimal.Zero, false)
	if err != nil {
		if errors.Is(err, trading.ErrCycleInProgress) {
			j.log.Warn().Msg("Skipping scheduled rebalance, a cycle is already running")
			return nil
		}
		return fmt.Errorf("scheduled rebalance failed: %w", err)
	}

	j.log.Info().
		Int("instructions", len(report.Instructions)).
		Int("filled", report.Filled()).
		Int("soft_errors", len(report.SoftErrors)).
		Msg("Scheduled rebalance completed")

	return nil
}

// Name returns the job name for the scheduler
func (j *RebalanceJob) Name() string {
	return "scheduled_rebalance"
}

// Reconciler polls open orders against the backend. Implemented by
// trading.Service.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// ReconcileJob sweeps open orders so stream gaps or missed polls cannot
// leave the ledger stale
type ReconcileJob struct {
	trades Reconciler
	log    zerolog.Logger
}

// NewReconcileJob creates a new reconcile job
func NewReconcileJob(trades Reconciler, log zerolog.Logger) *ReconcileJob {
	return &ReconcileJob{
		trades: trades,
		log:    log.With().Str("job", "order_reconcile").Logger(),
	}
}

// Run reconciles open orders once
func (j *ReconcileJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()

	updated, err := j.trades.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("order reconcile failed: %w", err)
	}

	if updated > 0 {
		j.log.Info().Int("updated", updated).Msg("Reconciled open orders")
	}

	return nil
}

// Name returns the job name for the scheduler
func (j *ReconcileJob) Name() string {
	return "order_reconcile"
}

// QuoteSource serves a current price per ticker. Backends with market data
// access implement it; the sandbox backend does not need to, its prices
// already come from the price store.
type QuoteSource interface {
	LatestPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// SnapshotReader exposes the current portfolio snapshot
type SnapshotReader interface {
	GetSnapshot() (*domain.PortfolioSnapshot, error)
}

// PriceWriter upserts prices into the price store. Implemented by
// pricing.Service.
type PriceWriter interface {
	SetPrice(ticker string, price decimal.Decimal, asOf time.Time) error
}

// PriceSyncJob refreshes stored prices for held tickers from backend quotes.
// With no quote source configured the job is a no-op; the price feed is then
// expected to arrive through the HTTP upsert endpoint.
type PriceSyncJob struct {
	store  SnapshotReader
	prices PriceWriter
	quotes QuoteSource // nil disables the job
	log    zerolog.Logger
}

// NewPriceSyncJob creates a new price sync job
func NewPriceSyncJob(store SnapshotReader, prices PriceWriter, quotes QuoteSource, log zerolog.Logger) *PriceSyncJob {
	return &PriceSyncJob{
		store:  store,
		prices: prices,
		quotes: quotes,
		log:    log.With().Str("job", "price_sync").Logger(),
	}
}

// Run refreshes prices for every held ticker
func (j *PriceSyncJob) Run() error {
	if j.quotes == nil {
		j.log.Debug().Msg("No quote source configured, skipping price sync")
		return nil
	}

	timer := utils.NewTimer("price_sync", j.log)
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()

	snap, err := j.store.GetSnapshot()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	synced := 0
	for _, ticker := range snap.Tickers() {
		price, err := j.quotes.LatestPrice(ctx, ticker)
		if err != nil {
			j.log.Warn().Str("ticker", ticker).Err(err).Msg("Failed to fetch quote")
			continue
		}

		if err := j.prices.SetPrice(ticker, price, time.Now()); err != nil {
			j.log.Warn().Str("ticker", ticker).Err(err).Msg("Failed to store price")
			continue
		}
		synced++
	}

	j.log.Info().Int("synced", synced).Int("held", len(snap.Tickers())).Msg("Price sync completed")
	return nil
}

// Name returns the job name for the scheduler
func (j *PriceSyncJob) Name() string {
	return "price_sync"
}
