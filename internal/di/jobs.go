// Package di provides dependency injection for scheduler jobs.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tradelib/internal/config"
	"github.com/aristath/tradelib/internal/reliability"
	"github.com/aristath/tradelib/internal/scheduler"
)

// Fixed schedules for housekeeping jobs (seconds granularity). Rebalance and
// backup schedules come from configuration instead because they are
// deployment decisions.
const (
	reconcileSchedule         = "@every 1m"
	priceSyncSchedule         = "@every 15m"
	dailyMaintenanceSchedule  = "0 0 3 * * *"   // 3 AM daily
	weeklyMaintenanceSchedule = "0 30 3 * * 0"  // 3:30 AM Sunday
)

// JobInstances holds job references for manual triggering via API
type JobInstances struct {
	Rebalance         *scheduler.RebalanceJob // nil unless REBALANCE_SCHEDULE is set
	Reconcile         *scheduler.ReconcileJob
	PriceSync         *scheduler.PriceSyncJob
	Backup            *reliability.BackupJob
	DailyMaintenance  *reliability.DailyMaintenanceJob
	WeeklyMaintenance *reliability.WeeklyMaintenanceJob
}

// RegisterJobs creates all background jobs and registers them with the
// scheduler. Returns the instances for manual triggering.
func RegisterJobs(container *Container, cfg *config.Config, sched *scheduler.Scheduler, log zerolog.Logger) (*JobInstances, error) {
	if container == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}

	instances := &JobInstances{}

	// Order reconciliation: sweeps open orders so stream gaps or missed
	// polls cannot leave the ledger stale
	instances.Reconcile = scheduler.NewReconcileJob(container.TradingService, log)
	if err := sched.AddJob(reconcileSchedule, instances.Reconcile); err != nil {
		return nil, fmt.Errorf("failed to register reconcile job: %w", err)
	}

	// Price sync: refreshes stored prices from backend quotes where the
	// backend supports them. Only the lemon client exposes quotes; for the
	// other backends the job is a registered no-op and prices arrive via
	// the HTTP upsert endpoint.
	var quotes scheduler.QuoteSource
	if container.LemonClient != nil {
		quotes = container.LemonClient
	}
	instances.PriceSync = scheduler.NewPriceSyncJob(container.PortfolioStore, container.PricingService, quotes, log)
	if err := sched.AddJob(priceSyncSchedule, instances.PriceSync); err != nil {
		return nil, fmt.Errorf("failed to register price sync job: %w", err)
	}

	// Scheduled rebalance: only when a schedule is configured. Weights are
	// parsed here so a bad spec fails startup, not the first run.
	if cfg.RebalanceSchedule != "" {
		rebalance, err := scheduler.NewRebalanceJob(container.TradingService, cfg.RebalanceWeights, log)
		if err != nil {
			return nil, err
		}
		if err := sched.AddJob(cfg.RebalanceSchedule, rebalance); err != nil {
			return nil, fmt.Errorf("failed to register rebalance job: %w", err)
		}
		instances.Rebalance = rebalance
	}

	// Backups: the job exists regardless so the manual HTTP trigger works,
	// the cron registration only happens when a schedule is configured
	instances.Backup = reliability.NewBackupJob(container.BackupService)
	if cfg.Backup.Schedule != "" {
		if err := sched.AddJob(cfg.Backup.Schedule, instances.Backup); err != nil {
			return nil, fmt.Errorf("failed to register backup job: %w", err)
		}
	}

	// Database maintenance
	instances.DailyMaintenance = reliability.NewDailyMaintenanceJob(container.Databases(), cfg.DataDir, log)
	if err := sched.AddJob(dailyMaintenanceSchedule, instances.DailyMaintenance); err != nil {
		return nil, fmt.Errorf("failed to register daily maintenance job: %w", err)
	}

	instances.WeeklyMaintenance = reliability.NewWeeklyMaintenanceJob(container.Databases(), log)
	if err := sched.AddJob(weeklyMaintenanceSchedule, instances.WeeklyMaintenance); err != nil {
		return nil, fmt.Errorf("failed to register weekly maintenance job: %w", err)
	}

	log.Info().Msg("Background jobs registered")

	return instances, nil
}
