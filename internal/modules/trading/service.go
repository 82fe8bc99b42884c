package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/events"
	"github.com/aristath/tradelib/internal/modules/rebalancing"
)

var (
	// ErrCycleInProgress is returned when a cycle is requested while another
	// is still running. Cycles never queue; the caller retries after the
	// current one finishes.
	ErrCycleInProgress = errors.New("a rebalance cycle is already in progress")

	// ErrOrderNotFound is returned when a backend order ID has no ledger record
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderSettled is returned when cancelling an order that already
	// reached a terminal status
	ErrOrderSettled = errors.New("order already settled")
)

// Planner computes rebalance plans. Implemented by rebalancing.Service;
// defined here so tests can substitute their own.
type Planner interface {
	Plan(weights domain.TargetWeights, addValue decimal.Decimal) (*rebalancing.Plan, error)
}

// PortfolioStore is the store surface the cycle needs beyond dispatching fills
type PortfolioStore interface {
	domain.Store
	SaveSnapshot() (*domain.PortfolioSnapshot, error)
}

// CycleReport is the full accounting of one rebalance cycle. Per-instruction
// outcomes are never aggregated away: every instruction the plan produced
// appears exactly once, either dispatched or blocked.
type CycleReport struct {
	StartedAt    time.Time                 `json:"started_at"`
	FinishedAt   time.Time                 `json:"finished_at"`
	DryRun       bool                      `json:"dry_run"`
	Frame        *domain.RebalanceFrame    `json:"frame"`
	Instructions []domain.TradeInstruction `json:"instructions"`
	Outcomes     []Outcome                 `json:"outcomes,omitempty"`
	SoftErrors   []string                  `json:"soft_errors,omitempty"`
	NewSnapshot  *domain.PortfolioSnapshot `json:"new_snapshot,omitempty"`
}

// Filled counts outcomes that ended with at least a partial fill
func (r *CycleReport) Filled() int {
	count := 0
	for i := range r.Outcomes {
		rec := r.Outcomes[i].Record
		if rec != nil && rec.FilledQuantity.IsPositive() {
			count++
		}
	}
	return count
}

// Failed counts outcomes that ended in an error
func (r *CycleReport) Failed() int {
	count := 0
	for i := range r.Outcomes {
		if r.Outcomes[i].Failed() {
			count++
		}
	}
	return count
}

// Service orchestrates rebalance cycles: plan, validate, dispatch, snapshot.
// One cycle runs at a time per portfolio.
type Service struct {
	planner    Planner
	safety     *SafetyService
	dispatcher *Dispatcher
	store      PortfolioStore
	trades     *TradeRepository
	backend    domain.Backend
	events     *events.Manager
	log        zerolog.Logger

	cycleMu sync.Mutex
}

// NewService creates the cycle orchestration service
func NewService(
	planner Planner,
	safety *SafetyService,
	dispatcher *Dispatcher,
	store PortfolioStore,
	trades *TradeRepository,
	backend domain.Backend,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Service {
	return &Service{
		planner:    planner,
		safety:     safety,
		dispatcher: dispatcher,
		store:      store,
		trades:     trades,
		backend:    backend,
		events:     eventManager,
		log:        log.With().Str("service", "trading").Logger(),
	}
}

// RunCycle executes one rebalance cycle toward the target weights. addValue
// is new cash being deployed on top of the current snapshot. With dryRun the
// plan is computed and returned but nothing is submitted.
//
// The cycle lock is non-blocking: a second concurrent call fails fast with
// ErrCycleInProgress.
func (s *Service) RunCycle(ctx context.Context, weights domain.TargetWeights, addValue decimal.Decimal, dryRun bool) (*CycleReport, error) {
	if !s.cycleMu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()

	report := &CycleReport{StartedAt: time.Now().UTC(), DryRun: dryRun}

	s.log.Info().
		Int("targets", len(weights)).
		Str("add_value", addValue.String()).
		Bool("dry_run", dryRun).
		Msg("Cycle started")

	if !dryRun {
		if err := s.safety.PreflightCycle(ctx, weights); err != nil {
			s.events.EmitError("trading", err, map[string]interface{}{"stage": "preflight"})
			return nil, fmt.Errorf("cycle preflight failed: %w", err)
		}
	}

	plan, err := s.planner.Plan(weights, addValue)
	if err != nil {
		s.events.EmitError("trading", err, map[string]interface{}{"stage": "plan"})
		return nil, fmt.Errorf("failed to plan cycle: %w", err)
	}

	report.Frame = plan.Frame
	report.Instructions = plan.Instructions
	for _, soft := range plan.SoftErrors {
		report.SoftErrors = append(report.SoftErrors, soft.Error())
		s.emitSoftError(soft)
	}

	if dryRun {
		report.FinishedAt = time.Now().UTC()
		s.emitCycleCompleted(report)
		return report, nil
	}

	// Safety layers run against the same snapshot the plan was computed from.
	// Blocked instructions become outcomes; the rest dispatch concurrently.
	blocked := make(map[string]error, len(plan.Instructions))
	submit := make([]domain.TradeInstruction, 0, len(plan.Instructions))
	for _, inst := range plan.Instructions {
		if err := s.safety.ValidateInstruction(inst, plan.Snapshot); err != nil {
			s.log.Warn().Err(err).
				Str("ticker", inst.Ticker).
				Str("instruction_id", inst.ID).
				Msg("Instruction blocked by safety checks")
			blocked[inst.ID] = err
			continue
		}
		submit = append(submit, inst)
	}

	dispatched := s.dispatcher.Dispatch(ctx, submit)

	// Reassemble outcomes in instruction order.
	byID := make(map[string]Outcome, len(dispatched))
	for _, outcome := range dispatched {
		byID[outcome.Instruction.ID] = outcome
	}
	for _, inst := range plan.Instructions {
		if err, ok := blocked[inst.ID]; ok {
			report.Outcomes = append(report.Outcomes, Outcome{Instruction: inst, Err: err})
			continue
		}
		report.Outcomes = append(report.Outcomes, byID[inst.ID])
	}

	for i := range report.Outcomes {
		s.emitOutcome(&report.Outcomes[i])
	}

	snap, err := s.store.SaveSnapshot()
	if err != nil {
		report.FinishedAt = time.Now().UTC()
		s.events.EmitError("trading", err, map[string]interface{}{"stage": "snapshot"})
		return report, fmt.Errorf("cycle dispatched but snapshot failed: %w", err)
	}
	report.NewSnapshot = snap
	s.events.EmitTyped(events.SnapshotSaved, "trading", &events.SnapshotSavedData{
		TotalValue: decimalToFloat(snap.TotalValue),
		Positions:  len(snap.Positions),
	})

	report.FinishedAt = time.Now().UTC()
	s.emitCycleCompleted(report)

	s.log.Info().
		Int("instructions", len(report.Instructions)).
		Int("filled", report.Filled()).
		Int("failed", report.Failed()).
		Str("total_value", snap.TotalValue.String()).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Cycle finished")

	return report, nil
}

// Reconcile settles open ledger records against the backend and refreshes the
// snapshot when anything changed.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	updated, err := s.dispatcher.Reconcile(ctx)
	if err != nil {
		return updated, err
	}
	if updated > 0 {
		if _, err := s.store.SaveSnapshot(); err != nil {
			return updated, fmt.Errorf("reconciled %d trades but snapshot failed: %w", updated, err)
		}
	}
	return updated, nil
}

// OpenOrders returns ledger records that have not reached a terminal status
func (s *Service) OpenOrders() ([]*domain.TradeRecord, error) {
	return s.trades.Open()
}

// CancelOrder cancels an open order at the backend and settles its record
func (s *Service) CancelOrder(ctx context.Context, backendOrderID string) error {
	rec, err := s.trades.GetByBackendOrderID(backendOrderID)
	if err != nil {
		return fmt.Errorf("failed to look up order %s: %w", backendOrderID, err)
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, backendOrderID)
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is already %s", ErrOrderSettled, backendOrderID, rec.Status)
	}

	if err := s.backend.CancelOrder(ctx, backendOrderID); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", backendOrderID, err)
	}

	// The backend may have partially filled before the cancel landed; settle
	// the record from its authoritative state.
	if _, err := s.dispatcher.Reconcile(ctx); err != nil {
		s.log.Warn().Err(err).Str("order_id", backendOrderID).Msg("Cancel succeeded but reconcile failed")
	}
	return nil
}

// HandleStreamUpdate feeds a streamed order update into the ledger. Wired as
// the backend stream handler; instructionID is the idempotency key the order
// was submitted with.
func (s *Service) HandleStreamUpdate(instructionID string, result *domain.OrderResult) {
	if err := s.dispatcher.ApplyUpdate(instructionID, result); err != nil {
		s.log.Warn().Err(err).
			Str("instruction_id", instructionID).
			Msg("Failed to apply streamed order update")
	}
}

func (s *Service) emitSoftError(err error) {
	var funds *domain.InsufficientFundsError
	if errors.As(err, &funds) {
		s.events.EmitTyped(events.FundsInsufficient, "trading", &events.FundsInsufficientData{
			Required:    decimalToFloat(funds.Required),
			Available:   decimalToFloat(funds.Available),
			ScaleFactor: funds.ScaleFactor,
		})
		return
	}
	s.events.EmitError("trading", err, nil)
}

func (s *Service) emitOutcome(outcome *Outcome) {
	inst := outcome.Instruction
	if outcome.Failed() {
		s.events.EmitTyped(events.TradeRejected, "trading", &events.TradeRejectedData{
			Ticker: inst.Ticker,
			Side:   string(inst.Side),
			Reason: outcome.Err.Error(),
		})
		return
	}
	rec := outcome.Record
	if rec != nil && rec.FilledQuantity.IsPositive() {
		s.events.EmitTyped(events.TradeExecuted, "trading", &events.TradeExecutedData{
			Ticker:   inst.Ticker,
			Side:     string(inst.Side),
			Quantity: decimalToFloat(rec.FilledQuantity),
			Price:    decimalToFloat(rec.FilledPrice),
			OrderID:  rec.BackendOrderID,
			Backend:  s.backend.Name(),
		})
	}
}

func (s *Service) emitCycleCompleted(report *CycleReport) {
	data := &events.CycleCompletedData{
		Instructions: len(report.Instructions),
		Filled:       report.Filled(),
		Failed:       report.Failed(),
		DryRun:       report.DryRun,
		DurationMS:   report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	}
	if report.NewSnapshot != nil {
		data.TotalValue = decimalToFloat(report.NewSnapshot.TotalValue)
	}
	s.events.EmitTyped(events.CycleCompleted, "trading", data)
}

func decimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
