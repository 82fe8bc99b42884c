package trading

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tradelib/internal/domain"
)

// SafetyService validates instructions before they reach the backend.
// Checks are layered and fail-closed: when a check cannot run because a
// dependency is unavailable, the instruction is blocked, not waved through.
type SafetyService struct {
	trades  *TradeRepository
	backend domain.Backend
	log     zerolog.Logger
}

// NewSafetyService creates a trade safety service
func NewSafetyService(trades *TradeRepository, backend domain.Backend, log zerolog.Logger) *SafetyService {
	return &SafetyService{
		trades:  trades,
		backend: backend,
		log:     log.With().Str("service", "trade_safety").Logger(),
	}
}

// PreflightCycle runs the cycle-level checks before any plan is computed:
// the target weights must be valid and the backend reachable.
func (s *SafetyService) PreflightCycle(ctx context.Context, weights domain.TargetWeights) error {
	if len(weights) == 0 {
		return fmt.Errorf("no target weights provided")
	}
	if err := weights.Validate(); err != nil {
		return fmt.Errorf("invalid target weights: %w", err)
	}

	if s.backend == nil {
		return fmt.Errorf("no backend configured")
	}
	if err := s.backend.HealthCheck(ctx); err != nil {
		if domain.IsRetryable(err) {
			return err
		}
		return &domain.BackendUnavailableError{Backend: s.backend.Name(), Op: "health_check", Err: err}
	}

	return nil
}

// ValidateInstruction runs all per-instruction layers and returns the first
// failure. snap is the portfolio the plan was computed from.
func (s *SafetyService) ValidateInstruction(inst domain.TradeInstruction, snap *domain.PortfolioSnapshot) error {
	// Layer 1: structural validity
	if err := inst.Validate(); err != nil {
		return err
	}

	// Layer 2: mode support. A notional instruction against a share-based
	// backend means the builder was configured wrong; block it here rather
	// than let the adapter guess.
	if inst.Mode == domain.QuantityNotional && !s.backend.SupportsNotional() {
		return fmt.Errorf("backend %s does not support notional orders", s.backend.Name())
	}

	// Layer 3: duplicate submission
	if s.trades == nil {
		return fmt.Errorf("trade ledger not available")
	}
	exists, err := s.trades.Exists(inst.ID)
	if err != nil {
		s.log.Error().Err(err).Str("instruction_id", inst.ID).Msg("Failed to check ledger, blocking instruction")
		return fmt.Errorf("duplicate check failed: %w", err)
	}
	if exists {
		return fmt.Errorf("instruction %s already submitted", inst.ID)
	}

	// Layer 4: one order in flight per ticker
	open, err := s.trades.HasOpenOrder(inst.Ticker)
	if err != nil {
		s.log.Error().Err(err).Str("ticker", inst.Ticker).Msg("Failed to check open orders, blocking instruction")
		return fmt.Errorf("open order check failed: %w", err)
	}
	if open {
		return fmt.Errorf("an order for %s is already in flight", inst.Ticker)
	}

	// Layer 5: sells never exceed the held quantity
	if err := s.validateSell(inst, snap); err != nil {
		return err
	}

	return nil
}

// validateSell checks a sell instruction against the snapshot it was planned
// from. Notional sells are checked by value rather than share count.
func (s *SafetyService) validateSell(inst domain.TradeInstruction, snap *domain.PortfolioSnapshot) error {
	if inst.Side != domain.SideSell {
		return nil
	}
	if snap == nil {
		return fmt.Errorf("no snapshot available to validate sell of %s", inst.Ticker)
	}

	pos, held := snap.Position(inst.Ticker)
	if !held {
		return &domain.InconsistentStateError{
			Ticker: inst.Ticker,
			Detail: "sell instruction for a ticker not held",
		}
	}

	if inst.Mode == domain.QuantityShares && inst.Quantity.GreaterThan(pos.Quantity) {
		return &domain.InconsistentStateError{
			Ticker:    inst.Ticker,
			Held:      pos.Quantity,
			Requested: inst.Quantity,
		}
	}

	return nil
}
