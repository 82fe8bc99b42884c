package rebalancing

import (
	"errors"
	"fmt"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PriceProvider supplies latest prices for a set of tickers.
// Defined here to avoid an import cycle with the pricing module.
type PriceProvider interface {
	PricesFor(tickers []string) (map[string]decimal.Decimal, error)
}

// Plan is the speculative output of a rebalance computation: the frame, the
// instructions that would be submitted, and any soft errors encountered.
// Nothing in a plan has touched a backend.
type Plan struct {
	Snapshot     *domain.PortfolioSnapshot `json:"snapshot"`
	Frame        *domain.RebalanceFrame    `json:"frame"`
	Instructions []domain.TradeInstruction `json:"instructions"`
	SoftErrors   []error                   `json:"-"`
}

// Service computes rebalance plans from the current portfolio state
type Service struct {
	engine  *Engine
	builder *Builder
	store   domain.Store
	prices  PriceProvider
	policy  Policy
	log     zerolog.Logger
}

// NewService creates a rebalancing service
func NewService(
	engine *Engine,
	builder *Builder,
	store domain.Store,
	prices PriceProvider,
	policy Policy,
	log zerolog.Logger,
) *Service {
	return &Service{
		engine:  engine,
		builder: builder,
		store:   store,
		prices:  prices,
		policy:  policy,
		log:     log.With().Str("service", "rebalancing").Logger(),
	}
}

// Policy returns the builder policy in effect
func (s *Service) Policy() Policy {
	return s.policy
}

// Plan computes the instructions that would move the portfolio toward the
// target weights. addValue is new cash being deployed on top of the snapshot.
// Soft errors (insufficient funds scale-down) are collected on the plan;
// everything else fails the plan.
func (s *Service) Plan(weights domain.TargetWeights, addValue decimal.Decimal) (*Plan, error) {
	snap, err := s.store.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return s.PlanFrom(snap, weights, addValue)
}

// PlanFrom computes a plan against an already-loaded snapshot
func (s *Service) PlanFrom(snap *domain.PortfolioSnapshot, weights domain.TargetWeights, addValue decimal.Decimal) (*Plan, error) {
	prices, err := s.prices.PricesFor(tickerUnion(snap, weights))
	if err != nil {
		return nil, fmt.Errorf("failed to load prices: %w", err)
	}

	frame, err := s.engine.BuildFrame(snap, weights, addValue, prices)
	if err != nil {
		return nil, err
	}

	// Buy budget: snapshot cash plus the new cash. Sell proceeds are not
	// counted; they are not available until fills confirm.
	available := snap.Cash.Add(addValue)

	plan := &Plan{Snapshot: snap, Frame: frame}

	instructions, err := s.builder.Build(frame, snap, prices, available, s.policy)
	if err != nil {
		var soft *domain.InsufficientFundsError
		if !errors.As(err, &soft) {
			return nil, err
		}
		plan.SoftErrors = append(plan.SoftErrors, err)
	}
	plan.Instructions = instructions

	s.log.Debug().
		Int("entries", len(frame.Entries)).
		Int("instructions", len(instructions)).
		Int("soft_errors", len(plan.SoftErrors)).
		Msg("Rebalance plan computed")

	return plan, nil
}
