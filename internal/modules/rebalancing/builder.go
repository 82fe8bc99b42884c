package rebalancing

import (
	"fmt"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Policy controls how currency deltas become order instructions
type Policy struct {
	// MinTradeNotional skips deltas smaller than this, avoiding churn from
	// rounding noise. Always positive.
	MinTradeNotional decimal.Decimal

	// Mode selects share-based or notional order sizing
	Mode domain.QuantityMode

	// TimeInForce applied to every emitted instruction
	TimeInForce domain.TimeInForce
}

// DefaultPolicy returns the share-based day-order policy
func DefaultPolicy(minTradeNotional decimal.Decimal) Policy {
	return Policy{
		MinTradeNotional: minTradeNotional,
		Mode:             domain.QuantityShares,
		TimeInForce:      domain.TIFDay,
	}
}

// Builder converts rebalance frames into trade instructions
type Builder struct {
	log zerolog.Logger
}

// NewBuilder creates an instruction builder
func NewBuilder(log zerolog.Logger) *Builder {
	return &Builder{log: log.With().Str("service", "instruction_builder").Logger()}
}

// Build converts the frame's deltas into executable instructions.
//
// Per entry: deltas under MinTradeNotional are skipped; buy if delta > 0 else
// sell. Share sizing floors |delta| / price; zero-share results are skipped.
// Sells are capped at the held quantity, never short.
//
// available is the cash budget for buys (snapshot cash plus any new cash
// being deployed; sell proceeds are deliberately not counted). When aggregate
// buy notional exceeds it, every buy is scaled down pro-rata by
// available/required and re-floored, and a soft InsufficientFundsError is
// returned alongside the scaled instructions. Sells are never scaled.
//
// Instructions come out in the frame's lexicographic order.
func (b *Builder) Build(
	frame *domain.RebalanceFrame,
	snap *domain.PortfolioSnapshot,
	prices map[string]decimal.Decimal,
	available decimal.Decimal,
	policy Policy,
) ([]domain.TradeInstruction, error) {
	if frame == nil {
		return nil, fmt.Errorf("frame is required")
	}
	if !policy.MinTradeNotional.IsPositive() {
		return nil, fmt.Errorf("min trade notional must be positive, got %s", policy.MinTradeNotional)
	}

	instructions := make([]domain.TradeInstruction, 0, len(frame.Entries))

	for _, entry := range frame.Entries {
		inst, ok, err := b.buildOne(entry, snap, prices, policy)
		if err != nil {
			return nil, err
		}
		if ok {
			instructions = append(instructions, inst)
		}
	}

	return b.applyCashConstraint(instructions, prices, available, policy)
}

// buildOne sizes a single instruction from a frame entry. The bool result is
// false when the entry produces no trade (below threshold or rounds to zero).
func (b *Builder) buildOne(
	entry domain.FrameEntry,
	snap *domain.PortfolioSnapshot,
	prices map[string]decimal.Decimal,
	policy Policy,
) (domain.TradeInstruction, bool, error) {
	none := domain.TradeInstruction{}

	absDelta := entry.DeltaValue.Abs()
	if absDelta.LessThan(policy.MinTradeNotional) {
		return none, false, nil
	}

	side := domain.SideSell
	if entry.DeltaValue.IsPositive() {
		side = domain.SideBuy
	}

	price, ok := prices[entry.Ticker]
	if !ok || !price.IsPositive() {
		return none, false, fmt.Errorf("no price for %s", entry.Ticker)
	}

	held := decimal.Zero
	if pos, exists := snap.Position(entry.Ticker); exists {
		held = pos.Quantity
	}

	inst := domain.TradeInstruction{
		ID:          uuid.New().String(),
		Ticker:      entry.Ticker,
		Side:        side,
		Mode:        policy.Mode,
		TimeInForce: policy.TimeInForce,
	}

	switch policy.Mode {
	case domain.QuantityShares:
		qty := sharesFor(absDelta, price)
		if side == domain.SideSell && qty.GreaterThan(held) {
			qty = held
		}
		if !qty.IsPositive() {
			return none, false, nil
		}
		inst.Quantity = qty

	case domain.QuantityNotional:
		notional := absDelta
		if side == domain.SideSell {
			// Cap at the currency value of the held quantity
			maxNotional := held.Mul(price)
			if notional.GreaterThan(maxNotional) {
				notional = maxNotional
			}
		}
		if !notional.IsPositive() {
			return none, false, nil
		}
		inst.Notional = notional

	default:
		return none, false, fmt.Errorf("unknown quantity mode %q", policy.Mode)
	}

	return inst, true, nil
}

// sharesFor floors a notional amount into whole shares. Floor is the one
// rounding mode used for share sizing: a buy never overshoots its delta and a
// sell never exceeds what the delta covers.
func sharesFor(notional, price decimal.Decimal) decimal.Decimal {
	return notional.Div(price).Floor()
}

// applyCashConstraint scales buys down pro-rata when they exceed the budget.
// Returns the possibly reduced instruction set; the error, when non-nil, is a
// soft *domain.InsufficientFundsError accompanying valid instructions.
func (b *Builder) applyCashConstraint(
	instructions []domain.TradeInstruction,
	prices map[string]decimal.Decimal,
	available decimal.Decimal,
	policy Policy,
) ([]domain.TradeInstruction, error) {
	required := decimal.Zero
	for _, inst := range instructions {
		if inst.Side != domain.SideBuy {
			continue
		}
		required = required.Add(buyNotional(inst, prices))
	}

	if required.LessThanOrEqual(available) || !required.IsPositive() {
		return instructions, nil
	}

	if available.IsNegative() {
		available = decimal.Zero
	}

	scale := available.Div(required)
	scaleFactor, _ := scale.Float64()

	scaled := instructions[:0]
	for _, inst := range instructions {
		if inst.Side != domain.SideBuy {
			scaled = append(scaled, inst)
			continue
		}

		switch policy.Mode {
		case domain.QuantityShares:
			inst.Quantity = inst.Quantity.Mul(scale).Floor()
			if !inst.Quantity.IsPositive() {
				continue
			}
		case domain.QuantityNotional:
			inst.Notional = inst.Notional.Mul(scale)
			if !inst.Notional.IsPositive() {
				continue
			}
		}
		scaled = append(scaled, inst)
	}

	b.log.Warn().
		Str("required", required.String()).
		Str("available", available.String()).
		Float64("scale_factor", scaleFactor).
		Msg("Buy notional exceeds available cash, scaling down pro-rata")

	return scaled, &domain.InsufficientFundsError{
		Required:    required,
		Available:   available,
		ScaleFactor: scaleFactor,
	}
}

// buyNotional is the cash a buy instruction will consume
func buyNotional(inst domain.TradeInstruction, prices map[string]decimal.Decimal) decimal.Decimal {
	if inst.Mode == domain.QuantityNotional {
		return inst.Notional
	}
	return inst.Quantity.Mul(prices[inst.Ticker])
}
