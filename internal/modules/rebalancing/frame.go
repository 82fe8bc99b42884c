// Package rebalancing computes the currency deltas between a portfolio and a
// target allocation and converts them into executable trade instructions.
package rebalancing

import (
	"fmt"
	"sort"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Engine computes rebalance frames from snapshots and target weights
type Engine struct {
	// threshold is the minimum |delta| / total weight fraction to act on.
	// Entries below it are dropped before the builder runs.
	threshold float64
	log       zerolog.Logger
}

// NewEngine creates a rebalance engine
func NewEngine(threshold float64, log zerolog.Logger) *Engine {
	return &Engine{
		threshold: threshold,
		log:       log.With().Str("service", "rebalance_engine").Logger(),
	}
}

// BuildFrame computes the per-ticker currency deltas that move the portfolio
// toward the target weights.
//
// total = snapshot.TotalValue + addValue. For every ticker in the union of
// current positions and target weights: target = total * weight (absent from
// weights means 0, full liquidation), current = quantity * price, delta =
// target - current. Entries are ordered lexicographically by ticker, so
// identical inputs always produce identical frames.
//
// prices must cover every held ticker. Target-only tickers need no price at
// this stage; the builder requires one when sizing the instruction.
func (e *Engine) BuildFrame(
	snap *domain.PortfolioSnapshot,
	weights domain.TargetWeights,
	addValue decimal.Decimal,
	prices map[string]decimal.Decimal,
) (*domain.RebalanceFrame, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is required")
	}
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target weights: %w", err)
	}
	if addValue.IsNegative() {
		return nil, fmt.Errorf("add_value must not be negative, got %s", addValue)
	}

	total := snap.TotalValue.Add(addValue)

	tickers := tickerUnion(snap, weights)
	entries := make([]domain.FrameEntry, 0, len(tickers))

	for _, ticker := range tickers {
		weight, targeted := weights[ticker]

		target := decimal.Zero
		if targeted {
			target = total.Mul(decimal.NewFromFloat(weight))
		}

		current := decimal.Zero
		if pos, held := snap.Position(ticker); held {
			price, ok := prices[ticker]
			if !ok {
				return nil, fmt.Errorf("no price for held ticker %s", ticker)
			}
			current = pos.MarketValue(price)
		}

		delta := target.Sub(current)

		if e.belowThreshold(delta, total) {
			e.log.Debug().
				Str("ticker", ticker).
				Str("delta", delta.String()).
				Float64("threshold", e.threshold).
				Msg("Delta below rebalance threshold, skipping")
			continue
		}

		entries = append(entries, domain.FrameEntry{
			Ticker:       ticker,
			CurrentValue: current,
			TargetValue:  target,
			DeltaValue:   delta,
		})
	}

	return &domain.RebalanceFrame{Total: total, Entries: entries}, nil
}

// belowThreshold reports whether |delta| / total is under the configured
// rebalance threshold. A non-positive total never filters.
func (e *Engine) belowThreshold(delta, total decimal.Decimal) bool {
	if e.threshold <= 0 || !total.IsPositive() {
		return false
	}
	fraction, _ := delta.Abs().Div(total).Float64()
	return fraction < e.threshold
}

func tickerUnion(snap *domain.PortfolioSnapshot, weights domain.TargetWeights) []string {
	seen := make(map[string]struct{}, len(snap.Positions)+len(weights))
	for t := range snap.Positions {
		seen[t] = struct{}{}
	}
	for t := range weights {
		seen[t] = struct{}{}
	}

	tickers := make([]string, 0, len(seen))
	for t := range seen {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}
