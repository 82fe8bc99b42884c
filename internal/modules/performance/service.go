// Package performance computes portfolio performance metrics from snapshot
// history: period returns, cumulative and annualized return, volatility,
// Sharpe ratio and maximum drawdown. Read-only; nothing here mutates state.
package performance

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/tradelib/internal/domain"
)

// ErrInsufficientHistory means the range holds fewer than two usable snapshots
var ErrInsufficientHistory = errors.New("insufficient history")

// SnapshotSource provides persisted snapshot history.
// Defined here to avoid an import cycle with the portfolio module.
type SnapshotSource interface {
	Range(from, to time.Time) ([]*domain.PortfolioSnapshot, error)
}

// PriceProvider supplies latest prices for a set of tickers
type PriceProvider interface {
	PricesFor(tickers []string) (map[string]decimal.Decimal, error)
}

// Config holds the metric parameters
type Config struct {
	// RiskFreeRate is the annualized risk-free rate used for the Sharpe ratio
	RiskFreeRate float64

	// PeriodsPerYear annualizes per-period statistics. 252 fits one snapshot
	// per trading day.
	PeriodsPerYear float64
}

// DefaultConfig returns daily-snapshot parameters with a zero risk-free rate
func DefaultConfig() Config {
	return Config{RiskFreeRate: 0, PeriodsPerYear: 252}
}

// Summary is the portfolio-level performance report for a time range
type Summary struct {
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Observations int       `json:"observations"`

	StartValue decimal.Decimal `json:"start_value"`
	EndValue   decimal.Decimal `json:"end_value"`

	// CumulativeReturn is end/start - 1 over the range
	CumulativeReturn float64 `json:"cumulative_return"`

	// AnnualizedReturn is the CAGR over the range; for ranges under three
	// months it falls back to the simple return
	AnnualizedReturn float64 `json:"annualized_return"`

	// AnnualizedVolatility is the standard deviation of period returns
	// scaled by sqrt(periods per year). Zero when fewer than three
	// observations exist.
	AnnualizedVolatility float64 `json:"annualized_volatility"`

	// SharpeRatio is (annualized mean return - risk-free) / volatility.
	// Zero when volatility is zero.
	SharpeRatio float64 `json:"sharpe_ratio"`

	// MaxDrawdown is the largest peak-to-trough loss as a positive fraction
	// of the peak
	MaxDrawdown float64 `json:"max_drawdown"`

	// Returns is the period return series underlying the statistics
	Returns []float64 `json:"returns"`
}

// PositionPerformance is the per-position view against average cost
type PositionPerformance struct {
	Ticker       string          `json:"ticker"`
	Quantity     decimal.Decimal `json:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost"`
	Price        decimal.Decimal `json:"price"`
	MarketValue  decimal.Decimal `json:"market_value"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`

	// ReturnPct is nil when the position has no cost basis to compare against
	ReturnPct *float64 `json:"return_pct,omitempty"`
}

// Service computes performance metrics
type Service struct {
	snapshots SnapshotSource
	store     domain.Store
	prices    PriceProvider
	cfg       Config
	log       zerolog.Logger
}

// NewService creates a performance service
func NewService(snapshots SnapshotSource, store domain.Store, prices PriceProvider, cfg Config, log zerolog.Logger) *Service {
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = DefaultConfig().PeriodsPerYear
	}
	return &Service{
		snapshots: snapshots,
		store:     store,
		prices:    prices,
		cfg:       cfg,
		log:       log.With().Str("service", "performance").Logger(),
	}
}

// Summary computes portfolio-level metrics over the snapshot history in
// [from, to]. At least two snapshots with positive total value are required.
func (s *Service) Summary(from, to time.Time) (*Summary, error) {
	snaps, err := s.snapshots.Range(from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot history: %w", err)
	}

	obs := make([]observation, 0, len(snaps))
	for _, snap := range snaps {
		v, _ := snap.TotalValue.Float64()
		if v <= 0 {
			// A zero-value snapshot has no meaningful return against it
			continue
		}
		obs = append(obs, observation{at: snap.Timestamp, value: v})
	}

	if len(obs) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 snapshots with positive value, have %d", ErrInsufficientHistory, len(obs))
	}

	first, last := obs[0], obs[len(obs)-1]

	returns := make([]float64, 0, len(obs)-1)
	for i := 1; i < len(obs); i++ {
		returns = append(returns, obs[i].value/obs[i-1].value-1)
	}

	summary := &Summary{
		From:             first.at,
		To:               last.at,
		Observations:     len(obs),
		StartValue:       decimal.NewFromFloat(first.value),
		EndValue:         decimal.NewFromFloat(last.value),
		CumulativeReturn: last.value/first.value - 1,
		AnnualizedReturn: annualizedReturn(first.value, last.value, last.at.Sub(first.at)),
		MaxDrawdown:      maxDrawdown(obs),
		Returns:          returns,
	}

	if len(returns) >= 2 {
		summary.AnnualizedVolatility = stat.StdDev(returns, nil) * math.Sqrt(s.cfg.PeriodsPerYear)
	}
	if summary.AnnualizedVolatility > 0 {
		meanAnnualized := stat.Mean(returns, nil) * s.cfg.PeriodsPerYear
		summary.SharpeRatio = (meanAnnualized - s.cfg.RiskFreeRate) / summary.AnnualizedVolatility
	}

	s.log.Debug().
		Int("observations", summary.Observations).
		Float64("cumulative_return", summary.CumulativeReturn).
		Float64("volatility", summary.AnnualizedVolatility).
		Float64("max_drawdown", summary.MaxDrawdown).
		Msg("Performance summary computed")

	return summary, nil
}

// Positions returns per-position performance from the live snapshot at
// current prices, sorted by ticker
func (s *Service) Positions() ([]PositionPerformance, error) {
	snap, err := s.store.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	prices, err := s.prices.PricesFor(snap.Tickers())
	if err != nil {
		return nil, fmt.Errorf("failed to load prices: %w", err)
	}

	result := make([]PositionPerformance, 0, len(snap.Positions))
	for ticker, pos := range snap.Positions {
		price := prices[ticker]
		entry := PositionPerformance{
			Ticker:       ticker,
			Quantity:     pos.Quantity,
			AverageCost:  pos.AverageCost,
			Price:        price,
			MarketValue:  pos.MarketValue(price),
			CostBasis:    pos.CostBasis(),
			UnrealizedPL: pos.UnrealizedPL(price),
		}
		if ret, ok := pos.Return(price); ok {
			r := ret
			entry.ReturnPct = &r
		}
		result = append(result, entry)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Ticker < result[j].Ticker })
	return result, nil
}

// observation is one usable point of the value series
type observation struct {
	at    time.Time
	value float64
}

// annualizedReturn is the CAGR between two values. Periods under three months
// use the simple return; compounding over a few weeks overstates wildly.
func annualizedReturn(start, end float64, elapsed time.Duration) float64 {
	years := elapsed.Hours() / 24 / 365.0
	if years < 0.25 {
		return end/start - 1
	}
	return math.Pow(end/start, 1/years) - 1
}

// maxDrawdown returns the deepest peak-to-trough loss as a positive fraction
func maxDrawdown(obs []observation) float64 {
	peak := 0.0
	worst := 0.0
	for _, o := range obs {
		if o.value > peak {
			peak = o.value
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - o.value) / peak
		if dd > worst {
			worst = dd
		}
	}
	return worst
}
