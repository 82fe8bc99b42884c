package rebalancing

import (
	"testing"
	"time"

	"github.com/aristath/tradelib/internal/domain"
	testhelpers "github.com/aristath/tradelib/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() *domain.PortfolioSnapshot {
	return &domain.PortfolioSnapshot{
		Timestamp:  time.Now(),
		TotalValue: testhelpers.Dec("3000"),
		Positions: map[string]domain.Position{
			"AAPL": {Ticker: "AAPL", Quantity: testhelpers.Dec("10"), AverageCost: testhelpers.Dec("140")},
			"MSFT": {Ticker: "MSFT", Quantity: testhelpers.Dec("20"), AverageCost: testhelpers.Dec("45")},
		},
		Cash: testhelpers.Dec("500"),
	}
}

func testPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"AAPL": testhelpers.Dec("150"),
		"MSFT": testhelpers.Dec("50"),
		"GOOG": testhelpers.Dec("120"),
	}
}

func TestBuildFrame_Deltas(t *testing.T) {
	engine := NewEngine(0, zerolog.Nop())

	weights := domain.TargetWeights{"AAPL": 0.5, "GOOG": 0.2}
	frame, err := engine.BuildFrame(testSnapshot(), weights, decimal.Zero, testPrices())
	require.NoError(t, err)

	assert.True(t, frame.Total.Equal(testhelpers.Dec("3000")))
	require.Len(t, frame.Entries, 3)

	// Lexicographic order: AAPL, GOOG, MSFT
	assert.Equal(t, "AAPL", frame.Entries[0].Ticker)
	assert.Equal(t, "GOOG", frame.Entries[1].Ticker)
	assert.Equal(t, "MSFT", frame.Entries[2].Ticker)

	// AAPL: target 1500, current 1500, delta 0
	aapl := frame.Entries[0]
	assert.True(t, aapl.TargetValue.Equal(testhelpers.Dec("1500")))
	assert.True(t, aapl.CurrentValue.Equal(testhelpers.Dec("1500")))
	assert.True(t, aapl.DeltaValue.IsZero())

	// GOOG: not held, target 600
	goog := frame.Entries[1]
	assert.True(t, goog.CurrentValue.IsZero())
	assert.True(t, goog.DeltaValue.Equal(testhelpers.Dec("600")))

	// MSFT: absent from weights, full liquidation
	msft := frame.Entries[2]
	assert.True(t, msft.TargetValue.IsZero())
	assert.True(t, msft.DeltaValue.Equal(testhelpers.Dec("-1000")))
}

func TestBuildFrame_AddValue(t *testing.T) {
	engine := NewEngine(0, zerolog.Nop())

	weights := domain.TargetWeights{"AAPL": 0.5}
	frame, err := engine.BuildFrame(testSnapshot(), weights, testhelpers.Dec("1000"), testPrices())
	require.NoError(t, err)

	assert.True(t, frame.Total.Equal(testhelpers.Dec("4000")))
	aapl, ok := frame.Entry("AAPL")
	require.True(t, ok)
	assert.True(t, aapl.TargetValue.Equal(testhelpers.Dec("2000")))
}

func TestBuildFrame_TargetSumBounded(t *testing.T) {
	engine := NewEngine(0, zerolog.Nop())

	weights := domain.TargetWeights{"AAPL": 0.4, "MSFT": 0.35, "GOOG": 0.25}
	frame, err := engine.BuildFrame(testSnapshot(), weights, decimal.Zero, testPrices())
	require.NoError(t, err)

	// Targets never sum past the portfolio total
	assert.True(t, frame.TargetSum().LessThanOrEqual(frame.Total.Add(testhelpers.Dec("0.01"))))
}

func TestBuildFrame_InvalidWeights(t *testing.T) {
	engine := NewEngine(0, zerolog.Nop())

	cases := []struct {
		name    string
		weights domain.TargetWeights
	}{
		{"sum over one", domain.TargetWeights{"AAPL": 0.7, "MSFT": 0.5}},
		{"negative weight", domain.TargetWeights{"AAPL": -0.1}},
		{"weight over one", domain.TargetWeights{"AAPL": 1.5}},
		{"empty ticker", domain.TargetWeights{"": 0.5}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.BuildFrame(testSnapshot(), tc.weights, decimal.Zero, testPrices())
			assert.Error(t, err)
		})
	}
}

func TestBuildFrame_MissingHeldPrice(t *testing.T) {
	engine := NewEngine(0, zerolog.Nop())

	prices := testPrices()
	delete(prices, "MSFT")

	_, err := engine.BuildFrame(testSnapshot(), domain.TargetWeights{"AAPL": 0.5}, decimal.Zero, prices)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MSFT")
}

func TestBuildFrame_ThresholdFilters(t *testing.T) {
	// 1% threshold on a 3000 portfolio: deltas under 30 are dropped
	engine := NewEngine(0.01, zerolog.Nop())

	// AAPL sits at ~0.5 already; nudging the weight slightly produces a
	// delta below the threshold
	weights := domain.TargetWeights{"AAPL": 0.501, "MSFT": 1000.0 / 3000.0}
	frame, err := engine.BuildFrame(testSnapshot(), weights, decimal.Zero, testPrices())
	require.NoError(t, err)

	_, hasAAPL := frame.Entry("AAPL")
	assert.False(t, hasAAPL, "delta 3 is under the 30 threshold")
}

func TestBuildFrame_Deterministic(t *testing.T) {
	engine := NewEngine(0, zerolog.Nop())
	weights := domain.TargetWeights{"MSFT": 0.3, "AAPL": 0.3, "GOOG": 0.2}

	first, err := engine.BuildFrame(testSnapshot(), weights, decimal.Zero, testPrices())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		frame, err := engine.BuildFrame(testSnapshot(), weights, decimal.Zero, testPrices())
		require.NoError(t, err)
		require.Equal(t, len(first.Entries), len(frame.Entries))
		for j := range frame.Entries {
			assert.Equal(t, first.Entries[j].Ticker, frame.Entries[j].Ticker)
			assert.True(t, first.Entries[j].DeltaValue.Equal(frame.Entries[j].DeltaValue))
		}
	}
}

func TestBuildFrame_NegativeAddValue(t *testing.T) {
	engine := NewEngine(0, zerolog.Nop())

	_, err := engine.BuildFrame(testSnapshot(), domain.TargetWeights{}, testhelpers.Dec("-100"), testPrices())
	assert.Error(t, err)
}
