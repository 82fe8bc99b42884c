package testing

import (
	"time"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/shopspring/decimal"
)

// Dec parses a decimal literal, panicking on malformed input.
// Test-only convenience for readable fixtures.
func Dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// NewSnapshotFixture returns a snapshot with two tech positions and cash.
// Values reconcile: 10*150 + 20*50 + 500 = 3000.
func NewSnapshotFixture() *domain.PortfolioSnapshot {
	return &domain.PortfolioSnapshot{
		Timestamp:  time.Date(2024, 6, 3, 16, 0, 0, 0, time.UTC),
		TotalValue: Dec("3000"),
		Cash:       Dec("500"),
		Positions: map[string]domain.Position{
			"AAPL": {Ticker: "AAPL", Quantity: Dec("10"), AverageCost: Dec("140")},
			"MSFT": {Ticker: "MSFT", Quantity: Dec("20"), AverageCost: Dec("45")},
		},
	}
}

// NewPricesFixture returns prices matching NewSnapshotFixture
func NewPricesFixture() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"AAPL": Dec("150"),
		"MSFT": Dec("50"),
	}
}

// NewCashOnlySnapshot returns a snapshot holding only cash
func NewCashOnlySnapshot(cash string) *domain.PortfolioSnapshot {
	return &domain.PortfolioSnapshot{
		Timestamp:  time.Date(2024, 6, 3, 16, 0, 0, 0, time.UTC),
		TotalValue: Dec(cash),
		Cash:       Dec(cash),
		Positions:  map[string]domain.Position{},
	}
}

// NewInstructionFixture returns a valid share-mode buy instruction
func NewInstructionFixture(ticker string, side domain.OrderSide, quantity string) domain.TradeInstruction {
	return domain.TradeInstruction{
		ID:          "test-" + ticker,
		Ticker:      ticker,
		Side:        side,
		Mode:        domain.QuantityShares,
		Quantity:    Dec(quantity),
		TimeInForce: domain.TIFDay,
	}
}

// NewTradeRecordFixture returns a filled trade record for the given instruction
func NewTradeRecordFixture(inst domain.TradeInstruction, price string) *domain.TradeRecord {
	return &domain.TradeRecord{
		Instruction:    inst,
		SubmittedAt:    time.Date(2024, 6, 3, 16, 30, 0, 0, time.UTC),
		BackendOrderID: "ORD-" + inst.Ticker,
		Status:         domain.StatusFilled,
		FilledQuantity: inst.Quantity,
		FilledPrice:    Dec(price),
	}
}
