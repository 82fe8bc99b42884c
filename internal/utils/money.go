package utils

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// FormatMoney renders a decimal amount in a currency's display format, e.g.
// FormatMoney(decimal.NewFromFloat(1234.5), "USD") -> "$1,234.50".
//
// The go-money formatter works on minor units, so the amount is shifted by
// the currency's fraction before formatting. Unknown currency codes fall back
// to go-money's default formatter rather than erroring; API responses should
// never fail over a display string.
func FormatMoney(value decimal.Decimal, currencyCode string) string {
	// money.New never returns a nil currency, even for unknown codes
	cur := *money.New(0, currencyCode).Currency()
	minor := value.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}
