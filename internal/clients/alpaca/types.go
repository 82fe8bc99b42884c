package alpaca

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradelib/internal/domain"
)

// Wire types for the Alpaca Trading API v2. These never leak past the client:
// every public method returns domain types.

// accountPayload is the GET /v2/account response (fields we use)
type accountPayload struct {
	Status         string `json:"status"`
	Currency       string `json:"currency"`
	Cash           string `json:"cash"`
	Equity         string `json:"equity"`
	PortfolioValue string `json:"portfolio_value"`
	TradingBlocked bool   `json:"trading_blocked"`
}

// positionPayload is one element of the GET /v2/positions response
type positionPayload struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	Side          string `json:"side"`
}

// orderRequest is the POST /v2/orders body. Exactly one of Qty or Notional is set.
type orderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty,omitempty"`
	Notional      string `json:"notional,omitempty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// orderPayload is the order object returned by the orders endpoints.
// filled_avg_price is null until the first fill; JSON null leaves the
// string empty, which parseDecimal treats as zero.
type orderPayload struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Status         string `json:"status"`
	Qty            string `json:"qty"`
	Notional       string `json:"notional"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

// apiError is Alpaca's error envelope
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("alpaca api error %d: %s", e.Code, e.Message)
}

// parseDecimal parses Alpaca's stringified numbers, treating empty (JSON null)
// as zero.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse decimal %q: %w", s, err)
	}
	return d, nil
}

// mapOrderStatus maps Alpaca order statuses onto the domain lifecycle.
// Anything non-terminal and unrecognized maps to submitted so the dispatcher
// keeps polling rather than misreading a transient state as final.
func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.StatusFilled
	case "partially_filled":
		return domain.StatusPartiallyFilled
	case "rejected":
		return domain.StatusRejected
	case "canceled", "replaced":
		return domain.StatusCancelled
	case "expired":
		return domain.StatusExpired
	case "new", "accepted", "pending_new", "accepted_for_bidding",
		"pending_cancel", "pending_replace", "done_for_day", "calculated",
		"stopped", "suspended", "held":
		return domain.StatusSubmitted
	default:
		return domain.StatusSubmitted
	}
}

// toOrderResult converts an order payload to a normalized domain result
func toOrderResult(p *orderPayload) (*domain.OrderResult, error) {
	filledQty, err := parseDecimal(p.FilledQty)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", p.ID, err)
	}
	filledPrice, err := parseDecimal(p.FilledAvgPrice)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", p.ID, err)
	}
	return &domain.OrderResult{
		BackendOrderID: p.ID,
		Status:         mapOrderStatus(p.Status),
		FilledQuantity: filledQty,
		FilledPrice:    filledPrice,
	}, nil
}
