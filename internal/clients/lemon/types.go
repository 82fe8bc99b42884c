package lemon

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradelib/internal/domain"
)

// Wire types for the lemon.markets REST API. All monetary amounts on the wire
// are integers in hundredths of a cent (123.45 -> 1234500); conversion happens
// at this boundary and nowhere else.

// envelope wraps every API response
type envelope struct {
	Status       string          `json:"status"`
	Results      json.RawMessage `json:"results"`
	ErrorCode    string          `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
}

// apiError is a non-2xx or status=error response
type apiError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("lemon api error %s: %s", e.Code, e.Message)
}

// accountResult is the GET /v1/account payload
type accountResult struct {
	AccountID      string `json:"account_id"`
	Balance        int64  `json:"balance"`
	CashToInvest   int64  `json:"cash_to_invest"`
	CashToWithdraw int64  `json:"cash_to_withdraw"`
}

// positionResult is one element of the GET /v1/positions payload
type positionResult struct {
	ISIN                string `json:"isin"`
	ISINTitle           string `json:"isin_title"`
	Quantity            int64  `json:"quantity"`
	BuyPriceAvg         int64  `json:"buy_price_avg"`
	EstimatedPrice      int64  `json:"estimated_price"`
	EstimatedPriceTotal int64  `json:"estimated_price_total"`
}

// orderPayload is the order object returned by the orders endpoints
type orderPayload struct {
	ID               string `json:"id"`
	ISIN             string `json:"isin"`
	Side             string `json:"side"`
	Status           string `json:"status"`
	Quantity         int64  `json:"quantity"`
	ExecutedQuantity int64  `json:"executed_quantity"`
	ExecutedPrice    int64  `json:"executed_price"`
}

// quoteResult is one element of the GET /v1/quotes/latest payload.
// Prices arrive as integer hundredths of a cent (decimals=false).
type quoteResult struct {
	ISIN string `json:"isin"`
	Ask  int64  `json:"a"`
	Bid  int64  `json:"b"`
}

// createOrderRequest is the POST /v1/orders body
type createOrderRequest struct {
	ISIN        string `json:"isin"`
	Side        string `json:"side"`
	Quantity    int64  `json:"quantity"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Venue       string `json:"venue,omitempty"`
	Idempotency string `json:"idempotency,omitempty"`
}

var hcentsPerUnit = decimal.NewFromInt(10000)

// toHcents converts a currency amount to integer hundredths of a cent.
// Example: 123.45 -> 1234500.
func toHcents(d decimal.Decimal) int64 {
	return d.Mul(hcentsPerUnit).IntPart()
}

// fromHcents converts integer hundredths of a cent back to a currency amount
func fromHcents(h int64) decimal.Decimal {
	return decimal.NewFromInt(h).Div(hcentsPerUnit)
}

// mapOrderStatus maps lemon.markets order statuses onto the domain lifecycle
func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "executed":
		return domain.StatusFilled
	case "rejected":
		return domain.StatusRejected
	case "canceled", "cancelling":
		return domain.StatusCancelled
	case "expired":
		return domain.StatusExpired
	case "inactive", "activated", "open", "in_progress", "draft":
		return domain.StatusSubmitted
	default:
		return domain.StatusSubmitted
	}
}

// toOrderResult converts an order payload to a normalized domain result.
// Executed quantity and price come back in shares and hundredths of a cent.
func toOrderResult(p *orderPayload) *domain.OrderResult {
	return &domain.OrderResult{
		BackendOrderID: p.ID,
		Status:         mapOrderStatus(p.Status),
		FilledQuantity: decimal.NewFromInt(p.ExecutedQuantity),
		FilledPrice:    fromHcents(p.ExecutedPrice),
	}
}
