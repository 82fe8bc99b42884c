package pricing

import (
	"fmt"
	"time"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/events"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Service provides price lookup and updates on top of the price repository.
// It is the PriceSource used by the rebalance engine and instruction builder.
type Service struct {
	repo   *PriceRepository
	events *events.Manager // optional, nil disables event emission
	log    zerolog.Logger
}

// Compile-time interface check
var _ domain.PriceSource = (*Service)(nil)

// NewService creates a new pricing service
func NewService(repo *PriceRepository, eventManager *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		events: eventManager,
		log:    log.With().Str("service", "pricing").Logger(),
	}
}

// GetPrice returns the last-known price for a ticker.
// A nil asOf means the latest available price.
func (s *Service) GetPrice(ticker string, asOf *time.Time) (decimal.Decimal, error) {
	var (
		point *PricePoint
		err   error
	)

	if asOf == nil {
		point, err = s.repo.Latest(ticker)
	} else {
		point, err = s.repo.AsOf(ticker, *asOf)
	}
	if err != nil {
		return decimal.Zero, err
	}

	return point.Price, nil
}

// SetPrice records a price observation for a ticker
func (s *Service) SetPrice(ticker string, price decimal.Decimal, asOf time.Time) error {
	if ticker == "" {
		return fmt.Errorf("ticker is required")
	}
	if !price.IsPositive() {
		return fmt.Errorf("price for %s must be positive, got %s", ticker, price)
	}
	if asOf.IsZero() {
		asOf = time.Now()
	}

	if err := s.repo.Set(ticker, price, asOf); err != nil {
		return err
	}

	s.log.Debug().
		Str("ticker", ticker).
		Str("price", price.String()).
		Time("as_of", asOf).
		Msg("Price updated")

	if s.events != nil {
		f, _ := price.Float64()
		s.events.EmitTyped(events.PriceUpdated, "pricing", &events.PriceUpdatedData{
			Ticker: ticker,
			Price:  f,
		})
	}

	return nil
}

// LatestPrices returns the most recent price for every known ticker
func (s *Service) LatestPrices() (map[string]decimal.Decimal, error) {
	return s.repo.LatestAll()
}

// PricesFor returns latest prices for the given tickers.
// Fails if any ticker has no recorded price: valuing a portfolio with
// missing prices would silently understate it.
func (s *Service) PricesFor(tickers []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(tickers))
	for _, ticker := range tickers {
		point, err := s.repo.Latest(ticker)
		if err != nil {
			return nil, err
		}
		prices[ticker] = point.Price
	}
	return prices, nil
}

// History returns the price series for a ticker in [from, to], oldest first
func (s *Service) History(ticker string, from, to time.Time) ([]PricePoint, error) {
	return s.repo.History(ticker, from, to)
}
