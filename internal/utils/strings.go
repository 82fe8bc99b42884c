package utils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/tradelib/internal/domain"
)

// ParseCSV splits a comma-separated string and returns trimmed non-empty values.
// Returns nil for empty/whitespace-only input.
func ParseCSV(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	for _, v := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return nil
	}

	return result
}

// ParseWeights parses comma-separated "TICKER:WEIGHT" pairs, e.g.
// "AAPL:0.5,MSFT:0.3". Tickers are upper-cased; duplicates are an error.
// Callers still need TargetWeights.Validate for range and sum checks.
func ParseWeights(s string) (domain.TargetWeights, error) {
	pairs := ParseCSV(s)
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no weights given")
	}

	weights := make(domain.TargetWeights, len(pairs))
	for _, pair := range pairs {
		ticker, value, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("malformed weight %q, want TICKER:WEIGHT", pair)
		}

		ticker = strings.ToUpper(strings.TrimSpace(ticker))
		weight, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed weight for %q: %w", ticker, err)
		}

		if _, dup := weights[ticker]; dup {
			return nil, fmt.Errorf("duplicate ticker %q", ticker)
		}
		weights[ticker] = weight
	}

	return weights, nil
}
