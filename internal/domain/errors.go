package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error taxonomy for rebalance cycles.
//
// Per-instruction failures (OrderRejectedError) are isolated: one rejected order
// does not block its siblings. Per-cycle failures (InconsistentStateError, total
// backend unavailability) abort the whole cycle and leave the prior snapshot
// authoritative. InsufficientFundsError is soft: it triggers the documented
// scale-down policy and the cycle continues with reduced instructions.

// InconsistentStateError indicates a store invariant violation, such as a sell
// exceeding the held quantity or a snapshot that does not reconcile.
// Fatal: the cycle aborts and manual reconciliation is required.
type InconsistentStateError struct {
	Ticker    string
	Held      decimal.Decimal
	Requested decimal.Decimal
	Detail    string
}

func (e *InconsistentStateError) Error() string {
	if e.Ticker != "" && e.Requested.IsPositive() {
		return fmt.Sprintf("inconsistent state for %s: requested %s exceeds held %s", e.Ticker, e.Requested, e.Held)
	}
	if e.Ticker != "" {
		return fmt.Sprintf("inconsistent state for %s: %s", e.Ticker, e.Detail)
	}
	return fmt.Sprintf("inconsistent state: %s", e.Detail)
}

// InsufficientFundsError indicates that aggregate buy notional exceeded the
// available cash. Soft: buys are scaled down pro-rata by ScaleFactor and the
// cycle continues; the error is reported, not fatal.
type InsufficientFundsError struct {
	Required    decimal.Decimal
	Available   decimal.Decimal
	ScaleFactor float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: buys require %s but only %s available, scaled to %.4fx",
		e.Required, e.Available, e.ScaleFactor)
}

// BackendUnavailableError indicates a transport-level failure talking to a
// brokerage backend (timeout, connection refused, 5xx). Retryable at the cycle
// level; the caller decides whether to retry the whole cycle.
type BackendUnavailableError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable during %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// OrderRejectedError indicates the backend rejected a single order.
// Reported per instruction and excluded from that cycle's fills; sibling
// instructions continue.
type OrderRejectedError struct {
	Ticker         string
	BackendOrderID string
	Reason         string
}

func (e *OrderRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("order for %s rejected", e.Ticker)
	}
	return fmt.Sprintf("order for %s rejected: %s", e.Ticker, e.Reason)
}

// ConfigurationError indicates invalid configuration detected at startup,
// before any cycle runs. Fatal.
type ConfigurationError struct {
	Field  string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Detail)
}

// IsRetryable reports whether the error (or any error it wraps) is a backend
// availability failure that may succeed on retry.
func IsRetryable(err error) bool {
	var be *BackendUnavailableError
	return errors.As(err, &be)
}

// IsFatal reports whether the error aborts the cycle entirely
func IsFatal(err error) bool {
	var ise *InconsistentStateError
	var ce *ConfigurationError
	return errors.As(err, &ise) || errors.As(err, &ce)
}
