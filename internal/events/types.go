// Package events provides the in-process event bus and typed event payloads.
package events

import (
	"time"
)

// EventType represents different event types
type EventType string

const (
	// Rebalance cycle lifecycle
	CycleCompleted EventType = "CYCLE_COMPLETED"

	// Order outcomes
	TradeExecuted     EventType = "TRADE_EXECUTED"
	TradeRejected     EventType = "TRADE_REJECTED"
	FundsInsufficient EventType = "FUNDS_INSUFFICIENT"

	// Portfolio and pricing
	DepositProcessed EventType = "DEPOSIT_PROCESSED"
	PriceUpdated     EventType = "PRICE_UPDATED"
	SnapshotSaved    EventType = "SNAPSHOT_SAVED"

	// Operations
	BackupCompleted EventType = "BACKUP_COMPLETED"
	ErrorOccurred   EventType = "ERROR_OCCURRED"
)

// Event represents a system event. Data carries the JSON-friendly payload;
// Manager.EmitTyped fills it from an EventData value.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}
