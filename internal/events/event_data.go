package events

// EventData is the interface that all typed event payloads implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// CycleCompletedData contains data for CycleCompleted events
type CycleCompletedData struct {
	Instructions int     `json:"instructions"`
	Filled       int     `json:"filled"`
	Failed       int     `json:"failed"`
	DryRun       bool    `json:"dry_run"`
	TotalValue   float64 `json:"total_value"`
	DurationMS   int64   `json:"duration_ms"`
}

// EventType returns the event type for CycleCompletedData
func (d *CycleCompletedData) EventType() EventType {
	return CycleCompleted
}

// TradeExecutedData contains data for TradeExecuted events
type TradeExecutedData struct {
	Ticker   string  `json:"ticker"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	OrderID  string  `json:"order_id,omitempty"`
	Backend  string  `json:"backend,omitempty"`
}

// EventType returns the event type for TradeExecutedData
func (d *TradeExecutedData) EventType() EventType {
	return TradeExecuted
}

// TradeRejectedData contains data for TradeRejected events
type TradeRejectedData struct {
	Ticker string `json:"ticker"`
	Side   string `json:"side"`
	Reason string `json:"reason"`
}

// EventType returns the event type for TradeRejectedData
func (d *TradeRejectedData) EventType() EventType {
	return TradeRejected
}

// FundsInsufficientData contains data for FundsInsufficient events
type FundsInsufficientData struct {
	Required    float64 `json:"required"`
	Available   float64 `json:"available"`
	ScaleFactor float64 `json:"scale_factor"`
}

// EventType returns the event type for FundsInsufficientData
func (d *FundsInsufficientData) EventType() EventType {
	return FundsInsufficient
}

// DepositProcessedData contains data for DepositProcessed events
type DepositProcessedData struct {
	Amount float64 `json:"amount"`
}

// EventType returns the event type for DepositProcessedData
func (d *DepositProcessedData) EventType() EventType {
	return DepositProcessed
}

// PriceUpdatedData contains data for PriceUpdated events
type PriceUpdatedData struct {
	Ticker string  `json:"ticker"`
	Price  float64 `json:"price"`
}

// EventType returns the event type for PriceUpdatedData
func (d *PriceUpdatedData) EventType() EventType {
	return PriceUpdated
}

// SnapshotSavedData contains data for SnapshotSaved events
type SnapshotSavedData struct {
	TotalValue float64 `json:"total_value"`
	Positions  int     `json:"positions"`
}

// EventType returns the event type for SnapshotSavedData
func (d *SnapshotSavedData) EventType() EventType {
	return SnapshotSaved
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Archive   string `json:"archive"`
	SizeBytes int64  `json:"size_bytes"`
	Uploaded  bool   `json:"uploaded"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
