package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultConcurrency  = 4
	defaultPollAttempts = 5
	defaultPollInterval = 2 * time.Second
)

// Outcome is the per-instruction result of a dispatch pass
type Outcome struct {
	Instruction domain.TradeInstruction
	Record      *domain.TradeRecord
	Err         error
}

// Failed reports whether the instruction ended in an error
func (o *Outcome) Failed() bool {
	return o.Err != nil
}

// MarshalJSON renders the error as a plain string
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := struct {
		Instruction domain.TradeInstruction `json:"instruction"`
		Record      *domain.TradeRecord     `json:"record,omitempty"`
		Error       string                  `json:"error,omitempty"`
	}{
		Instruction: o.Instruction,
		Record:      o.Record,
	}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}
	return json.Marshal(out)
}

// Dispatcher submits trade instructions to the backend and settles their
// ledger records. Submission is at-most-once: a pending ledger record is
// written before the order leaves the process, and an instruction ID that
// already appears in the ledger is never submitted again.
type Dispatcher struct {
	backend domain.Backend
	trades  *TradeRepository
	store   domain.Store
	log     zerolog.Logger

	concurrency  int
	pollAttempts int
	pollInterval time.Duration
}

// NewDispatcher creates an order dispatcher
func NewDispatcher(backend domain.Backend, trades *TradeRepository, store domain.Store, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		backend:      backend,
		trades:       trades,
		store:        store,
		log:          log.With().Str("service", "dispatcher").Logger(),
		concurrency:  defaultConcurrency,
		pollAttempts: defaultPollAttempts,
		pollInterval: defaultPollInterval,
	}
}

// Dispatch submits the instructions concurrently and returns one outcome per
// instruction, in input order. Instructions are independent: one failing never
// stops the others.
func (d *Dispatcher) Dispatch(ctx context.Context, instructions []domain.TradeInstruction) []Outcome {
	outcomes := make([]Outcome, len(instructions))
	if len(instructions) == 0 {
		return outcomes
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, d.concurrency)

	for i, inst := range instructions {
		wg.Add(1)
		go func(i int, inst domain.TradeInstruction) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				outcomes[i] = Outcome{Instruction: inst, Err: ctx.Err()}
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			outcomes[i] = d.dispatchOne(ctx, inst)
		}(i, inst)
	}

	wg.Wait()
	return outcomes
}

func (d *Dispatcher) dispatchOne(ctx context.Context, inst domain.TradeInstruction) Outcome {
	outcome := Outcome{Instruction: inst}

	exists, err := d.trades.Exists(inst.ID)
	if err != nil {
		outcome.Err = fmt.Errorf("failed to check ledger for %s: %w", inst.ID, err)
		return outcome
	}
	if exists {
		outcome.Err = fmt.Errorf("instruction %s already submitted", inst.ID)
		return outcome
	}

	// The pending record goes in before the order leaves the process, so a
	// crash mid-submission leaves evidence the order may have reached the
	// backend.
	rec := &domain.TradeRecord{
		Instruction: inst,
		SubmittedAt: time.Now().UTC(),
		Status:      domain.StatusPending,
	}
	if err := d.trades.Create(rec); err != nil {
		outcome.Err = fmt.Errorf("failed to record submission of %s: %w", inst.ID, err)
		return outcome
	}
	outcome.Record = rec

	result, err := d.backend.PlaceOrder(ctx, inst)
	if err != nil {
		var rejected *domain.OrderRejectedError
		if errors.As(err, &rejected) {
			// Definitive rejection: close out the record.
			if uerr := d.trades.UpdateStatus(inst.ID, domain.StatusRejected, "", decimal.Zero, decimal.Zero); uerr != nil {
				d.log.Error().Err(uerr).Str("instruction_id", inst.ID).Msg("Failed to mark trade rejected")
			} else {
				rec.Status = domain.StatusRejected
			}
		} else {
			// Transport failure: execution is unknown, so the record stays
			// pending until reconciliation settles it. Never resubmit.
			d.log.Warn().Err(err).
				Str("instruction_id", inst.ID).
				Str("ticker", inst.Ticker).
				Msg("Order submission unconfirmed")
		}
		outcome.Err = err
		return outcome
	}

	if err := d.applyResult(rec, result); err != nil {
		outcome.Err = err
		return outcome
	}

	if !rec.Status.IsTerminal() {
		if err := d.pollUntilTerminal(ctx, rec); err != nil {
			outcome.Err = err
			return outcome
		}
	}

	d.log.Info().
		Str("instruction_id", inst.ID).
		Str("ticker", inst.Ticker).
		Str("status", string(rec.Status)).
		Str("filled", rec.FilledQuantity.String()).
		Msg("Order settled")

	return outcome
}

// pollUntilTerminal polls the backend for status updates until the record
// reaches a terminal status or attempts run out. A record still open after
// the last attempt is left for Reconcile to settle.
func (d *Dispatcher) pollUntilTerminal(ctx context.Context, rec *domain.TradeRecord) error {
	for attempt := 0; attempt < d.pollAttempts && !rec.Status.IsTerminal(); attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval):
		}

		result, err := d.backend.OrderStatus(ctx, rec.BackendOrderID)
		if err != nil {
			return fmt.Errorf("failed to poll order %s: %w", rec.BackendOrderID, err)
		}
		if err := d.applyResult(rec, result); err != nil {
			return err
		}
	}
	return nil
}

// ApplyUpdate folds an externally received order update, such as a streamed
// trade event, into the ledger record for the instruction. Updates for
// settled or unknown instructions are ignored.
func (d *Dispatcher) ApplyUpdate(instructionID string, result *domain.OrderResult) error {
	rec, err := d.trades.GetByInstructionID(instructionID)
	if err != nil {
		return fmt.Errorf("failed to load trade %s: %w", instructionID, err)
	}
	if rec == nil {
		d.log.Debug().Str("instruction_id", instructionID).Msg("Update for unknown instruction ignored")
		return nil
	}
	if rec.Status.IsTerminal() {
		d.log.Debug().Str("instruction_id", instructionID).Msg("Update for settled trade ignored")
		return nil
	}
	return d.applyResult(rec, result)
}

// Reconcile settles open ledger records against the backend. It is the poll
// fallback behind streaming updates and runs at startup and on a schedule.
// Returns the number of records that changed.
func (d *Dispatcher) Reconcile(ctx context.Context) (int, error) {
	open, err := d.trades.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to list open trades: %w", err)
	}

	updated := 0
	for _, rec := range open {
		if rec.BackendOrderID == "" {
			// Submission was never confirmed; there is no order to query.
			d.log.Debug().
				Str("instruction_id", rec.Instruction.ID).
				Msg("Skipping reconcile of unconfirmed submission")
			continue
		}

		result, err := d.backend.OrderStatus(ctx, rec.BackendOrderID)
		if err != nil {
			d.log.Warn().Err(err).
				Str("order_id", rec.BackendOrderID).
				Msg("Failed to reconcile order")
			continue
		}

		if result.Status == rec.Status && result.FilledQuantity.Equal(rec.FilledQuantity) {
			continue
		}

		if err := d.applyResult(rec, result); err != nil {
			return updated, err
		}
		updated++
	}

	return updated, nil
}

// applyResult folds a backend order result into the ledger record and applies
// any new fill to the portfolio. The ledger is updated first: it records what
// the backend reports regardless of whether the local portfolio update
// succeeds, and a fill already in the ledger is never applied twice.
func (d *Dispatcher) applyResult(rec *domain.TradeRecord, result *domain.OrderResult) error {
	delta := result.FilledQuantity.Sub(rec.FilledQuantity)
	if delta.IsNegative() {
		d.log.Warn().
			Str("instruction_id", rec.Instruction.ID).
			Str("recorded", rec.FilledQuantity.String()).
			Str("reported", result.FilledQuantity.String()).
			Msg("Backend reported fewer fills than recorded")
		delta = decimal.Zero
	}

	if result.BackendOrderID != "" {
		rec.BackendOrderID = result.BackendOrderID
	}
	rec.Status = result.Status
	rec.FilledQuantity = result.FilledQuantity
	rec.FilledPrice = result.FilledPrice

	if err := d.trades.UpdateStatus(rec.Instruction.ID, rec.Status, rec.BackendOrderID, rec.FilledQuantity, rec.FilledPrice); err != nil {
		return fmt.Errorf("failed to update trade %s: %w", rec.Instruction.ID, err)
	}

	if delta.IsPositive() {
		fill := &domain.TradeRecord{
			Instruction:    rec.Instruction,
			SubmittedAt:    rec.SubmittedAt,
			BackendOrderID: rec.BackendOrderID,
			Status:         rec.Status,
			FilledQuantity: delta,
			FilledPrice:    result.FilledPrice,
		}
		if _, err := d.store.ApplyFill(fill); err != nil {
			return fmt.Errorf("failed to apply fill for %s: %w", rec.Instruction.ID, err)
		}
	}

	return nil
}
