/*
Package transfer moves currency between two accounts.

PURPOSE:
  A transfer is two ledger entries that sum to zero:
    TRANSFER_OUT  -amount on the source (related entity = destination)
    TRANSFER_IN   +amount on the destination (related entity = source)
  Both carry the same TransferID and a per-leg idempotency key
  (transfer:<id>:<REASON>), so no leg can ever be applied twice.

MODES:
  atomic (default): both legs in one store transaction. The two balance
    rows are locked in ascending account order, so opposite transfers
    cannot deadlock. A failure in either leg rolls back both.

  saga: used when configured or when the store has no transactions.
    1. Save intent (pending)
    2. Debit source     -> failure: intent aborted, nothing written
    3. Intent debited
    4. Credit target    -> success: intent completed
    5. Credit failed    -> reverse the debit with TRANSFER_OUT_REVERSED
                           success: intent compensated, credit error returned
                           failure: intent stuck, CompensationFailureError
  Intents left open by a crash are finished by Resolve (see reconcile).

REPLAYS:
  A caller may supply TransferID. Re-sending a transfer that already
  completed returns the original legs with Replayed=true.
*/
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/incentive-ledger/events"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/metrics"
	"github.com/warp/incentive-ledger/pkg/logger"
)

// Mode selects the transfer protocol.
type Mode string

const (
	ModeAtomic Mode = "atomic"
	ModeSaga   Mode = "saga"
)

// ParseMode accepts "atomic", "saga" or "" (atomic).
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAtomic:
		return ModeAtomic, nil
	case ModeSaga:
		return ModeSaga, nil
	}
	return "", fmt.Errorf("unknown transfer mode %q", s)
}

const rollbackDescription = "transfer rollback"

// ErrReversed is returned when the credit failed and the debit was
// reversed. The balances are as if the transfer never happened.
var ErrReversed = errors.New("transfer reversed")

// Request describes one transfer.
type Request struct {
	From        ledger.AccountID
	To          ledger.AccountID
	Amount      int64
	Description string

	// TransferID is optional; a new UUID is used when empty.
	TransferID string
}

// Result is the outcome of a successful transfer.
type Result struct {
	TransferID string
	Mode       Mode
	Debit      ledger.Entry
	Credit     ledger.Entry
	Replayed   bool
}

// Coordinator executes transfers against a store.
type Coordinator struct {
	Store ledger.Store
	Mode  Mode

	// Intents records saga progress. Nil disables durable intents.
	Intents ledger.IntentStore

	Events events.Publisher

	NewID func() string
}

// NewCoordinator returns an atomic-mode coordinator. If the store also
// persists intents they are used in saga mode.
func NewCoordinator(store ledger.Store) *Coordinator {
	c := &Coordinator{
		Store:  store,
		Mode:   ModeAtomic,
		Events: events.Noop{},
		NewID:  uuid.NewString,
	}
	if is, ok := store.(ledger.IntentStore); ok {
		c.Intents = is
	}
	return c
}

// Transfer moves req.Amount from req.From to req.To.
func (c *Coordinator) Transfer(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.TransferID == "" {
		req.TransferID = c.NewID()
	}

	mode := c.Mode
	txStore, canTx := c.Store.(ledger.TxStore)
	if mode == ModeAtomic && !canTx {
		mode = ModeSaga
	}

	var (
		result *Result
		err    error
	)
	if mode == ModeAtomic {
		result, err = c.atomic(ctx, txStore, req)
	} else {
		result, err = c.saga(ctx, req)
	}

	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return c.replay(ctx, req, mode)
	}
	if err != nil {
		metrics.Transfers.WithLabelValues(string(mode), outcomeOf(err)).Inc()
		return nil, err
	}

	metrics.Transfers.WithLabelValues(string(mode), "completed").Inc()
	c.publish(ctx, events.Event{
		Subject:    events.SubjectTransferCompleted,
		AccountID:  string(req.From),
		ToAccount:  string(req.To),
		Amount:     req.Amount,
		TransferID: req.TransferID,
		OccurredAt: result.Credit.CreatedAt,
	})
	for _, e := range []ledger.Entry{result.Debit, result.Credit} {
		c.publish(ctx, events.EntryAppended(e))
	}
	return result, nil
}

func validate(req Request) error {
	switch {
	case req.From == "":
		return ledger.NewValidationError("from_account_id", "is required")
	case req.To == "":
		return ledger.NewValidationError("to_account_id", "is required")
	case req.From == req.To:
		return ledger.NewValidationError("to_account_id", "must differ from the source account")
	case req.Amount <= 0:
		return ledger.NewValidationError("amount", "must be positive")
	case req.Amount > ledger.MaxAmount:
		return ledger.NewValidationError("amount", fmt.Sprintf("must not exceed %d", ledger.MaxAmount))
	}
	return nil
}

// =============================================================================
// ATOMIC
// =============================================================================

func (c *Coordinator) atomic(ctx context.Context, store ledger.TxStore, req Request) (*Result, error) {
	result := &Result{TransferID: req.TransferID, Mode: ModeAtomic}

	err := store.WithTx(ctx, []ledger.AccountID{req.From, req.To}, func(tx ledger.Store) error {
		debit, err := tx.Append(ctx, debitLeg(req))
		if err != nil {
			return err
		}
		credit, err := tx.Append(ctx, creditLeg(req))
		if err != nil {
			return err
		}
		result.Debit, result.Credit = debit, credit
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// SAGA
// =============================================================================

func (c *Coordinator) saga(ctx context.Context, req Request) (*Result, error) {
	log := logger.WithFields(logrus.Fields{
		"transfer_id": req.TransferID,
		"from":        req.From,
		"to":          req.To,
		"amount":      req.Amount,
	})

	if c.Intents != nil {
		if _, err := c.Intents.Intent(ctx, req.TransferID); err == nil {
			return nil, ledger.ErrDuplicateIdempotencyKey
		} else if !errors.Is(err, ledger.ErrIntentNotFound) {
			return nil, err
		}

		err := c.Intents.SaveIntent(ctx, ledger.TransferIntent{
			ID:          req.TransferID,
			From:        req.From,
			To:          req.To,
			Amount:      req.Amount,
			Description: req.Description,
			Status:      ledger.IntentPending,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := c.Store.EnsureAccount(ctx, req.To); err != nil {
		c.setStatus(ctx, req.TransferID, ledger.IntentAborted, err.Error(), log)
		return nil, err
	}

	debit, err := c.Store.Append(ctx, debitLeg(req))
	if err != nil {
		if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			c.setStatus(ctx, req.TransferID, ledger.IntentAborted, err.Error(), log)
		}
		return nil, err
	}
	c.setStatus(ctx, req.TransferID, ledger.IntentDebited, "", log)

	credit, creditErr := c.Store.Append(ctx, creditLeg(req))
	if creditErr == nil {
		c.setStatus(ctx, req.TransferID, ledger.IntentCompleted, "", log)
		return &Result{TransferID: req.TransferID, Mode: ModeSaga, Debit: debit, Credit: credit}, nil
	}

	log.WithError(creditErr).Warn("transfer credit failed, reversing debit")
	status, err := c.compensate(ctx, req.TransferID, req.From, req.To, req.Amount, creditErr, log)
	if status == ledger.IntentCompensated {
		return nil, fmt.Errorf("transfer %s: %w: %w", req.TransferID, ErrReversed, creditErr)
	}
	return nil, err
}

// compensate re-credits the source. It returns the intent's final status
// and, when the reversal failed, a CompensationFailureError.
func (c *Coordinator) compensate(ctx context.Context, transferID string, from, to ledger.AccountID, amount int64, cause error, log *logrus.Entry) (ledger.IntentStatus, error) {
	reversal, err := c.Store.Append(ctx, ledger.Entry{
		AccountID:      from,
		Amount:         amount,
		Reason:         ledger.ReasonTransferOutReversed,
		Description:    rollbackDescription,
		RelatedID:      ledger.Related(string(to)),
		IdempotencyKey: ledger.TransferKey(transferID, ledger.ReasonTransferOutReversed),
		TransferID:     transferID,
	})
	if err == nil || errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		c.setStatus(ctx, transferID, ledger.IntentCompensated, errString(cause), log)
		if err == nil {
			c.publish(ctx, events.EntryAppended(reversal))
		}
		c.publish(ctx, events.Event{
			Subject:    events.SubjectTransferCompensated,
			AccountID:  string(from),
			ToAccount:  string(to),
			Amount:     amount,
			TransferID: transferID,
			Detail:     errString(cause),
			OccurredAt: reversal.CreatedAt,
		})
		return ledger.IntentCompensated, nil
	}

	failure := &ledger.CompensationFailureError{
		TransferID: transferID,
		From:       from,
		To:         to,
		Amount:     amount,
		CreditErr:  cause,
		ReverseErr: err,
	}
	log.WithError(failure).Error("transfer compensation failed, manual reconciliation required")
	c.setStatus(ctx, transferID, ledger.IntentStuck, failure.Error(), log)
	metrics.CompensationFailures.Inc()
	c.publish(ctx, events.Event{
		Subject:    events.SubjectCompensationFailed,
		AccountID:  string(from),
		ToAccount:  string(to),
		Amount:     amount,
		TransferID: transferID,
		Detail:     failure.Error(),
	})
	return ledger.IntentStuck, failure
}

// =============================================================================
// RESOLVE - finish intents left open by a crash
// =============================================================================

// Resolve inspects the legs written for an open intent and drives it to a
// terminal state:
//   - both legs present        -> completed
//   - reversal present         -> compensated
//   - no debit                 -> aborted
//   - debit without credit     -> reverse it (compensated, or stuck)
func (c *Coordinator) Resolve(ctx context.Context, intent ledger.TransferIntent) (ledger.IntentStatus, error) {
	log := logger.WithFields(logrus.Fields{
		"transfer_id": intent.ID,
		"status":      intent.Status,
	})

	legs, err := c.Store.TransferEntries(ctx, intent.ID)
	if err != nil {
		return intent.Status, err
	}

	var debited, credited, reversed bool
	for _, e := range legs {
		switch e.Reason {
		case ledger.ReasonTransferOut:
			debited = true
		case ledger.ReasonTransferIn:
			credited = true
		case ledger.ReasonTransferOutReversed:
			reversed = true
		}
	}

	switch {
	case debited && credited:
		c.setStatus(ctx, intent.ID, ledger.IntentCompleted, "resolved by sweep", log)
		return ledger.IntentCompleted, nil
	case reversed:
		c.setStatus(ctx, intent.ID, ledger.IntentCompensated, "resolved by sweep", log)
		return ledger.IntentCompensated, nil
	case !debited:
		c.setStatus(ctx, intent.ID, ledger.IntentAborted, "resolved by sweep: no debit", log)
		return ledger.IntentAborted, nil
	}

	cause := errors.New("credit never confirmed")
	return c.compensate(ctx, intent.ID, intent.From, intent.To, intent.Amount, cause, log)
}

// =============================================================================
// HELPERS
// =============================================================================

// replay answers a retried transfer whose legs already exist.
func (c *Coordinator) replay(ctx context.Context, req Request, mode Mode) (*Result, error) {
	legs, err := c.Store.TransferEntries(ctx, req.TransferID)
	if err != nil {
		return nil, err
	}

	result := &Result{TransferID: req.TransferID, Mode: mode, Replayed: true}
	var haveDebit, haveCredit bool
	for _, e := range legs {
		switch e.Reason {
		case ledger.ReasonTransferOut:
			result.Debit, haveDebit = e, true
		case ledger.ReasonTransferIn:
			result.Credit, haveCredit = e, true
		}
	}
	if !haveDebit || !haveCredit {
		return nil, fmt.Errorf("transfer %s already in progress: %w", req.TransferID, ledger.ErrDuplicateIdempotencyKey)
	}
	if result.Debit.AccountID != req.From || result.Credit.AccountID != req.To || result.Credit.Amount != req.Amount {
		return nil, ledger.NewValidationError("transfer_id", "already used for a different transfer")
	}

	metrics.Transfers.WithLabelValues(string(mode), "replayed").Inc()
	return result, nil
}

func debitLeg(req Request) ledger.Entry {
	return ledger.Entry{
		AccountID:      req.From,
		Amount:         -req.Amount,
		Reason:         ledger.ReasonTransferOut,
		Description:    req.Description,
		RelatedID:      ledger.Related(string(req.To)),
		IdempotencyKey: ledger.TransferKey(req.TransferID, ledger.ReasonTransferOut),
		TransferID:     req.TransferID,
	}
}

func creditLeg(req Request) ledger.Entry {
	return ledger.Entry{
		AccountID:      req.To,
		Amount:         req.Amount,
		Reason:         ledger.ReasonTransferIn,
		Description:    req.Description,
		RelatedID:      ledger.Related(string(req.From)),
		IdempotencyKey: ledger.TransferKey(req.TransferID, ledger.ReasonTransferIn),
		TransferID:     req.TransferID,
	}
}

func (c *Coordinator) setStatus(ctx context.Context, id string, status ledger.IntentStatus, note string, log *logrus.Entry) {
	if c.Intents == nil {
		return
	}
	if err := c.Intents.UpdateIntentStatus(ctx, id, status, note); err != nil {
		// The sweep re-derives the status from the legs, so a lost update
		// only delays resolution.
		log.WithError(err).WithField("next_status", status).Warn("update transfer intent failed")
	}
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) {
	if c.Events == nil {
		return
	}
	if err := c.Events.Publish(ctx, ev); err != nil {
		logger.WithError(err).WithField("subject", ev.Subject).Warn("publish event failed")
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return "invalid"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrCompensationFailed):
		return "stuck"
	case errors.Is(err, ErrReversed):
		return "compensated"
	}
	return "failed"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
