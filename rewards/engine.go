package rewards

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/incentive-ledger/events"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/metrics"
	"github.com/warp/incentive-ledger/pkg/logger"
)

// ClaimCache remembers daily keys that are already granted. It is consulted
// before the store and may forget keys at any time.
type ClaimCache interface {
	Claimed(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string, until time.Time) error
}

// Engine applies reward rules to a ledger store.
type Engine struct {
	Store    ledger.Store
	Calendar ledger.Calendar
	Table    Table

	// Claims is optional. Nil means every call checks the store.
	Claims ClaimCache

	// Events receives one event per committed entry.
	Events events.Publisher
}

// NewEngine returns an engine with the default table and a UTC calendar.
func NewEngine(store ledger.Store) *Engine {
	return &Engine{
		Store:    store,
		Calendar: ledger.UTCCalendar(),
		Table:    DefaultTable(),
		Events:   events.Noop{},
	}
}

// =============================================================================
// GRANT / CONSUME
// =============================================================================

// Grant credits the account unconditionally.
func (e *Engine) Grant(ctx context.Context, req GrantRequest) (ledger.Entry, error) {
	if err := validateCredit(req.AccountID, req.Amount, req.Reason); err != nil {
		return ledger.Entry{}, err
	}

	if err := e.Store.EnsureAccount(ctx, req.AccountID); err != nil {
		return ledger.Entry{}, err
	}

	return e.append(ctx, ledger.Entry{
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Reason:      req.Reason,
		Description: req.Description,
		RelatedID:   normalizeRelated(req.RelatedID),
	})
}

// Consume debits the account. An InsufficientBalanceError from the store is
// returned unchanged and nothing is written.
func (e *Engine) Consume(ctx context.Context, req ConsumeRequest) (ledger.Entry, error) {
	if req.Reason == "" {
		req.Reason = ledger.ReasonConsume
	}
	if err := validateDebit(req.AccountID, req.Amount, req.Reason); err != nil {
		return ledger.Entry{}, err
	}

	entry, err := e.append(ctx, ledger.Entry{
		AccountID:   req.AccountID,
		Amount:      -req.Amount,
		Reason:      req.Reason,
		Description: req.Description,
		RelatedID:   normalizeRelated(req.RelatedID),
	})
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		metrics.InsufficientBalance.Inc()
	}
	return entry, err
}

// =============================================================================
// ONCE PER DAY
// =============================================================================

// GrantOncePerDay credits the account unless the same
// (account, reason, related entity) was already rewarded today.
// alreadyGranted is true when nothing was written.
//
// The existence check is a fast path only. The write carries the daily
// idempotency key, so two concurrent calls that both pass the check still
// produce one entry: the loser gets ErrDuplicateIdempotencyKey from the
// store, which is reported as alreadyGranted.
func (e *Engine) GrantOncePerDay(ctx context.Context, req OncePerDayRequest) (alreadyGranted bool, err error) {
	if err := validateCredit(req.AccountID, req.Amount, req.Reason); err != nil {
		return false, err
	}

	related := normalizeRelated(req.RelatedID)
	day := e.Calendar.Today()
	key := ledger.DailyKey(req.AccountID, req.Reason, related, day)

	log := logger.WithFields(logrus.Fields{
		"account_id": req.AccountID,
		"reason":     req.Reason,
		"key":        key,
	})

	if e.claimed(ctx, key, log) {
		e.countDaily(req.Reason, true)
		return true, nil
	}

	found, err := e.Store.HasEntry(ctx, ledger.EntryQuery{
		AccountID: req.AccountID,
		Reason:    req.Reason,
		RelatedID: related,
		From:      day.Start,
		To:        day.End,
	})
	if err != nil {
		return false, err
	}
	if found {
		e.remember(ctx, key, day.End, log)
		e.countDaily(req.Reason, true)
		return true, nil
	}

	if err := e.Store.EnsureAccount(ctx, req.AccountID); err != nil {
		return false, err
	}

	_, err = e.append(ctx, ledger.Entry{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		Description:    req.Description,
		RelatedID:      related,
		IdempotencyKey: key,
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		log.Debug("daily reward lost the race, already granted")
		e.remember(ctx, key, day.End, log)
		e.countDaily(req.Reason, true)
		return true, nil
	case err != nil:
		return false, err
	}

	e.remember(ctx, key, day.End, log)
	e.countDaily(req.Reason, false)
	return false, nil
}

// Reward grants the table amount for reason once per day.
func (e *Engine) Reward(ctx context.Context, accountID ledger.AccountID, reason ledger.Reason, relatedID *string) (alreadyGranted bool, err error) {
	rule, err := e.Table.Lookup(reason)
	if err != nil {
		return false, err
	}
	return e.GrantOncePerDay(ctx, OncePerDayRequest{
		AccountID:   accountID,
		Reason:      rule.Reason,
		RelatedID:   relatedID,
		Amount:      rule.Amount,
		Description: rule.Description,
	})
}

// RewardActivity resolves an activity name and calls Reward.
func (e *Engine) RewardActivity(ctx context.Context, accountID ledger.AccountID, activity Activity, relatedID *string) (Rule, bool, error) {
	rule, err := e.Table.ForActivity(activity)
	if err != nil {
		return Rule{}, false, err
	}
	already, err := e.Reward(ctx, accountID, rule.Reason, relatedID)
	return rule, already, err
}

// Balance returns the account balance, 0 for unknown accounts.
func (e *Engine) Balance(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	if accountID == "" {
		return 0, ledger.NewValidationError("account_id", "is required")
	}
	return e.Store.Balance(ctx, accountID)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (e *Engine) append(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	stored, err := e.Store.Append(ctx, entry)
	if err != nil {
		return ledger.Entry{}, err
	}

	metrics.EntriesAppended.WithLabelValues(string(stored.Reason)).Inc()
	metrics.AmountMoved.WithLabelValues(string(stored.Reason)).Add(float64(abs(stored.Amount)))

	if e.Events != nil {
		if err := e.Events.Publish(ctx, events.EntryAppended(stored)); err != nil {
			logger.WithError(err).WithField("entry_id", stored.ID).Warn("publish entry event failed")
		}
	}
	return stored, nil
}

func (e *Engine) claimed(ctx context.Context, key string, log *logrus.Entry) bool {
	if e.Claims == nil {
		return false
	}
	ok, err := e.Claims.Claimed(ctx, key)
	if err != nil {
		metrics.ClaimCacheErrors.Inc()
		log.WithError(err).Warn("claim cache lookup failed, checking store")
		return false
	}
	return ok
}

func (e *Engine) remember(ctx context.Context, key string, until time.Time, log *logrus.Entry) {
	if e.Claims == nil {
		return
	}
	if err := e.Claims.Remember(ctx, key, until); err != nil {
		metrics.ClaimCacheErrors.Inc()
		log.WithError(err).Warn("claim cache write failed")
	}
}

func (e *Engine) countDaily(reason ledger.Reason, already bool) {
	outcome := "granted"
	if already {
		outcome = "already_granted"
	}
	metrics.RewardsGranted.WithLabelValues(string(reason), outcome).Inc()
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
