/*
store.go - Persistence contract for entries and aggregates

PURPOSE:
  Defines the interface between the reward/transfer logic and the database.
  A store owns two collections: the append-only entry log and the keyed
  aggregate table. Append is the only way either one changes.

ATOMICITY CONTRACT:
  Append writes one entry and updates its aggregate as a single unit:
  either both land or neither does. A debit only applies when
  balance + amount >= 0; otherwise InsufficientBalanceError and no write.
  A duplicate idempotency key fails the whole unit with
  ErrDuplicateIdempotencyKey.

SERIALIZATION:
  Concurrent appends on one account must observe each other (no lost
  updates). SQLite gets this from a single writer connection, PostgreSQL
  from the row lock taken by the conditional UPDATE, memory from a mutex.

CAPABILITIES:
  Store:          core append/read contract
  TxStore:        multi-row atomic unit (used by transfers)
  ReportStore:    read-only aggregate queries for reporting
  ReconcileStore: ledger re-summation and the aggregate repair path
  IntentStore:    durable transfer intents for the saga path
  Backend:        everything above, what the concrete stores provide

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: Embedded SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Core append-only contract
// =============================================================================

// EntryQuery selects entries for the once-per-day existence check.
// The window is half-open: [From, To).
type EntryQuery struct {
	AccountID AccountID
	Reason    Reason
	RelatedID *string
	From      time.Time
	To        time.Time
}

// Store persists entries and aggregates.
// IMPORTANT: entries are append-only. There is no Update and no Delete.
type Store interface {
	// EnsureAccount creates a zero aggregate if none exists.
	EnsureAccount(ctx context.Context, accountID AccountID) error

	// Append writes the entry and updates the aggregate atomically.
	// The returned entry carries the assigned ID and CreatedAt.
	Append(ctx context.Context, entry Entry) (Entry, error)

	// Balance returns the current balance, 0 if the account is unknown.
	Balance(ctx context.Context, accountID AccountID) (int64, error)

	// Aggregate returns the aggregate or ErrAccountNotFound.
	Aggregate(ctx context.Context, accountID AccountID) (*Aggregate, error)

	// Entries returns the account's entries in ID order.
	Entries(ctx context.Context, accountID AccountID) ([]Entry, error)

	// HasEntry reports whether an entry matching q exists.
	HasEntry(ctx context.Context, q EntryQuery) (bool, error)

	// TransferEntries returns every leg written for a transfer.
	TransferEntries(ctx context.Context, transferID string) ([]Entry, error)
}

// TxStore adds a multi-row unit of work.
type TxStore interface {
	Store

	// WithTx runs fn in one transaction. Aggregates named in lockIDs are
	// created when missing and locked in ascending id order before fn runs.
	// If fn returns an error nothing fn wrote is kept.
	WithTx(ctx context.Context, lockIDs []AccountID, fn func(Store) error) error
}

// =============================================================================
// REPORTING
// =============================================================================

// OrderField is a sortable aggregate column.
type OrderField string

const (
	OrderByBalance       OrderField = "balance"
	OrderByTotalEarned   OrderField = "total_earned"
	OrderByTotalConsumed OrderField = "total_consumed"
)

// Valid reports whether f names a sortable column.
func (f OrderField) Valid() bool {
	switch f {
	case OrderByBalance, OrderByTotalEarned, OrderByTotalConsumed:
		return true
	}
	return false
}

// Value picks the column out of an aggregate.
func (f OrderField) Value(a Aggregate) int64 {
	switch f {
	case OrderByTotalEarned:
		return a.TotalEarned
	case OrderByTotalConsumed:
		return a.TotalConsumed
	default:
		return a.Balance
	}
}

// BalanceRange is an inclusive balance range. Max nil means unbounded.
type BalanceRange struct {
	Min int64
	Max *int64
}

// Contains reports whether balance falls in the range.
func (r BalanceRange) Contains(balance int64) bool {
	if balance < r.Min {
		return false
	}
	return r.Max == nil || balance <= *r.Max
}

// Summary holds totals across every aggregate.
type Summary struct {
	AccountCount  int64
	TotalBalance  int64
	TotalEarned   int64
	TotalConsumed int64
}

// ReportStore answers read-only aggregate queries.
type ReportStore interface {
	// TopAggregates orders by field descending, ties by account id ascending.
	TopAggregates(ctx context.Context, limit int, field OrderField) ([]Aggregate, error)

	// CountInRanges returns one count per range, in the same order.
	CountInRanges(ctx context.Context, ranges []BalanceRange) ([]int64, error)

	// Summary sums every aggregate.
	Summary(ctx context.Context) (Summary, error)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconcileStore re-derives balances from the ledger.
type ReconcileStore interface {
	// AccountIDs lists every account that has an aggregate or an entry.
	AccountIDs(ctx context.Context) ([]AccountID, error)

	// LedgerTotals sums the account's entries.
	LedgerTotals(ctx context.Context, accountID AccountID) (Totals, error)

	// CompareAggregate reads the ledger totals and the aggregate of one
	// account in a single snapshot, so a concurrent Append can never make
	// the two disagree.
	CompareAggregate(ctx context.Context, accountID AccountID) (Comparison, error)

	// RebuildAggregate overwrites the aggregate with the ledger sum.
	// This is the only write path besides Append, used to repair drift.
	RebuildAggregate(ctx context.Context, accountID AccountID) (Aggregate, error)
}

// Comparison is one account's ledger totals next to its aggregate.
// Aggregate is nil when no aggregate row exists.
type Comparison struct {
	Totals    Totals
	Aggregate *Aggregate
}

// Drifted reports whether the aggregate disagrees with the ledger. A missing
// aggregate only counts when the account has entries.
func (c Comparison) Drifted() bool {
	if c.Aggregate == nil {
		return c.Totals.Count > 0
	}
	return !c.Totals.Matches(*c.Aggregate)
}

// =============================================================================
// TRANSFER INTENTS - Durable saga state
// =============================================================================

// IntentStatus is the state of a saga transfer.
type IntentStatus string

const (
	IntentPending     IntentStatus = "pending"     // recorded, debit not confirmed
	IntentDebited     IntentStatus = "debited"     // source debited, credit not confirmed
	IntentCompleted   IntentStatus = "completed"   // both legs written
	IntentAborted     IntentStatus = "aborted"     // debit never applied
	IntentCompensated IntentStatus = "compensated" // debit reversed
	IntentStuck       IntentStatus = "stuck"       // debit applied, reversal failed
)

// Terminal reports whether the sweeper can ignore the intent.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentCompleted, IntentAborted, IntentCompensated:
		return true
	}
	return false
}

// TransferIntent is written before the debit of a saga transfer so a crash
// between the legs can be found and resolved later.
type TransferIntent struct {
	ID          string
	From        AccountID
	To          AccountID
	Amount      int64
	Description string
	Status      IntentStatus
	Note        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IntentStore persists transfer intents.
type IntentStore interface {
	SaveIntent(ctx context.Context, intent TransferIntent) error
	UpdateIntentStatus(ctx context.Context, id string, status IntentStatus, note string) error
	Intent(ctx context.Context, id string) (*TransferIntent, error)

	// OpenIntents returns non-terminal intents last touched before olderThan.
	OpenIntents(ctx context.Context, olderThan time.Time) ([]TransferIntent, error)
}

// =============================================================================
// BACKEND - What a concrete store provides
// =============================================================================

// Backend is the full capability set of the shipped stores.
type Backend interface {
	TxStore
	ReportStore
	ReconcileStore
	IntentStore
	Close() error
}
