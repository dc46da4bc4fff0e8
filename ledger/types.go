/*
Package ledger provides the core incentive ledger: the append-only entry log,
the per-account balance aggregate kept beside it, and the store contract
that keeps both in one unit of work.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: An immutable, signed balance change for one account
  - Aggregate: The running totals for one account (balance, earned, consumed)
  - Reason: Why an entry exists (reward type, consumption, transfer leg)
  - AccountID: Opaque identifier owned by the identity service

INVARIANTS:
  1. Entries are never updated or deleted
  2. Balance == TotalEarned - TotalConsumed == sum of entry amounts
  3. Balance never goes negative
  4. |Amount| <= MaxAmount, and no aggregate total exceeds math.MaxInt64

USAGE:
  entry := ledger.Entry{
      AccountID:   "acct-42",
      Amount:      20,
      Reason:      ledger.ReasonPublishPost,
      RelatedID:   ledger.Related("post-9"),
      Description: "published a post",
  }
  stored, err := store.Append(ctx, entry)

SEE ALSO:
  - store.go: Store contract (atomic append)
  - errors.go: Error taxonomy
  - day.go: Calendar-day windows for once-per-day rewards
*/
package ledger

import (
	"fmt"
	"math"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID identifies an account. The ledger never checks it against a user
// directory; an aggregate row is the only proof of existence it knows.
type AccountID string

// EntryID is assigned by the store, strictly increasing.
type EntryID int64

// Related wraps a related-entity id as the optional pointer Entry expects.
// An empty string yields nil.
func Related(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// =============================================================================
// REASON CODES
// =============================================================================

// Reason is the enumerated cause of an entry.
type Reason string

const (
	ReasonPublishPost         Reason = "PUBLISH_POST"
	ReasonComment             Reason = "COMMENT"
	ReasonLikeReceived        Reason = "LIKE_RECEIVED"
	ReasonSignIn              Reason = "SIGN_IN"
	ReasonConsume             Reason = "CONSUME"
	ReasonTransferOut         Reason = "TRANSFER_OUT"
	ReasonTransferIn          Reason = "TRANSFER_IN"
	ReasonTransferOutReversed Reason = "TRANSFER_OUT_REVERSED"
)

var allReasons = []Reason{
	ReasonPublishPost,
	ReasonComment,
	ReasonLikeReceived,
	ReasonSignIn,
	ReasonConsume,
	ReasonTransferOut,
	ReasonTransferIn,
	ReasonTransferOutReversed,
}

// Valid reports whether r is a known reason code.
func (r Reason) Valid() bool {
	for _, known := range allReasons {
		if r == known {
			return true
		}
	}
	return false
}

// Earned reports whether r is a platform-activity credit, the only reasons
// a plain grant may carry. Transfer legs and reversals are written by the
// transfer coordinator alone.
func (r Reason) Earned() bool {
	switch r {
	case ReasonPublishPost, ReasonComment, ReasonLikeReceived, ReasonSignIn:
		return true
	}
	return false
}

// ParseReason converts a wire string into a Reason.
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !r.Valid() {
		return "", NewValidationError("reason", fmt.Sprintf("unknown reason code %q", s))
	}
	return r, nil
}

// =============================================================================
// ENTRY - Immutable ledger record
// =============================================================================

// Entry is one signed balance change. Positive amounts are credits,
// negative amounts are debits. Zero is never written.
type Entry struct {
	ID          EntryID
	AccountID   AccountID
	Amount      int64
	Reason      Reason
	Description string

	// RelatedID is the optional opaque reference (post, comment, counterparty).
	RelatedID *string

	// IdempotencyKey is unique across the ledger when non-empty.
	IdempotencyKey string

	// TransferID ties together the legs of one transfer.
	TransferID string

	CreatedAt time.Time
}

// MaxAmount bounds a single entry in either direction.
const MaxAmount int64 = 1_000_000_000_000

// ValidateAmount rejects zero and amounts beyond MaxAmount. Stores call it
// before any write.
func ValidateAmount(amount int64) error {
	if amount == 0 {
		return NewValidationError("amount", "must be non-zero")
	}
	if amount > MaxAmount || amount < -MaxAmount {
		return NewValidationError("amount", fmt.Sprintf("must not exceed %d", MaxAmount))
	}
	return nil
}

// IsCredit reports whether the entry adds to the balance.
func (e Entry) IsCredit() bool { return e.Amount > 0 }

// RelatedString returns the related id or "" when absent.
func (e Entry) RelatedString() string {
	if e.RelatedID == nil {
		return ""
	}
	return *e.RelatedID
}

// =============================================================================
// AGGREGATE - Running totals per account
// =============================================================================

// Aggregate caches the ledger sum of one account for O(1) reads.
type Aggregate struct {
	AccountID     AccountID
	Balance       int64
	TotalEarned   int64
	TotalConsumed int64
	UpdatedAt     time.Time
}

// Apply returns the aggregate after amount has been added.
// It does not enforce the non-negative rule; stores do that.
func (a Aggregate) Apply(amount int64, at time.Time) Aggregate {
	a.Balance += amount
	if amount > 0 {
		a.TotalEarned += amount
	} else {
		a.TotalConsumed += -amount
	}
	a.UpdatedAt = at
	return a
}

// CheckApply returns a ValidationError when adding amount would overflow
// the balance or the earned/consumed totals.
func (a Aggregate) CheckApply(amount int64) error {
	if amount > 0 && (a.Balance > math.MaxInt64-amount || a.TotalEarned > math.MaxInt64-amount) {
		return NewValidationError("amount", "would overflow the account balance")
	}
	if amount < 0 && a.TotalConsumed > math.MaxInt64+amount {
		return NewValidationError("amount", "would overflow the consumed total")
	}
	return nil
}

// Consistent reports whether balance equals earned minus consumed.
func (a Aggregate) Consistent() bool {
	return a.Balance == a.TotalEarned-a.TotalConsumed && a.Balance >= 0
}

// Totals summarises a set of entries the same way an aggregate does.
type Totals struct {
	Sum      int64
	Earned   int64
	Consumed int64
	Count    int
}

// SumEntries folds entries into Totals.
func SumEntries(entries []Entry) Totals {
	var t Totals
	for _, e := range entries {
		t.Sum += e.Amount
		if e.IsCredit() {
			t.Earned += e.Amount
		} else {
			t.Consumed += -e.Amount
		}
		t.Count++
	}
	return t
}

// Matches reports whether the aggregate agrees with the totals.
func (t Totals) Matches(a Aggregate) bool {
	return t.Sum == a.Balance && t.Earned == a.TotalEarned && t.Consumed == a.TotalConsumed
}
