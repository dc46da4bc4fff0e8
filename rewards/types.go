/*
Package rewards grants and consumes incentive currency on top of the ledger.

PURPOSE:
  Turns platform activity into ledger entries. Every write goes through
  ledger.Store.Append, so the entry and the balance aggregate always move
  together.

REWARD TABLE:
  Activity        Reason          Default  Keyed by related entity
  sign_in         SIGN_IN         10       no (one per day)
  publish_post    PUBLISH_POST    20       yes (post id)
  comment         COMMENT         5        yes (comment id)
  like_received   LIKE_RECEIVED   2        yes (liked content id)

ONCE PER DAY:
  Activity rewards are granted at most once per
  (account, reason, related entity, calendar day). The day is computed in
  the configured reference zone. A second call is a successful no-op
  reporting alreadyGranted=true, never an error.

OPERATIONS:
  Grant:           unconditional credit, activity reasons only
  Consume:         CONSUME debit; fails with InsufficientBalanceError
  GrantOncePerDay: idempotent credit keyed by the daily key
  Reward:          GrantOncePerDay with amount/description from the table

SEE ALSO:
  - engine.go: Engine implementation
  - ledger/day.go: Day windows and the daily key
*/
package rewards

import (
	"fmt"
	"sort"

	"github.com/warp/incentive-ledger/ledger"
)

// =============================================================================
// ACTIVITIES
// =============================================================================

// Activity is the wire name of a rewarded platform action.
type Activity string

const (
	ActivitySignIn       Activity = "sign_in"
	ActivityPublishPost  Activity = "publish_post"
	ActivityComment      Activity = "comment"
	ActivityLikeReceived Activity = "like_received"
)

// =============================================================================
// REWARD TABLE
// =============================================================================

// Rule is one row of the reward table.
type Rule struct {
	Activity    Activity
	Reason      ledger.Reason
	Amount      int64
	Description string
}

// Table maps reasons to their reward rule.
type Table map[ledger.Reason]Rule

// DefaultTable returns the stock reward amounts.
func DefaultTable() Table {
	return Table{
		ledger.ReasonSignIn: {
			Activity: ActivitySignIn, Reason: ledger.ReasonSignIn,
			Amount: 10, Description: "daily sign-in",
		},
		ledger.ReasonPublishPost: {
			Activity: ActivityPublishPost, Reason: ledger.ReasonPublishPost,
			Amount: 20, Description: "published a post",
		},
		ledger.ReasonComment: {
			Activity: ActivityComment, Reason: ledger.ReasonComment,
			Amount: 5, Description: "posted a comment",
		},
		ledger.ReasonLikeReceived: {
			Activity: ActivityLikeReceived, Reason: ledger.ReasonLikeReceived,
			Amount: 2, Description: "content liked",
		},
	}
}

// WithAmounts returns a copy of t with the given amounts overridden.
// Zero or negative overrides are ignored.
func (t Table) WithAmounts(amounts map[ledger.Reason]int64) Table {
	out := make(Table, len(t))
	for reason, rule := range t {
		if amount, ok := amounts[reason]; ok && amount > 0 {
			rule.Amount = amount
		}
		out[reason] = rule
	}
	return out
}

// Lookup returns the rule for reason.
func (t Table) Lookup(reason ledger.Reason) (Rule, error) {
	rule, ok := t[reason]
	if !ok {
		return Rule{}, ledger.NewValidationError("reason", fmt.Sprintf("%s is not a rewarded activity", reason))
	}
	return rule, nil
}

// ForActivity resolves an activity name to its rule.
func (t Table) ForActivity(activity Activity) (Rule, error) {
	for _, rule := range t {
		if rule.Activity == activity {
			return rule, nil
		}
	}
	return Rule{}, ledger.NewValidationError("activity", fmt.Sprintf("unknown activity %q", activity))
}

// Rules lists the table sorted by reason, for display.
func (t Table) Rules() []Rule {
	out := make([]Rule, 0, len(t))
	for _, rule := range t {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reason < out[j].Reason })
	return out
}

// =============================================================================
// REQUESTS
// =============================================================================

// GrantRequest credits Amount to AccountID.
type GrantRequest struct {
	AccountID   ledger.AccountID
	Amount      int64
	Reason      ledger.Reason
	RelatedID   *string
	Description string
}

// ConsumeRequest debits Amount from AccountID. Reason defaults to CONSUME
// and may not be anything else.
type ConsumeRequest struct {
	AccountID   ledger.AccountID
	Amount      int64
	Reason      ledger.Reason
	RelatedID   *string
	Description string
}

// OncePerDayRequest is a GrantRequest deduplicated per calendar day.
type OncePerDayRequest struct {
	AccountID   ledger.AccountID
	Reason      ledger.Reason
	RelatedID   *string
	Amount      int64
	Description string
}

// validateCredit checks a grant. Only activity reasons may be granted;
// transfer legs and reversals belong to the transfer coordinator.
func validateCredit(accountID ledger.AccountID, amount int64, reason ledger.Reason) error {
	if err := validateAmount(accountID, amount); err != nil {
		return err
	}
	if !reason.Earned() {
		return ledger.NewValidationError("reason", fmt.Sprintf("%q cannot be granted", reason))
	}
	return nil
}

func validateDebit(accountID ledger.AccountID, amount int64, reason ledger.Reason) error {
	if err := validateAmount(accountID, amount); err != nil {
		return err
	}
	if reason != ledger.ReasonConsume {
		return ledger.NewValidationError("reason", fmt.Sprintf("%q cannot be consumed, use %s", reason, ledger.ReasonConsume))
	}
	return nil
}

func validateAmount(accountID ledger.AccountID, amount int64) error {
	if accountID == "" {
		return ledger.NewValidationError("account_id", "is required")
	}
	if amount <= 0 {
		return ledger.NewValidationError("amount", "must be positive")
	}
	if amount > ledger.MaxAmount {
		return ledger.NewValidationError("amount", fmt.Sprintf("must not exceed %d", ledger.MaxAmount))
	}
	return nil
}

// normalizeRelated maps a pointer to "" to nil so that the store lookup and
// the daily key agree on "no related entity".
func normalizeRelated(id *string) *string {
	if id == nil || *id == "" {
		return nil
	}
	v := *id
	return &v
}
