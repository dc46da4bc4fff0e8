/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required, positive amounts). Domain rules (reason codes, balances) are
  enforced by the rewards and transfer packages and surface as
  ledger.ValidationError.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/reconcile"
	"github.com/warp/incentive-ledger/reporting"
	"github.com/warp/incentive-ledger/rewards"
	"github.com/warp/incentive-ledger/transfer"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateAccountRequest registers an account with a zero balance.
type CreateAccountRequest struct {
	AccountID string `json:"account_id" validate:"required,max=128"`
}

// GrantRequest credits an account unconditionally. Amounts are bounded by
// ledger.MaxAmount and reasons by ledger.Reason.Earned.
type GrantRequest struct {
	AccountID       string  `json:"account_id" validate:"required,max=128"`
	Amount          int64   `json:"amount" validate:"gt=0,lte=1000000000000"`
	Reason          string  `json:"reason" validate:"required,oneof=PUBLISH_POST COMMENT LIKE_RECEIVED SIGN_IN"`
	RelatedEntityID *string `json:"related_entity_id,omitempty"`
	Description     string  `json:"description" validate:"max=500"`
}

// ConsumeRequest debits an account. Reason may be omitted; if given it
// must be CONSUME.
type ConsumeRequest struct {
	AccountID       string  `json:"account_id" validate:"required,max=128"`
	Amount          int64   `json:"amount" validate:"gt=0,lte=1000000000000"`
	Reason          string  `json:"reason,omitempty" validate:"omitempty,eq=CONSUME"`
	RelatedEntityID *string `json:"related_entity_id,omitempty"`
	Description     string  `json:"description" validate:"max=500"`
}

// DailyRewardRequest credits at most once per account, reason, related
// entity and day.
type DailyRewardRequest struct {
	AccountID       string  `json:"account_id" validate:"required,max=128"`
	Amount          int64   `json:"amount" validate:"gt=0,lte=1000000000000"`
	Reason          string  `json:"reason" validate:"required,oneof=PUBLISH_POST COMMENT LIKE_RECEIVED SIGN_IN"`
	RelatedEntityID *string `json:"related_entity_id,omitempty"`
	Description     string  `json:"description" validate:"max=500"`
}

// ActivityRequest rewards a platform activity using the reward table.
type ActivityRequest struct {
	AccountID       string  `json:"account_id" validate:"required,max=128"`
	Activity        string  `json:"activity" validate:"required,oneof=sign_in publish_post comment like_received"`
	RelatedEntityID *string `json:"related_entity_id,omitempty"`
}

// TransferRequest moves currency between two accounts. TransferID is
// optional; supplying one makes retries safe.
type TransferRequest struct {
	FromAccountID string `json:"from_account_id" validate:"required,max=128"`
	ToAccountID   string `json:"to_account_id" validate:"required,max=128,nefield=FromAccountID"`
	Amount        int64  `json:"amount" validate:"gt=0,lte=1000000000000"`
	Description   string `json:"description" validate:"max=500"`
	TransferID    string `json:"transfer_id,omitempty" validate:"max=128"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID              int64   `json:"id"`
	AccountID       string  `json:"account_id"`
	Amount          int64   `json:"amount"`
	Reason          string  `json:"reason"`
	Description     string  `json:"description,omitempty"`
	RelatedEntityID *string `json:"related_entity_id"`
	TransferID      string  `json:"transfer_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// BalanceDTO represents an account aggregate.
type BalanceDTO struct {
	AccountID     string `json:"account_id"`
	Balance       int64  `json:"balance"`
	TotalEarned   int64  `json:"total_earned"`
	TotalConsumed int64  `json:"total_consumed"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// DailyRewardResponse reports whether a once-per-day credit was written.
type DailyRewardResponse struct {
	AccountID      string `json:"account_id"`
	Reason         string `json:"reason"`
	Amount         int64  `json:"amount"`
	AlreadyGranted bool   `json:"already_granted"`
	Balance        int64  `json:"balance"`
}

// RewardRuleDTO is one row of the reward table.
type RewardRuleDTO struct {
	Activity    string `json:"activity"`
	Reason      string `json:"reason"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// TransferDTO represents a completed transfer.
type TransferDTO struct {
	TransferID string   `json:"transfer_id"`
	Mode       string   `json:"mode"`
	Replayed   bool     `json:"replayed"`
	Debit      EntryDTO `json:"debit"`
	Credit     EntryDTO `json:"credit"`
}

// RankDTO is one leaderboard row.
type RankDTO struct {
	Position      int    `json:"position"`
	AccountID     string `json:"account_id"`
	Balance       int64  `json:"balance"`
	TotalEarned   int64  `json:"total_earned"`
	TotalConsumed int64  `json:"total_consumed"`
}

// BucketDTO is one balance distribution row. Max is null for the open
// top bucket.
type BucketDTO struct {
	Label string `json:"label"`
	Min   int64  `json:"min"`
	Max   *int64 `json:"max"`
	Count int64  `json:"count"`
}

// StatisticsDTO summarises every account.
type StatisticsDTO struct {
	AccountCount   int64           `json:"account_count"`
	TotalBalance   int64           `json:"total_balance"`
	TotalEarned    int64           `json:"total_earned"`
	TotalConsumed  int64           `json:"total_consumed"`
	AverageBalance decimal.Decimal `json:"average_balance"`
}

// ReconciliationResponse wraps a drift report and, after a run, the
// transfer intent sweep.
type ReconciliationResponse struct {
	Report *reconcile.Report      `json:"report"`
	Sweep  *reconcile.SweepReport `json:"sweep,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioResultDTO lists what a scenario load did.
type ScenarioResultDTO struct {
	ScenarioID string   `json:"scenario_id"`
	Steps      []string `json:"steps"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:              int64(e.ID),
		AccountID:       string(e.AccountID),
		Amount:          e.Amount,
		Reason:          string(e.Reason),
		Description:     e.Description,
		RelatedEntityID: e.RelatedID,
		TransferID:      e.TransferID,
		CreatedAt:       formatTime(e.CreatedAt),
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toBalanceDTO(a ledger.Aggregate) BalanceDTO {
	return BalanceDTO{
		AccountID:     string(a.AccountID),
		Balance:       a.Balance,
		TotalEarned:   a.TotalEarned,
		TotalConsumed: a.TotalConsumed,
		UpdatedAt:     formatTime(a.UpdatedAt),
	}
}

func toRuleDTO(r rewards.Rule) RewardRuleDTO {
	return RewardRuleDTO{
		Activity:    string(r.Activity),
		Reason:      string(r.Reason),
		Amount:      r.Amount,
		Description: r.Description,
	}
}

func toTransferDTO(r *transfer.Result) TransferDTO {
	return TransferDTO{
		TransferID: r.TransferID,
		Mode:       string(r.Mode),
		Replayed:   r.Replayed,
		Debit:      toEntryDTO(r.Debit),
		Credit:     toEntryDTO(r.Credit),
	}
}

func toRankDTOs(ranks []reporting.Rank) []RankDTO {
	dtos := make([]RankDTO, len(ranks))
	for i, r := range ranks {
		dtos[i] = RankDTO{
			Position:      r.Position,
			AccountID:     string(r.AccountID),
			Balance:       r.Balance,
			TotalEarned:   r.TotalEarned,
			TotalConsumed: r.TotalConsumed,
		}
	}
	return dtos
}

func toBucketDTOs(buckets []reporting.Bucket) []BucketDTO {
	dtos := make([]BucketDTO, len(buckets))
	for i, b := range buckets {
		dtos[i] = BucketDTO{Label: b.Label, Min: b.Range.Min, Max: b.Range.Max, Count: b.Count}
	}
	return dtos
}
