/*
handlers.go - HTTP API handlers for the incentive ledger

PURPOSE:
  Exposes the reward engine, transfers, reports and reconciliation via a
  REST API. Handles HTTP request/response, JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                 Register account (zero balance)
    GET    /api/accounts/{id}/balance    Aggregate (zero when unknown)
    GET    /api/accounts/{id}/entries    Ledger entries in id order

  Rewards:
    GET    /api/rewards/table            Reward table
    POST   /api/rewards/grant            Unconditional credit
    POST   /api/rewards/consume          Debit
    POST   /api/rewards/daily            Once-per-day credit
    POST   /api/rewards/activity         Once-per-day credit from the table

  Transfers:
    POST   /api/transfers                Move currency between accounts

  Reports:
    GET    /api/reports/leaderboard      ?limit=10&order_by=balance
    GET    /api/reports/distribution     Balance buckets
    GET    /api/reports/statistics       Totals and average

  Reconciliation:
    GET    /api/reconciliation/drift     Drift report, read only
    POST   /api/reconciliation/run       ?fix=true repairs; sweeps intents

REQUEST FLOW:
  1. Decode JSON body
  2. Validate shape (validator tags)
  3. Call domain logic (rewards, transfer, reporting, reconcile)
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Account not found
  - 409: Idempotency key reused
  - 422: Insufficient balance
  - 500: Internal errors; transfer_compensation_failed needs an operator
  - 503: Store unavailable, or a transfer that was reversed (retry)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/pkg/logger"
	"github.com/warp/incentive-ledger/reconcile"
	"github.com/warp/incentive-ledger/reporting"
	"github.com/warp/incentive-ledger/rewards"
	"github.com/warp/incentive-ledger/transfer"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      ledger.Backend
	Rewards    *rewards.Engine
	Transfers  *transfer.Coordinator
	Reports    *reporting.Service
	Reconciler *reconcile.Reconciler

	// Sweeper is nil in atomic mode.
	Sweeper *reconcile.Sweeper
}

// NewHandler creates a handler with default services over store.
func NewHandler(store ledger.Backend) *Handler {
	return &Handler{
		Store:      store,
		Rewards:    rewards.NewEngine(store),
		Transfers:  transfer.NewCoordinator(store),
		Reports:    reporting.NewService(store),
		Reconciler: reconcile.NewReconciler(store),
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount registers an account. Existing accounts are left as they are.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	id := ledger.AccountID(req.AccountID)
	if err := h.Store.EnsureAccount(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}

	agg, err := h.Store.Aggregate(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBalanceDTO(*agg))
}

// GetBalance returns the account aggregate. Unknown accounts read as zero.
// GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	agg, err := h.Store.Aggregate(r.Context(), id)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		writeJSON(w, http.StatusOK, toBalanceDTO(ledger.Aggregate{AccountID: id}))
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*agg))
}

// GetEntries returns the account's ledger.
// GET /api/accounts/{id}/entries
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	entries, err := h.Store.Entries(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

// GetRewardTable lists the configured reward amounts.
// GET /api/rewards/table
func (h *Handler) GetRewardTable(w http.ResponseWriter, r *http.Request) {
	rules := h.Rewards.Table.Rules()
	dtos := make([]RewardRuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Grant credits an account.
// POST /api/rewards/grant
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decode(w, r, &req) {
		return
	}

	reason, err := ledger.ParseReason(req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	entry, err := h.Rewards.Grant(r.Context(), rewards.GrantRequest{
		AccountID:   ledger.AccountID(req.AccountID),
		Amount:      req.Amount,
		Reason:      reason,
		RelatedID:   req.RelatedEntityID,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// Consume debits an account.
// POST /api/rewards/consume
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if !decode(w, r, &req) {
		return
	}

	var reason ledger.Reason
	if req.Reason != "" {
		parsed, err := ledger.ParseReason(req.Reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		reason = parsed
	}

	entry, err := h.Rewards.Consume(r.Context(), rewards.ConsumeRequest{
		AccountID:   ledger.AccountID(req.AccountID),
		Amount:      req.Amount,
		Reason:      reason,
		RelatedID:   req.RelatedEntityID,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// GrantDaily credits an account at most once per day.
// POST /api/rewards/daily
func (h *Handler) GrantDaily(w http.ResponseWriter, r *http.Request) {
	var req DailyRewardRequest
	if !decode(w, r, &req) {
		return
	}

	reason, err := ledger.ParseReason(req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx := r.Context()
	id := ledger.AccountID(req.AccountID)
	already, err := h.Rewards.GrantOncePerDay(ctx, rewards.OncePerDayRequest{
		AccountID:   id,
		Reason:      reason,
		RelatedID:   req.RelatedEntityID,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.writeDaily(w, r, id, reason, req.Amount, already)
}

// RewardActivity grants the table reward for an activity, once per day.
// POST /api/rewards/activity
func (h *Handler) RewardActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if !decode(w, r, &req) {
		return
	}

	id := ledger.AccountID(req.AccountID)
	rule, already, err := h.Rewards.RewardActivity(r.Context(), id, rewards.Activity(req.Activity), req.RelatedEntityID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.writeDaily(w, r, id, rule.Reason, rule.Amount, already)
}

func (h *Handler) writeDaily(w http.ResponseWriter, r *http.Request, id ledger.AccountID, reason ledger.Reason, amount int64, already bool) {
	balance, err := h.Rewards.Balance(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := DailyRewardResponse{
		AccountID:      string(id),
		Reason:         string(reason),
		Amount:         amount,
		AlreadyGranted: already,
		Balance:        balance,
	}
	if already {
		resp.Amount = 0
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// CreateTransfer moves currency between two accounts.
// POST /api/transfers
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.Transfers.Transfer(r.Context(), transfer.Request{
		From:        ledger.AccountID(req.FromAccountID),
		To:          ledger.AccountID(req.ToAccountID),
		Amount:      req.Amount,
		Description: req.Description,
		TransferID:  req.TransferID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toTransferDTO(result))
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// Leaderboard returns the top accounts.
// GET /api/reports/leaderboard?limit=10&order_by=balance
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := reporting.DefaultLeaderboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeDomainError(w, ledger.NewValidationError("limit", "must be an integer"))
			return
		}
		limit = n
	}
	orderBy := ledger.OrderField(r.URL.Query().Get("order_by"))

	ranks, err := h.Reports.Leaderboard(r.Context(), limit, orderBy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRankDTOs(ranks))
}

// Distribution counts accounts per balance bucket.
// GET /api/reports/distribution
func (h *Handler) Distribution(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.Reports.Distribution(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBucketDTOs(buckets))
}

// Statistics returns totals across all accounts.
// GET /api/reports/statistics
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Reports.Statistics(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatisticsDTO{
		AccountCount:   stats.AccountCount,
		TotalBalance:   stats.TotalBalance,
		TotalEarned:    stats.TotalEarned,
		TotalConsumed:  stats.TotalConsumed,
		AverageBalance: stats.AverageBalance,
	})
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// GetDrift reports aggregates that disagree with the ledger.
// GET /api/reconciliation/drift
func (h *Handler) GetDrift(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Check(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationResponse{Report: report})
}

// RunReconciliation sweeps open transfer intents, then checks drift and
// repairs it when fix=true.
// POST /api/reconciliation/run?fix=true
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	fix, _ := strconv.ParseBool(r.URL.Query().Get("fix"))
	ctx := r.Context()

	var resp ReconciliationResponse
	if h.Sweeper != nil {
		sweep, err := h.Sweeper.Sweep(ctx)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp.Sweep = sweep
	}

	report, err := h.Reconciler.Run(ctx, fix)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp.Report = report
	writeJSON(w, http.StatusOK, resp)
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates the JSON body. On failure it writes the 400
// response and returns false.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_body", err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", "validation_failed", formatValidationErrors(err))
		return false
	}
	return true
}

func formatValidationErrors(err error) []string {
	var errs []string

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []string{err.Error()}
	}
	for _, e := range validationErrors {
		field := e.Field()
		switch e.Tag() {
		case "required":
			errs = append(errs, fmt.Sprintf("%s is required", field))
		case "gt":
			errs = append(errs, fmt.Sprintf("%s must be greater than %s", field, e.Param()))
		case "max":
			errs = append(errs, fmt.Sprintf("%s must have maximum length %s", field, e.Param()))
		case "oneof":
			errs = append(errs, fmt.Sprintf("%s must be one of [%s]", field, e.Param()))
		case "nefield":
			errs = append(errs, fmt.Sprintf("%s must differ from %s", field, e.Param()))
		default:
			errs = append(errs, fmt.Sprintf("%s is invalid (%s)", field, e.Tag()))
		}
	}
	return errs
}

// writeDomainError maps ledger and transfer errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation   *ledger.ValidationError
		insufficient *ledger.InsufficientBalanceError
		compensation *ledger.CompensationFailureError
	)

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error(), "validation_failed",
			map[string]string{"field": validation.Field, "message": validation.Message})
	case errors.As(err, &insufficient):
		writeError(w, http.StatusUnprocessableEntity, "Insufficient balance", "insufficient_balance",
			map[string]any{
				"account_id": insufficient.AccountID,
				"available":  insufficient.Available,
				"requested":  insufficient.Requested,
			})
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "Account not found", "account_not_found", nil)
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "Idempotency key already used", "duplicate", nil)
	case errors.As(err, &compensation):
		logger.WithError(err).WithField("transfer_id", compensation.TransferID).Error("transfer needs manual reconciliation")
		writeError(w, http.StatusInternalServerError, "Transfer compensation failed", "transfer_compensation_failed",
			map[string]any{
				"transfer_id": compensation.TransferID,
				"from":        compensation.From,
				"to":          compensation.To,
				"amount":      compensation.Amount,
			})
	case errors.Is(err, transfer.ErrReversed):
		retryAfter(w, err)
		writeError(w, http.StatusServiceUnavailable, "Transfer failed and was reversed", "transfer_reversed", err.Error())
	case errors.Is(err, ledger.ErrStoreUnavailable):
		logger.WithError(err).Warn("store unavailable")
		retryAfter(w, err)
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", "store_unavailable", nil)
	default:
		logger.WithError(err).Error("unhandled error")
		writeError(w, http.StatusInternalServerError, "Internal error", "internal", nil)
	}
}

// retryAfter tells the client a retry may succeed.
func retryAfter(w http.ResponseWriter, err error) {
	if ledger.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
