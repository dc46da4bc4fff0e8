/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Reward endpoints (grant, consume, daily, activity)
- Transfers, replay and the compensation failure response
- Reports and reconciliation
- Error mapping and request validation
- Rate limiting and /metrics
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/ledger/store"
	"github.com/warp/incentive-ledger/rewards"
	"github.com/warp/incentive-ledger/transfer"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func setupTestRouter(t *testing.T, opts Options) (*Handler, *store.Memory, *chi.Mux) {
	t.Helper()
	mem := store.NewMemory()
	h := NewHandler(mem)
	router, err := NewRouter(h, opts)
	require.NoError(t, err)
	return h, mem, router
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func grantVia(t *testing.T, router http.Handler, account string, amount int64) {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/rewards/grant", GrantRequest{
		AccountID: account, Amount: amount, Reason: "PUBLISH_POST",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func balanceVia(t *testing.T, router http.Handler, account string) BalanceDTO {
	t.Helper()
	rec := do(t, router, http.MethodGet, "/api/accounts/"+account+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decodeBody[BalanceDTO](t, rec)
}

// =============================================================================
// REWARDS
// =============================================================================

func TestGrant_CreatesEntry(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{})

	rec := do(t, router, http.MethodPost, "/api/rewards/grant", GrantRequest{
		AccountID:       "alice",
		Amount:          20,
		Reason:          "PUBLISH_POST",
		RelatedEntityID: ledger.Related("post-1"),
		Description:     "published a post",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	entry := decodeBody[EntryDTO](t, rec)
	assert.Equal(t, "alice", entry.AccountID)
	assert.Equal(t, int64(20), entry.Amount)
	assert.Equal(t, "PUBLISH_POST", entry.Reason)
	require.NotNil(t, entry.RelatedEntityID)
	assert.Equal(t, "post-1", *entry.RelatedEntityID)
	assert.NotEmpty(t, entry.CreatedAt)

	b := balanceVia(t, router, "alice")
	assert.Equal(t, int64(20), b.Balance)
	assert.Equal(t, int64(20), b.TotalEarned)
}

func TestGrant_Validation(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{})

	cases := map[string]struct {
		body any
		code string
	}{
		"missing account": {GrantRequest{Amount: 5, Reason: "COMMENT"}, "validation_failed"},
		"zero amount":     {GrantRequest{AccountID: "a", Reason: "COMMENT"}, "validation_failed"},
		"unknown reason":  {GrantRequest{AccountID: "a", Amount: 5, Reason: "BRIBE"}, "validation_failed"},
		"transfer reason": {GrantRequest{AccountID: "a", Amount: 5, Reason: "TRANSFER_IN"}, "validation_failed"},
		"consume reason":  {GrantRequest{AccountID: "a", Amount: 5, Reason: "CONSUME"}, "validation_failed"},
		"above max":       {GrantRequest{AccountID: "a", Amount: ledger.MaxAmount + 1, Reason: "COMMENT"}, "validation_failed"},
		"malformed json":  {"not an object", "invalid_body"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/rewards/grant", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestConsume_InsufficientBalance(t *testing.T) {
	_, mem, router := setupTestRouter(t, Options{})
	grantVia(t, router, "alice", 30)

	// WHEN consuming more than the balance
	rec := do(t, router, http.MethodPost, "/api/rewards/consume", ConsumeRequest{AccountID: "alice", Amount: 31})

	// THEN 422 and nothing is written
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_balance", resp.Code)
	details := resp.Details.(map[string]any)
	assert.EqualValues(t, 30, details["available"])
	assert.EqualValues(t, 31, details["requested"])

	entries, err := mem.Entries(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(30), balanceVia(t, router, "alice").Balance)
}

func TestConsume_DefaultsReason(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{})
	grantVia(t, router, "alice", 30)

	rec := do(t, router, http.MethodPost, "/api/rewards/consume", ConsumeRequest{AccountID: "alice", Amount: 10})
	require.Equal(t, http.StatusCreated, rec.Code)

	entry := decodeBody[EntryDTO](t, rec)
	assert.Equal(t, int64(-10), entry.Amount)
	assert.Equal(t, "CONSUME", entry.Reason)
}

func TestConsume_RejectsOtherReasons(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{})
	grantVia(t, router, "alice", 30)

	for _, reason := range []string{"PUBLISH_POST", "TRANSFER_OUT", "BOGUS"} {
		rec := do(t, router, http.MethodPost, "/api/rewards/consume", ConsumeRequest{AccountID: "alice", Amount: 10, Reason: reason})
		assert.Equal(t, http.StatusBadRequest, rec.Code, reason)
	}
	rec := do(t, router, http.MethodPost, "/api/rewards/consume", ConsumeRequest{AccountID: "alice", Amount: ledger.MaxAmount + 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, int64(30), balanceVia(t, router, "alice").Balance)
}

func TestDaily_SecondCallIsAlreadyGranted(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{})
	body := DailyRewardRequest{AccountID: "alice", Amount: 10, Reason: "SIGN_IN"}

	first := do(t, router, http.MethodPost, "/api/rewards/daily", body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.False(t, decodeBody[DailyRewardResponse](t, first).AlreadyGranted)

	second := do(t, router, http.MethodPost, "/api/rewards/daily", body)
	require.Equal(t, http.StatusOK, second.Code)
	resp := decodeBody[DailyRewardResponse](t, second)
	assert.True(t, resp.AlreadyGranted)
	assert.Equal(t, int64(0), resp.Amount)
	assert.Equal(t, int64(10), resp.Balance)
}

func TestActivity_UsesRewardTable(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{})

	rec := do(t, router, http.MethodPost, "/api/rewards/activity", ActivityRequest{
		AccountID: "alice", Activity: "publish_post", RelatedEntityID: ledger.Related("post-9"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeBody[DailyRewardResponse](t, rec)
	assert.Equal(t, "PUBLISH_POST", resp.Reason)
	assert.Equal(t, int64(20), resp.Amount)
	assert.Equal(t, int64(20), resp.Balance)

	rec = do(t, router, http.MethodPost, "/api/rewards/activity", ActivityRequest{AccountID: "alice", Activity: "dance"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRewardTable_Listed(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{})

	rec := do(t, router, http.MethodGet, "/api/rewards/table", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rules := decodeBody[[]RewardRuleDTO](t, rec)
	amounts := map[string]int64{}
	for _, r := range rules {
		amounts[r.Activity] = r.Amount
	}
	assert.Equal(t, map[string]int64{"sign_in": 10, "publish_post": 20, "comment": 5, "like_received": 2}, amounts)
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestTransfer_MovesBalance(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{})
	grantVia(t, router, "alice", 50)

	body := TransferRequest{FromAccountID: "alice", ToAccountID: "bob", Amount: 20, TransferID: "tip-1"}
	rec := do(t, router, http.MethodPost, "/api/transfers", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	dto := decodeBody[TransferDTO](t, rec)
	assert.Equal(t, "tip-1", dto.TransferID)
	assert.Equal(t, int64(-20), dto.Debit.Amount)
	assert.Equal(t, int64(20), dto.Credit.Amount)
	assert.Equal(t, int64(30), balanceVia(t, router, "alice").Balance)
	assert.Equal(t, int64(20), balanceVia(t, router, "bob").Balance)

	// A retry with the same id is answered from the ledger.
	rec = do(t, router, http.MethodPost, "/api/transfers", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[TransferDTO](t, rec).Replayed)
	assert.Equal(t, int64(30), balanceVia(t, router, "alice").Balance)
}

func TestTransfer_Rejections(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{})
	grantVia(t, router, "alice", 10)

	rec := do(t, router, http.MethodPost, "/api/transfers", TransferRequest{FromAccountID: "alice", ToAccountID: "bob", Amount: 11})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/transfers", TransferRequest{FromAccountID: "alice", ToAccountID: "alice", Amount: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/transfers", TransferRequest{FromAccountID: "alice", ToAccountID: "bob", Amount: ledger.MaxAmount + 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, int64(10), balanceVia(t, router, "alice").Balance)
}

type failingAppends struct {
	ledger.Store
	fail map[ledger.Reason]error
}

func (f *failingAppends) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if err := f.fail[e.Reason]; err != nil {
		return ledger.Entry{}, err
	}
	return f.Store.Append(ctx, e)
}

func TestTransfer_CompensationFailureResponse(t *testing.T) {
	h, mem, router := setupTestRouter(t, Options{})
	grantVia(t, router, "alice", 50)

	down := ledger.Unavailable("append", errors.New("disk full"))
	c := transfer.NewCoordinator(&failingAppends{Store: mem, fail: map[ledger.Reason]error{
		ledger.ReasonTransferIn:          down,
		ledger.ReasonTransferOutReversed: down,
	}})
	c.Intents = mem
	c.Mode = transfer.ModeSaga
	h.Transfers = c

	rec := do(t, router, http.MethodPost, "/api/transfers", TransferRequest{FromAccountID: "alice", ToAccountID: "bob", Amount: 20})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "transfer_compensation_failed", resp.Code)
}

func TestTransfer_ReversedIsRetryable(t *testing.T) {
	h, mem, router := setupTestRouter(t, Options{})
	grantVia(t, router, "alice", 50)

	c := transfer.NewCoordinator(&failingAppends{Store: mem, fail: map[ledger.Reason]error{
		ledger.ReasonTransferIn: ledger.Unavailable("append", errors.New("timeout")),
	}})
	c.Mode = transfer.ModeSaga
	h.Transfers = c

	rec := do(t, router, http.MethodPost, "/api/transfers", TransferRequest{FromAccountID: "alice", ToAccountID: "bob", Amount: 20})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "transfer_reversed", decodeBody[ErrorResponse](t, rec).Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(50), balanceVia(t, router, "alice").Balance)
}

func TestTransfer_ReversedOnValidation_IsClientError(t *testing.T) {
	h, mem, router := setupTestRouter(t, Options{})
	grantVia(t, router, "alice", 50)

	c := transfer.NewCoordinator(&failingAppends{Store: mem, fail: map[ledger.Reason]error{
		ledger.ReasonTransferIn: ledger.NewValidationError("amount", "would overflow the account balance"),
	}})
	c.Mode = transfer.ModeSaga
	h.Transfers = c

	rec := do(t, router, http.MethodPost, "/api/transfers", TransferRequest{FromAccountID: "alice", ToAccountID: "bob", Amount: 20})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(50), balanceVia(t, router, "alice").Balance)
}

func TestGrant_StoreUnavailable_RetryHint(t *testing.T) {
	h, mem, router := setupTestRouter(t, Options{})
	h.Rewards = rewards.NewEngine(&failingAppends{Store: mem, fail: map[ledger.Reason]error{
		ledger.ReasonPublishPost: ledger.Unavailable("append", errors.New("connection refused")),
	}})

	rec := do(t, router, http.MethodPost, "/api/rewards/grant", GrantRequest{AccountID: "alice", Amount: 5, Reason: "PUBLISH_POST"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store_unavailable", decodeBody[ErrorResponse](t, rec).Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

// =============================================================================
// REPORTS
// =============================================================================

func TestReports(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{})
	grantVia(t, router, "a", 100)
	grantVia(t, router, "b", 300)
	grantVia(t, router, "c", 100)

	t.Run("leaderboard", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/reports/leaderboard?limit=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		ranks := decodeBody[[]RankDTO](t, rec)
		require.Len(t, ranks, 2)
		assert.Equal(t, "b", ranks[0].AccountID)
		assert.Equal(t, "a", ranks[1].AccountID, "ties break by account id")
	})

	t.Run("leaderboard bad params", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/reports/leaderboard?limit=x", nil).Code)
		assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/reports/leaderboard?limit=0", nil).Code)
		assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/reports/leaderboard?order_by=name", nil).Code)
	})

	t.Run("distribution", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/reports/distribution", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		buckets := decodeBody[[]BucketDTO](t, rec)
		require.Len(t, buckets, 6)
		assert.Equal(t, int64(2), buckets[1].Count)
		assert.Equal(t, int64(1), buckets[2].Count)
		assert.Nil(t, buckets[5].Max)
	})

	t.Run("statistics", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/reports/statistics", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var raw map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
		assert.EqualValues(t, 3, raw["account_count"])
		assert.EqualValues(t, 500, raw["total_balance"])
		assert.Equal(t, "166.67", raw["average_balance"])
	})
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconciliation_DriftAndFix(t *testing.T) {
	_, mem, router := setupTestRouter(t, Options{})
	grantVia(t, router, "alice", 40)
	mem.ForceAggregate(ledger.Aggregate{AccountID: "alice", Balance: 90, TotalEarned: 90})

	rec := do(t, router, http.MethodGet, "/api/reconciliation/drift", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[ReconciliationResponse](t, rec)
	require.Len(t, resp.Report.Drift, 1)
	assert.Equal(t, int64(90), balanceVia(t, router, "alice").Balance, "drift check must not repair")

	rec = do(t, router, http.MethodPost, "/api/reconciliation/run?fix=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[ReconciliationResponse](t, rec)
	assert.Equal(t, 1, resp.Report.Repaired)
	assert.Equal(t, int64(40), balanceVia(t, router, "alice").Balance)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRateLimit(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{RateLimit: "2-M"})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/api/reports/statistics", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(t, router, http.MethodGet, "/api/reports/statistics", nil).Code)

	// health and metrics are outside /api
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/healthz", nil).Code)
}

func TestRouter_InvalidRateLimit(t *testing.T) {
	_, err := NewRouter(NewHandler(store.NewMemory()), Options{RateLimit: "lots"})
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{})
	grantVia(t, router, "alice", 5)

	rec := do(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_entries_appended_total")
}
