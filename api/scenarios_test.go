/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario leaves the expected balances behind and that
	loading twice on the same day does not double the daily rewards.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/reconcile"
)

func loadScenario(t *testing.T, router http.Handler, id string) ScenarioResultDTO {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[ScenarioResultDTO](t, rec)
}

func TestScenario_Community(t *testing.T) {
	_, mem, router := setupTestRouter(t, Options{EnableScenarios: true})

	result := loadScenario(t, router, "community")
	assert.Equal(t, "community", result.ScenarioID)
	assert.Len(t, result.Steps, 10)

	// alice: sign-in 10 + two posts 40 + like 2
	assert.Equal(t, int64(52), balanceVia(t, router, "community-alice").Balance)
	// bob: sign-in 10 + comment 5 + like 2
	assert.Equal(t, int64(17), balanceVia(t, router, "community-bob").Balance)
	// carol: sign-in 10 + comment 5
	assert.Equal(t, int64(15), balanceVia(t, router, "community-carol").Balance)

	// Loading again the same day grants nothing new.
	loadScenario(t, router, "community")
	assert.Equal(t, int64(52), balanceVia(t, router, "community-alice").Balance)

	report, err := reconcile.NewReconciler(mem).Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestScenario_Marketplace(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{EnableScenarios: true})

	result := loadScenario(t, router, "marketplace")
	require.Len(t, result.Steps, 4)
	assert.Contains(t, result.Steps[3], "rejected")

	b := balanceVia(t, router, "marketplace-buyer")
	assert.Equal(t, int64(10), b.Balance)
	assert.Equal(t, int64(110), b.TotalConsumed)
}

func TestScenario_Tipping(t *testing.T) {
	_, mem, router := setupTestRouter(t, Options{EnableScenarios: true})

	loadScenario(t, router, "tipping")

	assert.Equal(t, int64(10), balanceVia(t, router, "tipping-reader").Balance)
	assert.Equal(t, int64(50), balanceVia(t, router, "tipping-author").Balance)

	entries, err := mem.Entries(context.Background(), "tipping-author")
	require.NoError(t, err)
	var tips int
	for _, e := range entries {
		if e.Reason == ledger.ReasonTransferIn {
			tips++
		}
	}
	assert.Equal(t, 2, tips, "the overdraft tip must not be written")
}

func TestScenario_UnknownAndDisabled(t *testing.T) {
	_, _, router := setupTestRouter(t, Options{EnableScenarios: true})
	rec := do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), 3)

	_, _, prod := setupTestRouter(t, Options{})
	assert.Equal(t, http.StatusNotFound, do(t, prod, http.MethodGet, "/api/scenarios", nil).Code)
}
