package reporting_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/ledger/store"
	"github.com/warp/incentive-ledger/reporting"
	"github.com/warp/incentive-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func backends(t *testing.T) map[string]ledger.Backend {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return map[string]ledger.Backend{
		"memory": store.NewMemory(),
		"sqlite": s,
	}
}

func credit(t *testing.T, s ledger.Store, account ledger.AccountID, amount int64) {
	t.Helper()
	_, err := s.Append(context.Background(), ledger.Entry{AccountID: account, Amount: amount, Reason: ledger.ReasonPublishPost})
	require.NoError(t, err)
}

func debit(t *testing.T, s ledger.Store, account ledger.AccountID, amount int64) {
	t.Helper()
	_, err := s.Append(context.Background(), ledger.Entry{AccountID: account, Amount: -amount, Reason: ledger.ReasonConsume})
	require.NoError(t, err)
}

func accountIDs(ranks []reporting.Rank) []ledger.AccountID {
	ids := make([]ledger.AccountID, len(ranks))
	for i, r := range ranks {
		ids[i] = r.AccountID
	}
	return ids
}

// =============================================================================
// LEADERBOARD
// =============================================================================

func TestLeaderboard_OrderAndTies(t *testing.T) {
	// GIVEN: balances A=50, B=80, C=50
	// WHEN: leaderboard(3, balance)
	// THEN: [B, A, C] (ties by account id ascending)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			credit(t, s, "C", 50)
			credit(t, s, "B", 80)
			credit(t, s, "A", 50)

			ranks, err := reporting.NewService(s).Leaderboard(context.Background(), 3, ledger.OrderByBalance)
			require.NoError(t, err)
			assert.Equal(t, []ledger.AccountID{"B", "A", "C"}, accountIDs(ranks))
			assert.Equal(t, 1, ranks[0].Position)
			assert.Equal(t, 3, ranks[2].Position)
		})
	}
}

func TestLeaderboard_ByTotalConsumed_AndLimit(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			credit(t, s, "A", 100)
			credit(t, s, "B", 100)
			credit(t, s, "C", 100)
			debit(t, s, "A", 10)
			debit(t, s, "B", 70)
			debit(t, s, "C", 30)

			ranks, err := reporting.NewService(s).Leaderboard(context.Background(), 2, ledger.OrderByTotalConsumed)
			require.NoError(t, err)
			assert.Equal(t, []ledger.AccountID{"B", "C"}, accountIDs(ranks))
			assert.Equal(t, int64(70), ranks[0].TotalConsumed)
			assert.Equal(t, int64(30), ranks[0].Balance)
		})
	}
}

func TestLeaderboard_Validation(t *testing.T) {
	svc := reporting.NewService(store.NewMemory())
	ctx := context.Background()

	for _, limit := range []int{0, -1, reporting.MaxLeaderboardLimit + 1} {
		_, err := svc.Leaderboard(ctx, limit, ledger.OrderByBalance)
		assert.ErrorIs(t, err, ledger.ErrValidation, "limit %d", limit)
	}

	_, err := svc.Leaderboard(ctx, 10, "created_at")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	ranks, err := svc.Leaderboard(ctx, 10, "")
	require.NoError(t, err)
	assert.Empty(t, ranks)
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

func TestDistribution_AllBucketsPresent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.EnsureAccount(ctx, "zero"))
			credit(t, s, "one", 1)
			credit(t, s, "hundred", 100)
			credit(t, s, "big", 5000)
			credit(t, s, "huge", 5001)

			buckets, err := reporting.NewService(s).Distribution(ctx)
			require.NoError(t, err)
			require.Len(t, buckets, 6)

			got := map[string]int64{}
			for _, b := range buckets {
				got[b.Label] = b.Count
			}
			assert.Equal(t, map[string]int64{
				"0":         1,
				"1-100":     2,
				"101-500":   0,
				"501-1000":  0,
				"1001-5000": 1,
				"5000+":     1,
			}, got)
		})
	}
}

// =============================================================================
// STATISTICS
// =============================================================================

func TestStatistics_AverageRounded(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			credit(t, s, "A", 50)
			credit(t, s, "B", 30)
			credit(t, s, "C", 40)
			debit(t, s, "C", 20)

			stats, err := reporting.NewService(s).Statistics(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(3), stats.AccountCount)
			assert.Equal(t, int64(100), stats.TotalBalance)
			assert.Equal(t, int64(120), stats.TotalEarned)
			assert.Equal(t, int64(20), stats.TotalConsumed)
			assert.Equal(t, "33.33", stats.AverageBalance.StringFixed(2))
		})
	}
}

func TestStatistics_NoAccounts(t *testing.T) {
	stats, err := reporting.NewService(store.NewMemory()).Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.AccountCount)
	assert.True(t, stats.AverageBalance.IsZero())
}
