package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/ledger/ledgertest"
)

func TestMemory_Backend(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, now func() time.Time) ledger.Backend {
		return NewMemoryWithClock(now)
	})
}

func TestMemory_ForceAggregateDrifts(t *testing.T) {
	// GIVEN: a ledger of 100 for alice
	m := NewMemory()
	ctx := context.Background()
	_, err := m.Append(ctx, ledger.Entry{AccountID: "alice", Amount: 100, Reason: ledger.ReasonPublishPost})
	require.NoError(t, err)

	// WHEN: the aggregate is overwritten
	m.ForceAggregate(ledger.Aggregate{AccountID: "alice", Balance: 70, TotalEarned: 70})

	// THEN: the ledger still sums to 100
	totals, err := m.LedgerTotals(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), totals.Sum)
	b, _ := m.Balance(ctx, "alice")
	assert.Equal(t, int64(70), b)
	assert.False(t, totals.Matches(ledger.Aggregate{AccountID: "alice", Balance: 70, TotalEarned: 70}))
}

func TestMemory_EntriesAreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.Append(ctx, ledger.Entry{AccountID: "alice", Amount: 5, Reason: ledger.ReasonComment, RelatedID: ledger.Related("c-1")})
	require.NoError(t, err)

	entries, _ := m.Entries(ctx, "alice")
	entries[0].Amount = 999

	again, _ := m.Entries(ctx, "alice")
	assert.Equal(t, int64(5), again[0].Amount)
}
