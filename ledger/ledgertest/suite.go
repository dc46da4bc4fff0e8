// Package ledgertest is the behaviour suite every ledger.Backend must pass.
// Store packages call Run from their own tests with a factory for a fresh,
// empty backend.
package ledgertest

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-ledger/ledger"
)

// Clock is a settable time source for stores under test.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock starts at t.
func NewClock(t time.Time) *Clock { return &Clock{t: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Factory returns an empty backend whose timestamps come from now.
type Factory func(t *testing.T, now func() time.Time) ledger.Backend

// AggregateForcer overwrites an aggregate row without writing an entry.
// Backends that offer it also run the overflow checks.
type AggregateForcer interface {
	ForceAggregate(agg ledger.Aggregate)
}

var start = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// Run executes the suite against backends built by newStore.
func Run(t *testing.T, newStore Factory) {
	fresh := func(t *testing.T) (ledger.Backend, *Clock) {
		clock := NewClock(start)
		return newStore(t, clock.Now), clock
	}

	t.Run("AppendUpdatesAggregate", func(t *testing.T) { s, _ := fresh(t); testAppendUpdatesAggregate(t, s) })
	t.Run("DebitRejectedLeavesStateUnchanged", func(t *testing.T) { s, _ := fresh(t); testDebitRejected(t, s) })
	t.Run("ZeroAmountRejected", func(t *testing.T) { s, _ := fresh(t); testZeroAmount(t, s) })
	t.Run("AmountBounds", func(t *testing.T) { s, _ := fresh(t); testAmountBounds(t, s) })
	t.Run("OverflowRejected", func(t *testing.T) { s, _ := fresh(t); testOverflow(t, s) })
	t.Run("DuplicateIdempotencyKey", func(t *testing.T) { s, _ := fresh(t); testDuplicateKey(t, s) })
	t.Run("UnknownAccount", func(t *testing.T) { s, _ := fresh(t); testUnknownAccount(t, s) })
	t.Run("HasEntryWindowAndRelated", func(t *testing.T) { s, c := fresh(t); testHasEntry(t, s, c) })
	t.Run("WithTxRollsBack", func(t *testing.T) { s, _ := fresh(t); testWithTxRollback(t, s) })
	t.Run("ConcurrentDebitsNeverOverdraw", func(t *testing.T) { s, _ := fresh(t); testConcurrentDebits(t, s) })
	t.Run("Reports", func(t *testing.T) { s, _ := fresh(t); testReports(t, s) })
	t.Run("RebuildAggregate", func(t *testing.T) { s, _ := fresh(t); testRebuild(t, s) })
	t.Run("CompareAggregate", func(t *testing.T) { s, _ := fresh(t); testCompare(t, s) })
	t.Run("Intents", func(t *testing.T) { s, c := fresh(t); testIntents(t, s, c) })
}

func credit(t *testing.T, s ledger.Store, account ledger.AccountID, amount int64) ledger.Entry {
	t.Helper()
	e, err := s.Append(context.Background(), ledger.Entry{AccountID: account, Amount: amount, Reason: ledger.ReasonPublishPost})
	require.NoError(t, err)
	return e
}

// =============================================================================
// APPEND
// =============================================================================

func testAppendUpdatesAggregate(t *testing.T, s ledger.Backend) {
	ctx := context.Background()

	first := credit(t, s, "alice", 30)
	second, err := s.Append(ctx, ledger.Entry{
		AccountID:   "alice",
		Amount:      -12,
		Reason:      ledger.ReasonConsume,
		Description: "badge",
		RelatedID:   ledger.Related("item-1"),
	})
	require.NoError(t, err)

	assert.Greater(t, int64(second.ID), int64(first.ID))
	assert.True(t, second.CreatedAt.Equal(start), "created_at comes from the store clock")

	agg, err := s.Aggregate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(18), agg.Balance)
	assert.Equal(t, int64(30), agg.TotalEarned)
	assert.Equal(t, int64(12), agg.TotalConsumed)
	assert.True(t, agg.Consistent())

	entries, err := s.Entries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "item-1", entries[1].RelatedString())
	assert.Nil(t, entries[0].RelatedID)
	assert.Equal(t, "badge", entries[1].Description)
}

func testDebitRejected(t *testing.T, s ledger.Backend) {
	ctx := context.Background()
	credit(t, s, "alice", 10)

	_, err := s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: -11, Reason: ledger.ReasonConsume})

	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(10), ib.Available)
	assert.Equal(t, int64(11), ib.Requested)

	entries, _ := s.Entries(ctx, "alice")
	assert.Len(t, entries, 1)
	b, _ := s.Balance(ctx, "alice")
	assert.Equal(t, int64(10), b)

	// Exactly the balance is allowed.
	_, err = s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: -10, Reason: ledger.ReasonConsume})
	require.NoError(t, err)
	b, _ = s.Balance(ctx, "alice")
	assert.Equal(t, int64(0), b)
}

func testZeroAmount(t *testing.T, s ledger.Backend) {
	_, err := s.Append(context.Background(), ledger.Entry{AccountID: "alice", Amount: 0, Reason: ledger.ReasonComment})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func testAmountBounds(t *testing.T, s ledger.Backend) {
	ctx := context.Background()

	_, err := s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: ledger.MaxAmount + 1, Reason: ledger.ReasonPublishPost})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: math.MaxInt64, Reason: ledger.ReasonPublishPost})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: math.MinInt64, Reason: ledger.ReasonConsume})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: ledger.MaxAmount, Reason: ledger.ReasonPublishPost})
	require.NoError(t, err)
	_, err = s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: -ledger.MaxAmount, Reason: ledger.ReasonConsume})
	require.NoError(t, err)

	entries, _ := s.Entries(ctx, "alice")
	assert.Len(t, entries, 2)
	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.TotalBalance)
	assert.Equal(t, ledger.MaxAmount, sum.TotalEarned)
}

func testOverflow(t *testing.T, s ledger.Backend) {
	forcer, ok := s.(AggregateForcer)
	if !ok {
		t.Skip("backend cannot force an aggregate")
	}
	ctx := context.Background()
	credit(t, s, "alice", 10)
	credit(t, s, "bob", 10)

	// A balance one credit away from the int64 limit.
	forcer.ForceAggregate(ledger.Aggregate{AccountID: "alice", Balance: math.MaxInt64 - 5, TotalEarned: math.MaxInt64 - 5})
	_, err := s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: 10, Reason: ledger.ReasonPublishPost})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.NotErrorIs(t, err, ledger.ErrInsufficientBalance)

	agg, err := s.Aggregate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-5), agg.Balance, "a rejected credit leaves the aggregate readable and unchanged")

	// A consumed total one debit away from the limit.
	forcer.ForceAggregate(ledger.Aggregate{AccountID: "bob", Balance: 100, TotalEarned: 100, TotalConsumed: math.MaxInt64 - 5})
	_, err = s.Append(ctx, ledger.Entry{AccountID: "bob", Amount: -10, Reason: ledger.ReasonConsume})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	entries, _ := s.Entries(ctx, "bob")
	assert.Len(t, entries, 1)
}

func testDuplicateKey(t *testing.T, s ledger.Backend) {
	ctx := context.Background()
	e := ledger.Entry{AccountID: "alice", Amount: 10, Reason: ledger.ReasonSignIn, IdempotencyKey: "daily:5.alice:SIGN_IN:-:2025-03-10"}

	_, err := s.Append(ctx, e)
	require.NoError(t, err)
	_, err = s.Append(ctx, e)
	require.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	b, _ := s.Balance(ctx, "alice")
	assert.Equal(t, int64(10), b, "the rejected duplicate must not touch the aggregate")
	entries, _ := s.Entries(ctx, "alice")
	assert.Len(t, entries, 1)
}

func testUnknownAccount(t *testing.T, s ledger.Backend) {
	ctx := context.Background()

	b, err := s.Balance(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b)

	_, err = s.Aggregate(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = s.Append(ctx, ledger.Entry{AccountID: "ghost", Amount: -1, Reason: ledger.ReasonConsume})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	require.NoError(t, s.EnsureAccount(ctx, "ghost"))
	require.NoError(t, s.EnsureAccount(ctx, "ghost"))
	agg, err := s.Aggregate(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.Balance)
}

func testHasEntry(t *testing.T, s ledger.Backend, clock *Clock) {
	ctx := context.Background()
	day := ledger.NewCalendar(time.UTC, clock.Now).Today()

	_, err := s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: 5, Reason: ledger.ReasonComment, RelatedID: ledger.Related("c-1")})
	require.NoError(t, err)
	_, err = s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: 10, Reason: ledger.ReasonSignIn})
	require.NoError(t, err)

	has := func(reason ledger.Reason, related *string, w ledger.DayWindow) bool {
		t.Helper()
		ok, err := s.HasEntry(ctx, ledger.EntryQuery{AccountID: "alice", Reason: reason, RelatedID: related, From: w.Start, To: w.End})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, has(ledger.ReasonComment, ledger.Related("c-1"), day))
	assert.False(t, has(ledger.ReasonComment, ledger.Related("c-2"), day))
	assert.False(t, has(ledger.ReasonComment, nil, day), "null related must not match a value")
	assert.True(t, has(ledger.ReasonSignIn, nil, day))
	assert.False(t, has(ledger.ReasonSignIn, ledger.Related("x"), day), "a value must not match null")

	next := ledger.NewCalendar(time.UTC, func() time.Time { return start.Add(24 * time.Hour) }).Today()
	assert.False(t, has(ledger.ReasonSignIn, nil, next))
}

// =============================================================================
// TRANSACTIONS AND CONCURRENCY
// =============================================================================

func testWithTxRollback(t *testing.T, s ledger.Backend) {
	ctx := context.Background()
	credit(t, s, "alice", 50)
	boom := errors.New("boom")

	err := s.WithTx(ctx, []ledger.AccountID{"bob", "alice"}, func(tx ledger.Store) error {
		if _, err := tx.Append(ctx, ledger.Entry{AccountID: "alice", Amount: -20, Reason: ledger.ReasonTransferOut, TransferID: "t-1"}); err != nil {
			return err
		}
		if _, err := tx.Append(ctx, ledger.Entry{AccountID: "bob", Amount: 20, Reason: ledger.ReasonTransferIn, TransferID: "t-1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, _ := s.Balance(ctx, "alice")
	assert.Equal(t, int64(50), b)
	b, _ = s.Balance(ctx, "bob")
	assert.Equal(t, int64(0), b)
	legs, err := s.TransferEntries(ctx, "t-1")
	require.NoError(t, err)
	assert.Empty(t, legs)

	// A committed unit keeps both legs.
	err = s.WithTx(ctx, []ledger.AccountID{"alice", "bob"}, func(tx ledger.Store) error {
		if _, err := tx.Append(ctx, ledger.Entry{AccountID: "alice", Amount: -20, Reason: ledger.ReasonTransferOut, TransferID: "t-2"}); err != nil {
			return err
		}
		_, err := tx.Append(ctx, ledger.Entry{AccountID: "bob", Amount: 20, Reason: ledger.ReasonTransferIn, TransferID: "t-2"})
		return err
	})
	require.NoError(t, err)

	legs, err = s.TransferEntries(ctx, "t-2")
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, int64(0), legs[0].Amount+legs[1].Amount)
}

func testConcurrentDebits(t *testing.T, s ledger.Backend) {
	ctx := context.Background()
	credit(t, s, "alice", 100)

	var (
		wg sync.WaitGroup
		ok atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Go(func() {
			_, err := s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: -10, Reason: ledger.ReasonConsume})
			if err == nil {
				ok.Add(1)
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		})
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok.Load())
	b, _ := s.Balance(ctx, "alice")
	assert.Equal(t, int64(0), b)
}

// =============================================================================
// REPORTS AND RECONCILIATION
// =============================================================================

func testReports(t *testing.T, s ledger.Backend) {
	ctx := context.Background()
	credit(t, s, "b", 300)
	credit(t, s, "a", 100)
	credit(t, s, "c", 100)
	require.NoError(t, s.EnsureAccount(ctx, "z"))
	_, err := s.Append(ctx, ledger.Entry{AccountID: "c", Amount: -40, Reason: ledger.ReasonConsume})
	require.NoError(t, err)

	top, err := s.TopAggregates(ctx, 3, ledger.OrderByBalance)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, []ledger.AccountID{"b", "a", "c"}, []ledger.AccountID{top[0].AccountID, top[1].AccountID, top[2].AccountID})

	top, err = s.TopAggregates(ctx, 1, ledger.OrderByTotalConsumed)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, ledger.AccountID("c"), top[0].AccountID)

	hundred := int64(100)
	counts, err := s.CountInRanges(ctx, []ledger.BalanceRange{
		{Min: 0, Max: new(int64)},
		{Min: 1, Max: &hundred},
		{Min: 101},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 1}, counts)

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Summary{AccountCount: 4, TotalBalance: 460, TotalEarned: 500, TotalConsumed: 40}, sum)

	ids, err := s.AccountIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ledger.AccountID{"a", "b", "c", "z"}, ids)
}

func testRebuild(t *testing.T, s ledger.Backend) {
	ctx := context.Background()
	credit(t, s, "alice", 70)
	_, err := s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: -20, Reason: ledger.ReasonConsume})
	require.NoError(t, err)

	totals, err := s.LedgerTotals(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.Totals{Sum: 50, Earned: 70, Consumed: 20, Count: 2}, totals)

	agg, err := s.RebuildAggregate(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, totals.Matches(agg))

	entries, _ := s.Entries(ctx, "alice")
	assert.Len(t, entries, 2, "rebuild must not write entries")
}

func testCompare(t *testing.T, s ledger.Backend) {
	ctx := context.Background()

	c, err := s.CompareAggregate(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, c.Aggregate)
	assert.False(t, c.Drifted(), "no entries and no aggregate is not drift")

	credit(t, s, "alice", 30)
	_, err = s.Append(ctx, ledger.Entry{AccountID: "alice", Amount: -5, Reason: ledger.ReasonConsume})
	require.NoError(t, err)

	c, err = s.CompareAggregate(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, c.Aggregate)
	assert.Equal(t, ledger.Totals{Sum: 25, Earned: 30, Consumed: 5, Count: 2}, c.Totals)
	assert.Equal(t, int64(25), c.Aggregate.Balance)
	assert.False(t, c.Drifted())

	if forcer, ok := s.(AggregateForcer); ok {
		forcer.ForceAggregate(ledger.Aggregate{AccountID: "alice", Balance: 20, TotalEarned: 25, TotalConsumed: 5})
		c, err = s.CompareAggregate(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, c.Drifted())
	}
}

// =============================================================================
// INTENTS
// =============================================================================

func testIntents(t *testing.T, s ledger.Backend, clock *Clock) {
	ctx := context.Background()

	_, err := s.Intent(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrIntentNotFound)
	assert.ErrorIs(t, s.UpdateIntentStatus(ctx, "missing", ledger.IntentAborted, ""), ledger.ErrIntentNotFound)

	for _, id := range []string{"t-1", "t-2", "t-3"} {
		require.NoError(t, s.SaveIntent(ctx, ledger.TransferIntent{
			ID: id, From: "alice", To: "bob", Amount: 5, Description: "tip", Status: ledger.IntentPending,
		}))
	}
	require.NoError(t, s.UpdateIntentStatus(ctx, "t-2", ledger.IntentCompleted, ""))
	require.NoError(t, s.UpdateIntentStatus(ctx, "t-3", ledger.IntentStuck, "reversal failed"))

	got, err := s.Intent(ctx, "t-3")
	require.NoError(t, err)
	assert.Equal(t, ledger.IntentStuck, got.Status)
	assert.Equal(t, "reversal failed", got.Note)
	assert.Equal(t, ledger.AccountID("bob"), got.To)

	open, err := s.OpenIntents(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, open, "intents touched at the cutoff are still in flight")

	clock.Advance(time.Minute)
	open, err = s.OpenIntents(ctx, clock.Now())
	require.NoError(t, err)
	ids := make([]string, len(open))
	for i, in := range open {
		ids[i] = in.ID
	}
	assert.ElementsMatch(t, []string{"t-1", "t-3"}, ids)
}
