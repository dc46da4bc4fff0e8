package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-ledger/events"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/ledger/store"
	"github.com/warp/incentive-ledger/reconcile"
	"github.com/warp/incentive-ledger/rewards"
	"github.com/warp/incentive-ledger/store/sqlite"
	"github.com/warp/incentive-ledger/transfer"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func backends(t *testing.T) map[string]ledger.Backend {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]ledger.Backend{
		"memory": store.NewMemory(),
		"sqlite": db,
	}
}

func grant(t *testing.T, s ledger.Store, account ledger.AccountID, amount int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureAccount(ctx, account))
	_, err := s.Append(ctx, ledger.Entry{AccountID: account, Amount: amount, Reason: ledger.ReasonPublishPost})
	require.NoError(t, err)
}

// =============================================================================
// PROPERTY: aggregates always equal the ledger sum
// =============================================================================

func TestReconcile_RandomOperationsNeverDrift(t *testing.T) {
	accounts := []ledger.AccountID{"alice", "bob", "carol", "dave", "erin"}
	credits := []ledger.Reason{
		ledger.ReasonSignIn, ledger.ReasonPublishPost, ledger.ReasonComment, ledger.ReasonLikeReceived,
	}

	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rng := rand.New(rand.NewSource(42))
			engine := rewards.NewEngine(backend)
			coord := transfer.NewCoordinator(backend)
			r := reconcile.NewReconciler(backend)

			var granted, consumed int64
			for i := 0; i < 400; i++ {
				acct := accounts[rng.Intn(len(accounts))]
				amount := int64(rng.Intn(50) + 1)

				switch rng.Intn(3) {
				case 0:
					_, err := engine.Grant(ctx, rewards.GrantRequest{
						AccountID: acct, Amount: amount, Reason: credits[rng.Intn(len(credits))],
					})
					require.NoError(t, err)
					granted += amount
				case 1:
					_, err := engine.Consume(ctx, rewards.ConsumeRequest{AccountID: acct, Amount: amount})
					if err == nil {
						consumed += amount
					} else {
						require.ErrorIs(t, err, ledger.ErrInsufficientBalance, "op %d", i)
					}
				case 2:
					to := accounts[rng.Intn(len(accounts))]
					if to == acct {
						break
					}
					_, err := coord.Transfer(ctx, transfer.Request{From: acct, To: to, Amount: amount})
					if err != nil {
						require.ErrorIs(t, err, ledger.ErrInsufficientBalance, "op %d", i)
					}
				}

				// The ledger sum must equal every aggregate after each step,
				// not just at the end.
				report, err := r.Check(ctx)
				require.NoError(t, err)
				require.True(t, report.Clean(), "op %d drift: %+v", i, report.Drift)

				for _, a := range accounts {
					b, err := backend.Balance(ctx, a)
					require.NoError(t, err)
					require.GreaterOrEqual(t, b, int64(0), fmt.Sprintf("op %d: %s went negative", i, a))
				}
			}

			summary, err := backend.Summary(ctx)
			require.NoError(t, err)
			assert.Equal(t, granted-consumed, summary.TotalBalance, "transfers must conserve the total")
		})
	}
}

// =============================================================================
// DRIFT DETECTION AND REPAIR
// =============================================================================

func TestReconcile_DetectsAndRepairsDrift(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	grant(t, mem, "alice", 100)
	grant(t, mem, "bob", 40)

	// GIVEN alice's aggregate is overwritten outside Append
	mem.ForceAggregate(ledger.Aggregate{AccountID: "alice", Balance: 70, TotalEarned: 100, TotalConsumed: 0})

	rec := &events.Recorder{}
	r := reconcile.NewReconciler(mem)
	r.Events = rec

	// WHEN checking without repair
	report, err := r.Check(ctx)
	require.NoError(t, err)

	// THEN only alice is reported and nothing changes
	assert.Equal(t, 2, report.Accounts)
	require.Len(t, report.Drift, 1)
	d := report.Drift[0]
	assert.Equal(t, ledger.AccountID("alice"), d.AccountID)
	assert.Equal(t, int64(70), d.Aggregate.Balance)
	assert.Equal(t, int64(100), d.Ledger.Sum)
	assert.False(t, d.Repaired)
	assert.Equal(t, 0, report.Repaired)

	b, _ := mem.Balance(ctx, "alice")
	assert.Equal(t, int64(70), b, "check must not write")
	assert.Len(t, rec.BySubject(events.SubjectDrift), 1)

	// WHEN running with repair
	report, err = r.Run(ctx, true)
	require.NoError(t, err)

	// THEN the aggregate equals the ledger sum and no entry was written
	require.Len(t, report.Drift, 1)
	assert.True(t, report.Drift[0].Repaired)
	assert.Equal(t, 1, report.Repaired)

	agg, err := mem.Aggregate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), agg.Balance)
	assert.True(t, agg.Consistent())

	entries, _ := mem.Entries(ctx, "alice")
	assert.Len(t, entries, 1)

	report, err = r.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestReconcile_TotalsDriftWithCorrectBalance(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	grant(t, mem, "alice", 50)

	// Balance still matches, but the running totals do not.
	mem.ForceAggregate(ledger.Aggregate{AccountID: "alice", Balance: 50, TotalEarned: 80, TotalConsumed: 30})

	report, err := reconcile.NewReconciler(mem).Check(ctx)
	require.NoError(t, err)
	require.Len(t, report.Drift, 1)
	assert.Equal(t, int64(50), report.Drift[0].Ledger.Earned)
}

func TestReconcile_ConcurrentAppendsAreNotDrift(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			grant(t, backend, "alice", 10)

			// GIVEN a writer appending to alice while checks run
			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Go(func() {
				for {
					select {
					case <-stop:
						return
					default:
					}
					_, err := backend.Append(ctx, ledger.Entry{AccountID: "alice", Amount: 1, Reason: ledger.ReasonLikeReceived})
					assert.NoError(t, err)
				}
			})

			// WHEN checking repeatedly
			r := reconcile.NewReconciler(backend)
			for i := 0; i < 200; i++ {
				report, err := r.Check(ctx)
				require.NoError(t, err)

				// THEN no pass ever sees the totals and the aggregate disagree
				assert.True(t, report.Clean(), "pass %d drift: %+v", i, report.Drift)
			}
			close(stop)
			wg.Wait()
		})
	}
}

func TestReconcile_EmptyStore(t *testing.T) {
	report, err := reconcile.NewReconciler(store.NewMemory()).Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Accounts)
	assert.True(t, report.Clean())
}

// =============================================================================
// INTENT SWEEP
// =============================================================================

type failingStore struct {
	ledger.Store
	fail map[ledger.Reason]error
}

func (f *failingStore) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if err := f.fail[e.Reason]; err != nil {
		return ledger.Entry{}, err
	}
	return f.Store.Append(ctx, e)
}

func TestSweep_ResolvesStuckTransfer(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	grant(t, mem, "alice", 100)

	// GIVEN a saga transfer whose credit and reversal both failed
	down := ledger.Unavailable("append", errors.New("connection reset"))
	flaky := transfer.NewCoordinator(&failingStore{Store: mem, fail: map[ledger.Reason]error{
		ledger.ReasonTransferIn:          down,
		ledger.ReasonTransferOutReversed: down,
	}})
	flaky.Intents = mem
	flaky.Mode = transfer.ModeSaga

	_, err := flaky.Transfer(ctx, transfer.Request{From: "alice", To: "bob", Amount: 30, TransferID: "t-1"})
	require.ErrorIs(t, err, ledger.ErrCompensationFailed)
	assert.Equal(t, int64(70), mustBalance(t, mem, "alice"))

	// WHEN the store recovers and the sweep runs past the grace period
	sweeper := &reconcile.Sweeper{
		Intents:  mem,
		Resolver: transfer.NewCoordinator(mem),
		Grace:    time.Minute,
		Now:      func() time.Time { return time.Now().Add(time.Hour) },
	}
	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)

	// THEN the debit is reversed
	assert.Equal(t, 1, report.Found)
	assert.Equal(t, 1, report.Resolved[ledger.IntentCompensated])
	assert.Equal(t, int64(100), mustBalance(t, mem, "alice"))

	intent, err := mem.Intent(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.IntentCompensated, intent.Status)

	// AND a second sweep finds nothing
	report, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found)
}

func TestSweep_PendingWithoutDebitIsAborted(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveIntent(ctx, ledger.TransferIntent{
		ID: "t-2", From: "alice", To: "bob", Amount: 10, Status: ledger.IntentPending,
	}))

	sweeper := &reconcile.Sweeper{
		Intents:  mem,
		Resolver: transfer.NewCoordinator(mem),
		Now:      func() time.Time { return time.Now().Add(time.Second) },
	}
	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved[ledger.IntentAborted])
}

func TestSweep_RespectsGracePeriod(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveIntent(ctx, ledger.TransferIntent{
		ID: "t-3", From: "alice", To: "bob", Amount: 10, Status: ledger.IntentDebited,
	}))

	sweeper := &reconcile.Sweeper{Intents: mem, Resolver: transfer.NewCoordinator(mem), Grace: time.Hour}
	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found, "in-flight transfers must not be swept")
}

func mustBalance(t *testing.T, s ledger.Store, account ledger.AccountID) int64 {
	t.Helper()
	b, err := s.Balance(context.Background(), account)
	require.NoError(t, err)
	return b
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_RepairsOnStart(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	grant(t, mem, "alice", 100)
	mem.ForceAggregate(ledger.Aggregate{AccountID: "alice", Balance: 1, TotalEarned: 1})

	s := reconcile.NewScheduler(reconcile.NewReconciler(mem), nil)
	s.CheckInterval = time.Hour
	s.AutoCorrect = true
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		b, err := mem.Balance(ctx, "alice")
		return err == nil && b == 100
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_DisabledDoesNothing(t *testing.T) {
	mem := store.NewMemory()
	grant(t, mem, "alice", 100)
	mem.ForceAggregate(ledger.Aggregate{AccountID: "alice", Balance: 1, TotalEarned: 1})

	s := reconcile.NewScheduler(reconcile.NewReconciler(mem), nil)
	s.Enabled = false
	s.AutoCorrect = true
	s.Start()
	s.Stop()

	assert.Equal(t, int64(1), mustBalance(t, mem, "alice"))
}

func TestScheduler_RunStopsWithContext(t *testing.T) {
	s := reconcile.NewScheduler(reconcile.NewReconciler(store.NewMemory()), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
