/*
reconcile.go - Balance recomputation and drift repair

PURPOSE:
  The aggregate table is a cache of the ledger sum. Append keeps the two in
  step, but anything that writes the database outside Append (manual SQL, a
  restored backup, a bug) can make them disagree. The reconciler re-sums
  every account's entries and compares the result with its aggregate.

DRIFT:
  An account drifts when any of balance, total earned or total consumed
  differs from the ledger sum, or when entries exist without an aggregate.
  The ledger is always the source of truth.

REPAIR:
  With repair enabled each drifted aggregate is overwritten with the ledger
  sum through ReconcileStore.RebuildAggregate. No entry is written; the
  ledger is not touched.

SEE ALSO:
  - scheduler.go: periodic runs and the transfer intent sweep
  - ledger/store.go: ReconcileStore
*/
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/incentive-ledger/events"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/metrics"
	"github.com/warp/incentive-ledger/pkg/logger"
)

// Store is what the reconciler reads and repairs.
type Store interface {
	ledger.ReconcileStore
}

// Drift describes one account whose aggregate disagrees with its ledger.
type Drift struct {
	AccountID ledger.AccountID `json:"account_id"`
	Aggregate ledger.Aggregate `json:"aggregate"`
	Ledger    ledger.Totals    `json:"ledger"`
	Missing   bool             `json:"missing_aggregate"`
	Repaired  bool             `json:"repaired"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Accounts  int           `json:"accounts_checked"`
	Drift     []Drift       `json:"drift"`
	Repaired  int           `json:"repaired"`
}

// Clean reports whether no drift was found.
func (r *Report) Clean() bool { return len(r.Drift) == 0 }

// Reconciler compares aggregates with ledger sums.
type Reconciler struct {
	Store  Store
	Events events.Publisher
	Now    func() time.Time
}

// NewReconciler returns a reconciler that does not publish alerts.
func NewReconciler(store Store) *Reconciler {
	return &Reconciler{Store: store, Events: events.Noop{}, Now: time.Now}
}

// Check reports drift without writing anything.
func (r *Reconciler) Check(ctx context.Context) (*Report, error) {
	return r.Run(ctx, false)
}

// Run checks every account and, when repair is true, rebuilds each drifted
// aggregate from the ledger. A failed repair is logged and left unrepaired;
// the pass continues with the next account.
func (r *Reconciler) Run(ctx context.Context, repair bool) (*Report, error) {
	start := r.now()
	report := &Report{StartedAt: start, Drift: []Drift{}}

	ids, err := r.Store.AccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		drift, ok, err := r.checkAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		report.Accounts++
		if !ok {
			continue
		}

		log := logger.WithFields(logrus.Fields{
			"account_id":        id,
			"aggregate_balance": drift.Aggregate.Balance,
			"ledger_sum":        drift.Ledger.Sum,
			"missing":           drift.Missing,
		})
		log.Warn("balance drift detected")

		if repair {
			if _, err := r.Store.RebuildAggregate(ctx, id); err != nil {
				log.WithError(err).Error("aggregate repair failed")
			} else {
				drift.Repaired = true
				report.Repaired++
				metrics.Repairs.Inc()
				log.Info("aggregate rebuilt from ledger")
			}
		}

		report.Drift = append(report.Drift, drift)
		r.alert(ctx, drift)
	}

	report.Duration = r.now().Sub(start)
	metrics.DriftedAccounts.Set(float64(len(report.Drift) - report.Repaired))
	metrics.Runs.Observe(report.Duration.Seconds())

	logger.WithFields(logrus.Fields{
		"accounts": report.Accounts,
		"drifted":  len(report.Drift),
		"repaired": report.Repaired,
	}).Info("reconciliation finished")

	return report, nil
}

// checkAccount compares one account from a single store snapshot. Reading
// the totals and the aggregate separately would let an Append land in
// between and report a healthy account as drifted.
func (r *Reconciler) checkAccount(ctx context.Context, id ledger.AccountID) (Drift, bool, error) {
	c, err := r.Store.CompareAggregate(ctx, id)
	if err != nil {
		return Drift{}, false, fmt.Errorf("compare %s: %w", id, err)
	}
	if !c.Drifted() {
		return Drift{}, false, nil
	}

	if c.Aggregate == nil {
		return Drift{
			AccountID: id,
			Aggregate: ledger.Aggregate{AccountID: id},
			Ledger:    c.Totals,
			Missing:   true,
		}, true, nil
	}
	return Drift{AccountID: id, Aggregate: *c.Aggregate, Ledger: c.Totals}, true, nil
}

func (r *Reconciler) alert(ctx context.Context, d Drift) {
	if r.Events == nil {
		return
	}
	ev := events.Event{
		Subject:    events.SubjectDrift,
		AccountID:  string(d.AccountID),
		Amount:     d.Ledger.Sum - d.Aggregate.Balance,
		Detail:     fmt.Sprintf("aggregate=%d ledger=%d repaired=%t", d.Aggregate.Balance, d.Ledger.Sum, d.Repaired),
		OccurredAt: r.now(),
	}
	if err := r.Events.Publish(ctx, ev); err != nil {
		logger.WithError(err).WithField("account_id", d.AccountID).Warn("publish drift alert failed")
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
