// Package metrics holds the ledger's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledger"

// ─── Ledger ─────────────────────────────────────────────────────────────────

// EntriesAppended counts entries written, by reason.
var EntriesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "entries",
	Name:      "appended_total",
	Help:      "Ledger entries appended, by reason.",
}, []string{"reason"})

// AmountMoved sums the absolute amount of appended entries, by reason.
var AmountMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "entries",
	Name:      "amount_total",
	Help:      "Absolute amount of appended entries, by reason.",
}, []string{"reason"})

// InsufficientBalance counts rejected debits.
var InsufficientBalance = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "entries",
	Name:      "insufficient_balance_total",
	Help:      "Debits rejected because the balance was too low.",
})

// ─── Rewards ────────────────────────────────────────────────────────────────

// RewardsGranted counts once-per-day rewards by reason and outcome
// (granted, already_granted).
var RewardsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "rewards",
	Name:      "daily_total",
	Help:      "Once-per-day reward calls, by reason and outcome.",
}, []string{"reason", "outcome"})

// ClaimCacheErrors counts claim cache failures. The store check still runs.
var ClaimCacheErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "rewards",
	Name:      "claim_cache_errors_total",
	Help:      "Claim cache lookups or writes that failed.",
})

// ─── Transfers ──────────────────────────────────────────────────────────────

// Transfers counts transfers by mode (atomic, saga) and outcome.
var Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "transfers",
	Name:      "total",
	Help:      "Transfers, by mode and outcome.",
}, []string{"mode", "outcome"})

// CompensationFailures counts saga transfers left with debited funds.
var CompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "transfers",
	Name:      "compensation_failures_total",
	Help:      "Saga transfers whose reversal failed; operator action required.",
})

// ─── Reconciliation ─────────────────────────────────────────────────────────

// DriftedAccounts is the number of drifted accounts found by the last run.
var DriftedAccounts = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "drifted_accounts",
	Help:      "Accounts whose aggregate disagreed with the ledger in the last run.",
})

// Repairs counts aggregates rebuilt from the ledger.
var Repairs = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "repairs_total",
	Help:      "Aggregates rebuilt from the ledger.",
})

// IntentsResolved counts swept transfer intents, by final status.
var IntentsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "intents_resolved_total",
	Help:      "Transfer intents resolved by the sweep, by final status.",
}, []string{"status"})

// Runs observes reconciliation run duration.
var Runs = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "run_duration_seconds",
	Help:      "Duration of reconciliation runs.",
	Buckets:   prometheus.DefBuckets,
})
