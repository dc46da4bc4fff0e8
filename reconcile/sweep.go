package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/metrics"
	"github.com/warp/incentive-ledger/pkg/logger"
)

// Resolver drives one open transfer intent to a terminal state.
// transfer.Coordinator implements it.
type Resolver interface {
	Resolve(ctx context.Context, intent ledger.TransferIntent) (ledger.IntentStatus, error)
}

// Sweeper finds saga transfers left open by a crash or a failed reversal.
type Sweeper struct {
	Intents  ledger.IntentStore
	Resolver Resolver

	// Grace is how long an intent may stay untouched before it is swept,
	// so in-flight transfers are not raced.
	Grace time.Duration
	Now   func() time.Time
}

// SweepReport counts intents by the status they were left in.
type SweepReport struct {
	Found    int                         `json:"found"`
	Resolved map[ledger.IntentStatus]int `json:"resolved"`
	Failed   int                         `json:"failed"`
}

// Sweep resolves every open intent older than the grace period. A failure on
// one intent is logged and counted; the sweep goes on.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	open, err := s.Intents.OpenIntents(ctx, now().Add(-s.Grace))
	if err != nil {
		return nil, fmt.Errorf("open intents: %w", err)
	}

	report := &SweepReport{Found: len(open), Resolved: map[ledger.IntentStatus]int{}}
	for _, intent := range open {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		status, err := s.Resolver.Resolve(ctx, intent)
		metrics.IntentsResolved.WithLabelValues(string(status)).Inc()
		if err != nil {
			report.Failed++
			logger.WithError(err).WithField("transfer_id", intent.ID).Error("intent sweep: resolve failed")
			continue
		}
		report.Resolved[status]++
	}

	if report.Found > 0 {
		logger.Infof("intent sweep: %d found, %d failed", report.Found, report.Failed)
	}
	return report, nil
}
