/*
scheduler.go - Periodic reconciliation

PURPOSE:
  Runs the drift check and the transfer intent sweep in the background.

DESIGN:
  - One goroutine driven by a ticker
  - Runs once immediately on start
  - Drift repair only when AutoCorrect is set; otherwise report and alert
  - The intent sweep is skipped when no Sweeper is configured (atomic mode
    never leaves intents behind)

CONFIGURATION:
  - CheckInterval: how often to run (RECONCILE_INTERVAL, default 1h)
  - AutoCorrect:   rebuild drifted aggregates (RECONCILE_AUTO_CORRECT)
  - Enabled:       whether Start does anything

USAGE:
  s := NewScheduler(reconciler, sweeper)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - reconcile.go: Reconciler
  - sweep.go: Sweeper
*/
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/warp/incentive-ledger/pkg/logger"
)

// Scheduler runs reconciliation passes on an interval.
type Scheduler struct {
	Reconciler    *Reconciler
	Sweeper       *Sweeper
	CheckInterval time.Duration
	AutoCorrect   bool
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates an enabled scheduler with a one hour interval.
// sweeper may be nil.
func NewScheduler(reconciler *Reconciler, sweeper *Sweeper) *Scheduler {
	return &Scheduler{
		Reconciler:    reconciler,
		Sweeper:       sweeper,
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		logger.Info("[Scheduler] Disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	logger.Infof("[Scheduler] Started with check interval: %v", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		logger.Info("[Scheduler] Stopped")
	}
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one pass: drift check (with repair if AutoCorrect) and
// the intent sweep. Errors are logged.
func (s *Scheduler) RunNow(ctx context.Context) {
	if s.Sweeper != nil {
		if _, err := s.Sweeper.Sweep(ctx); err != nil {
			logger.WithError(err).Error("[Scheduler] intent sweep failed")
		}
	}

	if s.Reconciler != nil {
		if _, err := s.Reconciler.Run(ctx, s.AutoCorrect); err != nil {
			logger.WithError(err).Error("[Scheduler] reconciliation failed")
		}
	}
}
