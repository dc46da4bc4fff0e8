/*
app.go - Dependency wiring and process lifecycle

PURPOSE:
  Builds every component of ledgerd from a config.Config and runs the
  long-lived parts (HTTP server, reconciliation scheduler) together. When
  one of them fails, or the context is cancelled, the others are stopped.

WIRING:
  config.Config
    -> store (sqlite | postgres | memory)
    -> claim cache (redis, optional)
    -> event publisher (nats, optional)
    -> rewards.Engine, transfer.Coordinator, reporting.Service
    -> reconcile.Reconciler, Sweeper (saga mode), Scheduler
    -> api.Handler, router, http.Server

SEE ALSO:
  - cmd/server: cobra commands that call Build and Run
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/incentive-ledger/api"
	"github.com/warp/incentive-ledger/cache"
	"github.com/warp/incentive-ledger/config"
	"github.com/warp/incentive-ledger/events"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/ledger/store"
	"github.com/warp/incentive-ledger/pkg/logger"
	"github.com/warp/incentive-ledger/reconcile"
	"github.com/warp/incentive-ledger/reporting"
	"github.com/warp/incentive-ledger/rewards"
	"github.com/warp/incentive-ledger/store/postgres"
	"github.com/warp/incentive-ledger/store/sqlite"
	"github.com/warp/incentive-ledger/transfer"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// App owns every component built from the config.
type App struct {
	Config     *config.Config
	Store      ledger.Backend
	Rewards    *rewards.Engine
	Transfers  *transfer.Coordinator
	Reports    *reporting.Service
	Reconciler *reconcile.Reconciler
	Sweeper    *reconcile.Sweeper
	Scheduler  *reconcile.Scheduler
	Server     *http.Server

	redis *redis.Client
	nats  *events.NATSPublisher
}

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, cfg *config.Config) (ledger.Backend, error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		return store.NewMemory(), nil
	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Build wires the application. Close must be called on the result.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	backend, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	a := &App{Config: cfg, Store: backend}

	var publisher events.Publisher = events.Noop{}
	if cfg.NATSURL != "" {
		if a.nats, err = events.Connect(cfg.NATSURL); err != nil {
			a.Close()
			return nil, err
		}
		publisher = a.nats
		logger.WithField("url", cfg.NATSURL).Info("publishing ledger events to nats")
	}

	a.Rewards = rewards.NewEngine(backend)
	a.Rewards.Calendar = ledger.NewCalendar(cfg.Location, nil)
	a.Rewards.Table = rewards.DefaultTable().WithAmounts(cfg.RewardAmounts)
	a.Rewards.Events = publisher

	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			// The store answers every lookup without the cache.
			logger.WithError(err).Warn("redis unavailable, claim cache disabled")
		} else {
			a.redis = rdb
			a.Rewards.Claims = cache.NewRedisClaims(rdb)
		}
	}

	a.Transfers = transfer.NewCoordinator(backend)
	a.Transfers.Mode = cfg.TransferMode
	a.Transfers.Events = publisher

	a.Reports = reporting.NewService(backend)

	a.Reconciler = reconcile.NewReconciler(backend)
	a.Reconciler.Events = publisher

	if cfg.TransferMode == transfer.ModeSaga {
		a.Sweeper = &reconcile.Sweeper{
			Intents:  backend,
			Resolver: a.Transfers,
			Grace:    cfg.IntentGracePeriod,
		}
	}

	a.Scheduler = reconcile.NewScheduler(a.Reconciler, a.Sweeper)
	a.Scheduler.CheckInterval = cfg.ReconcileInterval
	a.Scheduler.AutoCorrect = cfg.ReconcileAutoCorrect
	a.Scheduler.Enabled = cfg.ReconcileInterval > 0

	h := &api.Handler{
		Store:      backend,
		Rewards:    a.Rewards,
		Transfers:  a.Transfers,
		Reports:    a.Reports,
		Reconciler: a.Reconciler,
		Sweeper:    a.Sweeper,
	}
	router, err := api.NewRouter(h, api.Options{
		CORSOrigins:     cfg.CORSOrigins,
		RateLimit:       cfg.RateLimit,
		EnableScenarios: !cfg.IsProduction,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Server = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}

// Run serves HTTP and runs the scheduler until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("server starting on http://localhost%s", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.Scheduler.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the store and the optional connections.
func (a *App) Close() error {
	var errs []error
	if a.nats != nil {
		errs = append(errs, a.nats.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
