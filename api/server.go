/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the blog frontend
  5. RateLimit:  Per client IP, ulule limiter, /api only

ROUTE GROUPS:
  /api/accounts/*         Balances and ledger history
  /api/rewards/*          Grant, consume, daily rewards
  /api/transfers          Transfers
  /api/reports/*          Leaderboard, distribution, statistics
  /api/reconciliation/*   Drift report and repair
  /api/scenarios/*        Demo scenarios (non-production only)
  /healthz                Liveness
  /metrics                Prometheus

SECURITY NOTE:
  No authentication middleware. The service is meant to sit behind the
  blog backend, which owns user identity.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"fmt"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// Options tunes the router.
type Options struct {
	// CORSOrigins defaults to "*".
	CORSOrigins []string

	// RateLimit uses the ulule format ("100-M"). Empty disables it.
	RateLimit string

	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) (*chi.Mux, error) {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	var rateLimit *stdlib.Middleware
	if opts.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(opts.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit %q: %w", opts.RateLimit, err)
		}
		rateLimit = stdlib.NewMiddleware(limiter.New(memory.NewStore(), rate))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		if rateLimit != nil {
			r.Use(rateLimit.Handler)
		}

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/entries", h.GetEntries)
		})

		// Reward routes
		r.Route("/rewards", func(r chi.Router) {
			r.Get("/table", h.GetRewardTable)
			r.Post("/grant", h.Grant)
			r.Post("/consume", h.Consume)
			r.Post("/daily", h.GrantDaily)
			r.Post("/activity", h.RewardActivity)
		})

		// Transfer routes
		r.Post("/transfers", h.CreateTransfer)

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.Get("/leaderboard", h.Leaderboard)
			r.Get("/distribution", h.Distribution)
			r.Get("/statistics", h.Statistics)
		})

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/drift", h.GetDrift)
			r.Post("/run", h.RunReconciliation)
		})

		// Scenario routes
		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r, nil
}
