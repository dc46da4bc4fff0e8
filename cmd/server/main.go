/*
main.go - Application entry point

PURPOSE:
  ledgerd runs the incentive ledger: the HTTP API with the reconciliation
  scheduler, PostgreSQL migrations, and one-shot reconciliation.

COMMANDS:
  ledgerd serve                     HTTP API + scheduler
  ledgerd migrate [up|down|status]  goose migrations (LEDGER_STORE=postgres)
  ledgerd reconcile [--fix]         drift report, optionally repaired

CONFIGURATION:
  Environment variables, optionally from .env. See config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler after its current pass
  4. Close the store and the redis/nats connections

EXAMPLES:
  # Embedded SQLite file
  SQLITE_PATH=./data/ledger.db ledgerd serve

  # PostgreSQL with saga transfers and auto repair
  LEDGER_STORE=postgres PGSQL_URL=postgres://... ledgerd migrate up
  LEDGER_STORE=postgres TRANSFER_MODE=saga RECONCILE_AUTO_CORRECT=true ledgerd serve

SEE ALSO:
  - app/app.go: Dependency wiring
  - api/server.go: Router configuration
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/incentive-ledger/config"
	"github.com/warp/incentive-ledger/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:           "ledgerd",
	Short:         "Incentive currency ledger for the blog platform",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger.Configure(cfg.LogLevel, cfg.IsProduction)
		loaded = cfg
		return nil
	},
}

// loaded is set by PersistentPreRunE before any RunE executes.
var loaded *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Error("ledgerd failed")
		os.Exit(1)
	}
}
