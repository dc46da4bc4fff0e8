package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/warp/incentive-ledger/app"
	"github.com/warp/incentive-ledger/config"
	"github.com/warp/incentive-ledger/reconcile"
	"github.com/warp/incentive-ledger/store/postgres"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().Bool("fix", false, "Rebuild drifted aggregates from the ledger")
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the reconciliation scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, loaded)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Apply PostgreSQL schema migrations",
	Long:      `Runs the embedded goose migrations against PGSQL_URL. SQLite creates its schema on open and needs no migration.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down", "status"},
	RunE:      runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if loaded.Store != config.StorePostgres {
		return fmt.Errorf("migrate needs LEDGER_STORE=postgres (got %q)", loaded.Store)
	}

	command := "up"
	if len(args) == 1 {
		command = args[0]
	}
	return postgres.Migrate(cmd.Context(), loaded.PostgresURL, command)
}

// ─── reconcile ──────────────────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare every aggregate with its ledger sum",
	Long: `Re-sums each account's ledger entries and reports aggregates that
disagree. With --fix the drifted aggregates are rebuilt; the ledger itself
is never modified. Exits non-zero when unrepaired drift remains.`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	fix, _ := cmd.Flags().GetBool("fix")
	ctx := cmd.Context()

	store, err := app.OpenStore(ctx, loaded)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := reconcile.NewReconciler(store).Run(ctx, fix)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if unrepaired := len(report.Drift) - report.Repaired; unrepaired > 0 {
		return fmt.Errorf("%d accounts drifted", unrepaired)
	}
	return nil
}
