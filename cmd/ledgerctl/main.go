/*
main.go - ledgerctl, the operational CLI

PURPOSE:
  Command-line access to the correctness engine for operators and the
  bookkeeping team: scan for anomalies, inspect balances, plan and run
  repairs, manage reconciliation links. Every write path the CLI exposes
  goes through the same engine the HTTP API uses.

COMMANDS:
  ledgerctl scan        [--from --to --prefix]
  ledgerctl balance     CODE [--month YYYY-MM | --as-of YYYY-MM-DD]
  ledgerctl repair      [--from --to --prefix --merges FILE --execute]
  ledgerctl reconcile   TXN-ID ENTRY-ID --actor NAME
  ledgerctl unreconcile TXN-ID --actor NAME --reason TEXT
  ledgerctl verify
  ledgerctl break-lock

SAFETY:
  repair defaults to simulation. --execute is the only way to mutate, and
  the printed plan of a simulated run is exactly what the real run will do.

GLOBAL FLAGS:
  --db      SQLite database path (default: ledger.db, or LEDGER_DB)
  --tenant  Tenant for the repair advisory lock (default: default)

SEE ALSO:
  - ledger/engine.go: The facade every command delegates to
  - factory/mergemap.go: YAML merge-map loading for repair
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/acertado/ledger-engine/factory"
	"github.com/acertado/ledger-engine/ledger"
	"github.com/acertado/ledger-engine/store/sqlite"
)

var (
	flagDB     string
	flagTenant string
)

func main() {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and repair a double-entry ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDB, "db", envStr("LEDGER_DB", "ledger.db"), "SQLite database path")
	root.PersistentFlags().StringVar(&flagTenant, "tenant", envStr("LEDGER_TENANT", "default"), "tenant for repair locking")

	root.AddCommand(
		scanCmd(),
		balanceCmd(),
		repairCmd(),
		reconcileCmd(),
		unreconcileCmd(),
		verifyCmd(),
		breakLockCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func scanCmd() *cobra.Command {
	var from, to, prefix string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan journal entries for invariant violations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, engine, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()

			scope, err := buildScope(from, to, prefix)
			if err != nil {
				return err
			}
			report, err := engine.Scan(ctx, scope)
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "end date (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "account code prefix")
	return cmd
}

func balanceCmd() *cobra.Command {
	var month, asOf string
	cmd := &cobra.Command{
		Use:   "balance CODE",
		Short: "Show an account's balance for one competence month, or as of a date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()

			if asOf != "" {
				at, err := time.Parse("2006-01-02", asOf)
				if err != nil {
					return fmt.Errorf("invalid --as-of: %w", err)
				}
				closing, err := engine.BalanceAsOf(ctx, args[0], at)
				if err != nil {
					return err
				}
				fmt.Printf("Account   %s\n", args[0])
				fmt.Printf("As of     %s\n", at.Format("2006-01-02"))
				fmt.Printf("Closing   %12s\n", closing)
				return nil
			}

			if month == "" {
				month = ledger.CompetenceOf(time.Now().UTC())
			}
			year, m, err := ledger.ParseCompetence(month)
			if err != nil {
				return err
			}
			result, err := engine.Balance(ctx, args[0], ledger.MonthPeriod(year, m))
			if err != nil {
				return err
			}

			fmt.Printf("Account   %s (%d leaf accounts)\n", result.AccountCode, result.Accounts)
			fmt.Printf("Period    %s .. %s\n",
				result.Period.Start.Format("2006-01-02"), result.Period.End.Format("2006-01-02"))
			fmt.Printf("Opening   %12s\n", result.Opening)
			fmt.Printf("Debit     %12s\n", result.PeriodDebit)
			fmt.Printf("Credit    %12s\n", result.PeriodCredit)
			fmt.Printf("Movement  %12s\n", result.Movement())
			fmt.Printf("Closing   %12s\n", result.Closing)
			return nil
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "competence month (YYYY-MM, default: current)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "cumulative balance through this date (YYYY-MM-DD)")
	cmd.MarkFlagsMutuallyExclusive("month", "as-of")
	return cmd
}

func repairCmd() *cobra.Command {
	var from, to, prefix, mergesPath string
	var execute bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Plan corrective actions for a scope, then simulate or execute them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, engine, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()

			scope, err := buildScope(from, to, prefix)
			if err != nil {
				return err
			}
			merges := ledger.MergeMap{}
			if mergesPath != "" {
				merges, err = factory.LoadMergeMap(mergesPath)
				if err != nil {
					return err
				}
			}

			report, err := engine.Scan(ctx, scope)
			if err != nil {
				return err
			}
			plan, err := engine.PlanRepair(ctx, report.Anomalies, merges)
			if err != nil {
				return err
			}
			if len(plan.Actions) == 0 {
				fmt.Println("Nothing to repair.")
				return nil
			}

			for _, a := range plan.Actions {
				fmt.Printf("  %-18s %-30s impact=%s  %s\n", a.Kind, actionTarget(a), a.Impact, a.Reason)
			}

			result, err := engine.ApplyRepair(ctx, plan, !execute)
			if err != nil {
				return err
			}
			mode := "SIMULATED"
			if !result.Simulated {
				mode = "EXECUTED"
			}
			fmt.Printf("\n%s run %s: applied=%d skipped=%d net impact=%s\n",
				mode, result.RunID, result.Applied, result.Skipped, result.NetImpact)
			if result.Simulated {
				fmt.Println("Re-run with --execute to apply.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "end date (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "account code prefix")
	cmd.Flags().StringVar(&mergesPath, "merges", "", "YAML merge map for account consolidation")
	cmd.Flags().BoolVar(&execute, "execute", false, "apply the plan for real (default: simulate)")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "reconcile TXN-ID ENTRY-ID",
		Short: "Link a bank transaction to a journal entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()

			txn, err := engine.Reconcile(ctx, ledger.TransactionID(args[0]), ledger.EntryID(args[1]), actor)
			if err != nil {
				return err
			}
			fmt.Printf("Transaction %s reconciled to entry %s by %s\n", txn.ID, *txn.JournalEntryID, txn.ReconciledBy)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who is reconciling (required)")
	cmd.MarkFlagRequired("actor")
	return cmd
}

func unreconcileCmd() *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   "unreconcile TXN-ID",
		Short: "Sever a reconciliation link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()

			txn, err := engine.Unreconcile(ctx, ledger.TransactionID(args[0]), actor, reason)
			if err != nil {
				return err
			}
			fmt.Printf("Transaction %s is now %s\n", txn.ID, txn.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who is unreconciling (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the link is being severed (required)")
	cmd.MarkFlagRequired("actor")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-check the reconciliation contract across all bank transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, engine, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()

			violations, err := engine.VerifyReconciliation(ctx)
			if err != nil {
				return err
			}
			if len(violations) == 0 {
				fmt.Println("All bank transactions are consistent.")
				return nil
			}
			for _, v := range violations {
				fmt.Printf("  %s: %s\n", v.TransactionID, v.Detail)
			}
			return fmt.Errorf("%d transaction(s) violate the reconciliation contract", len(violations))
		},
	}
}

func breakLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "break-lock",
		Short: "Force-release the tenant repair lock after a crashed run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			store, err := sqlite.New(flagDB)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.BreakTenantLock(ctx, flagTenant); err != nil {
				return err
			}
			fmt.Printf("Lock for tenant %q released.\n", flagTenant)
			return nil
		},
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func open() (context.Context, *ledger.Engine, func(), error) {
	ctx, cancel := signalContext()

	store, err := sqlite.New(flagDB)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	engine := ledger.NewEngine(store, store, flagTenant)
	cleanup := func() {
		store.Close()
		cancel()
	}
	return ctx, engine, cleanup, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func buildScope(from, to, prefix string) (ledger.Scope, error) {
	var scope ledger.Scope
	scope.AccountPrefix = prefix
	if from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return ledger.Scope{}, fmt.Errorf("invalid --from: %w", err)
		}
		scope.From = t
	}
	if to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return ledger.Scope{}, fmt.Errorf("invalid --to: %w", err)
		}
		scope.To = t
	}
	if !scope.From.IsZero() && !scope.To.IsZero() && scope.To.Before(scope.From) {
		return ledger.Scope{}, ledger.ErrInvalidPeriod
	}
	return scope, nil
}

func printReport(report *ledger.ScanReport) {
	fmt.Printf("Scanned %d entries, %d lines\n", report.EntriesScanned, report.LinesScanned)
	fmt.Printf("Total debit  %s\n", report.TotalDebit)
	fmt.Printf("Total credit %s\n", report.TotalCredit)
	fmt.Printf("Trial delta  %s\n", report.TrialBalanceDelta())

	if len(report.Anomalies) == 0 {
		fmt.Println("\nNo anomalies found.")
		return
	}
	counts := map[ledger.AnomalyKind]int{}
	for _, a := range report.Anomalies {
		counts[a.Kind]++
	}
	fmt.Printf("\n%d anomalies:\n", len(report.Anomalies))
	for kind, n := range counts {
		fmt.Printf("  %-18s %d\n", kind, n)
	}
	for _, a := range report.Anomalies {
		fmt.Printf("  %-18s entry=%s impact=%s  %s\n", a.Kind, a.EntryID, a.Impact, a.Detail)
	}
}

func actionTarget(a ledger.RepairAction) string {
	switch {
	case a.SourceCode != "":
		return a.SourceCode + " -> " + a.TargetCode
	case a.LineID != "":
		return "line " + string(a.LineID)
	default:
		return "entry " + string(a.EntryID)
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
