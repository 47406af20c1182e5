package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steincamp/taskmirror/internal/config"
	"github.com/steincamp/taskmirror/internal/mirror"
	"github.com/steincamp/taskmirror/internal/reconcile"
	"github.com/steincamp/taskmirror/internal/rowsync"
	"github.com/steincamp/taskmirror/internal/source"
	"github.com/steincamp/taskmirror/internal/ui"
)

var staleAfterFlag time.Duration

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one drift reconciliation pass",
	Long: `Compare source and mirror identifier sets and repair drift.

Rows missing from the source are quarantined; rows quarantined for longer
than the configured window are deleted; rows that reappeared are
unquarantined; rows the mirror lacks are synced in. The pass aborts with
no changes when more than the configured fraction of mirrored rows would
be removed at once.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		reconciler, cleanup := buildReconciler(ctx, cfg)
		defer cleanup()

		start := time.Now()
		report, err := reconciler.Reconcile(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during reconciliation: %v\n", err)
			os.Exit(1)
		}
		if report == nil {
			fmt.Printf("%s Reconciliation skipped: source unreachable\n", ui.RenderWarn("⚠"))
			return
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		if !report.Drift && report.SyncedTasks == 0 && report.SyncedEpics == 0 {
			fmt.Printf("%s No drift detected (%v)\n", ui.RenderPass("✓"), elapsed)
			return
		}

		fmt.Printf("%s Reconciliation complete in %v\n", ui.RenderPass("✓"), elapsed)
		fmt.Printf("   Drift:         %v\n", report.Drift)
		fmt.Printf("   Quarantined:   %d tasks, %d epics\n", report.QuarantinedTasks, report.QuarantinedEpics)
		fmt.Printf("   Unquarantined: %d tasks, %d epics\n", report.UnquarantinedTasks, report.UnquarantinedEpics)
		fmt.Printf("   Removed:       %d tasks, %d epics\n", report.RemovedTasks, report.RemovedEpics)
		fmt.Printf("   Synced:        %d tasks, %d epics\n", report.SyncedTasks, report.SyncedEpics)
	},
}

var reconcileRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Mark stale runs completed",
	Long: `Mark run records still flagged running as completed when they have
recorded no activity for longer than the threshold. Runs have no external
source of truth; staleness itself is the evidence of abandonment.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		db, err := mirror.Open(cfg.Mirror.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening mirror database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.InitSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing mirror schema: %v\n", err)
			os.Exit(1)
		}

		// Stale runs don't need the source at all.
		reconciler := reconcile.New(nil, db, nil, &reconcile.Config{
			StaleRunAfter: cfg.Runs.StaleAfter,
			Logger:        newLogger(cfg, "[reconcile] "),
		})

		count, err := reconciler.StaleRuns(ctx, staleAfterFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reconciling stale runs: %v\n", err)
			os.Exit(1)
		}

		if count == 0 {
			fmt.Printf("%s No stale runs\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("%s Marked %d stale runs completed\n", ui.RenderPass("✓"), count)
	},
}

// buildReconciler wires mirror, source, and syncer for a one-shot pass.
// The returned cleanup closes both stores.
func buildReconciler(ctx context.Context, cfg *config.Config) (*reconcile.Reconciler, func()) {
	db, err := mirror.Open(cfg.Mirror.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening mirror database: %v\n", err)
		os.Exit(1)
	}
	if err := db.InitSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing mirror schema: %v\n", err)
		os.Exit(1)
	}

	src, err := source.NewPostgres(ctx, cfg.Source.DSN, newLogger(cfg, "[source] "))
	if err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "Error connecting to source: %v\n", err)
		os.Exit(1)
	}

	syncer := rowsync.New(src, db, newLogger(cfg, "[rowsync] "))
	reconciler := reconcile.New(src, db, syncer, &reconcile.Config{
		QuarantineWindow: cfg.Reconcile.QuarantineWindow,
		MaxDriftRatio:    cfg.Reconcile.MaxDriftRatio,
		StaleRunAfter:    cfg.Runs.StaleAfter,
		Logger:           newLogger(cfg, "[reconcile] "),
	})

	return reconciler, func() {
		src.Close()
		db.Close()
	}
}

func init() {
	reconcileRunsCmd.Flags().DurationVar(&staleAfterFlag, "stale-after", 0,
		"staleness threshold (e.g. 45m); zero uses runs.stale_after from configuration")
	reconcileCmd.AddCommand(reconcileRunsCmd)
	rootCmd.AddCommand(reconcileCmd)
}
