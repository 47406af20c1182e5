package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steincamp/taskmirror/internal/listener"
	"github.com/steincamp/taskmirror/internal/mirror"
	"github.com/steincamp/taskmirror/internal/ops"
	"github.com/steincamp/taskmirror/internal/reconcile"
	"github.com/steincamp/taskmirror/internal/rowsync"
	"github.com/steincamp/taskmirror/internal/source"
	"github.com/steincamp/taskmirror/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mirror: change listener, ops server, optional reconcile ticker",
	Long: `Start the long-running mirror process.

This opens the mirror database, connects to the source, starts the change
listener, and serves the operational endpoints:

  GET  /healthz          liveness
  GET  /status           listener health snapshot
  POST /reconcile        run one drift reconciliation pass
  POST /reconcile/runs   mark stale runs completed
  GET  /ws               websocket broadcast of applied changes

When reconcile.interval is configured, drift passes also run on that
timer; the ticker and the HTTP trigger share one guard, so at most one
pass runs at a time.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		logger := newLogger(cfg, "[taskmirror] ")
		cfg.Watch(logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

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

		src, err := source.NewPostgres(ctx, cfg.Source.DSN, newLogger(cfg, "[source] "))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to source: %v\n", err)
			os.Exit(1)
		}
		defer src.Close()

		syncer := rowsync.New(src, db, newLogger(cfg, "[rowsync] "))

		reconciler := reconcile.New(src, db, syncer, &reconcile.Config{
			QuarantineWindow: cfg.Reconcile.QuarantineWindow,
			MaxDriftRatio:    cfg.Reconcile.MaxDriftRatio,
			StaleRunAfter:    cfg.Runs.StaleAfter,
			Logger:           newLogger(cfg, "[reconcile] "),
		})

		// The ops server reports listener status; the listener feeds the
		// ops websocket. Break the cycle with a late-bound closure.
		var lst *listener.Listener
		srv := ops.NewServer(&ops.Config{
			Addr:   cfg.Ops.Addr,
			Logger: newLogger(cfg, "[ops] "),
		}, func() listener.Status { return lst.Status() }, reconciler)

		lst = listener.New(
			listener.PostgresDial(cfg.Source.DSN, cfg.Listener.Channel),
			syncer,
			&listener.Config{
				Enabled:     cfg.Listener.Enabled,
				BackoffBase: cfg.Listener.BackoffBase,
				BackoffCap:  cfg.Listener.BackoffCap,
				Logger:      newLogger(cfg, "[listener] "),
				OnEvent:     srv.PublishEvent,
			},
		)

		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting ops server: %v\n", err)
			os.Exit(1)
		}
		lst.Start()

		fmt.Printf("%s taskmirror serving\n", ui.RenderAccent("▶"))
		fmt.Printf("   Mirror: %s\n", cfg.Mirror.Path)
		fmt.Printf("   Ops:    http://%s\n", srv.Addr())
		if cfg.Reconcile.Interval > 0 {
			fmt.Printf("   Drift:  every %s\n", cfg.Reconcile.Interval)
		}

		if cfg.Reconcile.Interval > 0 {
			go runReconcileTicker(ctx, srv, cfg.Reconcile.Interval, logger)
		}

		<-ctx.Done()
		logger.Println("shutdown signal received")

		lst.Stop()
		if err := srv.Stop(); err != nil {
			logger.Printf("ops server stop: %v", err)
		}
	},
}

// runReconcileTicker drives periodic drift passes through the ops
// server's guard so a ticker pass never overlaps an HTTP-triggered one.
func runReconcileTicker(ctx context.Context, srv *ops.Server, interval time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok, err := srv.TryReconcile(ctx); err != nil {
				logger.Printf("scheduled reconciliation failed: %v", err)
			} else if !ok {
				logger.Printf("scheduled reconciliation skipped: previous pass still running")
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
