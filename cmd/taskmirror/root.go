package main

import (
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steincamp/taskmirror/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "taskmirror",
	Short: "Mirror tasks and epics from the source store into a local read-model",
	Long: `taskmirror keeps a local SQLite read-model consistent with the
task and epic tables owned by the source Postgres database.

Two mechanisms maintain consistency:
  1. A change listener subscribed to the source's notification channel
     applies single-row updates in real time.
  2. A drift reconciler periodically compares identifier sets and repairs
     divergence, quarantining rows before ever deleting them.

Configuration comes from taskmirror.{toml,yaml} and TASKMIRROR_* environment
variables; the source DSN also honors SOURCE_DATABASE_URL.`,
	SilenceUsage: true,
}

// logWriter builds the shared log destination: stderr, teed into a
// size-rotated file when log.file is configured.
func logWriter(cfg *config.Config) io.Writer {
	if cfg.Log.File == "" {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	})
}

func newLogger(cfg *config.Config, prefix string) *log.Logger {
	return log.New(logWriter(cfg), prefix, log.LstdFlags)
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Error loading configuration: %v", err)
		os.Exit(1)
	}
	return cfg
}
