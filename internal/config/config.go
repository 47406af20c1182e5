// Package config loads taskmirror configuration from the environment and
// an optional config file.
//
// Every key is overridable via TASKMIRROR_* environment variables (dots
// become underscores, e.g. TASKMIRROR_LISTENER_ENABLED). The source DSN
// additionally honors SOURCE_DATABASE_URL for deploy environments that
// inject database credentials under that conventional name.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the resolved process configuration.
type Config struct {
	Source struct {
		// DSN is the Postgres connection string for the source store.
		DSN string
	}

	Mirror struct {
		// Path is the SQLite mirror database file.
		Path string
	}

	Listener struct {
		// Enabled gates the change listener entirely.
		Enabled bool
		// Channel is the NOTIFY channel carrying change events.
		Channel string
		// BackoffBase and BackoffCap bound the reconnect delay.
		BackoffBase time.Duration
		BackoffCap  time.Duration
	}

	Reconcile struct {
		// QuarantineWindow is how long a row stays quarantined before
		// permanent deletion.
		QuarantineWindow time.Duration
		// MaxDriftRatio is the circuit-breaker threshold.
		MaxDriftRatio float64
		// Interval enables a periodic reconcile ticker in serve mode
		// when positive; zero leaves scheduling to external callers.
		Interval time.Duration
	}

	Runs struct {
		// StaleAfter is the default stale-run threshold.
		StaleAfter time.Duration
	}

	Ops struct {
		// Addr is the ops server listen address.
		Addr string
	}

	Log struct {
		// File, when set, tees logs into a size-rotated file.
		File string
	}

	v *viper.Viper
}

// Load reads configuration from taskmirror.{toml,yaml,json} (working
// directory or ~/.config/taskmirror) and the environment. A missing
// config file is fine; the environment alone is enough.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("taskmirror")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/taskmirror")

	v.SetEnvPrefix("TASKMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("source.dsn", "")
	v.SetDefault("mirror.path", "taskmirror.db")
	v.SetDefault("listener.enabled", true)
	v.SetDefault("listener.channel", "task_changes")
	v.SetDefault("listener.backoff_base", time.Second)
	v.SetDefault("listener.backoff_cap", 30*time.Second)
	v.SetDefault("reconcile.quarantine_window", 24*time.Hour)
	v.SetDefault("reconcile.max_drift_ratio", 0.5)
	v.SetDefault("reconcile.interval", time.Duration(0))
	v.SetDefault("runs.stale_after", 30*time.Minute)
	v.SetDefault("ops.addr", ":8390")
	v.SetDefault("log.file", "")

	_ = v.BindEnv("source.dsn", "TASKMIRROR_SOURCE_DSN", "SOURCE_DATABASE_URL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{v: v}
	cfg.Source.DSN = v.GetString("source.dsn")
	cfg.Mirror.Path = v.GetString("mirror.path")
	cfg.Listener.Enabled = v.GetBool("listener.enabled")
	cfg.Listener.Channel = v.GetString("listener.channel")
	cfg.Listener.BackoffBase = v.GetDuration("listener.backoff_base")
	cfg.Listener.BackoffCap = v.GetDuration("listener.backoff_cap")
	cfg.Reconcile.QuarantineWindow = v.GetDuration("reconcile.quarantine_window")
	cfg.Reconcile.MaxDriftRatio = v.GetFloat64("reconcile.max_drift_ratio")
	cfg.Reconcile.Interval = v.GetDuration("reconcile.interval")
	cfg.Runs.StaleAfter = v.GetDuration("runs.stale_after")
	cfg.Ops.Addr = v.GetString("ops.addr")
	cfg.Log.File = v.GetString("log.file")

	return cfg, nil
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func (c *Config) ConfigFileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Watch logs when the loaded config file changes on disk. Values are not
// re-applied live; a restart picks them up. No-op without a config file.
func (c *Config) Watch(logger *log.Logger) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		logger.Printf("config file changed: %s (restart to apply)", e.Name)
	})
	c.v.WatchConfig()
}
