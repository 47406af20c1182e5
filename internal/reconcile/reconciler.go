// Package reconcile repairs drift between the source store and the mirror.
//
// The drift reconciler lists identifiers on both sides and works the
// symmetric difference: rows missing from the source are quarantined
// before they are ever deleted, rows that reappear are unquarantined, and
// rows the mirror lacks are synced in. A circuit breaker aborts the whole
// pass when the amount of data that would be removed looks too large to
// be trusted, so a bad or partial source read can never be misread as a
// mass deletion.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/steincamp/taskmirror/internal/mirror"
	"github.com/steincamp/taskmirror/internal/rowsync"
	"github.com/steincamp/taskmirror/internal/source"
)

// Config holds reconciler policy.
type Config struct {
	// QuarantineWindow is how long a row must stay missing from the source
	// before it is permanently deleted.
	QuarantineWindow time.Duration

	// MaxDriftRatio is the circuit breaker: when the fraction of mirrored
	// rows that would newly enter quarantine or deletion in one pass
	// exceeds this ratio, the pass aborts with no mutation.
	MaxDriftRatio float64

	// StaleRunAfter is the default threshold for StaleRuns.
	StaleRunAfter time.Duration

	// Logger for reconciler activity.
	Logger *log.Logger
}

// DefaultConfig returns the default policy: 24h quarantine window, 50%
// circuit breaker, 30m stale-run threshold.
func DefaultConfig() *Config {
	return &Config{
		QuarantineWindow: 24 * time.Hour,
		MaxDriftRatio:    0.5,
		StaleRunAfter:    30 * time.Minute,
		Logger:           log.New(os.Stderr, "[reconcile] ", log.LstdFlags),
	}
}

// Report summarizes one reconciliation pass.
type Report struct {
	Drift bool `json:"drift" yaml:"drift"`

	RemovedTasks int `json:"removed_tasks" yaml:"removed_tasks"`
	RemovedEpics int `json:"removed_epics" yaml:"removed_epics"`

	QuarantinedTasks int `json:"quarantined_tasks" yaml:"quarantined_tasks"`
	QuarantinedEpics int `json:"quarantined_epics" yaml:"quarantined_epics"`

	UnquarantinedTasks int `json:"unquarantined_tasks" yaml:"unquarantined_tasks"`
	UnquarantinedEpics int `json:"unquarantined_epics" yaml:"unquarantined_epics"`

	SyncedTasks int `json:"synced_tasks" yaml:"synced_tasks"`
	SyncedEpics int `json:"synced_epics" yaml:"synced_epics"`
}

// Reconciler compares source and mirror identifier sets and repairs drift.
//
// A single reconciler is safe to run concurrently with the change
// listener, but not with a second reconciliation pass; callers serialize
// passes themselves.
type Reconciler struct {
	source source.Store
	mirror *mirror.DB
	syncer rowsync.Syncer
	config *Config
}

// New creates a reconciler with the given policy. A nil config uses
// DefaultConfig.
func New(src source.Store, db *mirror.DB, syncer rowsync.Syncer, config *Config) *Reconciler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	if config.QuarantineWindow <= 0 {
		config.QuarantineWindow = 24 * time.Hour
	}
	if config.MaxDriftRatio <= 0 {
		config.MaxDriftRatio = 0.5
	}
	if config.StaleRunAfter <= 0 {
		config.StaleRunAfter = 30 * time.Minute
	}
	return &Reconciler{source: src, mirror: db, syncer: syncer, config: config}
}

// Reconcile runs one full drift pass.
//
// Returns (nil, nil) when the source is unreachable: the cycle is skipped,
// not failed, and the mirror is left exactly as it was. A transient
// inability to read the source must never translate into deletions.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	sourceTaskIDs, err := r.source.ListTaskIDs(ctx)
	if err != nil {
		r.config.Logger.Printf("WARNING: skipping reconciliation, source unreachable: %v", err)
		return nil, nil
	}
	sourceEpicIDs, err := r.source.ListEpicIDs(ctx)
	if err != nil {
		r.config.Logger.Printf("WARNING: skipping reconciliation, source unreachable: %v", err)
		return nil, nil
	}

	mirrorTasks, err := r.mirror.ListTaskStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrored tasks: %w", err)
	}
	mirrorEpics, err := r.mirror.ListEpicStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrored epics: %w", err)
	}

	now := time.Now()
	taskChanges, missingTasks := r.classify(sourceTaskIDs, mirrorTasks, now)
	epicChanges, missingEpics := r.classify(sourceEpicIDs, mirrorEpics, now)

	// Circuit breaker: too many rows leaving the mirror in one pass means
	// the source read itself is suspect. Abort before any mutation.
	total := len(mirrorTasks) + len(mirrorEpics)
	leaving := len(taskChanges.Quarantine) + len(taskChanges.Delete) +
		len(epicChanges.Quarantine) + len(epicChanges.Delete)
	if total > 0 && float64(leaving) > float64(total)*r.config.MaxDriftRatio {
		r.config.Logger.Printf("WARNING: aborting reconciliation: %d of %d mirrored rows would be quarantined or deleted (limit ratio %.2f)",
			leaving, total, r.config.MaxDriftRatio)
		return &Report{Drift: true}, nil
	}

	// Each entity kind's changes apply as one atomic unit of work.
	// Epics first, so freshly synced tasks can reference them.
	if err := r.mirror.ApplyEpicDrift(ctx, epicChanges, now); err != nil {
		return nil, fmt.Errorf("failed to apply epic drift changes: %w", err)
	}
	if err := r.mirror.ApplyTaskDrift(ctx, taskChanges, now); err != nil {
		return nil, fmt.Errorf("failed to apply task drift changes: %w", err)
	}

	report := &Report{
		RemovedTasks:       len(taskChanges.Delete),
		RemovedEpics:       len(epicChanges.Delete),
		QuarantinedTasks:   len(taskChanges.Quarantine),
		QuarantinedEpics:   len(epicChanges.Quarantine),
		UnquarantinedTasks: len(taskChanges.Unquarantine),
		UnquarantinedEpics: len(epicChanges.Unquarantine),
	}

	// Pull in rows the source has that the mirror lacks. Row-level
	// failures don't stop the pass; the next cycle retries them.
	for _, id := range missingEpics {
		found, err := r.syncer.SyncEpic(ctx, id)
		if err != nil {
			r.config.Logger.Printf("failed to sync missing epic %d: %v", id, err)
			continue
		}
		if found {
			report.SyncedEpics++
		}
	}
	for _, id := range missingTasks {
		found, err := r.syncer.SyncTask(ctx, id)
		if err != nil {
			r.config.Logger.Printf("failed to sync missing task %d: %v", id, err)
			continue
		}
		if found {
			report.SyncedTasks++
		}
	}

	report.Drift = !taskChanges.Empty() || !epicChanges.Empty()

	if report.Drift || report.SyncedTasks > 0 || report.SyncedEpics > 0 {
		r.config.Logger.Printf("reconciliation: drift=%v removed=%d/%d quarantined=%d/%d unquarantined=%d/%d synced=%d/%d (tasks/epics)",
			report.Drift,
			report.RemovedTasks, report.RemovedEpics,
			report.QuarantinedTasks, report.QuarantinedEpics,
			report.UnquarantinedTasks, report.UnquarantinedEpics,
			report.SyncedTasks, report.SyncedEpics)
	}

	return report, nil
}

// classify walks one entity kind's mirror states against the source's
// identifier set and produces the quarantine decision table plus the
// identifiers the mirror is missing.
func (r *Reconciler) classify(sourceIDs []int64, states []mirror.RowState, now time.Time) (mirror.DriftChanges, []int64) {
	inSource := make(map[int64]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		inSource[id] = struct{}{}
	}

	var changes mirror.DriftChanges
	mirrored := make(map[int64]struct{}, len(states))

	for _, state := range states {
		mirrored[state.ID] = struct{}{}

		if _, ok := inSource[state.ID]; !ok {
			switch {
			case state.QuarantinedAt == nil:
				// First sighting of absence: quarantine, don't delete.
				changes.Quarantine = append(changes.Quarantine, state.ID)
			case now.Sub(*state.QuarantinedAt) > r.config.QuarantineWindow:
				changes.Delete = append(changes.Delete, state.ID)
			default:
				// Still inside the window: leave untouched this pass.
			}
			continue
		}

		if state.QuarantinedAt != nil {
			// Row reappeared: false alarm, no data loss.
			changes.Unquarantine = append(changes.Unquarantine, state.ID)
		}
	}

	var missing []int64
	for _, id := range sourceIDs {
		if _, ok := mirrored[id]; !ok {
			missing = append(missing, id)
		}
	}

	return changes, missing
}

// StaleRuns marks runs with no recorded activity for longer than
// staleAfter as completed. A zero or negative staleAfter uses the
// configured default. Returns the number of runs updated.
func (r *Reconciler) StaleRuns(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = r.config.StaleRunAfter
	}

	cutoff := time.Now().Add(-staleAfter)
	n, err := r.mirror.MarkStaleRuns(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile stale runs: %w", err)
	}

	if n > 0 {
		r.config.Logger.Printf("marked %d stale runs completed (inactive > %s)", n, staleAfter)
	}
	return n, nil
}
