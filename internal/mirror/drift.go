package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// RowState is the minimal per-row view the drift reconciler needs:
// which identifiers the mirror holds and whether each is quarantined.
type RowState struct {
	ID            int64
	QuarantinedAt *time.Time
}

// ListTaskStates returns the identifier and quarantine timestamp of every
// mirrored task, quarantined rows included.
func (db *DB) ListTaskStates(ctx context.Context) ([]RowState, error) {
	return db.listStates(ctx, "tasks")
}

// ListEpicStates returns the identifier and quarantine timestamp of every
// mirrored epic, quarantined rows included.
func (db *DB) ListEpicStates(ctx context.Context) ([]RowState, error) {
	return db.listStates(ctx, "epics")
}

func (db *DB) listStates(ctx context.Context, table string) ([]RowState, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, quarantined_at FROM `+table+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s states: %w", table, err)
	}
	defer rows.Close()

	var states []RowState
	for rows.Next() {
		var state RowState
		var quarantinedAt sql.NullString
		if err := rows.Scan(&state.ID, &quarantinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s state: %w", table, err)
		}
		state.QuarantinedAt = nullStringToTime(quarantinedAt)
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s states: %w", table, err)
	}
	return states, nil
}

// DriftChanges is one entity kind's set of quarantine transitions, applied
// as a single all-or-nothing transaction.
type DriftChanges struct {
	Quarantine   []int64 // rows first observed missing: stamp quarantined_at
	Unquarantine []int64 // rows that reappeared: clear quarantined_at
	Delete       []int64 // rows whose quarantine window elapsed: remove
}

// Empty reports whether the change set contains no work.
func (c DriftChanges) Empty() bool {
	return len(c.Quarantine) == 0 && len(c.Unquarantine) == 0 && len(c.Delete) == 0
}

// ApplyTaskDrift applies one reconciliation pass's task-side quarantine
// transitions atomically. now is the timestamp stamped onto newly
// quarantined rows.
func (db *DB) ApplyTaskDrift(ctx context.Context, changes DriftChanges, now time.Time) error {
	if changes.Empty() {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := applyQuarantine(ctx, tx, "tasks", changes, now); err != nil {
		return err
	}

	if len(changes.Delete) > 0 {
		// Detach children before removing the parents.
		query := `UPDATE tasks SET parent_id = NULL WHERE parent_id IN (` + placeholders(len(changes.Delete)) + `)`
		if _, err := tx.ExecContext(ctx, query, int64Args(changes.Delete)...); err != nil {
			return fmt.Errorf("failed to detach children of deleted tasks: %w", err)
		}
		query = `DELETE FROM tasks WHERE id IN (` + placeholders(len(changes.Delete)) + `)`
		if _, err := tx.ExecContext(ctx, query, int64Args(changes.Delete)...); err != nil {
			return fmt.Errorf("failed to delete quarantined tasks: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task drift changes: %w", err)
	}
	return nil
}

// ApplyEpicDrift applies one reconciliation pass's epic-side quarantine
// transitions atomically. Deleted epics have referencing tasks detached
// inside the same transaction; epic removal never cascades to tasks.
func (db *DB) ApplyEpicDrift(ctx context.Context, changes DriftChanges, now time.Time) error {
	if changes.Empty() {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := applyQuarantine(ctx, tx, "epics", changes, now); err != nil {
		return err
	}

	if len(changes.Delete) > 0 {
		query := `UPDATE tasks SET epic_id = NULL WHERE epic_id IN (` + placeholders(len(changes.Delete)) + `)`
		if _, err := tx.ExecContext(ctx, query, int64Args(changes.Delete)...); err != nil {
			return fmt.Errorf("failed to detach tasks from deleted epics: %w", err)
		}
		query = `DELETE FROM epics WHERE id IN (` + placeholders(len(changes.Delete)) + `)`
		if _, err := tx.ExecContext(ctx, query, int64Args(changes.Delete)...); err != nil {
			return fmt.Errorf("failed to delete quarantined epics: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit epic drift changes: %w", err)
	}
	return nil
}

func applyQuarantine(ctx context.Context, tx *sql.Tx, table string, changes DriftChanges, now time.Time) error {
	if len(changes.Quarantine) > 0 {
		query := `UPDATE ` + table + ` SET quarantined_at = ? WHERE id IN (` + placeholders(len(changes.Quarantine)) + `)`
		args := append([]interface{}{formatTime(now)}, int64Args(changes.Quarantine)...)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to quarantine %s rows: %w", table, err)
		}
	}
	if len(changes.Unquarantine) > 0 {
		query := `UPDATE ` + table + ` SET quarantined_at = NULL WHERE id IN (` + placeholders(len(changes.Unquarantine)) + `)`
		if _, err := tx.ExecContext(ctx, query, int64Args(changes.Unquarantine)...); err != nil {
			return fmt.Errorf("failed to unquarantine %s rows: %w", table, err)
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
