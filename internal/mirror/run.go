package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steincamp/taskmirror/internal/model"
)

// InsertRun records a new run. Returns the assigned identifier.
func (db *DB) InsertRun(ctx context.Context, run *model.Run) (int64, error) {
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}
	if run.ExternalStatus == "" {
		run.ExternalStatus = run.Status
	}

	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO runs (task_id, status, external_status, detail, started_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		nullInt64(run.TaskID),
		run.Status,
		run.ExternalStatus,
		run.Detail,
		formatTime(run.StartedAt),
		formatTime(run.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get run id: %w", err)
	}
	run.ID = id
	return id, nil
}

// TouchRun bumps a run's updated_at, marking it as still active.
func (db *DB) TouchRun(ctx context.Context, id int64, at time.Time) error {
	if _, err := db.conn.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id = ?`, formatTime(at), id); err != nil {
		return fmt.Errorf("failed to touch run %d: %w", id, err)
	}
	return nil
}

// GetRun retrieves a single run by identifier.
// Returns sql.ErrNoRows if the run doesn't exist.
func (db *DB) GetRun(ctx context.Context, id int64) (*model.Run, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, task_id, status, external_status, detail, started_at, updated_at
	FROM runs WHERE id = ?`, id)

	var run model.Run
	var taskID sql.NullInt64
	var detail sql.NullString
	var startedAt, updatedAt string

	err := row.Scan(&run.ID, &taskID, &run.Status, &run.ExternalStatus, &detail, &startedAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if taskID.Valid {
		run.TaskID = &taskID.Int64
	}
	run.Detail = detail.String
	run.StartedAt = parseTime(startedAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}

// MarkStaleRuns terminates runs still marked running whose updated_at is
// older than the cutoff. Both status and external_status are set to
// completed in one bulk update. Returns the number of rows affected.
//
// Runs have no external source of truth to reconcile against; a run that
// stopped reporting is treated as finished rather than kept active forever.
func (db *DB) MarkStaleRuns(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.conn.ExecContext(ctx, `
	UPDATE runs
	SET status = ?, external_status = ?
	WHERE status = ? AND updated_at < ?`,
		model.RunStatusCompleted,
		model.RunStatusCompleted,
		model.RunStatusRunning,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count marked runs: %w", err)
	}
	return int(n), nil
}
