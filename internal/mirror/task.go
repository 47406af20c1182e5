package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/steincamp/taskmirror/internal/model"
)

// UpsertTask inserts or updates a task keyed by its source identifier.
//
// The full snapshot replaces the existing row. The source's timestamps are
// stored verbatim, and quarantined_at is cleared: an upsert means the row
// was just observed in the source, so any pending quarantine is a false
// alarm regardless of which mechanism performed the sync.
func (db *DB) UpsertTask(ctx context.Context, task *model.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	dependsJSON, err := json.Marshal(task.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal depends_on: %w", err)
	}

	query := `
	INSERT INTO tasks (
		id, title, description, priority, status,
		due_at, remind_at, execute_at,
		auto_executable, plan, depends_on,
		completed_at, outcome, metadata,
		epic_id, parent_id, assignee, origin,
		created_at, updated_at, quarantined_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		priority = excluded.priority,
		status = excluded.status,
		due_at = excluded.due_at,
		remind_at = excluded.remind_at,
		execute_at = excluded.execute_at,
		auto_executable = excluded.auto_executable,
		plan = excluded.plan,
		depends_on = excluded.depends_on,
		completed_at = excluded.completed_at,
		outcome = excluded.outcome,
		metadata = excluded.metadata,
		epic_id = excluded.epic_id,
		parent_id = excluded.parent_id,
		assignee = excluded.assignee,
		origin = excluded.origin,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		quarantined_at = NULL
	`

	autoExec := 0
	if task.AutoExecutable {
		autoExec = 1
	}

	_, err = db.conn.ExecContext(ctx, query,
		task.ID,
		task.Title,
		task.Description,
		task.Priority,
		task.Status,
		timeToNullString(task.DueAt),
		timeToNullString(task.RemindAt),
		timeToNullString(task.ExecuteAt),
		autoExec,
		task.Plan,
		string(dependsJSON),
		timeToNullString(task.CompletedAt),
		task.Outcome,
		metadataString(task.Metadata),
		nullInt64(task.EpicID),
		nullInt64(task.ParentID),
		task.Assignee,
		task.Origin,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %d: %w", task.ID, err)
	}

	return nil
}

// DeleteTask removes a task and detaches its dependents.
//
// Child tasks referencing it via parent_id are reparented to NULL in the
// same transaction so no row is left pointing at a missing parent.
// Idempotent: deleting a task that doesn't exist is a no-op.
func (db *DB) DeleteTask(ctx context.Context, id int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET parent_id = NULL WHERE parent_id = ?`, id); err != nil {
		return fmt.Errorf("failed to detach children of task %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task delete: %w", err)
	}
	return nil
}

const taskColumns = `id, title, description, priority, status,
	due_at, remind_at, execute_at,
	auto_executable, plan, depends_on,
	completed_at, outcome, metadata,
	epic_id, parent_id, assignee, origin,
	created_at, updated_at, quarantined_at`

// GetTask retrieves a single task by identifier.
// Returns sql.ErrNoRows if the task is not mirrored.
func (db *DB) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns all mirrored tasks, quarantined rows included,
// ordered by identifier.
func (db *DB) ListTasks(ctx context.Context) ([]*model.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// CountTasks returns the total number of mirrored tasks.
func (db *DB) CountTasks(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var task model.Task
	var description, plan, outcome, assignee, origin sql.NullString
	var dependsJSON, metadata sql.NullString
	var dueAt, remindAt, executeAt, completedAt, quarantinedAt sql.NullString
	var epicID, parentID sql.NullInt64
	var autoExec int
	var createdAt, updatedAt string

	err := row.Scan(
		&task.ID,
		&task.Title,
		&description,
		&task.Priority,
		&task.Status,
		&dueAt,
		&remindAt,
		&executeAt,
		&autoExec,
		&plan,
		&dependsJSON,
		&completedAt,
		&outcome,
		&metadata,
		&epicID,
		&parentID,
		&assignee,
		&origin,
		&createdAt,
		&updatedAt,
		&quarantinedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Description = description.String
	task.Plan = plan.String
	task.Outcome = outcome.String
	task.Assignee = assignee.String
	task.Origin = origin.String
	task.AutoExecutable = autoExec != 0
	task.DueAt = nullStringToTime(dueAt)
	task.RemindAt = nullStringToTime(remindAt)
	task.ExecuteAt = nullStringToTime(executeAt)
	task.CompletedAt = nullStringToTime(completedAt)
	task.QuarantinedAt = nullStringToTime(quarantinedAt)
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)

	if epicID.Valid {
		task.EpicID = &epicID.Int64
	}
	if parentID.Valid {
		task.ParentID = &parentID.Int64
	}

	if dependsJSON.Valid && dependsJSON.String != "" && dependsJSON.String != "null" {
		if err := json.Unmarshal([]byte(dependsJSON.String), &task.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal depends_on: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		task.Metadata = json.RawMessage(metadata.String)
	}

	return &task, nil
}

// metadataString renders a raw JSON column value, empty for absent metadata.
func metadataString(raw json.RawMessage) sql.NullString {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
