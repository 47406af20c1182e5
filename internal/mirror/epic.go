package mirror

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steincamp/taskmirror/internal/model"
)

// UpsertEpic inserts or updates an epic keyed by its source identifier.
// Like UpsertTask, the snapshot replaces the row and clears quarantined_at.
func (db *DB) UpsertEpic(ctx context.Context, epic *model.Epic) error {
	if err := epic.Validate(); err != nil {
		return fmt.Errorf("invalid epic: %w", err)
	}

	query := `
	INSERT INTO epics (
		id, title, origin, status, deadline,
		created_at, completed_at, metadata, quarantined_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		origin = excluded.origin,
		status = excluded.status,
		deadline = excluded.deadline,
		created_at = excluded.created_at,
		completed_at = excluded.completed_at,
		metadata = excluded.metadata,
		quarantined_at = NULL
	`

	_, err := db.conn.ExecContext(ctx, query,
		epic.ID,
		epic.Title,
		epic.Origin,
		epic.Status,
		timeToNullString(epic.Deadline),
		formatTime(epic.CreatedAt),
		timeToNullString(epic.CompletedAt),
		metadataString(epic.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert epic %d: %w", epic.ID, err)
	}

	return nil
}

// DeleteEpic removes an epic without cascading to its tasks.
//
// Referencing tasks have epic_id nulled first, then the epic row is
// removed, all in one transaction. The order matters: a failure after the
// epic delete but before the detach would leave tasks pointing at a
// missing epic. Idempotent for absent epics.
func (db *DB) DeleteEpic(ctx context.Context, id int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET epic_id = NULL WHERE epic_id = ?`, id); err != nil {
		return fmt.Errorf("failed to detach tasks from epic %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM epics WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete epic %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit epic delete: %w", err)
	}
	return nil
}

const epicColumns = `id, title, origin, status, deadline,
	created_at, completed_at, metadata, quarantined_at`

// GetEpic retrieves a single epic by identifier.
// Returns sql.ErrNoRows if the epic is not mirrored.
func (db *DB) GetEpic(ctx context.Context, id int64) (*model.Epic, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+epicColumns+` FROM epics WHERE id = ?`, id)
	return scanEpic(row)
}

// ListEpics returns all mirrored epics, quarantined rows included,
// ordered by identifier.
func (db *DB) ListEpics(ctx context.Context) ([]*model.Epic, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+epicColumns+` FROM epics ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list epics: %w", err)
	}
	defer rows.Close()

	var epics []*model.Epic
	for rows.Next() {
		epic, err := scanEpic(rows)
		if err != nil {
			return nil, err
		}
		epics = append(epics, epic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating epics: %w", err)
	}
	return epics, nil
}

// CountEpics returns the total number of mirrored epics.
func (db *DB) CountEpics(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM epics`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count epics: %w", err)
	}
	return count, nil
}

func scanEpic(row rowScanner) (*model.Epic, error) {
	var epic model.Epic
	var origin, metadata sql.NullString
	var deadline, completedAt, quarantinedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&epic.ID,
		&epic.Title,
		&origin,
		&epic.Status,
		&deadline,
		&createdAt,
		&completedAt,
		&metadata,
		&quarantinedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan epic: %w", err)
	}

	epic.Origin = origin.String
	epic.Deadline = nullStringToTime(deadline)
	epic.CompletedAt = nullStringToTime(completedAt)
	epic.QuarantinedAt = nullStringToTime(quarantinedAt)
	epic.CreatedAt = parseTime(createdAt)
	if metadata.Valid && metadata.String != "" {
		epic.Metadata = []byte(metadata.String)
	}

	return &epic, nil
}
