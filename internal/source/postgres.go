package source

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/steincamp/taskmirror/internal/model"
)

// Postgres implements Store against the source database.
//
// Point lookups and listings go through a connection pool. Identifier
// listings additionally fall back to a fresh direct connection when the
// pool query fails, so a sick pool alone cannot make a reconciliation
// cycle conclude the source is unreachable.
type Postgres struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *log.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects a pool to the source database.
// The caller MUST call Close when done.
func NewPostgres(ctx context.Context, dsn string, logger *log.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("source DSN is empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[source] ", log.LstdFlags)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create source pool: %w", err)
	}

	return &Postgres{pool: pool, dsn: dsn, logger: logger}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

const taskSelect = `
SELECT id, title, description, priority, status,
       due_at, remind_at, execute_at,
       auto_executable, plan, depends_on,
       completed_at, outcome, metadata,
       epic_id, parent_id, assignee, origin,
       created_at, updated_at
FROM tasks`

// GetTask implements Store.GetTask.
func (p *Postgres) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := p.pool.QueryRow(ctx, taskSelect+` WHERE id = $1`, id)

	var task model.Task
	var description, plan, outcome, assignee, origin *string
	var metadata []byte

	err := row.Scan(
		&task.ID,
		&task.Title,
		&description,
		&task.Priority,
		&task.Status,
		&task.DueAt,
		&task.RemindAt,
		&task.ExecuteAt,
		&task.AutoExecutable,
		&plan,
		&task.DependsOn,
		&task.CompletedAt,
		&outcome,
		&metadata,
		&task.EpicID,
		&task.ParentID,
		&assignee,
		&origin,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch task %d: %w", id, err)
	}

	task.Description = deref(description)
	task.Plan = deref(plan)
	task.Outcome = deref(outcome)
	task.Assignee = deref(assignee)
	task.Origin = deref(origin)
	task.Metadata = metadata

	return &task, nil
}

// GetEpic implements Store.GetEpic.
func (p *Postgres) GetEpic(ctx context.Context, id int64) (*model.Epic, error) {
	row := p.pool.QueryRow(ctx, `
	SELECT id, title, origin, status, deadline, created_at, completed_at, metadata
	FROM epics WHERE id = $1`, id)

	var epic model.Epic
	var origin *string
	var metadata []byte

	err := row.Scan(
		&epic.ID,
		&epic.Title,
		&origin,
		&epic.Status,
		&epic.Deadline,
		&epic.CreatedAt,
		&epic.CompletedAt,
		&metadata,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch epic %d: %w", id, err)
	}

	epic.Origin = deref(origin)
	epic.Metadata = metadata

	return &epic, nil
}

// ListTaskIDs implements Store.ListTaskIDs.
func (p *Postgres) ListTaskIDs(ctx context.Context) ([]int64, error) {
	return p.listIDs(ctx, "tasks")
}

// ListEpicIDs implements Store.ListEpicIDs.
func (p *Postgres) ListEpicIDs(ctx context.Context) ([]int64, error) {
	return p.listIDs(ctx, "epics")
}

// listIDs queries through the pool, then retries once over a fresh direct
// connection before giving up. Only when both paths fail does the caller
// see the source as unreachable.
func (p *Postgres) listIDs(ctx context.Context, table string) ([]int64, error) {
	query := `SELECT id FROM ` + table + ` ORDER BY id`

	rows, err := p.pool.Query(ctx, query)
	if err == nil {
		return collectIDs(rows)
	}
	poolErr := err

	p.logger.Printf("pool listing of %s failed (%v), retrying over direct connection", table, poolErr)

	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return nil, fmt.Errorf("source unreachable: pool: %v; direct: %w", poolErr, err)
	}
	defer conn.Close(context.Background())

	rows, err = conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("source unreachable: pool: %v; direct: %w", poolErr, err)
	}
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}
	return ids, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
