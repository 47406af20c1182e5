// Package model defines the task, epic, and run records shared by the
// source access layer and the mirror store.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task is a full row snapshot of a task as owned by the source store.
// The mirror persists these verbatim: timestamps come from the source,
// never from the local clock.
type Task struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Status      string `json:"status"`

	DueAt     *time.Time `json:"due_at,omitempty"`
	RemindAt  *time.Time `json:"remind_at,omitempty"`
	ExecuteAt *time.Time `json:"execute_at,omitempty"`

	AutoExecutable bool    `json:"auto_executable"`
	Plan           string  `json:"plan,omitempty"`
	DependsOn      []int64 `json:"depends_on,omitempty"` // ordered

	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Outcome     string          `json:"outcome,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`

	EpicID   *int64 `json:"epic_id,omitempty"`
	ParentID *int64 `json:"parent_id,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	Origin   string `json:"origin,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// QuarantinedAt is mirror-local state: non-nil means the row was missing
	// from the source on a reconciliation pass and is pending deletion once
	// the quarantine window elapses. The source never sets this.
	QuarantinedAt *time.Time `json:"quarantined_at,omitempty"`
}

// Validate checks that the Task can be written to the mirror.
func (t *Task) Validate() error {
	if t.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", t.ID)
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if t.Status == "" {
		return fmt.Errorf("status is required")
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Epic is a full row snapshot of an epic as owned by the source store.
type Epic struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Origin string `json:"origin,omitempty"`
	Status string `json:"status"`

	Deadline    *time.Time      `json:"deadline,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`

	// QuarantinedAt mirrors Task.QuarantinedAt semantics.
	QuarantinedAt *time.Time `json:"quarantined_at,omitempty"`
}

// Validate checks that the Epic can be written to the mirror.
func (e *Epic) Validate() error {
	if e.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", e.ID)
	}
	if e.Title == "" {
		return fmt.Errorf("title is required")
	}
	if e.Status == "" {
		return fmt.Errorf("status is required")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Run statuses. Runs are mirror-local execution records with no external
// source of truth; staleness alone marks them terminal.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is an execution record tracked in the mirror.
type Run struct {
	ID     int64  `json:"id"`
	TaskID *int64 `json:"task_id,omitempty"`

	// Status drives internal bookkeeping; ExternalStatus is the value shown
	// to dashboard readers. The stale-run reconciler sets both.
	Status         string `json:"status"`
	ExternalStatus string `json:"external_status"`
	Detail         string `json:"detail,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
