package model

import (
	"testing"
	"time"
)

func validTask() Task {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Task{ID: 1, Title: "t", Status: "pending", CreatedAt: now, UpdatedAt: now}
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Task)
		valid  bool
	}{
		{"valid", func(*Task) {}, true},
		{"zero id", func(task *Task) { task.ID = 0 }, false},
		{"negative id", func(task *Task) { task.ID = -1 }, false},
		{"missing title", func(task *Task) { task.Title = "" }, false},
		{"missing status", func(task *Task) { task.Status = "" }, false},
		{"missing created_at", func(task *Task) { task.CreatedAt = time.Time{} }, false},
		{"missing updated_at", func(task *Task) { task.UpdatedAt = time.Time{} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mutate(&task)
			err := task.Validate()
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEpicValidate(t *testing.T) {
	epic := Epic{ID: 1, Title: "e", Status: "active", CreatedAt: time.Now()}
	if err := epic.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	epic.Title = ""
	if err := epic.Validate(); err == nil {
		t.Error("expected validation error for missing title")
	}
}
