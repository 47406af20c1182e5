package rowsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/steincamp/taskmirror/internal/mirror"
	"github.com/steincamp/taskmirror/internal/source"
)

// syncer implements the Syncer interface.
type syncer struct {
	source source.Store
	mirror *mirror.DB
	logger *log.Logger
}

// New creates a new Syncer instance.
//
// The mirror database must be open and have its schema initialized.
// If logger is nil, a default logger writing to stderr is used.
func New(src source.Store, db *mirror.DB, logger *log.Logger) Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[rowsync] ", log.LstdFlags)
	}
	return &syncer{
		source: src,
		mirror: db,
		logger: logger,
	}
}

// SyncTask implements Syncer.SyncTask.
func (s *syncer) SyncTask(ctx context.Context, id int64) (bool, error) {
	task, err := s.source.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to fetch task %d from source: %w", id, err)
	}

	// Epic-before-task ordering: the referenced epic must exist in the
	// mirror before the task row that points at it is written.
	if task.EpicID != nil {
		found, err := s.SyncEpic(ctx, *task.EpicID)
		if err != nil {
			return false, fmt.Errorf("failed to sync epic %d for task %d: %w", *task.EpicID, id, err)
		}
		if !found {
			// The epic vanished between the task read and the epic read.
			// Write the task without the reference rather than dangling.
			s.logger.Printf("epic %d for task %d gone from source, clearing reference", *task.EpicID, id)
			task.EpicID = nil
		}
	}

	if err := s.mirror.UpsertTask(ctx, task); err != nil {
		return false, fmt.Errorf("failed to mirror task %d: %w", id, err)
	}

	s.logger.Printf("synced task %d (%s)", task.ID, task.Status)
	return true, nil
}

// SyncEpic implements Syncer.SyncEpic.
func (s *syncer) SyncEpic(ctx context.Context, id int64) (bool, error) {
	epic, err := s.source.GetEpic(ctx, id)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to fetch epic %d from source: %w", id, err)
	}

	if err := s.mirror.UpsertEpic(ctx, epic); err != nil {
		return false, fmt.Errorf("failed to mirror epic %d: %w", id, err)
	}

	s.logger.Printf("synced epic %d (%s)", epic.ID, epic.Status)
	return true, nil
}

// DeleteTask implements Syncer.DeleteTask.
func (s *syncer) DeleteTask(ctx context.Context, id int64) error {
	if err := s.mirror.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}
	s.logger.Printf("deleted task %d", id)
	return nil
}

// DeleteEpic implements Syncer.DeleteEpic.
func (s *syncer) DeleteEpic(ctx context.Context, id int64) error {
	if err := s.mirror.DeleteEpic(ctx, id); err != nil {
		return fmt.Errorf("failed to delete epic %d: %w", id, err)
	}
	s.logger.Printf("deleted epic %d", id)
	return nil
}
