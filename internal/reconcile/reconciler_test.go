package reconcile

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/steincamp/taskmirror/internal/mirror"
	"github.com/steincamp/taskmirror/internal/model"
	"github.com/steincamp/taskmirror/internal/rowsync"
	"github.com/steincamp/taskmirror/internal/source"
)

// fakeStore serves snapshots from maps and can simulate an unreachable
// source via listErr.
type fakeStore struct {
	tasks   map[int64]*model.Task
	epics   map[int64]*model.Epic
	listErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks: make(map[int64]*model.Task),
		epics: make(map[int64]*model.Epic),
	}
}

func (s *fakeStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return nil, source.ErrNotFound
	}
	copied := *task
	return &copied, nil
}

func (s *fakeStore) GetEpic(ctx context.Context, id int64) (*model.Epic, error) {
	epic, ok := s.epics[id]
	if !ok {
		return nil, source.ErrNotFound
	}
	copied := *epic
	return &copied, nil
}

func (s *fakeStore) ListTaskIDs(ctx context.Context) ([]int64, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make([]int64, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) ListEpicIDs(ctx context.Context) ([]int64, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make([]int64, 0, len(s.epics))
	for id := range s.epics {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) addTask(id int64) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.tasks[id] = &model.Task{
		ID:        id,
		Title:     "source task",
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *fakeStore) addEpic(id int64) {
	s.epics[id] = &model.Epic{
		ID:        id,
		Title:     "source epic",
		Status:    "active",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testMirror(t *testing.T) *mirror.DB {
	t.Helper()

	db, err := mirror.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("failed to open mirror: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return db
}

// seedMirror syncs every source row into the mirror so both sides start
// identical.
func seedMirror(t *testing.T, store *fakeStore, db *mirror.DB, syncer rowsync.Syncer) {
	t.Helper()
	ctx := context.Background()
	for id := range store.epics {
		if _, err := syncer.SyncEpic(ctx, id); err != nil {
			t.Fatalf("failed to seed epic %d: %v", id, err)
		}
	}
	for id := range store.tasks {
		if _, err := syncer.SyncTask(ctx, id); err != nil {
			t.Fatalf("failed to seed task %d: %v", id, err)
		}
	}
}

func newTestReconciler(store *fakeStore, db *mirror.DB, config *Config) (*Reconciler, rowsync.Syncer) {
	logger := log.New(io.Discard, "", 0)
	syncer := rowsync.New(store, db, logger)
	if config == nil {
		config = &Config{}
	}
	config.Logger = logger
	return New(store, db, syncer, config), syncer
}

func TestReconcileNoDrift(t *testing.T) {
	store := newFakeStore()
	db := testMirror(t)
	rec, syncer := newTestReconciler(store, db, nil)
	ctx := context.Background()

	store.addTask(1)
	store.addTask(2)
	seedMirror(t, store, db, syncer)

	report, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if report == nil {
		t.Fatal("report is nil")
	}
	if report.Drift {
		t.Errorf("drift reported on identical sides: %+v", report)
	}
}

func TestReconcileQuarantineThenDelete(t *testing.T) {
	store := newFakeStore()
	db := testMirror(t)
	// A tiny window so the second pass finds the quarantine expired.
	rec, syncer := newTestReconciler(store, db, &Config{QuarantineWindow: time.Nanosecond})
	ctx := context.Background()

	for id := int64(1); id <= 4; id++ {
		store.addTask(id)
	}
	seedMirror(t, store, db, syncer)

	// Tasks 3 and 4 vanish from the source.
	delete(store.tasks, 3)
	delete(store.tasks, 4)

	report, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if !report.Drift {
		t.Error("first pass should report drift")
	}
	if report.QuarantinedTasks != 2 {
		t.Errorf("quarantined = %d, want 2", report.QuarantinedTasks)
	}
	if report.RemovedTasks != 0 {
		t.Errorf("first pass removed %d tasks, want 0: absence alone never deletes", report.RemovedTasks)
	}

	count, err := db.CountTasks(ctx)
	if err != nil {
		t.Fatalf("failed to count tasks: %v", err)
	}
	if count != 4 {
		t.Errorf("mirror has %d tasks after quarantine, want 4", count)
	}

	time.Sleep(time.Millisecond) // let the nanosecond window elapse

	report, err = rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if report.RemovedTasks != 2 {
		t.Errorf("second pass removed %d tasks, want 2", report.RemovedTasks)
	}

	count, err = db.CountTasks(ctx)
	if err != nil {
		t.Fatalf("failed to count tasks: %v", err)
	}
	if count != 2 {
		t.Errorf("mirror has %d tasks after deletion, want 2", count)
	}
}

func TestReconcileWithinWindowLeavesRows(t *testing.T) {
	store := newFakeStore()
	db := testMirror(t)
	rec, syncer := newTestReconciler(store, db, &Config{QuarantineWindow: 24 * time.Hour})
	ctx := context.Background()

	store.addTask(1)
	store.addTask(2)
	seedMirror(t, store, db, syncer)
	delete(store.tasks, 2)

	if _, err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	// A second pass inside the window must not touch the quarantined row.
	report, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if report.Drift {
		t.Errorf("second pass reported drift: %+v", report)
	}
	if report.RemovedTasks != 0 {
		t.Errorf("removed %d tasks inside the window", report.RemovedTasks)
	}

	states, err := db.ListTaskStates(ctx)
	if err != nil {
		t.Fatalf("failed to list states: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("mirror has %d tasks, want 2", len(states))
	}
}

func TestReconcileUnquarantinesReappearedRow(t *testing.T) {
	store := newFakeStore()
	db := testMirror(t)
	rec, syncer := newTestReconciler(store, db, &Config{QuarantineWindow: 24 * time.Hour})
	ctx := context.Background()

	store.addTask(1)
	seedMirror(t, store, db, syncer)

	delete(store.tasks, 1)
	if _, err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("quarantine pass failed: %v", err)
	}

	// The row reappears before the window elapses: false alarm.
	store.addTask(1)
	report, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unquarantine pass failed: %v", err)
	}
	if report.UnquarantinedTasks != 1 {
		t.Errorf("unquarantined = %d, want 1", report.UnquarantinedTasks)
	}

	task, err := db.GetTask(ctx, 1)
	if err != nil {
		t.Fatalf("task lost: %v", err)
	}
	if task.QuarantinedAt != nil {
		t.Error("quarantined_at not cleared after reappearance")
	}
}

func TestReconcileCircuitBreaker(t *testing.T) {
	store := newFakeStore()
	db := testMirror(t)
	rec, syncer := newTestReconciler(store, db, &Config{MaxDriftRatio: 0.5})
	ctx := context.Background()

	for id := int64(1); id <= 4; id++ {
		store.addTask(id)
	}
	seedMirror(t, store, db, syncer)

	// 3 of 4 rows vanish: over the 50% limit, the pass must abort.
	delete(store.tasks, 2)
	delete(store.tasks, 3)
	delete(store.tasks, 4)

	report, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !report.Drift {
		t.Error("aborted pass must still flag drift")
	}
	if report.QuarantinedTasks != 0 || report.RemovedTasks != 0 {
		t.Errorf("aborted pass mutated: %+v", report)
	}

	states, err := db.ListTaskStates(ctx)
	if err != nil {
		t.Fatalf("failed to list states: %v", err)
	}
	if len(states) != 4 {
		t.Fatalf("mirror has %d tasks, want 4", len(states))
	}
	for _, state := range states {
		if state.QuarantinedAt != nil {
			t.Errorf("task %d was quarantined by an aborted pass", state.ID)
		}
	}
}

func TestReconcileExactlyHalfIsAllowed(t *testing.T) {
	store := newFakeStore()
	db := testMirror(t)
	rec, syncer := newTestReconciler(store, db, &Config{MaxDriftRatio: 0.5})
	ctx := context.Background()

	for id := int64(1); id <= 4; id++ {
		store.addTask(id)
	}
	seedMirror(t, store, db, syncer)

	// Exactly 50%: at the limit, not over it.
	delete(store.tasks, 3)
	delete(store.tasks, 4)

	report, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if report.QuarantinedTasks != 2 {
		t.Errorf("quarantined = %d, want 2", report.QuarantinedTasks)
	}
}

func TestReconcileSkipsWhenSourceUnreachable(t *testing.T) {
	store := newFakeStore()
	db := testMirror(t)
	rec, syncer := newTestReconciler(store, db, nil)
	ctx := context.Background()

	store.addTask(1)
	seedMirror(t, store, db, syncer)

	store.listErr = errors.New("connection refused")

	report, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unreachable source must not be an error: %v", err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil for a skipped cycle", report)
	}

	// The mirror is untouched.
	states, err := db.ListTaskStates(ctx)
	if err != nil {
		t.Fatalf("failed to list states: %v", err)
	}
	if len(states) != 1 || states[0].QuarantinedAt != nil {
		t.Errorf("skipped cycle mutated the mirror: %+v", states)
	}
}

func TestReconcileSyncsMissingRows(t *testing.T) {
	store := newFakeStore()
	db := testMirror(t)
	rec, _ := newTestReconciler(store, db, nil)
	ctx := context.Background()

	// The source has rows the mirror has never seen.
	store.addEpic(10)
	store.addTask(1)
	store.addTask(2)

	report, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if report.SyncedTasks != 2 {
		t.Errorf("synced tasks = %d, want 2", report.SyncedTasks)
	}
	if report.SyncedEpics != 1 {
		t.Errorf("synced epics = %d, want 1", report.SyncedEpics)
	}

	count, err := db.CountTasks(ctx)
	if err != nil {
		t.Fatalf("failed to count tasks: %v", err)
	}
	if count != 2 {
		t.Errorf("mirror has %d tasks, want 2", count)
	}
}

func TestStaleRuns(t *testing.T) {
	store := newFakeStore()
	db := testMirror(t)
	rec, _ := newTestReconciler(store, db, &Config{StaleRunAfter: 30 * time.Minute})
	ctx := context.Background()

	now := time.Now()
	if _, err := db.InsertRun(ctx, &model.Run{
		StartedAt: now.Add(-45 * time.Minute),
		UpdatedAt: now.Add(-45 * time.Minute),
	}); err != nil {
		t.Fatalf("failed to insert run: %v", err)
	}
	if _, err := db.InsertRun(ctx, &model.Run{
		StartedAt: now.Add(-10 * time.Minute),
		UpdatedAt: now.Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("failed to insert run: %v", err)
	}

	// Zero threshold falls back to the configured default.
	n, err := rec.StaleRuns(ctx, 0)
	if err != nil {
		t.Fatalf("stale run pass failed: %v", err)
	}
	if n != 1 {
		t.Errorf("marked %d runs, want 1", n)
	}
}
