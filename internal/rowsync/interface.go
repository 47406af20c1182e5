// Package rowsync implements the idempotent single-row copy operation
// from the source store into the mirror.
package rowsync

import "context"

// Syncer copies individual task and epic rows from the source to the mirror.
//
// Both consistency mechanisms route through it: the change listener for
// single notifications, the drift reconciler for rows the mirror is
// missing. Sync operations are idempotent and safe to run concurrently
// for the same identifier; both invocations read the same source row, so
// last-write-wins leaves the mirror correct.
type Syncer interface {
	// SyncTask fetches one task from the source and upserts it into the
	// mirror. Returns false with no mirror mutation if the task is absent
	// from the source; the caller decides whether absence means delete
	// (real-time path) or quarantine (reconciliation path).
	//
	// A task carrying an epic reference has that epic synced first, so the
	// epic row exists before the task row is written. A failure mid-sync
	// leaves the task unwritten, never a task pointing at a missing epic.
	SyncTask(ctx context.Context, id int64) (bool, error)

	// SyncEpic fetches one epic from the source and upserts it into the
	// mirror. Returns false with no mirror mutation if the epic is absent.
	SyncEpic(ctx context.Context, id int64) (bool, error)

	// DeleteTask removes a task from the mirror, detaching dependents.
	// Idempotent.
	DeleteTask(ctx context.Context, id int64) error

	// DeleteEpic removes an epic from the mirror. Referencing tasks have
	// their epic reference cleared first; tasks are never deleted with
	// their epic. Idempotent.
	DeleteEpic(ctx context.Context, id int64) error
}
