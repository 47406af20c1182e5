// Package source provides read access to the Postgres system of record
// for tasks and epics.
//
// The mirror depends only on point lookups by identifier and bulk
// identifier listing; it never writes to the source. The change listener
// holds its own dedicated connection for LISTEN/NOTIFY (see the listener
// package) and does not go through this store.
package source

import (
	"context"
	"errors"

	"github.com/steincamp/taskmirror/internal/model"
)

// ErrNotFound is returned by point lookups when the identifier does not
// exist in the source. Callers decide what absence means: the real-time
// path deletes, the reconciliation path quarantines.
var ErrNotFound = errors.New("source: row not found")

// Store is the read-only view of the source the syncer and reconciler use.
// The Postgres implementation lives in this package; tests substitute fakes.
type Store interface {
	// GetTask fetches one task snapshot by identifier.
	// Returns ErrNotFound if the task does not exist.
	GetTask(ctx context.Context, id int64) (*model.Task, error)

	// GetEpic fetches one epic snapshot by identifier.
	// Returns ErrNotFound if the epic does not exist.
	GetEpic(ctx context.Context, id int64) (*model.Epic, error)

	// ListTaskIDs returns every task identifier currently in the source.
	ListTaskIDs(ctx context.Context) ([]int64, error)

	// ListEpicIDs returns every epic identifier currently in the source.
	ListEpicIDs(ctx context.Context) ([]int64, error)
}
