// Package reconcile bulk-merges remote annotations and preferences into the
// local store.
package reconcile

import (
	"context"

	"github.com/readerkit/readsync/internal/remote"
)

// Result counts the records a reconcile pass looked at.
type Result struct {
	// Merged records were inserted or overwrote an older local row
	Merged int
	// Skipped records belong to unknown books or were not newer
	Skipped int
	// Failed records could not be written locally
	Failed int
}

// Add accumulates o into r.
func (r *Result) Add(o Result) {
	r.Merged += o.Merged
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Reconciler pulls remote state and merges it newest-wins.
//
// A reconcile pass only ever inserts rows or overwrites rows with strictly
// newer ones; it never deletes. Remote tombstones are merged as soft deletes.
// Passes are safe to run concurrently with each other and with ordinary local
// writes because every merge is a single conditional upsert.
type Reconciler interface {
	// Reconcile merges every remote highlight, bookmark and the preferences
	// row. Individual record failures are counted, not returned; the error is
	// non-nil only if the remote could not be listed at all.
	//
	// Example:
	//   res, err := r.Reconcile(ctx)
	Reconcile(ctx context.Context) (Result, error)

	// ReconcileTable merges the live records of one annotation table.
	//
	// Records are matched to local books by their global identifier, falling
	// back to a legacy numeric id. Records for books this device does not
	// know are skipped.
	ReconcileTable(ctx context.Context, table remote.Table) (Result, error)

	// ReconcilePreferences replaces local preferences if the remote row is
	// newer. It reports whether anything changed; a missing remote row is
	// not an error.
	ReconcilePreferences(ctx context.Context) (bool, error)
}
