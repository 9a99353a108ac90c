package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/readerkit/readsync/internal/eventlog"
	"github.com/readerkit/readsync/internal/metrics"
	"github.com/readerkit/readsync/internal/pubsub"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/store"
)

// reconciler implements the Reconciler interface.
type reconciler struct {
	db     *store.DB
	client remote.Client
	events *pubsub.Stream[schema.Event]
	log    eventlog.Recorder
	logger *log.Logger
}

// Options carries the optional collaborators of New.
type Options struct {
	Events *pubsub.Stream[schema.Event]
	Log    eventlog.Recorder
	Logger *log.Logger
}

// New creates a Reconciler.
//
// If opts.Logger is nil, a default logger writing to stderr is used.
func New(db *store.DB, client remote.Client, opts Options) Reconciler {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	if opts.Log == nil {
		opts.Log = eventlog.Nop{}
	}
	return &reconciler{
		db:     db,
		client: client,
		events: opts.Events,
		log:    opts.Log,
		logger: opts.Logger,
	}
}

// Reconcile implements Reconciler.Reconcile.
func (r *reconciler) Reconcile(ctx context.Context) (Result, error) {
	start := time.Now()
	var total Result

	for _, table := range []remote.Table{remote.TableHighlights, remote.TableBookmarks} {
		res, err := r.ReconcileTable(ctx, table)
		total.Add(res)
		if err != nil {
			r.log.Record(eventlog.TypeReconcileFailed, "reconcile", err.Error(), map[string]any{"table": table})
			return total, fmt.Errorf("failed to reconcile %s: %w", table, err)
		}
	}

	changed, err := r.ReconcilePreferences(ctx)
	switch {
	case err != nil:
		total.Failed++
		r.logger.Printf("Warning: failed to reconcile preferences: %v", err)
	case changed:
		total.Merged++
	}

	metrics.RecordReconcile(total.Merged, total.Skipped, total.Failed)
	r.log.Record(eventlog.TypeReconcile, "reconcile", "full sync complete", map[string]any{
		"merged":      total.Merged,
		"skipped":     total.Skipped,
		"failed":      total.Failed,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	r.logger.Printf("Full sync complete: %d merged, %d skipped, %d failed", total.Merged, total.Skipped, total.Failed)
	return total, nil
}

// ReconcileTable implements Reconciler.ReconcileTable.
func (r *reconciler) ReconcileTable(ctx context.Context, table remote.Table) (Result, error) {
	var res Result
	kind, ok := table.Kind()
	if !ok {
		return res, fmt.Errorf("%s is not an annotation table", table)
	}

	rows, err := r.client.ListAnnotations(ctx, table, remote.AnnotationFilter{})
	if err != nil {
		return res, fmt.Errorf("failed to list remote %s: %w", table, err)
	}

	// Identifier lookups repeat heavily across one pass.
	books := make(map[string]int64)
	for _, a := range rows {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		a.Kind = kind

		bookID, known := books[a.BookIdentifier]
		if !known {
			id, ok, err := r.db.ResolveBookID(ctx, a.BookIdentifier)
			if err != nil {
				res.Failed++
				r.logger.Printf("Warning: failed to resolve book %s: %v", a.BookIdentifier, err)
				continue
			}
			if ok {
				bookID = id
			}
			books[a.BookIdentifier] = bookID
		}
		if bookID == 0 {
			res.Skipped++
			continue
		}
		a.BookID = bookID

		merged, err := r.db.MergeAnnotation(ctx, a)
		if err != nil {
			res.Failed++
			r.logger.Printf("Warning: failed to merge %s %s: %v", kind, a.CloudID, err)
			continue
		}
		if !merged {
			res.Skipped++
			continue
		}
		res.Merged++
		r.publish(schema.Event{Kind: schema.EventRemoteAnnotation, BookID: a.BookIdentifier, Annotation: &a})
	}
	return res, nil
}

// ReconcilePreferences implements Reconciler.ReconcilePreferences.
func (r *reconciler) ReconcilePreferences(ctx context.Context) (bool, error) {
	p, err := r.client.FetchPreferences(ctx)
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch remote preferences: %w", err)
	}
	changed, err := r.db.MergePreferences(ctx, p)
	if err != nil {
		return false, err
	}
	if changed {
		r.publish(schema.Event{Kind: schema.EventRemotePreferences, Preferences: &p})
	}
	return changed, nil
}

func (r *reconciler) publish(ev schema.Event) {
	if r.events == nil {
		return
	}
	ev.Source = "reconcile"
	ev.At = time.Now()
	r.events.Publish(ev)
}
