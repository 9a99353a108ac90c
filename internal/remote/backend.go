package remote

import (
	"context"
	"time"

	"github.com/readerkit/readsync/internal/schema"
)

// DefaultConflictWindow is how far apart two writes from different devices
// must be before an older write is reported as a conflict.
const DefaultConflictWindow = 10 * time.Second

// Backend stores reading state for many users and publishes row changes.
type Backend interface {
	UpsertPosition(ctx context.Context, userID string, p schema.Position) (UpsertResult, error)
	FetchPosition(ctx context.Context, userID, bookID string) (schema.Position, error)

	ListAnnotations(ctx context.Context, userID string, table Table, filter AnnotationFilter) ([]schema.Annotation, error)
	UpsertAnnotation(ctx context.Context, userID string, a schema.Annotation) (schema.Annotation, error)
	DeleteAnnotation(ctx context.Context, userID string, table Table, t Tombstone) error

	FetchPreferences(ctx context.Context, userID string) (schema.Preferences, error)
	UpsertPreferences(ctx context.Context, userID string, p schema.Preferences) (schema.Preferences, error)

	Subscribe(ctx context.Context, userID string, table Table) (<-chan ChangeEvent, error)
	Close() error
}

// decidePosition applies the server-side upsert rules to an incoming position.
// existing is nil when the server has no row for the book. apply reports
// whether incoming must be written.
func decidePosition(existing *schema.Position, incoming schema.Position, window time.Duration) (apply bool, res UpsertResult) {
	switch {
	case existing == nil:
		return true, UpsertResult{Updated: true, Data: incoming}
	case existing.SameContent(incoming):
		return false, UpsertResult{Data: *existing}
	case incoming.Timestamp > existing.Timestamp:
		return true, UpsertResult{Updated: true, Data: incoming}
	default:
		delta := time.Duration(existing.Timestamp-incoming.Timestamp) * time.Millisecond
		conflict := existing.DeviceID != incoming.DeviceID && delta > window
		return false, UpsertResult{Conflict: conflict, Data: *existing}
	}
}

// decideAnnotation reports whether incoming replaces existing (nil when absent).
func decideAnnotation(existing *schema.Annotation, incoming schema.Annotation) bool {
	return existing == nil || incoming.Timestamp > existing.Timestamp
}
