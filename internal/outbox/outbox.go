// Package outbox is the durable write-ahead queue of mutations waiting to be
// pushed to the remote backend.
//
// Each (type, key) holds at most one action. Enqueueing a newer mutation for the
// same key replaces the payload in place, so N rapid writes leave one row whose
// payload equals the last write. Every replacement bumps the action's Version;
// Remove is conditional on it so an acknowledgement for an older payload never
// deletes a newer one.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/store"
)

// ErrNotFound is returned by Get when no action exists for the key.
var ErrNotFound = store.ErrNotFound

// Queue is the outbox contract shared by the SQLite and in-memory backends.
type Queue interface {
	// EnqueueOrReplace inserts an action or replaces the payload of the
	// existing one, resetting its retry state.
	EnqueueOrReplace(ctx context.Context, typ schema.ActionType, key string, payload []byte, ts int64) (schema.OutboxAction, error)
	// Refresh replaces the payload only if an action is already queued.
	Refresh(ctx context.Context, typ schema.ActionType, key string, payload []byte, ts int64) (bool, error)
	// DrainOrdered returns all pending actions oldest first. It does not
	// remove them.
	DrainOrdered(ctx context.Context) ([]schema.OutboxAction, error)
	Get(ctx context.Context, typ schema.ActionType, key string) (schema.OutboxAction, error)
	// Remove deletes the action if it still has the given version.
	Remove(ctx context.Context, id, version int64) (bool, error)
	// RemoveKey discards the action for a key regardless of version.
	RemoveKey(ctx context.Context, typ schema.ActionType, key string) (bool, error)
	MarkFailed(ctx context.Context, id int64, cause error) error
	Depth(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// EnqueueJSON marshals v and enqueues it.
func EnqueueJSON(ctx context.Context, q Queue, typ schema.ActionType, key string, v any, ts int64) (schema.OutboxAction, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return schema.OutboxAction{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	return q.EnqueueOrReplace(ctx, typ, key, payload, ts)
}

// RefreshJSON marshals v and refreshes an already queued action.
func RefreshJSON(ctx context.Context, q Queue, typ schema.ActionType, key string, v any, ts int64) (bool, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	return q.Refresh(ctx, typ, key, payload, ts)
}

// BuildQueueFromDSN opens a queue from a DSN:
//
//	sqlite:/var/lib/readsync/readsync.db
//	memory:
//
// A bare path is treated as a SQLite database.
func BuildQueueFromDSN(ctx context.Context, dsn string) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("outbox dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid outbox dsn: %w", err)
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "", "sqlite", "sqlite3", "file":
		path := dsnPath(parsed, dsn)
		if path == "" {
			return nil, fmt.Errorf("outbox dsn %q has no path", dsn)
		}
		db, err := store.OpenAndInit(ctx, path)
		if err != nil {
			return nil, err
		}
		return &SQLiteQueue{db: db, owned: true}, nil
	case "memory", "mem":
		return NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unsupported outbox scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) string {
	if parsed.Scheme == "" {
		return raw
	}
	if p := parsed.Opaque; p != "" {
		return p
	}
	return parsed.Host + parsed.Path
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
