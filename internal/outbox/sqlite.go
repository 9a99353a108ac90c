package outbox

import (
	"context"

	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/store"
)

// SQLiteQueue stores the outbox in the local store's outbox table.
type SQLiteQueue struct {
	db    *store.DB
	owned bool
}

// NewSQLiteQueue returns a queue backed by db. Close does not close db.
func NewSQLiteQueue(db *store.DB) *SQLiteQueue {
	return &SQLiteQueue{db: db}
}

func (q *SQLiteQueue) EnqueueOrReplace(ctx context.Context, typ schema.ActionType, key string, payload []byte, ts int64) (schema.OutboxAction, error) {
	return q.db.EnqueueOutbox(ctx, typ, key, payload, ts)
}

func (q *SQLiteQueue) Refresh(ctx context.Context, typ schema.ActionType, key string, payload []byte, ts int64) (bool, error) {
	return q.db.RefreshOutbox(ctx, typ, key, payload, ts)
}

func (q *SQLiteQueue) DrainOrdered(ctx context.Context) ([]schema.OutboxAction, error) {
	return q.db.ListOutbox(ctx)
}

func (q *SQLiteQueue) Get(ctx context.Context, typ schema.ActionType, key string) (schema.OutboxAction, error) {
	return q.db.GetOutbox(ctx, typ, key)
}

func (q *SQLiteQueue) Remove(ctx context.Context, id, version int64) (bool, error) {
	return q.db.RemoveOutbox(ctx, id, version)
}

func (q *SQLiteQueue) RemoveKey(ctx context.Context, typ schema.ActionType, key string) (bool, error) {
	return q.db.RemoveOutboxKey(ctx, typ, key)
}

func (q *SQLiteQueue) MarkFailed(ctx context.Context, id int64, cause error) error {
	return q.db.MarkOutboxFailed(ctx, id, errString(cause))
}

func (q *SQLiteQueue) Depth(ctx context.Context) (int, error) {
	return q.db.OutboxDepth(ctx)
}

func (q *SQLiteQueue) Clear(ctx context.Context) error {
	return q.db.ClearOutbox(ctx)
}

func (q *SQLiteQueue) Close() error {
	if q.owned {
		return q.db.Close()
	}
	return nil
}
