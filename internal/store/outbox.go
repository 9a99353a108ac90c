package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/readerkit/readsync/internal/schema"
)

const outboxColumns = `id, type, key, payload, timestamp, retry_count, last_error, version`

// EnqueueOutbox inserts an action or replaces the payload of the existing action
// with the same (type, key). Replacing resets the retry state and bumps Version.
func (db *DB) EnqueueOutbox(ctx context.Context, typ schema.ActionType, key string, payload []byte, ts int64) (schema.OutboxAction, error) {
	action := schema.OutboxAction{Type: typ, Key: key, Payload: payload, Timestamp: ts}
	if err := action.Validate(); err != nil {
		return schema.OutboxAction{}, fmt.Errorf("invalid outbox action: %w", err)
	}

	query := `
	INSERT INTO outbox (type, key, payload, timestamp) VALUES (?, ?, ?, ?)
	ON CONFLICT(type, key) DO UPDATE SET
		payload = excluded.payload,
		timestamp = excluded.timestamp,
		retry_count = 0,
		last_error = '',
		version = outbox.version + 1
	RETURNING ` + outboxColumns

	row := db.conn.QueryRowContext(ctx, query, string(typ), key, payload, ts)
	out, err := scanOutbox(row)
	if err != nil {
		return schema.OutboxAction{}, fmt.Errorf("failed to enqueue %s/%s: %w", typ, key, err)
	}
	return out, nil
}

// RefreshOutbox replaces the payload of an already queued action without
// creating one. It reports whether a row existed.
func (db *DB) RefreshOutbox(ctx context.Context, typ schema.ActionType, key string, payload []byte, ts int64) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
	UPDATE outbox SET payload = ?, timestamp = ?, version = version + 1
	WHERE type = ? AND key = ?
	`, payload, ts, string(typ), key)
	if err != nil {
		return false, fmt.Errorf("failed to refresh %s/%s: %w", typ, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read refresh result: %w", err)
	}
	return n > 0, nil
}

// ListOutbox returns every pending action, oldest first.
func (db *DB) ListOutbox(ctx context.Context) ([]schema.OutboxAction, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var out []schema.OutboxAction
	for rows.Next() {
		a, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return out, nil
}

// GetOutbox returns the pending action for (type, key), or ErrNotFound.
func (db *DB) GetOutbox(ctx context.Context, typ schema.ActionType, key string) (schema.OutboxAction, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE type = ? AND key = ?`, string(typ), key)
	a, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.OutboxAction{}, ErrNotFound
	}
	if err != nil {
		return schema.OutboxAction{}, fmt.Errorf("failed to get %s/%s: %w", typ, key, err)
	}
	return a, nil
}

// RemoveOutbox deletes an action only if it still has the given version. It
// reports false when the payload was replaced in the meantime.
func (db *DB) RemoveOutbox(ctx context.Context, id, version int64) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM outbox WHERE id = ? AND version = ?`, id, version)
	if err != nil {
		return false, fmt.Errorf("failed to remove outbox #%d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read remove result: %w", err)
	}
	return n > 0, nil
}

// RemoveOutboxKey unconditionally deletes the action for (type, key).
func (db *DB) RemoveOutboxKey(ctx context.Context, typ schema.ActionType, key string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM outbox WHERE type = ? AND key = ?`, string(typ), key)
	if err != nil {
		return false, fmt.Errorf("failed to remove %s/%s: %w", typ, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read remove result: %w", err)
	}
	return n > 0, nil
}

// MarkOutboxFailed increments the retry count and records the error.
func (db *DB) MarkOutboxFailed(ctx context.Context, id int64, msg string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE outbox SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox #%d failed: %w", id, err)
	}
	return nil
}

// OutboxDepth returns the number of pending actions.
func (db *DB) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

// ClearOutbox deletes every pending action.
func (db *DB) ClearOutbox(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}
	return nil
}

func scanOutbox(row rowScanner) (schema.OutboxAction, error) {
	var a schema.OutboxAction
	var typ string
	if err := row.Scan(&a.ID, &typ, &a.Key, &a.Payload, &a.Timestamp, &a.RetryCount, &a.LastError, &a.Version); err != nil {
		return schema.OutboxAction{}, err
	}
	a.Type = schema.ActionType(typ)
	return a, nil
}
