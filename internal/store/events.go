package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncEvent is one row of the append-only diagnostic log.
type SyncEvent struct {
	ID        int64
	EventType string
	Source    string
	Message   string
	Details   string // JSON, may be empty
	Timestamp time.Time
}

// AppendEvent writes a diagnostic event.
func (db *DB) AppendEvent(ctx context.Context, ev SyncEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	var details sql.NullString
	if ev.Details != "" {
		details = sql.NullString{String: ev.Details, Valid: true}
	}
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_events (event_type, source, message, details, timestamp)
	VALUES (?, ?, ?, ?, ?)
	`, ev.EventType, ev.Source, ev.Message, details, ev.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns events at or after since, newest first. limit <= 0 means no limit.
func (db *DB) ListEvents(ctx context.Context, since time.Time, limit int) ([]SyncEvent, error) {
	query := `SELECT id, event_type, source, message, details, timestamp FROM sync_events
	WHERE timestamp >= ? ORDER BY timestamp DESC, id DESC`
	args := []any{since.UnixMilli()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []SyncEvent
	for rows.Next() {
		var ev SyncEvent
		var details sql.NullString
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Source, &ev.Message, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Details = details.String
		ev.Timestamp = time.UnixMilli(ts)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
