package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/readerkit/readsync/internal/schema"
)

// PutPreferences overwrites the preferences row.
func (db *DB) PutPreferences(ctx context.Context, p schema.Preferences) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid preferences: %w", err)
	}
	values, err := json.Marshal(p.Clone().Values)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
	INSERT INTO preferences (id, values_json, timestamp, device_id) VALUES (1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		values_json = excluded.values_json,
		timestamp = excluded.timestamp,
		device_id = excluded.device_id
	`, string(values), p.Timestamp, p.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

// MergePreferences replaces the preferences row only if p is strictly newer.
func (db *DB) MergePreferences(ctx context.Context, p schema.Preferences) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("invalid preferences: %w", err)
	}
	values, err := json.Marshal(p.Clone().Values)
	if err != nil {
		return false, fmt.Errorf("failed to encode preferences: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO preferences (id, values_json, timestamp, device_id) VALUES (1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		values_json = excluded.values_json,
		timestamp = excluded.timestamp,
		device_id = excluded.device_id
	WHERE excluded.timestamp > preferences.timestamp
	`, string(values), p.Timestamp, p.DeviceID)
	if err != nil {
		return false, fmt.Errorf("failed to merge preferences: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read merge result: %w", err)
	}
	return n > 0, nil
}

// GetPreferences returns the preferences row, or ErrNotFound.
func (db *DB) GetPreferences(ctx context.Context) (schema.Preferences, error) {
	var p schema.Preferences
	var values string
	err := db.conn.QueryRowContext(ctx,
		`SELECT values_json, timestamp, device_id FROM preferences WHERE id = 1`,
	).Scan(&values, &p.Timestamp, &p.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Preferences{}, ErrNotFound
	}
	if err != nil {
		return schema.Preferences{}, fmt.Errorf("failed to get preferences: %w", err)
	}
	if err := json.Unmarshal([]byte(values), &p.Values); err != nil {
		return schema.Preferences{}, fmt.Errorf("failed to decode preferences: %w", err)
	}
	if p.Values == nil {
		p.Values = map[string]string{}
	}
	return p, nil
}
