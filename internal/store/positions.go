package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/readerkit/readsync/internal/schema"
)

const positionColumns = `book_id, locator, percentage, page_number, chapter_id, timestamp, device_id`

// PutPosition inserts or overwrites the position of a book.
func (db *DB) PutPosition(ctx context.Context, p schema.Position) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}

	query := `
	INSERT INTO positions (` + positionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(book_id) DO UPDATE SET
		locator = excluded.locator,
		percentage = excluded.percentage,
		page_number = excluded.page_number,
		chapter_id = excluded.chapter_id,
		timestamp = excluded.timestamp,
		device_id = excluded.device_id
	`

	_, err := db.conn.ExecContext(ctx, query,
		p.BookID, p.Locator, p.Percentage, nullInt(p.PageNumber), p.ChapterID, p.Timestamp, p.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", p.BookID, err)
	}
	return nil
}

// MergePosition stores p only if there is no local position for the book or the
// local one is strictly older. It reports whether the row changed.
func (db *DB) MergePosition(ctx context.Context, p schema.Position) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("invalid position: %w", err)
	}

	query := `
	INSERT INTO positions (` + positionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(book_id) DO UPDATE SET
		locator = excluded.locator,
		percentage = excluded.percentage,
		page_number = excluded.page_number,
		chapter_id = excluded.chapter_id,
		timestamp = excluded.timestamp,
		device_id = excluded.device_id
	WHERE excluded.timestamp > positions.timestamp
	`

	res, err := db.conn.ExecContext(ctx, query,
		p.BookID, p.Locator, p.Percentage, nullInt(p.PageNumber), p.ChapterID, p.Timestamp, p.DeviceID)
	if err != nil {
		return false, fmt.Errorf("failed to merge position %s: %w", p.BookID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read merge result: %w", err)
	}
	return n > 0, nil
}

// GetPosition returns the local position of a book, or ErrNotFound.
func (db *DB) GetPosition(ctx context.Context, bookID string) (schema.Position, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE book_id = ?`, bookID)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Position{}, ErrNotFound
	}
	if err != nil {
		return schema.Position{}, fmt.Errorf("failed to get position %s: %w", bookID, err)
	}
	return p, nil
}

// ListPositions returns all local positions ordered by most recent first.
func (db *DB) ListPositions(ctx context.Context) ([]schema.Position, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []schema.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (schema.Position, error) {
	var p schema.Position
	var page sql.NullInt64
	if err := row.Scan(&p.BookID, &p.Locator, &p.Percentage, &page, &p.ChapterID, &p.Timestamp, &p.DeviceID); err != nil {
		return schema.Position{}, err
	}
	p.PageNumber = intPtr(page)
	return p, nil
}
