package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/readerkit/readsync/internal/schema"
)

const annotationColumns = `local_id, kind, cloud_id, book_id, book_identifier, locator, text, note,
	style, tint, timestamp, device_id, deleted`

// PutAnnotation inserts or updates an annotation by CloudID and sets a.LocalID.
// The CloudID must already be assigned.
func (db *DB) PutAnnotation(ctx context.Context, a *schema.Annotation) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid annotation: %w", err)
	}

	query := `
	INSERT INTO annotations (
		kind, cloud_id, book_id, book_identifier, locator, text, note,
		style, tint, timestamp, device_id, deleted
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(cloud_id) DO UPDATE SET
		kind = excluded.kind,
		book_id = excluded.book_id,
		book_identifier = excluded.book_identifier,
		locator = excluded.locator,
		text = excluded.text,
		note = excluded.note,
		style = excluded.style,
		tint = excluded.tint,
		timestamp = excluded.timestamp,
		device_id = excluded.device_id,
		deleted = excluded.deleted
	RETURNING local_id
	`

	err := db.conn.QueryRowContext(ctx, query,
		string(a.Kind), a.CloudID, a.BookID, a.BookIdentifier, a.Locator, a.Text, a.Note,
		a.Style, a.Tint, a.Timestamp, a.DeviceID, boolToInt(a.Deleted),
	).Scan(&a.LocalID)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", a.Kind, a.CloudID, err)
	}
	return nil
}

// MergeAnnotation inserts a when no annotation with its CloudID exists, or
// overwrites the existing one only if a is strictly newer. It never deletes rows
// and reports whether anything changed.
func (db *DB) MergeAnnotation(ctx context.Context, a schema.Annotation) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, fmt.Errorf("invalid annotation: %w", err)
	}

	query := `
	INSERT INTO annotations (
		kind, cloud_id, book_id, book_identifier, locator, text, note,
		style, tint, timestamp, device_id, deleted
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(cloud_id) DO UPDATE SET
		book_identifier = excluded.book_identifier,
		locator = excluded.locator,
		text = excluded.text,
		note = excluded.note,
		style = excluded.style,
		tint = excluded.tint,
		timestamp = excluded.timestamp,
		device_id = excluded.device_id,
		deleted = excluded.deleted
	WHERE excluded.timestamp > annotations.timestamp
	`

	res, err := db.conn.ExecContext(ctx, query,
		string(a.Kind), a.CloudID, a.BookID, a.BookIdentifier, a.Locator, a.Text, a.Note,
		a.Style, a.Tint, a.Timestamp, a.DeviceID, boolToInt(a.Deleted),
	)
	if err != nil {
		return false, fmt.Errorf("failed to merge %s %s: %w", a.Kind, a.CloudID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read merge result: %w", err)
	}
	return n > 0, nil
}

// GetAnnotationByCloudID returns the annotation with the given CloudID, or ErrNotFound.
func (db *DB) GetAnnotationByCloudID(ctx context.Context, cloudID string) (schema.Annotation, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE cloud_id = ?`, cloudID)
	a, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Annotation{}, ErrNotFound
	}
	if err != nil {
		return schema.Annotation{}, fmt.Errorf("failed to get annotation %s: %w", cloudID, err)
	}
	return a, nil
}

// GetAnnotation returns the annotation with the given local id, or ErrNotFound.
func (db *DB) GetAnnotation(ctx context.Context, localID int64) (schema.Annotation, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE local_id = ?`, localID)
	a, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Annotation{}, ErrNotFound
	}
	if err != nil {
		return schema.Annotation{}, fmt.Errorf("failed to get annotation #%d: %w", localID, err)
	}
	return a, nil
}

// AnnotationFilter configures ListAnnotations.
type AnnotationFilter struct {
	// Kind filters by highlight/bookmark (empty = both)
	Kind schema.AnnotationKind
	// BookID filters by local book id (0 = all books)
	BookID int64
	// IncludeDeleted also returns tombstones
	IncludeDeleted bool
}

// ListAnnotations returns annotations matching the filter ordered by timestamp.
func (db *DB) ListAnnotations(ctx context.Context, filter AnnotationFilter) ([]schema.Annotation, error) {
	var conditions []string
	var args []any

	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.BookID != 0 {
		conditions = append(conditions, "book_id = ?")
		args = append(args, filter.BookID)
	}
	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}

	query := `SELECT ` + annotationColumns + ` FROM annotations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp ASC, local_id ASC"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	defer rows.Close()

	var out []schema.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan annotation: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating annotations: %w", err)
	}
	return out, nil
}

// PurgeAnnotation hard-deletes a tombstoned annotation after its deletion reached
// the remote. Rows that were revived since (deleted = 0) are left alone.
func (db *DB) PurgeAnnotation(ctx context.Context, cloudID string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM annotations WHERE cloud_id = ? AND deleted = 1`, cloudID)
	if err != nil {
		return fmt.Errorf("failed to purge annotation %s: %w", cloudID, err)
	}
	return nil
}

// CountAnnotations returns the number of live annotations of a kind.
func (db *DB) CountAnnotations(ctx context.Context, kind schema.AnnotationKind) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM annotations WHERE kind = ? AND deleted = 0`, string(kind)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count annotations: %w", err)
	}
	return count, nil
}

func scanAnnotation(row rowScanner) (schema.Annotation, error) {
	var a schema.Annotation
	var kind string
	var deleted int
	err := row.Scan(&a.LocalID, &kind, &a.CloudID, &a.BookID, &a.BookIdentifier, &a.Locator,
		&a.Text, &a.Note, &a.Style, &a.Tint, &a.Timestamp, &a.DeviceID, &deleted)
	if err != nil {
		return schema.Annotation{}, err
	}
	a.Kind = schema.AnnotationKind(kind)
	a.Deleted = deleted != 0
	return a, nil
}
