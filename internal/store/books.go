package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/readerkit/readsync/internal/schema"
)

// Book maps a device-local numeric id to the global identifier.
type Book struct {
	ID         int64
	Identifier string
	Title      string
	CreatedAt  time.Time
}

// AddBook registers a book and returns its local id. Adding an identifier that is
// already known returns the existing id (the title is updated if non-empty).
func (db *DB) AddBook(ctx context.Context, identifier, title string) (int64, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return 0, fmt.Errorf("book identifier is required")
	}

	query := `
	INSERT INTO books (identifier, title, created_at) VALUES (?, ?, ?)
	ON CONFLICT(identifier) DO UPDATE SET
		title = CASE WHEN excluded.title != '' THEN excluded.title ELSE books.title END
	RETURNING id
	`

	var id int64
	if err := db.conn.QueryRowContext(ctx, query, identifier, title, time.Now().UnixMilli()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to add book %s: %w", identifier, err)
	}
	return id, nil
}

// GetBook returns a book by local id, or ErrNotFound.
func (db *DB) GetBook(ctx context.Context, id int64) (Book, error) {
	var b Book
	var created int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, identifier, title, created_at FROM books WHERE id = ?`, id,
	).Scan(&b.ID, &b.Identifier, &b.Title, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Book{}, ErrNotFound
	}
	if err != nil {
		return Book{}, fmt.Errorf("failed to get book #%d: %w", id, err)
	}
	b.CreatedAt = time.UnixMilli(created)
	return b, nil
}

// ResolveBookID finds the local numeric id for a global identifier. When the
// identifier is unknown it is parsed as a legacy numeric id, which only resolves
// if a book with that local id exists. ok is false when nothing matches.
func (db *DB) ResolveBookID(ctx context.Context, identifier string) (id int64, ok bool, err error) {
	err = db.conn.QueryRowContext(ctx, `SELECT id FROM books WHERE identifier = ?`, identifier).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to resolve book %s: %w", identifier, err)
	}

	legacy, isNumeric := schema.LegacyBookID(identifier)
	if !isNumeric {
		return 0, false, nil
	}
	if _, err := db.GetBook(ctx, legacy); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return legacy, true, nil
}

// ListBooks returns all registered books ordered by id.
func (db *DB) ListBooks(ctx context.Context) ([]Book, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, identifier, title, created_at FROM books ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	defer rows.Close()

	var books []Book
	for rows.Next() {
		var b Book
		var created int64
		if err := rows.Scan(&b.ID, &b.Identifier, &b.Title, &created); err != nil {
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}
		b.CreatedAt = time.UnixMilli(created)
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating books: %w", err)
	}
	return books, nil
}
