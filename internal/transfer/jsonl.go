// Package transfer exports and imports annotations as JSON Lines.
//
// One annotation per line, keyed by cloud id and book identifier so a file
// written on one device imports cleanly on another. Imports go through the
// same newest-wins merge as full sync: an older line never overwrites a newer
// local annotation.
package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/store"
)

// ExportOptions selects what Export writes.
type ExportOptions struct {
	Kind           schema.AnnotationKind // empty = highlights and bookmarks
	BookIdentifier string                // empty = all books
	IncludeDeleted bool
}

// ImportOptions configures Import.
type ImportOptions struct {
	DryRun      bool // Parse and resolve without writing
	CreateBooks bool // Register unknown book identifiers instead of skipping
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read         int
	Merged       int
	Skipped      int
	BooksCreated int
	Errors       []string
}

// Export writes matching annotations to w, oldest first, and returns how
// many were written.
func Export(ctx context.Context, db *store.DB, w io.Writer, opts ExportOptions) (int, error) {
	filter := store.AnnotationFilter{Kind: opts.Kind, IncludeDeleted: opts.IncludeDeleted}
	if opts.BookIdentifier != "" {
		id, ok, err := db.ResolveBookID(ctx, opts.BookIdentifier)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("unknown book %s", opts.BookIdentifier)
		}
		filter.BookID = id
	}

	annotations, err := db.ListAnnotations(ctx, filter)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for i := range annotations {
		if err := enc.Encode(&annotations[i]); err != nil {
			return i, fmt.Errorf("failed to write annotation %s: %w", annotations[i].CloudID, err)
		}
	}
	return len(annotations), nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(ctx context.Context, db *store.DB, path string, opts ExportOptions) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	bw := bufio.NewWriter(f)
	n, err := Export(ctx, db, bw, opts)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// Import reads annotations from r and merges them into db. Lines that fail to
// parse or validate are recorded in ImportResult.Errors and skipped; only
// store failures abort the import.
func Import(ctx context.Context, db *store.DB, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}
	books := make(map[string]int64)

	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var a schema.Annotation
		if err := dec.Decode(&a); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		result.Read++

		if a.CloudID == "" || a.Timestamp <= 0 || !a.Kind.Valid() || a.BookIdentifier == "" {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: incomplete annotation", line))
			continue
		}

		bookID, ok := books[a.BookIdentifier]
		if !ok {
			id, found, err := db.ResolveBookID(ctx, a.BookIdentifier)
			if err != nil {
				return result, err
			}
			if !found && opts.CreateBooks && !opts.DryRun {
				if id, err = db.AddBook(ctx, a.BookIdentifier, ""); err != nil {
					return result, err
				}
				found = true
				result.BooksCreated++
			}
			if !found {
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: unknown book %s", line, a.BookIdentifier))
				continue
			}
			books[a.BookIdentifier] = id
			bookID = id
		}
		a.BookID = bookID

		if opts.DryRun {
			result.Merged++
			continue
		}
		changed, err := db.MergeAnnotation(ctx, a)
		if err != nil {
			return result, err
		}
		if changed {
			result.Merged++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

// ImportFile imports the JSONL file at path. With backup set, a timestamped
// copy of the database is taken first.
func ImportFile(ctx context.Context, db *store.DB, path string, opts ImportOptions, backup bool) (*ImportResult, string, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()

	var backupPath string
	if backup && !opts.DryRun {
		backupPath = db.Path() + ".backup." + time.Now().Format("20060102-150405")
		if _, err := db.RawDB().ExecContext(ctx, `VACUUM INTO ?`, backupPath); err != nil {
			return nil, "", fmt.Errorf("failed to back up database: %w", err)
		}
	}

	res, err := Import(ctx, db, bufio.NewReader(f), opts)
	return res, backupPath, err
}
