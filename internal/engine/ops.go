package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/readerkit/readsync/internal/dispatch"
	"github.com/readerkit/readsync/internal/reconcile"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/session"
	"github.com/readerkit/readsync/internal/store"
)

// AddBook registers a book under its global identifier.
func (e *Engine) AddBook(ctx context.Context, identifier, title string) (int64, error) {
	return e.DB.AddBook(ctx, identifier, title)
}

// SavePosition records a settled reading position outside of a session, after
// running the handshake for its book. It fails with session.ErrSavesBlocked
// while the book is in conflict.
func (e *Engine) SavePosition(ctx context.Context, p schema.Position) (schema.Position, error) {
	s, state, err := e.OpenSession(ctx, p.BookID)
	if err != nil {
		return p, err
	}
	// closing first keeps the session's close policy away from the new push
	if err := s.Close(ctx); err != nil {
		return p, err
	}
	if !session.AllowsSaves(state) {
		return p, fmt.Errorf("%w: %s", session.ErrSavesBlocked, state)
	}
	return e.Positions.Save(ctx, p)
}

// AddAnnotation stores a new highlight or bookmark and queues its upload. The
// book is registered on the fly if its identifier is unknown.
func (e *Engine) AddAnnotation(ctx context.Context, a schema.Annotation) (schema.Annotation, error) {
	if !a.Kind.Valid() {
		return a, fmt.Errorf("invalid annotation kind %q", a.Kind)
	}
	if strings.TrimSpace(a.BookIdentifier) == "" {
		return a, fmt.Errorf("book identifier is required")
	}
	bookID, ok, err := e.DB.ResolveBookID(ctx, a.BookIdentifier)
	if err != nil {
		return a, err
	}
	if !ok {
		if bookID, err = e.DB.AddBook(ctx, a.BookIdentifier, ""); err != nil {
			return a, err
		}
	}
	a.BookID = bookID
	a.LocalID = 0
	a.Deleted = false
	return e.Annotations.Save(ctx, a)
}

// DeleteAnnotation tombstones an annotation. The row is purged once the
// delete reaches the remote.
func (e *Engine) DeleteAnnotation(ctx context.Context, cloudID string) (schema.Annotation, error) {
	a, err := e.DB.GetAnnotationByCloudID(ctx, cloudID)
	if err != nil {
		return schema.Annotation{}, fmt.Errorf("failed to find annotation %s: %w", cloudID, err)
	}
	if a.Deleted {
		return a, nil
	}
	a.Deleted = true
	return e.Annotations.Save(ctx, a)
}

// SetPreference sets one preference value. An empty value removes the key.
func (e *Engine) SetPreference(ctx context.Context, key, value string) (schema.Preferences, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return schema.Preferences{}, fmt.Errorf("preference key is required")
	}
	current, err := e.DB.GetPreferences(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return schema.Preferences{}, err
	}
	next := current.Clone()
	if value == "" {
		delete(next.Values, key)
	} else {
		next.Values[key] = value
	}
	return e.Preferences.Save(ctx, next)
}

// Sync pushes everything in the outbox once.
func (e *Engine) Sync(ctx context.Context) (dispatch.Result, error) {
	return e.Dispatcher.Drain(ctx)
}

// FullSync pulls every annotation and the preferences from the remote and
// merges them newest-wins.
func (e *Engine) FullSync(ctx context.Context) (reconcile.Result, error) {
	return e.Reconciler.Reconcile(ctx)
}

// Status summarizes local sync state.
type Status struct {
	DeviceID    string
	Books       int
	Positions   int
	Highlights  int
	Bookmarks   int
	OutboxDepth int
	Pending     []schema.OutboxAction
}

// Status reads counts and the pending outbox.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{DeviceID: e.DeviceID}

	books, err := e.DB.ListBooks(ctx)
	if err != nil {
		return st, err
	}
	st.Books = len(books)

	positions, err := e.DB.ListPositions(ctx)
	if err != nil {
		return st, err
	}
	st.Positions = len(positions)

	if st.Highlights, err = e.DB.CountAnnotations(ctx, schema.KindHighlight); err != nil {
		return st, err
	}
	if st.Bookmarks, err = e.DB.CountAnnotations(ctx, schema.KindBookmark); err != nil {
		return st, err
	}
	if st.Pending, err = e.Queue.DrainOrdered(ctx); err != nil {
		return st, err
	}
	st.OutboxDepth = len(st.Pending)
	return st, nil
}
