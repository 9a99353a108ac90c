package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/benbjohnson/clock"

	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/session"
	"github.com/readerkit/readsync/internal/store"
)

// Binding tells a SyncManager how to store and queue one entity type.
type Binding[T any] struct {
	// Type is the outbox action type of v
	Type func(v T) schema.ActionType
	// Key is the outbox key of v; it must be stable once Save has run
	Key func(v T) string
	// Stamp sets the modification time and the writing device
	Stamp func(v *T, ts int64, deviceID string)
	// Save writes v to the local store and may fill in ids
	Save func(ctx context.Context, v *T) error
}

// SyncManager writes an entity locally and queues its debounced push. Each
// entity type gets its own manager; their debounce windows come from the
// dispatcher configuration.
type SyncManager[T any] struct {
	binding  Binding[T]
	pusher   session.Pusher
	clock    clock.Clock
	deviceID string
	logger   *log.Logger
}

// NewSyncManager creates a manager for one entity type.
func NewSyncManager[T any](binding Binding[T], pusher session.Pusher, c clock.Clock, deviceID string, logger *log.Logger) *SyncManager[T] {
	if c == nil {
		c = clock.New()
	}
	return &SyncManager[T]{
		binding:  binding,
		pusher:   pusher,
		clock:    c,
		deviceID: deviceID,
		logger:   logger,
	}
}

// Save stamps v, stores it and queues it for upload. The local write is
// durable even when queueing fails.
func (m *SyncManager[T]) Save(ctx context.Context, v T) (T, error) {
	ts := m.clock.Now().UnixMilli()
	m.binding.Stamp(&v, ts, m.deviceID)
	if err := m.binding.Save(ctx, &v); err != nil {
		return v, err
	}
	typ, key := m.binding.Type(v), m.binding.Key(v)
	if _, err := m.pusher.Enqueue(ctx, typ, key, v, ts); err != nil {
		m.logger.Printf("Error queueing %s/%s: %v", typ, key, err)
		return v, fmt.Errorf("failed to queue %s: %w", typ, err)
	}
	return v, nil
}

// Flush pushes v now if its push is still waiting out the debounce window.
func (m *SyncManager[T]) Flush(v T) bool {
	return m.pusher.Flush(m.binding.Type(v), m.binding.Key(v))
}

// Cancel drops the debounced push of v. The outbox row stays for the next drain.
func (m *SyncManager[T]) Cancel(v T) bool {
	return m.pusher.Cancel(m.binding.Type(v), m.binding.Key(v))
}

// PositionBinding stores reading positions keyed by book.
func PositionBinding(db *store.DB) Binding[schema.Position] {
	return Binding[schema.Position]{
		Type: func(schema.Position) schema.ActionType { return schema.ActionPosition },
		Key:  func(p schema.Position) string { return schema.PositionKey(p.BookID) },
		Stamp: func(p *schema.Position, ts int64, deviceID string) {
			p.Timestamp = ts
			p.DeviceID = deviceID
		},
		Save: func(ctx context.Context, p *schema.Position) error {
			return db.PutPosition(ctx, *p)
		},
	}
}

// AnnotationBinding stores highlights and bookmarks, assigning the cloud id
// on first save.
func AnnotationBinding(db *store.DB) Binding[schema.Annotation] {
	return Binding[schema.Annotation]{
		Type: func(a schema.Annotation) schema.ActionType { return a.Kind.ActionType() },
		Key:  func(a schema.Annotation) string { return schema.AnnotationKey(a.BookID, a.CloudID) },
		Stamp: func(a *schema.Annotation, ts int64, deviceID string) {
			a.Timestamp = ts
			a.DeviceID = deviceID
		},
		Save: func(ctx context.Context, a *schema.Annotation) error {
			a.EnsureCloudID()
			return db.PutAnnotation(ctx, a)
		},
	}
}

// PreferencesBinding stores the single preferences row.
func PreferencesBinding(db *store.DB) Binding[schema.Preferences] {
	return Binding[schema.Preferences]{
		Type: func(schema.Preferences) schema.ActionType { return schema.ActionPreference },
		Key:  func(schema.Preferences) string { return schema.PreferenceKey },
		Stamp: func(p *schema.Preferences, ts int64, deviceID string) {
			p.Timestamp = ts
			p.DeviceID = deviceID
		},
		Save: func(ctx context.Context, p *schema.Preferences) error {
			return db.PutPreferences(ctx, *p)
		},
	}
}
