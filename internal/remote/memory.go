package remote

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/readerkit/readsync/internal/schema"
)

type userState struct {
	positions   map[string]schema.Position
	annotations map[Table]map[string]schema.Annotation
	preferences *schema.Preferences
}

// MemoryBackend keeps every user's state in process memory.
type MemoryBackend struct {
	window time.Duration

	mu    sync.Mutex
	users map[string]*userState
	hub   *hub
}

// NewMemoryBackend creates an empty backend. window <= 0 uses DefaultConflictWindow.
func NewMemoryBackend(window time.Duration, logger *log.Logger) *MemoryBackend {
	if window <= 0 {
		window = DefaultConflictWindow
	}
	return &MemoryBackend{
		window: window,
		users:  make(map[string]*userState),
		hub:    newHub(logger),
	}
}

func (b *MemoryBackend) user(userID string) *userState {
	u, ok := b.users[userID]
	if !ok {
		u = &userState{
			positions: make(map[string]schema.Position),
			annotations: map[Table]map[string]schema.Annotation{
				TableHighlights: {},
				TableBookmarks:  {},
			},
		}
		b.users[userID] = u
	}
	return u
}

func (b *MemoryBackend) UpsertPosition(_ context.Context, userID string, p schema.Position) (UpsertResult, error) {
	if err := p.Validate(); err != nil {
		return UpsertResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	p.UserID = userID

	b.mu.Lock()
	u := b.user(userID)
	var existing *schema.Position
	if cur, ok := u.positions[p.BookID]; ok {
		existing = &cur
	}
	apply, res := decidePosition(existing, p, b.window)
	if apply {
		u.positions[p.BookID] = p
	}
	b.mu.Unlock()

	if apply {
		op := OpInsert
		var old any
		if existing != nil {
			op, old = OpUpdate, *existing
		}
		b.emit(userID, TablePositions, op, p, old)
	}
	return res, nil
}

func (b *MemoryBackend) FetchPosition(_ context.Context, userID, bookID string) (schema.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.user(userID).positions[bookID]
	if !ok {
		return schema.Position{}, ErrNotFound
	}
	return p, nil
}

func (b *MemoryBackend) ListAnnotations(_ context.Context, userID string, table Table, filter AnnotationFilter) ([]schema.Annotation, error) {
	if _, ok := table.Kind(); !ok {
		return nil, fmt.Errorf("%w: %s is not an annotation table", ErrInvalidInput, table)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []schema.Annotation
	for _, a := range b.user(userID).annotations[table] {
		if a.Deleted && !filter.IncludeDeleted {
			continue
		}
		if filter.BookIdentifier != "" && a.BookIdentifier != filter.BookIdentifier {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].CloudID < out[j].CloudID
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

func (b *MemoryBackend) UpsertAnnotation(_ context.Context, userID string, a schema.Annotation) (schema.Annotation, error) {
	if err := a.Validate(); err != nil {
		return schema.Annotation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	a.LocalID, a.BookID = 0, 0
	table := TableFor(a.Kind)

	b.mu.Lock()
	rows := b.user(userID).annotations[table]
	var existing *schema.Annotation
	if cur, ok := rows[a.CloudID]; ok {
		existing = &cur
	}
	apply := decideAnnotation(existing, a)
	if apply {
		rows[a.CloudID] = a
	} else {
		a = *existing
	}
	b.mu.Unlock()

	if apply {
		op := OpInsert
		var old any
		if existing != nil {
			op, old = OpUpdate, *existing
		}
		b.emit(userID, table, op, a, old)
	}
	return a, nil
}

func (b *MemoryBackend) DeleteAnnotation(_ context.Context, userID string, table Table, t Tombstone) error {
	if _, ok := table.Kind(); !ok {
		return fmt.Errorf("%w: %s is not an annotation table", ErrInvalidInput, table)
	}
	b.mu.Lock()
	rows := b.user(userID).annotations[table]
	cur, ok := rows[t.CloudID]
	if !ok || cur.Deleted || t.Timestamp < cur.Timestamp {
		b.mu.Unlock()
		return nil
	}
	old := cur
	cur.Deleted = true
	cur.Timestamp = t.Timestamp
	if t.DeviceID != "" {
		cur.DeviceID = t.DeviceID
	}
	rows[t.CloudID] = cur
	b.mu.Unlock()

	b.emit(userID, table, OpDelete, cur, old)
	return nil
}

func (b *MemoryBackend) FetchPreferences(_ context.Context, userID string) (schema.Preferences, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.user(userID).preferences
	if p == nil {
		return schema.Preferences{}, ErrNotFound
	}
	return p.Clone(), nil
}

func (b *MemoryBackend) UpsertPreferences(_ context.Context, userID string, p schema.Preferences) (schema.Preferences, error) {
	if err := p.Validate(); err != nil {
		return schema.Preferences{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	p = p.Clone()

	b.mu.Lock()
	u := b.user(userID)
	existing := u.preferences
	apply := existing == nil || p.Timestamp > existing.Timestamp
	if apply {
		u.preferences = &p
	} else {
		p = existing.Clone()
	}
	b.mu.Unlock()

	if apply {
		op := OpInsert
		if existing != nil {
			op = OpUpdate
		}
		b.emit(userID, TablePreferences, op, p, nil)
	}
	return p, nil
}

func (b *MemoryBackend) Subscribe(ctx context.Context, userID string, table Table) (<-chan ChangeEvent, error) {
	if _, err := ParseTable(string(table)); err != nil {
		return nil, err
	}
	return b.hub.subscribe(ctx, userID, table), nil
}

// Subscribers returns the number of open subscriptions across all users.
func (b *MemoryBackend) Subscribers() int {
	return b.hub.subscriberCount()
}

func (b *MemoryBackend) Close() error {
	b.hub.close()
	return nil
}

func (b *MemoryBackend) emit(userID string, table Table, op Operation, record, old any) {
	ev, err := NewChangeEvent(table, op, record, old)
	if err != nil {
		b.hub.logger.Printf("Failed to encode %s event: %v", table, err)
		return
	}
	b.hub.publish(userID, ev)
}
