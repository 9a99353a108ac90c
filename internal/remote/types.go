// Package remote defines the contract between a device and the sync backend,
// plus the implementations used in production and tests.
//
// Client is what the sync engine talks to. HTTPClient speaks JSON over HTTP to a
// Server and receives change events over a websocket; LocalClient calls a
// Backend in-process. Backend holds the server-side semantics and has an
// in-memory and a PostgreSQL implementation.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/readerkit/readsync/internal/schema"
)

var (
	// ErrNotFound is returned when the remote has no record for the key.
	ErrNotFound = errors.New("remote record not found")
	// ErrUnauthorized is returned when the credential is missing or rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)

// Table names a remote entity table.
type Table string

const (
	TablePositions   Table = "positions"
	TableHighlights  Table = "highlights"
	TableBookmarks   Table = "bookmarks"
	TablePreferences Table = "preferences"
)

// Tables lists every table in subscription order.
var Tables = []Table{TablePositions, TableHighlights, TableBookmarks, TablePreferences}

// TableFor returns the table that stores annotations of kind.
func TableFor(kind schema.AnnotationKind) Table {
	if kind == schema.KindBookmark {
		return TableBookmarks
	}
	return TableHighlights
}

// Kind returns the annotation kind stored in t, if t is an annotation table.
func (t Table) Kind() (schema.AnnotationKind, bool) {
	switch t {
	case TableHighlights:
		return schema.KindHighlight, true
	case TableBookmarks:
		return schema.KindBookmark, true
	default:
		return "", false
	}
}

// ParseTable validates a table name.
func ParseTable(s string) (Table, error) {
	switch t := Table(s); t {
	case TablePositions, TableHighlights, TableBookmarks, TablePreferences:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown table %q", ErrInvalidInput, s)
	}
}

// Operation is the kind of row change carried by a ChangeEvent.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeEvent is one row change pushed to subscribers.
type ChangeEvent struct {
	Table     Table           `json:"table"`
	Operation Operation       `json:"operation"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// Position decodes Record as a position.
func (e ChangeEvent) Position() (schema.Position, error) {
	var p schema.Position
	if err := json.Unmarshal(e.Record, &p); err != nil {
		return schema.Position{}, fmt.Errorf("failed to decode position event: %w", err)
	}
	return p, nil
}

// Annotation decodes Record as an annotation of the table's kind.
func (e ChangeEvent) Annotation() (schema.Annotation, error) {
	var a schema.Annotation
	if err := json.Unmarshal(e.Record, &a); err != nil {
		return schema.Annotation{}, fmt.Errorf("failed to decode annotation event: %w", err)
	}
	if kind, ok := e.Table.Kind(); ok {
		a.Kind = kind
	}
	return a, nil
}

// Preferences decodes Record as the preferences row.
func (e ChangeEvent) Preferences() (schema.Preferences, error) {
	var p schema.Preferences
	if err := json.Unmarshal(e.Record, &p); err != nil {
		return schema.Preferences{}, fmt.Errorf("failed to decode preferences event: %w", err)
	}
	return p, nil
}

// NewChangeEvent encodes record (and old, if non-nil) into an event.
func NewChangeEvent(table Table, op Operation, record, old any) (ChangeEvent, error) {
	ev := ChangeEvent{Table: table, Operation: op}
	var err error
	if record != nil {
		if ev.Record, err = json.Marshal(record); err != nil {
			return ChangeEvent{}, err
		}
	}
	if old != nil {
		if ev.OldRecord, err = json.Marshal(old); err != nil {
			return ChangeEvent{}, err
		}
	}
	return ev, nil
}

// UpsertResult is the outcome of a position upsert. Data is always the record
// the server holds after the call.
type UpsertResult struct {
	Updated  bool            `json:"updated"`
	Conflict bool            `json:"conflict"`
	Data     schema.Position `json:"data"`
}

// AnnotationFilter narrows ListAnnotations.
type AnnotationFilter struct {
	BookIdentifier string
	IncludeDeleted bool
}

// Tombstone identifies an annotation deletion.
type Tombstone struct {
	CloudID   string `json:"cloud_id"`
	Timestamp int64  `json:"timestamp"`
	DeviceID  string `json:"device_id,omitempty"`
}

// Client is the device-side view of the sync backend. All writes are
// idempotent: replaying a request leaves the remote unchanged.
type Client interface {
	UpsertPosition(ctx context.Context, p schema.Position) (UpsertResult, error)
	FetchPosition(ctx context.Context, bookID string) (schema.Position, error)

	ListAnnotations(ctx context.Context, table Table, filter AnnotationFilter) ([]schema.Annotation, error)
	UpsertAnnotation(ctx context.Context, a schema.Annotation) (schema.Annotation, error)
	DeleteAnnotation(ctx context.Context, table Table, t Tombstone) error

	FetchPreferences(ctx context.Context) (schema.Preferences, error)
	UpsertPreferences(ctx context.Context, p schema.Preferences) (schema.Preferences, error)

	// Subscribe streams changes to table made by any device of the user. The
	// channel is closed when ctx ends or the connection drops.
	Subscribe(ctx context.Context, table Table) (<-chan ChangeEvent, error)
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrUnauthorized:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrInvalidInput:
		return e.StatusCode == 400
	default:
		return false
	}
}

// Retryable reports whether the request may succeed if repeated.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode <= 599)
}
