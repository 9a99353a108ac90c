package schema

import (
	"fmt"
	"strings"
)

// ActionType is the entity class of a pending outbox mutation.
type ActionType string

const (
	ActionPosition   ActionType = "position"
	ActionHighlight  ActionType = "highlight"
	ActionBookmark   ActionType = "bookmark"
	ActionPreference ActionType = "preference"
)

// PreferenceKey is the outbox key of the single preferences row.
const PreferenceKey = "global_settings"

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionPosition, ActionHighlight, ActionBookmark, ActionPreference:
		return true
	default:
		return false
	}
}

// AnnotationKind maps highlight/bookmark actions back to their annotation kind.
func (t ActionType) AnnotationKind() (AnnotationKind, bool) {
	switch t {
	case ActionHighlight:
		return KindHighlight, true
	case ActionBookmark:
		return KindBookmark, true
	default:
		return "", false
	}
}

// OutboxAction is a mutation waiting to be transmitted. For a given (Type, Key) at
// most one action exists; a newer mutation replaces Payload in place.
type OutboxAction struct {
	ID         int64      `json:"id"`
	Type       ActionType `json:"type"`
	Key        string     `json:"key"`
	Payload    []byte     `json:"payload"`
	Timestamp  int64      `json:"timestamp"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`

	// Version increments every time the payload is replaced. Removal after a
	// successful push is conditional on it so a newer payload is never dropped.
	Version int64 `json:"version"`
}

// Validate checks if the OutboxAction has valid field values.
func (a *OutboxAction) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("invalid action type %q", a.Type)
	}
	if strings.TrimSpace(a.Key) == "" {
		return fmt.Errorf("key is required")
	}
	if len(a.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if a.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive (got %d)", a.Timestamp)
	}
	return nil
}

// String identifies the action in log lines.
func (a OutboxAction) String() string {
	return fmt.Sprintf("%s/%s#%d", a.Type, a.Key, a.ID)
}

// PositionKey returns the outbox key for a book's reading position.
func PositionKey(bookID string) string {
	return bookID
}

// AnnotationKey returns the composite outbox key "<bookId>_<cloudId>".
func AnnotationKey(bookID int64, cloudID string) string {
	return fmt.Sprintf("%d_%s", bookID, cloudID)
}
