package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AnnotationKind distinguishes highlights from bookmarks. Both share one record shape
// and are stored in separate tables locally and remotely.
type AnnotationKind string

const (
	KindHighlight AnnotationKind = "highlight"
	KindBookmark  AnnotationKind = "bookmark"
)

// Valid reports whether k is a known kind.
func (k AnnotationKind) Valid() bool {
	return k == KindHighlight || k == KindBookmark
}

// ActionType returns the outbox action type used for annotations of this kind.
func (k AnnotationKind) ActionType() ActionType {
	if k == KindBookmark {
		return ActionBookmark
	}
	return ActionHighlight
}

// ParseAnnotationKind parses "highlight"/"bookmark" (plural forms accepted).
func ParseAnnotationKind(s string) (AnnotationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "highlight", "highlights":
		return KindHighlight, nil
	case "bookmark", "bookmarks":
		return KindBookmark, nil
	default:
		return "", fmt.Errorf("unknown annotation kind %q", s)
	}
}

// Annotation is a highlight or bookmark.
type Annotation struct {
	Kind AnnotationKind `json:"kind"`

	// LocalID is assigned by the local store and never leaves the device.
	LocalID int64 `json:"-"`

	// CloudID is globally unique and assigned exactly once (EnsureCloudID).
	CloudID string `json:"cloud_id"`

	// BookID is the device-local numeric id of the book.
	BookID int64 `json:"-"`

	// BookIdentifier is the global, cross-device identifier of the book.
	BookIdentifier string `json:"book_identifier"`

	Locator string `json:"locator,omitempty"`
	Text    string `json:"text,omitempty"`
	Note    string `json:"note,omitempty"`
	Style   string `json:"style,omitempty"`
	Tint    int    `json:"tint,omitempty"`

	Timestamp int64  `json:"timestamp"`
	DeviceID  string `json:"device_id,omitempty"`

	// Deleted marks a tombstone awaiting remote propagation.
	Deleted bool `json:"deleted"`
}

// EnsureCloudID assigns a CloudID if none is set. It reports whether an id was assigned.
func (a *Annotation) EnsureCloudID() bool {
	if a.CloudID != "" {
		return false
	}
	a.CloudID = uuid.NewString()
	return true
}

// Validate checks if the Annotation has valid field values.
func (a *Annotation) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("invalid kind %q", a.Kind)
	}
	if a.CloudID == "" {
		return fmt.Errorf("cloud_id is required")
	}
	if a.BookIdentifier == "" {
		return fmt.Errorf("book_identifier is required")
	}
	if a.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive (got %d)", a.Timestamp)
	}
	if len(a.Text) > 20000 {
		return fmt.Errorf("text must be 20000 characters or less (got %d)", len(a.Text))
	}
	return nil
}

// Key returns the outbox key of this annotation.
func (a *Annotation) Key() string {
	return AnnotationKey(a.BookID, a.CloudID)
}

// LegacyBookID parses an identifier written by older clients that used the local
// numeric id as the book identifier.
func LegacyBookID(identifier string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(identifier), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
