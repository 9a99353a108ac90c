package schema

import (
	"fmt"
	"math"
	"time"
)

// Position is the reading position of one book on one device.
type Position struct {
	// BookID is the global, cross-device identifier of the book.
	BookID string `json:"book_id"`

	// Locator is an opaque, compressed position payload (see internal/locator).
	Locator string `json:"locator"`

	// Percentage is the progress through the book in [0, 1].
	Percentage float64 `json:"percentage"`

	PageNumber *int   `json:"page_number,omitempty"`
	ChapterID  string `json:"chapter_id,omitempty"`

	// Timestamp is Unix milliseconds of the navigation event.
	Timestamp int64  `json:"timestamp"`
	DeviceID  string `json:"device_id"`

	// UserID is only set on records that came from the remote backend.
	UserID string `json:"user_id,omitempty"`
}

// Validate checks if the Position has valid field values.
func (p *Position) Validate() error {
	if p.BookID == "" {
		return fmt.Errorf("book_id is required")
	}
	if p.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive (got %d)", p.Timestamp)
	}
	if math.IsNaN(p.Percentage) || p.Percentage < 0 || p.Percentage > 1 {
		return fmt.Errorf("percentage must be between 0 and 1 (got %v)", p.Percentage)
	}
	if p.PageNumber != nil && *p.PageNumber < 0 {
		return fmt.Errorf("page_number must not be negative (got %d)", *p.PageNumber)
	}
	return nil
}

// SameContent reports whether two positions describe the same write, ignoring UserID.
// A replayed upload of the same record compares equal.
func (p Position) SameContent(o Position) bool {
	if p.BookID != o.BookID || p.Locator != o.Locator || p.Percentage != o.Percentage ||
		p.ChapterID != o.ChapterID || p.Timestamp != o.Timestamp || p.DeviceID != o.DeviceID {
		return false
	}
	switch {
	case p.PageNumber == nil && o.PageNumber == nil:
		return true
	case p.PageNumber == nil || o.PageNumber == nil:
		return false
	default:
		return *p.PageNumber == *o.PageNumber
	}
}

// Time returns Timestamp as a time.Time.
func (p Position) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// NowMillis returns the current time in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// IntPtr is a helper for optional page numbers.
func IntPtr(v int) *int {
	return &v
}
