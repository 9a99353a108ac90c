package schema

import "time"

// EventKind classifies events published to sync subscribers.
type EventKind string

const (
	// EventRemotePosition: a newer position from another device was applied locally.
	EventRemotePosition EventKind = "remote_position"
	// EventRemoteAnnotation: a highlight or bookmark was merged from the remote.
	EventRemoteAnnotation EventKind = "remote_annotation"
	// EventRemotePreferences: preferences were replaced by a newer remote row.
	EventRemotePreferences EventKind = "remote_preferences"
	// EventConflict: local and remote positions genuinely disagree.
	EventConflict EventKind = "conflict"
	// EventPushed: an outbox action was acknowledged by the remote.
	EventPushed EventKind = "pushed"
)

// SyncConflict pairs diverging local and remote positions of one book.
type SyncConflict struct {
	BookID string   `json:"book_id"`
	Local  Position `json:"local"`
	Remote Position `json:"remote"`
	Title  string   `json:"title,omitempty"`
}

// Event is a discrete notification for the handshake and presentation layers.
type Event struct {
	Kind        EventKind     `json:"kind"`
	BookID      string        `json:"book_id,omitempty"`
	Position    *Position     `json:"position,omitempty"`
	Annotation  *Annotation   `json:"annotation,omitempty"`
	Preferences *Preferences  `json:"preferences,omitempty"`
	Conflict    *SyncConflict `json:"conflict,omitempty"`
	Source      string        `json:"source,omitempty"`
	At          time.Time     `json:"at"`
}
