// Package schema defines the reading-state records kept in sync across devices.
//
// # Overview
//
// Four entity classes are synchronized: the reading position of a book, highlights,
// bookmarks and the user's preferences. Every record carries a millisecond timestamp
// and the id of the device that produced it. Those two fields are all the conflict
// machinery looks at; resolution is whole-entity, last-writer-wins within a window.
//
// # Identity
//
// A book has a device-local numeric id and a global identifier that is stable across
// devices. Positions are keyed by the global identifier. Annotations carry both: the
// local BookID for on-device queries and BookIdentifier for matching remote rows.
//
// Annotations also have two ids. LocalID is assigned by the local store; CloudID is a
// UUID assigned lazily, exactly once, the first time the annotation is queued for
// upload:
//
//	h := &schema.Annotation{Kind: schema.KindHighlight, BookID: 7, BookIdentifier: "isbn:978..."}
//	h.EnsureCloudID() // assigns
//	h.EnsureCloudID() // no-op, id never regenerated
//
// # Outbox keys
//
// Mutations awaiting upload are stored as OutboxAction rows, one per (Type, Key):
//
//	position:    PositionKey("isbn:978...")      -> "isbn:978..."
//	highlight:   AnnotationKey(7, "9f1c...")      -> "7_9f1c..."
//	preference:  PreferenceKey                    -> "global_settings"
//
// # Design Principles
//
//   - Flat JSON structure, last-write-wins per entity
//   - Timestamps are Unix milliseconds so devices compare them without time zones
//   - Soft delete (Deleted flag) so removals propagate as tombstones
package schema
