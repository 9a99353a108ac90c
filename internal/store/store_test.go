package store

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/readerkit/readsync/internal/schema"
)

// testDB opens an initialized database in a temp dir
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenAndInit(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenAndInit() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInitSchema_Tables(t *testing.T) {
	db := testDB(t)

	tables := []string{"meta", "books", "positions", "annotations", "preferences", "outbox", "sync_events"}
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestMeta(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.GetMeta(ctx, "device_id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMeta() on empty table = %v, want ErrNotFound", err)
	}

	got, err := db.SetMetaIfAbsent(ctx, "device_id", "first")
	if err != nil {
		t.Fatalf("SetMetaIfAbsent() failed: %v", err)
	}
	if got != "first" {
		t.Errorf("SetMetaIfAbsent() = %q, want first", got)
	}

	got, err = db.SetMetaIfAbsent(ctx, "device_id", "second")
	if err != nil {
		t.Fatalf("SetMetaIfAbsent() failed: %v", err)
	}
	if got != "first" {
		t.Errorf("SetMetaIfAbsent() overwrote existing value: got %q", got)
	}

	if err := db.SetMeta(ctx, "device_id", "third"); err != nil {
		t.Fatalf("SetMeta() failed: %v", err)
	}
	if v, _ := db.GetMeta(ctx, "device_id"); v != "third" {
		t.Errorf("GetMeta() = %q, want third", v)
	}
}

func TestPosition_PutGet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := schema.Position{
		BookID:     "isbn:9780141439518",
		Locator:    "loc-a",
		Percentage: 0.42,
		PageNumber: schema.IntPtr(120),
		ChapterID:  "ch-7",
		Timestamp:  1000,
		DeviceID:   "dev-a",
	}
	if err := db.PutPosition(ctx, p); err != nil {
		t.Fatalf("PutPosition() failed: %v", err)
	}

	got, err := db.GetPosition(ctx, p.BookID)
	if err != nil {
		t.Fatalf("GetPosition() failed: %v", err)
	}
	if !got.SameContent(p) {
		t.Errorf("GetPosition() = %+v, want %+v", got, p)
	}

	if _, err := db.GetPosition(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPosition(missing) = %v, want ErrNotFound", err)
	}
}

func TestMergePosition(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	base := schema.Position{BookID: "b1", Locator: "l100", Percentage: 0.1, Timestamp: 100, DeviceID: "dev-a"}
	changed, err := db.MergePosition(ctx, base)
	if err != nil {
		t.Fatalf("MergePosition() failed: %v", err)
	}
	if !changed {
		t.Fatal("MergePosition() into empty table should insert")
	}

	tests := []struct {
		name        string
		ts          int64
		wantChanged bool
		wantLocator string
	}{
		{"older is ignored", 50, false, "l100"},
		{"equal is ignored", 100, false, "l100"},
		{"newer wins", 200, true, "l200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			p.Timestamp = tt.ts
			p.Locator = "l" + itoa(tt.ts)
			got, err := db.MergePosition(ctx, p)
			if err != nil {
				t.Fatalf("MergePosition() failed: %v", err)
			}
			if got != tt.wantChanged {
				t.Errorf("MergePosition() changed = %v, want %v", got, tt.wantChanged)
			}
			stored, _ := db.GetPosition(ctx, "b1")
			if stored.Locator != tt.wantLocator {
				t.Errorf("stored locator = %q, want %q", stored.Locator, tt.wantLocator)
			}
		})
	}
}

func TestBooks_Resolve(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := db.AddBook(ctx, "isbn:1", "Persuasion")
	if err != nil {
		t.Fatalf("AddBook() failed: %v", err)
	}
	again, err := db.AddBook(ctx, "isbn:1", "")
	if err != nil {
		t.Fatalf("AddBook() second call failed: %v", err)
	}
	if again != id {
		t.Errorf("AddBook() returned new id %d for known identifier, want %d", again, id)
	}
	b, _ := db.GetBook(ctx, id)
	if b.Title != "Persuasion" {
		t.Errorf("title = %q, want Persuasion", b.Title)
	}

	tests := []struct {
		identifier string
		wantID     int64
		wantOK     bool
	}{
		{"isbn:1", id, true},
		{itoa(id), id, true}, // legacy numeric id of an existing book
		{"9999", 0, false},   // legacy numeric id, no such book
		{"isbn:unknown", 0, false},
	}
	for _, tt := range tests {
		got, ok, err := db.ResolveBookID(ctx, tt.identifier)
		if err != nil {
			t.Fatalf("ResolveBookID(%q) failed: %v", tt.identifier, err)
		}
		if got != tt.wantID || ok != tt.wantOK {
			t.Errorf("ResolveBookID(%q) = (%d, %v), want (%d, %v)", tt.identifier, got, ok, tt.wantID, tt.wantOK)
		}
	}

	books, err := db.ListBooks(ctx)
	if err != nil {
		t.Fatalf("ListBooks() failed: %v", err)
	}
	if len(books) != 1 {
		t.Errorf("ListBooks() returned %d books, want 1", len(books))
	}
}

func TestAnnotations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	h := &schema.Annotation{
		Kind:           schema.KindHighlight,
		CloudID:        "c-1",
		BookID:         1,
		BookIdentifier: "isbn:1",
		Text:           "It is a truth universally acknowledged",
		Timestamp:      100,
		DeviceID:       "dev-a",
	}
	if err := db.PutAnnotation(ctx, h); err != nil {
		t.Fatalf("PutAnnotation() failed: %v", err)
	}
	if h.LocalID == 0 {
		t.Fatal("PutAnnotation() did not assign LocalID")
	}

	// Full-sync style merge: older does not overwrite, newer does.
	older := *h
	older.Text = "stale"
	older.Timestamp = 50
	if changed, err := db.MergeAnnotation(ctx, older); err != nil || changed {
		t.Errorf("MergeAnnotation(older) = (%v, %v), want (false, nil)", changed, err)
	}
	newer := *h
	newer.Text = "fresh"
	newer.Timestamp = 200
	if changed, err := db.MergeAnnotation(ctx, newer); err != nil || !changed {
		t.Errorf("MergeAnnotation(newer) = (%v, %v), want (true, nil)", changed, err)
	}
	got, err := db.GetAnnotationByCloudID(ctx, "c-1")
	if err != nil {
		t.Fatalf("GetAnnotationByCloudID() failed: %v", err)
	}
	if got.Text != "fresh" || got.LocalID != h.LocalID {
		t.Errorf("annotation = %+v, want text fresh and local id %d", got, h.LocalID)
	}

	// Tombstones are hidden by default and purged only while deleted.
	got.Deleted = true
	got.Timestamp = 300
	if err := db.PutAnnotation(ctx, &got); err != nil {
		t.Fatalf("PutAnnotation(tombstone) failed: %v", err)
	}
	live, _ := db.ListAnnotations(ctx, AnnotationFilter{Kind: schema.KindHighlight})
	if len(live) != 0 {
		t.Errorf("ListAnnotations() returned %d live rows, want 0", len(live))
	}
	all, _ := db.ListAnnotations(ctx, AnnotationFilter{IncludeDeleted: true})
	if len(all) != 1 {
		t.Errorf("ListAnnotations(IncludeDeleted) returned %d rows, want 1", len(all))
	}
	if err := db.PurgeAnnotation(ctx, "c-1"); err != nil {
		t.Fatalf("PurgeAnnotation() failed: %v", err)
	}
	if _, err := db.GetAnnotationByCloudID(ctx, "c-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAnnotationByCloudID() after purge = %v, want ErrNotFound", err)
	}
}

func TestPreferences(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.GetPreferences(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPreferences() = %v, want ErrNotFound", err)
	}

	p := schema.Preferences{Values: map[string]string{"font_size": "18"}, Timestamp: 100, DeviceID: "dev-a"}
	if err := db.PutPreferences(ctx, p); err != nil {
		t.Fatalf("PutPreferences() failed: %v", err)
	}

	stale := schema.Preferences{Values: map[string]string{"font_size": "12"}, Timestamp: 50}
	if changed, _ := db.MergePreferences(ctx, stale); changed {
		t.Error("MergePreferences() applied an older row")
	}
	got, err := db.GetPreferences(ctx)
	if err != nil {
		t.Fatalf("GetPreferences() failed: %v", err)
	}
	if got.Values["font_size"] != "18" {
		t.Errorf("font_size = %q, want 18", got.Values["font_size"])
	}
}

func TestOutbox_Coalesces(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var last schema.OutboxAction
	for i := 1; i <= 5; i++ {
		a, err := db.EnqueueOutbox(ctx, schema.ActionPosition, "b1", []byte("payload-"+itoa(int64(i))), int64(i))
		if err != nil {
			t.Fatalf("EnqueueOutbox() failed: %v", err)
		}
		last = a
	}

	depth, _ := db.OutboxDepth(ctx)
	if depth != 1 {
		t.Fatalf("OutboxDepth() = %d, want 1", depth)
	}
	if string(last.Payload) != "payload-5" || last.Version != 5 {
		t.Errorf("last action = %s v%d, want payload-5 v5", last.Payload, last.Version)
	}

	// A stale version must not delete the replaced payload.
	removed, err := db.RemoveOutbox(ctx, last.ID, last.Version-1)
	if err != nil {
		t.Fatalf("RemoveOutbox() failed: %v", err)
	}
	if removed {
		t.Error("RemoveOutbox() removed a row with a newer version")
	}
	if removed, _ := db.RemoveOutbox(ctx, last.ID, last.Version); !removed {
		t.Error("RemoveOutbox() with current version did not remove the row")
	}
}

func TestOutbox_OrderAndFailures(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, _ = db.EnqueueOutbox(ctx, schema.ActionHighlight, "1_c", []byte("h"), 30)
	_, _ = db.EnqueueOutbox(ctx, schema.ActionPosition, "b1", []byte("p"), 10)
	pref, _ := db.EnqueueOutbox(ctx, schema.ActionPreference, schema.PreferenceKey, []byte("s"), 20)

	actions, err := db.ListOutbox(ctx)
	if err != nil {
		t.Fatalf("ListOutbox() failed: %v", err)
	}
	want := []schema.ActionType{schema.ActionPosition, schema.ActionPreference, schema.ActionHighlight}
	if len(actions) != len(want) {
		t.Fatalf("ListOutbox() returned %d actions, want %d", len(actions), len(want))
	}
	for i, a := range actions {
		if a.Type != want[i] {
			t.Errorf("actions[%d].Type = %s, want %s", i, a.Type, want[i])
		}
	}

	if err := db.MarkOutboxFailed(ctx, pref.ID, "503"); err != nil {
		t.Fatalf("MarkOutboxFailed() failed: %v", err)
	}
	got, _ := db.GetOutbox(ctx, schema.ActionPreference, schema.PreferenceKey)
	if got.RetryCount != 1 || got.LastError != "503" {
		t.Errorf("after failure: retry=%d err=%q", got.RetryCount, got.LastError)
	}

	// Replacing resets retry state.
	got, _ = db.EnqueueOutbox(ctx, schema.ActionPreference, schema.PreferenceKey, []byte("s2"), 40)
	if got.RetryCount != 0 || got.LastError != "" {
		t.Errorf("after replace: retry=%d err=%q, want reset", got.RetryCount, got.LastError)
	}

	if ok, _ := db.RefreshOutbox(ctx, schema.ActionPosition, "missing", []byte("x"), 50); ok {
		t.Error("RefreshOutbox() created a row for a missing key")
	}

	if err := db.ClearOutbox(ctx); err != nil {
		t.Fatalf("ClearOutbox() failed: %v", err)
	}
	if depth, _ := db.OutboxDepth(ctx); depth != 0 {
		t.Errorf("OutboxDepth() after clear = %d", depth)
	}
}

func TestEvents(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	now := time.Now()
	_ = db.AppendEvent(ctx, SyncEvent{EventType: "push_failed", Source: "dispatch", Message: "old", Timestamp: now.Add(-2 * time.Hour)})
	_ = db.AppendEvent(ctx, SyncEvent{EventType: "conflict", Source: "session", Message: "new", Details: `{"book_id":"b1"}`, Timestamp: now})

	events, err := db.ListEvents(ctx, now.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("ListEvents() failed: %v", err)
	}
	if len(events) != 1 || events[0].Message != "new" {
		t.Fatalf("ListEvents() = %+v, want only the recent event", events)
	}
	if events[0].Details != `{"book_id":"b1"}` {
		t.Errorf("Details = %q", events[0].Details)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
