package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/readerkit/readsync/internal/background"
	"github.com/readerkit/readsync/internal/clocktest"
	"github.com/readerkit/readsync/internal/config"
	"github.com/readerkit/readsync/internal/logging"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/session"
	"github.com/readerkit/readsync/internal/store"
)

type world struct {
	backend *remote.MemoryBackend
	clock   *clocktest.Mock
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		backend: remote.NewMemoryBackend(10*time.Second, nil),
		clock:   clocktest.New(time.UnixMilli(1_700_000_000_000)),
	}
	t.Cleanup(func() { _ = w.backend.Close() })
	return w
}

// device opens an engine with its own data directory against the shared backend.
func (w *world) device(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Database = filepath.Join(cfg.DataDir, "readsync.db")
	cfg.Sync.PositionDebounce = 2 * time.Second

	lg, err := logging.New(logging.Options{File: filepath.Join(cfg.DataDir, "readsync.log")})
	if err != nil {
		t.Fatal(err)
	}
	e, err := Open(context.Background(), cfg, Options{
		Client:      remote.NewLocalClient(w.backend, "reader"),
		Clock:       w.clock,
		Constraints: background.Always,
		Logging:     lg,
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Close()
		_ = lg.Close()
	})
	return e
}

func TestOpen_RequiresConfig(t *testing.T) {
	if _, err := Open(context.Background(), nil, Options{}); err == nil {
		t.Error("Open(nil) should fail")
	}
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
		closer  bool
	}{
		{"", false, true},
		{"memory", false, true},
		{"https://sync.example.com", false, false},
		{"ftp://nope", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			cfg := config.Default()
			cfg.Remote.URL = tt.url
			client, closer, err := NewClient(cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClient(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if client == nil {
				t.Error("client is nil")
			}
			if (closer != nil) != tt.closer {
				t.Errorf("closer = %v, want closer %v", closer, tt.closer)
			}
			if closer != nil {
				_ = closer.Close()
			}
		})
	}
}

func TestAddAnnotation_PushedAfterDebounce(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.device(t)

	h, err := a.AddAnnotation(ctx, schema.Annotation{
		Kind:           schema.KindHighlight,
		BookIdentifier: "isbn:9780141439518",
		Text:           "It is a truth universally acknowledged",
	})
	if err != nil {
		t.Fatalf("AddAnnotation() failed: %v", err)
	}
	if h.CloudID == "" || h.LocalID == 0 || h.BookID == 0 {
		t.Fatalf("annotation ids not assigned: %+v", h)
	}
	if h.DeviceID != a.DeviceID {
		t.Errorf("DeviceID = %q, want %q", h.DeviceID, a.DeviceID)
	}

	client := remote.NewLocalClient(w.backend, "reader")
	got, err := client.ListAnnotations(ctx, remote.TableHighlights, remote.AnnotationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("remote has %d highlights before the debounce window, want 0", len(got))
	}

	w.clock.Advance(a.Config().Sync.AnnotationDebounce)

	got, err = client.ListAnnotations(ctx, remote.TableHighlights, remote.AnnotationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CloudID != h.CloudID {
		t.Fatalf("remote highlights = %+v, want the new highlight", got)
	}
	if depth, _ := a.Queue.Depth(ctx); depth != 0 {
		t.Errorf("outbox depth = %d, want 0", depth)
	}
}

func TestDeleteAnnotation_PurgedAfterPush(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.device(t)

	b, err := a.AddAnnotation(ctx, schema.Annotation{Kind: schema.KindBookmark, BookIdentifier: "book-1", Locator: "loc"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Sync(ctx); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	w.clock.Advance(time.Second)
	deleted, err := a.DeleteAnnotation(ctx, b.CloudID)
	if err != nil {
		t.Fatalf("DeleteAnnotation() failed: %v", err)
	}
	if !deleted.Deleted {
		t.Fatal("annotation not tombstoned")
	}
	if n, _ := a.DB.CountAnnotations(ctx, schema.KindBookmark); n != 0 {
		t.Errorf("live bookmarks = %d, want 0", n)
	}

	res, err := a.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if res.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", res.Pushed)
	}
	if _, err := a.DB.GetAnnotationByCloudID(ctx, b.CloudID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("tombstone not purged: %v", err)
	}
}

func TestSetPreference(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.device(t)

	if _, err := a.SetPreference(ctx, "font_size", "18"); err != nil {
		t.Fatal(err)
	}
	w.clock.Advance(time.Second)
	if _, err := a.SetPreference(ctx, "theme", "sepia"); err != nil {
		t.Fatal(err)
	}
	w.clock.Advance(time.Second)
	prefs, err := a.SetPreference(ctx, "font_size", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := prefs.Values["font_size"]; ok {
		t.Error("empty value did not remove font_size")
	}

	if res, err := a.Sync(ctx); err != nil || res.Pushed != 1 {
		t.Fatalf("Sync() = %+v, %v; want one coalesced push", res, err)
	}
	remotePrefs, err := remote.NewLocalClient(w.backend, "reader").FetchPreferences(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if remotePrefs.Values["theme"] != "sepia" || len(remotePrefs.Values) != 1 {
		t.Errorf("remote preferences = %v", remotePrefs.Values)
	}

	if _, err := a.SetPreference(ctx, " ", "x"); err == nil {
		t.Error("SetPreference with a blank key should fail")
	}
}

func TestFullSync_BetweenDevices(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.device(t)
	b := w.device(t)

	if a.DeviceID == b.DeviceID {
		t.Fatal("devices share an id")
	}
	if _, err := a.AddAnnotation(ctx, schema.Annotation{Kind: schema.KindHighlight, BookIdentifier: "isbn:1", Text: "one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SetPreference(ctx, "theme", "dark"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := b.AddBook(ctx, "isbn:1", "Book One"); err != nil {
		t.Fatal(err)
	}
	res, err := b.FullSync(ctx)
	if err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	if res.Merged != 2 {
		t.Errorf("Merged = %d, want 2 (highlight and preferences)", res.Merged)
	}
	if n, _ := b.DB.CountAnnotations(ctx, schema.KindHighlight); n != 1 {
		t.Errorf("highlights on b = %d, want 1", n)
	}
	prefs, err := b.DB.GetPreferences(ctx)
	if err != nil || prefs.Values["theme"] != "dark" {
		t.Errorf("preferences on b = %+v, %v", prefs, err)
	}
}

func TestOpenSession_ConflictAcrossDevices(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.device(t)
	b := w.device(t)
	const book = "isbn:42"

	// a reads offline and closes without pushing
	sa, state, err := a.OpenSession(ctx, book)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := state.(session.Ready); !ok {
		t.Fatalf("a opened in %s, want ready", state)
	}
	w.clock.Advance(3 * time.Second)
	if err := sa.OnPositionChanged(ctx, schema.Position{Locator: "a", Percentage: 0.1}); err != nil {
		t.Fatal(err)
	}
	_ = sa.Close(ctx)

	// b reads further later and pushes
	w.clock.Advance(time.Minute)
	sb, _, err := b.OpenSession(ctx, book)
	if err != nil {
		t.Fatal(err)
	}
	w.clock.Advance(3 * time.Second)
	if err := sb.OnPositionChanged(ctx, schema.Position{Locator: "b", Percentage: 0.8}); err != nil {
		t.Fatal(err)
	}
	w.clock.Advance(b.Config().Sync.PositionDebounce)
	_ = sb.Close(ctx)

	sa, state, err = a.OpenSession(ctx, book)
	if err != nil {
		t.Fatal(err)
	}
	defer sa.Close(ctx)
	c, ok := state.(session.Conflict)
	if !ok {
		t.Fatalf("a reopened in %s, want conflict", state)
	}
	if c.Remote.DeviceID != b.DeviceID || c.Local.DeviceID != a.DeviceID {
		t.Errorf("conflict sides = %s / %s", c.Local.DeviceID, c.Remote.DeviceID)
	}
	if !a.Detector().IsConflict(c.Local, c.Remote) {
		t.Error("detector does not flag the divergent positions")
	}

	if err := sa.AcceptRemote(ctx); err != nil {
		t.Fatalf("AcceptRemote() failed: %v", err)
	}
	local, err := a.DB.GetPosition(ctx, book)
	if err != nil || local.Locator != "b" {
		t.Errorf("local position = %+v, %v; want b's", local, err)
	}
	if _, err := a.Queue.Get(ctx, schema.ActionPosition, schema.PositionKey(book)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale local push still queued: %v", err)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.device(t)

	if _, err := a.AddAnnotation(ctx, schema.Annotation{Kind: schema.KindHighlight, BookIdentifier: "x", Text: "t"}); err != nil {
		t.Fatal(err)
	}
	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Books != 1 || st.Highlights != 1 || st.Bookmarks != 0 || st.OutboxDepth != 1 {
		t.Errorf("Status() = %+v", st)
	}
	if st.DeviceID != a.DeviceID {
		t.Errorf("DeviceID = %q", st.DeviceID)
	}
}

func TestStartStop(t *testing.T) {
	w := newWorld(t)
	a := w.device(t)

	ctx := context.Background()
	a.Start(ctx)
	a.Start(ctx)
	deadline := time.Now().Add(5 * time.Second)
	for w.backend.Subscribers() < len(remote.Tables) {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", w.backend.Subscribers(), len(remote.Tables))
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.Stop()
	a.Stop()
}

func TestSavePosition(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.device(t)

	p, err := a.SavePosition(ctx, schema.Position{BookID: "isbn:7", Locator: "epubcfi(/6/4)", Percentage: 0.25})
	if err != nil {
		t.Fatalf("SavePosition() failed: %v", err)
	}
	if p.DeviceID != a.DeviceID || p.Timestamp != w.clock.Now().UnixMilli() {
		t.Errorf("position not stamped: %+v", p)
	}
	if !a.Positions.Flush(p) {
		t.Fatal("Flush() found no pending push")
	}
	got, err := remote.NewLocalClient(w.backend, "reader").FetchPosition(ctx, "isbn:7")
	if err != nil {
		t.Fatal(err)
	}
	if got.Locator != "epubcfi(/6/4)" {
		t.Errorf("remote locator = %q", got.Locator)
	}
}

func TestSavePosition_BlockedByConflict(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.device(t)
	b := w.device(t)

	if _, err := a.SavePosition(ctx, schema.Position{BookID: "isbn:8", Locator: "a", Percentage: 0.1}); err != nil {
		t.Fatal(err)
	}
	w.clock.Advance(time.Minute)
	bp, err := b.SavePosition(ctx, schema.Position{BookID: "isbn:8", Locator: "b", Percentage: 0.9})
	if err != nil {
		t.Fatal(err)
	}
	b.Positions.Flush(bp)

	_, err = a.SavePosition(ctx, schema.Position{BookID: "isbn:8", Locator: "a2", Percentage: 0.2})
	if !errors.Is(err, session.ErrSavesBlocked) {
		t.Errorf("SavePosition() error = %v, want ErrSavesBlocked", err)
	}
}
