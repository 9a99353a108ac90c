package listener

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/readerkit/readsync/internal/metrics"
	"github.com/readerkit/readsync/internal/pubsub"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/store"
)

type fixture struct {
	db      *store.DB
	backend *remote.MemoryBackend
	events  *pubsub.Stream[schema.Event]
	l       *Listener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenAndInit(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenAndInit() failed: %v", err)
	}
	backend := remote.NewMemoryBackend(0, nil)
	f := &fixture{db: db, backend: backend, events: pubsub.NewStream[schema.Event](16)}

	cfg := DefaultConfig()
	cfg.MinBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)
	f.l, err = New(Deps{
		DB:       db,
		Client:   remote.NewLocalClient(backend, "u"),
		Events:   f.events,
		DeviceID: "phone",
	}, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		f.l.Stop()
		_ = backend.Close()
		_ = db.Close()
	})
	return f
}

func positionEvent(t *testing.T, p schema.Position) remote.ChangeEvent {
	t.Helper()
	ev, err := remote.NewChangeEvent(remote.TablePositions, remote.OpUpdate, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestHandle_Position(t *testing.T) {
	tests := []struct {
		name        string
		local       *schema.Position
		incoming    schema.Position
		want        string
		wantLocator string
		wantClash   bool
	}{
		{
			name:        "self echo",
			incoming:    schema.Position{BookID: "b", Locator: "x", Percentage: 0.5, Timestamp: 500, DeviceID: "phone"},
			want:        metrics.OutcomeSelfEcho,
			wantLocator: "",
		},
		{
			name:        "no local row",
			incoming:    schema.Position{BookID: "b", Locator: "x", Percentage: 0.5, Timestamp: 500, DeviceID: "tablet"},
			want:        metrics.OutcomeApplied,
			wantLocator: "x",
		},
		{
			name:        "older than local",
			local:       &schema.Position{BookID: "b", Locator: "mine", Percentage: 0.5, Timestamp: 500, DeviceID: "phone"},
			incoming:    schema.Position{BookID: "b", Locator: "x", Percentage: 0.9, Timestamp: 400, DeviceID: "tablet"},
			want:        metrics.OutcomeStale,
			wantLocator: "mine",
		},
		{
			name:        "newer and close",
			local:       &schema.Position{BookID: "b", Locator: "mine", Percentage: 0.5, Timestamp: 500, DeviceID: "phone"},
			incoming:    schema.Position{BookID: "b", Locator: "x", Percentage: 0.9, Timestamp: 5_000, DeviceID: "tablet"},
			want:        metrics.OutcomeApplied,
			wantLocator: "x",
		},
		{
			name:        "newer and diverging",
			local:       &schema.Position{BookID: "b", Locator: "mine", Percentage: 0.1, Timestamp: 500, DeviceID: "phone"},
			incoming:    schema.Position{BookID: "b", Locator: "x", Percentage: 0.9, Timestamp: 60_000, DeviceID: "tablet"},
			want:        metrics.OutcomeApplied,
			wantLocator: "x",
			wantClash:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if tt.local != nil {
				_ = f.db.PutPosition(ctx, *tt.local)
			}
			events, cancel := f.events.Subscribe()
			defer cancel()

			if got := f.l.Handle(ctx, positionEvent(t, tt.incoming)); got != tt.want {
				t.Errorf("Handle() = %q, want %q", got, tt.want)
			}
			stored, err := f.db.GetPosition(ctx, "b")
			if tt.wantLocator == "" {
				if err == nil {
					t.Errorf("local position = %+v, want none", stored)
				}
				return
			}
			if stored.Locator != tt.wantLocator {
				t.Errorf("local locator = %q, want %q", stored.Locator, tt.wantLocator)
			}

			if tt.want != metrics.OutcomeApplied {
				if len(events) != 0 {
					t.Errorf("published %d events, want 0", len(events))
				}
				return
			}
			ev := <-events
			if ev.Kind != schema.EventRemotePosition {
				t.Errorf("event kind = %s", ev.Kind)
			}
			if (ev.Conflict != nil) != tt.wantClash {
				t.Errorf("event conflict = %+v, want conflict %v", ev.Conflict, tt.wantClash)
			}
		})
	}
}

func TestHandle_AnnotationDeleteSoftDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bookID, _ := f.db.AddBook(ctx, "isbn:9", "Nine")

	a := schema.Annotation{Kind: schema.KindHighlight, BookID: bookID, BookIdentifier: "isbn:9", Text: "t", Timestamp: 100, DeviceID: "phone"}
	a.EnsureCloudID()
	_ = f.db.PutAnnotation(ctx, &a)

	// An older delete loses.
	old := a
	old.Timestamp, old.DeviceID = 50, "tablet"
	ev, _ := remote.NewChangeEvent(remote.TableHighlights, remote.OpDelete, old, nil)
	if got := f.l.Handle(ctx, ev); got != metrics.OutcomeStale {
		t.Errorf("Handle(old delete) = %q, want stale", got)
	}

	newer := a
	newer.Timestamp, newer.DeviceID = 200, "tablet"
	ev, _ = remote.NewChangeEvent(remote.TableHighlights, remote.OpDelete, newer, nil)
	if got := f.l.Handle(ctx, ev); got != metrics.OutcomeApplied {
		t.Errorf("Handle(newer delete) = %q, want applied", got)
	}
	stored, err := f.db.GetAnnotationByCloudID(ctx, a.CloudID)
	if err != nil {
		t.Fatalf("annotation was hard-deleted: %v", err)
	}
	if !stored.Deleted {
		t.Error("annotation not soft-deleted")
	}
}

func TestHandle_AnnotationUnknownBook(t *testing.T) {
	f := newFixture(t)
	a := schema.Annotation{Kind: schema.KindBookmark, BookIdentifier: "isbn:unknown", Timestamp: 100, DeviceID: "tablet"}
	a.EnsureCloudID()
	ev, _ := remote.NewChangeEvent(remote.TableBookmarks, remote.OpInsert, a, nil)
	if got := f.l.Handle(context.Background(), ev); got != metrics.OutcomeIgnored {
		t.Errorf("Handle() = %q, want ignored", got)
	}
}

func TestHandle_Preferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.db.PutPreferences(ctx, schema.Preferences{Values: map[string]string{"theme": "dark"}, Timestamp: 100, DeviceID: "phone"})

	newer := schema.Preferences{Values: map[string]string{"theme": "sepia"}, Timestamp: 200, DeviceID: "tablet"}
	ev, _ := remote.NewChangeEvent(remote.TablePreferences, remote.OpUpdate, newer, nil)
	if got := f.l.Handle(ctx, ev); got != metrics.OutcomeApplied {
		t.Errorf("Handle() = %q, want applied", got)
	}
	got, _ := f.db.GetPreferences(ctx)
	if got.Values["theme"] != "sepia" {
		t.Errorf("theme = %q, want sepia", got.Values["theme"])
	}

	self := schema.Preferences{Values: map[string]string{"theme": "light"}, Timestamp: 300, DeviceID: "phone"}
	ev, _ = remote.NewChangeEvent(remote.TablePreferences, remote.OpUpdate, self, nil)
	if got := f.l.Handle(ctx, ev); got != metrics.OutcomeSelfEcho {
		t.Errorf("Handle(self) = %q, want self_echo", got)
	}
}

func TestStart_AppliesRemoteWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.l.Start(ctx)

	// Wait until all tables are subscribed.
	deadline := time.Now().Add(2 * time.Second)
	for f.backend.Subscribers() < len(remote.Tables) {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", f.backend.Subscribers(), len(remote.Tables))
		}
		time.Sleep(5 * time.Millisecond)
	}

	p := schema.Position{BookID: "b", Locator: "from-tablet", Percentage: 0.3, Timestamp: 1000, DeviceID: "tablet"}
	if _, err := f.backend.UpsertPosition(ctx, "u", p); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}

	for {
		stored, err := f.db.GetPosition(ctx, "b")
		if err == nil && stored.Locator == "from-tablet" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("remote position never reached the local store")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.l.Stop()
}
