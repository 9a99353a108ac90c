package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/readerkit/readsync/internal/clocktest"
	"github.com/readerkit/readsync/internal/outbox"
	"github.com/readerkit/readsync/internal/pubsub"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/store"
)

type fixture struct {
	db      *store.DB
	queue   outbox.Queue
	backend *remote.MemoryBackend
	client  *flakyClient
	events  *pubsub.Stream[schema.Event]
	clock   *clocktest.Mock
	d       *Dispatcher
}

// flakyClient fails position upserts with err while err is set and lets a
// test hook run during the call.
type flakyClient struct {
	remote.Client
	err    error
	during func()
	pushes int
}

func (c *flakyClient) UpsertPosition(ctx context.Context, p schema.Position) (remote.UpsertResult, error) {
	c.pushes++
	if c.during != nil {
		c.during()
	}
	if c.err != nil {
		return remote.UpsertResult{}, c.err
	}
	return c.Client.UpsertPosition(ctx, p)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenAndInit(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenAndInit() failed: %v", err)
	}
	backend := remote.NewMemoryBackend(0, nil)
	f := &fixture{
		db:      db,
		queue:   outbox.NewSQLiteQueue(db),
		backend: backend,
		client:  &flakyClient{Client: remote.NewLocalClient(backend, "u")},
		events:  pubsub.NewStream[schema.Event](16),
		clock:   clocktest.New(time.UnixMilli(1_000_000)),
	}
	cfg := DefaultConfig()
	cfg.Clock = f.clock
	cfg.Logger = log.New(io.Discard, "", 0)
	f.d, err = New(Deps{DB: db, Queue: f.queue, Client: f.client, Events: f.events}, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		f.d.Stop()
		_ = backend.Close()
		_ = db.Close()
	})
	return f
}

func pos(book, loc string, pct float64, ts int64, dev string) schema.Position {
	return schema.Position{BookID: book, Locator: loc, Percentage: pct, Timestamp: ts, DeviceID: dev}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}, nil); err == nil {
		t.Error("New() with no deps should fail")
	}
}

func TestEnqueue_CoalescesIntoOnePush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, loc := range []string{"p1", "p2", "p3"} {
		p := pos("b", loc, 0.1*float64(i+1), int64(1_000_000+i*1000), "phone")
		if _, err := f.d.Enqueue(ctx, schema.ActionPosition, "b", p, p.Timestamp); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		f.clock.Advance(time.Second)
	}
	if f.client.pushes != 0 {
		t.Fatalf("pushes before debounce = %d, want 0", f.client.pushes)
	}

	f.clock.Advance(5 * time.Second)

	if f.client.pushes != 1 {
		t.Errorf("pushes = %d, want 1", f.client.pushes)
	}
	server, err := f.backend.FetchPosition(ctx, "u", "b")
	if err != nil {
		t.Fatalf("FetchPosition() failed: %v", err)
	}
	if server.Locator != "p3" {
		t.Errorf("server locator = %q, want p3", server.Locator)
	}
	if depth, _ := f.queue.Depth(ctx); depth != 0 {
		t.Errorf("outbox depth = %d, want 0", depth)
	}
}

func TestDrain_AllActionTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bookID, _ := f.db.AddBook(ctx, "isbn:1", "Book")
	hl := schema.Annotation{Kind: schema.KindHighlight, BookID: bookID, BookIdentifier: "isbn:1", Text: "quote", Timestamp: 100, DeviceID: "phone"}
	hl.EnsureCloudID()
	bm := schema.Annotation{Kind: schema.KindBookmark, BookID: bookID, BookIdentifier: "isbn:1", Timestamp: 100, DeviceID: "phone"}
	bm.EnsureCloudID()

	// The bookmark exists remotely and was deleted locally.
	if _, err := f.backend.UpsertAnnotation(ctx, "u", bm); err != nil {
		t.Fatalf("seed bookmark: %v", err)
	}
	bm.Deleted = true
	bm.Timestamp = 200
	if err := f.db.PutAnnotation(ctx, &bm); err != nil {
		t.Fatalf("PutAnnotation() failed: %v", err)
	}

	p := pos("isbn:1", "loc", 0.5, 100, "phone")
	prefs := schema.Preferences{Values: map[string]string{"font": "serif"}, Timestamp: 100, DeviceID: "phone"}
	_, _ = outbox.EnqueueJSON(ctx, f.queue, schema.ActionPosition, schema.PositionKey("isbn:1"), p, 100)
	_, _ = outbox.EnqueueJSON(ctx, f.queue, schema.ActionHighlight, schema.AnnotationKey(bookID, hl.CloudID), hl, 101)
	_, _ = outbox.EnqueueJSON(ctx, f.queue, schema.ActionBookmark, schema.AnnotationKey(bookID, bm.CloudID), bm, 102)
	_, _ = outbox.EnqueueJSON(ctx, f.queue, schema.ActionPreference, schema.PreferenceKey, prefs, 103)

	res, err := f.d.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res.Pushed != 4 || res.Failed != 0 {
		t.Errorf("Drain() = %+v, want 4 pushed", res)
	}

	highlights, _ := f.backend.ListAnnotations(ctx, "u", remote.TableHighlights, remote.AnnotationFilter{})
	if len(highlights) != 1 || highlights[0].CloudID != hl.CloudID {
		t.Errorf("remote highlights = %+v", highlights)
	}
	bookmarks, _ := f.backend.ListAnnotations(ctx, "u", remote.TableBookmarks, remote.AnnotationFilter{})
	if len(bookmarks) != 0 {
		t.Errorf("remote bookmarks = %+v, want tombstoned", bookmarks)
	}
	if _, err := f.db.GetAnnotationByCloudID(ctx, bm.CloudID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("local bookmark after delete push: err = %v, want purged", err)
	}
	remotePrefs, _ := f.backend.FetchPreferences(ctx, "u")
	if remotePrefs.Values["font"] != "serif" {
		t.Errorf("remote prefs = %+v", remotePrefs)
	}
	if depth, _ := f.queue.Depth(ctx); depth != 0 {
		t.Errorf("outbox depth = %d, want 0", depth)
	}
}

func TestDrain_FailureKeepsAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.err = &remote.HTTPError{StatusCode: 503, Message: "unavailable"}

	p := pos("b", "loc", 0.5, 100, "phone")
	_, _ = outbox.EnqueueJSON(ctx, f.queue, schema.ActionPosition, "b", p, 100)

	res, err := f.d.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res.Failed != 1 || res.Pushed != 0 {
		t.Errorf("Drain() = %+v, want 1 failed", res)
	}
	a, err := f.queue.Get(ctx, schema.ActionPosition, "b")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if a.RetryCount != 1 || a.LastError == "" {
		t.Errorf("action = %+v, want retry_count 1 and an error", a)
	}

	f.client.err = nil
	res, _ = f.d.Drain(ctx)
	if res.Pushed != 1 {
		t.Errorf("retry Drain() = %+v, want 1 pushed", res)
	}
}

func TestDrain_InvalidInputIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.err = &remote.HTTPError{StatusCode: 400, Message: "bad"}

	_, _ = outbox.EnqueueJSON(ctx, f.queue, schema.ActionPosition, "b", pos("b", "l", 0.5, 100, "phone"), 100)
	_, _ = f.queue.EnqueueOrReplace(ctx, schema.ActionPreference, schema.PreferenceKey, []byte("{not json"), 101)

	res, _ := f.d.Drain(ctx)
	if res.Dropped != 2 {
		t.Errorf("Drain() = %+v, want 2 dropped", res)
	}
	if depth, _ := f.queue.Depth(ctx); depth != 0 {
		t.Errorf("outbox depth = %d, want 0", depth)
	}
}

func TestDrain_ConflictWritesBackServerRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, cancel := f.events.Subscribe()
	defer cancel()

	remotePos := pos("b", "tablet-loc", 0.9, 200_000, "tablet")
	_, _ = f.backend.UpsertPosition(ctx, "u", remotePos)

	local := pos("b", "phone-loc", 0.2, 100_000, "phone")
	_ = f.db.PutPosition(ctx, local)
	_, _ = outbox.EnqueueJSON(ctx, f.queue, schema.ActionPosition, "b", local, local.Timestamp)

	res, _ := f.d.Drain(ctx)
	if res.Conflicts != 1 {
		t.Fatalf("Drain() = %+v, want 1 conflict", res)
	}
	stored, _ := f.db.GetPosition(ctx, "b")
	if stored.Locator != "tablet-loc" {
		t.Errorf("local locator = %q, want server record written back", stored.Locator)
	}

	var sawConflict bool
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == schema.EventConflict {
			sawConflict = true
			if ev.Conflict == nil || ev.Conflict.Local.Locator != "phone-loc" || ev.Conflict.Remote.Locator != "tablet-loc" {
				t.Errorf("conflict event = %+v", ev.Conflict)
			}
		}
	}
	if !sawConflict {
		t.Error("no conflict event published")
	}
}

func TestDrain_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := pos("b", "loc", 0.5, 100, "phone")

	for i := 0; i < 2; i++ {
		_, _ = outbox.EnqueueJSON(ctx, f.queue, schema.ActionPosition, "b", p, 100)
		res, _ := f.d.Drain(ctx)
		if res.Pushed != 1 || res.Conflicts != 0 {
			t.Errorf("Drain() #%d = %+v", i+1, res)
		}
	}
	server, _ := f.backend.FetchPosition(ctx, "u", "b")
	if !server.SameContent(p) {
		t.Errorf("server = %+v, want %+v", server, p)
	}
}

func TestDispatchKey_ReplacedInFlightStaysQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = outbox.EnqueueJSON(ctx, f.queue, schema.ActionPosition, "b", pos("b", "old", 0.1, 100, "phone"), 100)
	f.client.during = func() {
		f.client.during = nil
		_, _ = outbox.EnqueueJSON(ctx, f.queue, schema.ActionPosition, "b", pos("b", "new", 0.2, 200, "phone"), 200)
	}

	if err := f.d.DispatchKey(ctx, schema.ActionPosition, "b"); err != nil {
		t.Fatalf("DispatchKey() failed: %v", err)
	}
	a, err := f.queue.Get(ctx, schema.ActionPosition, "b")
	if err != nil {
		t.Fatalf("replacement was removed: %v", err)
	}
	var queued schema.Position
	_ = json.Unmarshal(a.Payload, &queued)
	if queued.Locator != "new" {
		t.Errorf("queued locator = %q, want new", queued.Locator)
	}
}

func TestDispatchKey_NothingQueued(t *testing.T) {
	f := newFixture(t)
	if err := f.d.DispatchKey(context.Background(), schema.ActionPosition, "missing"); err != nil {
		t.Errorf("DispatchKey() = %v, want nil", err)
	}
	if f.client.pushes != 0 {
		t.Errorf("pushes = %d, want 0", f.client.pushes)
	}
}

func TestNextInterval_Jitter(t *testing.T) {
	f := newFixture(t)
	f.d.config.Interval = time.Minute
	f.d.config.Jitter = 0.2
	for i := 0; i < 50; i++ {
		got := f.d.nextInterval()
		if got < 48*time.Second || got > 72*time.Second {
			t.Fatalf("nextInterval() = %v, want within 20%% of 1m", got)
		}
	}
}

func TestRun_KickDrains(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.d.Run(ctx)
	}()

	_, _ = outbox.EnqueueJSON(context.Background(), f.queue, schema.ActionPosition, "b", pos("b", "l", 0.5, 100, "phone"), 100)
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.d.Kick()
		if depth, _ := f.queue.Depth(context.Background()); depth == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("outbox not drained after Kick")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

// timerCounter counts the timers the periodic loop creates.
type timerCounter struct {
	*clocktest.Mock
	timers atomic.Int32
	afters atomic.Int32
}

func (c *timerCounter) Timer(d time.Duration) *clock.Timer {
	c.timers.Add(1)
	return c.Mock.Timer(d)
}

func (c *timerCounter) After(d time.Duration) <-chan time.Time {
	c.afters.Add(1)
	return c.Mock.After(d)
}

func TestRun_ReusesPeriodicTimer(t *testing.T) {
	f := newFixture(t)
	c := &timerCounter{Mock: f.clock}
	cfg := DefaultConfig()
	cfg.Clock = c
	cfg.Logger = log.New(io.Discard, "", 0)
	d, err := New(Deps{DB: f.db, Queue: f.queue, Client: f.client}, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		d.Stop()
	})

	waitDrained := func(step func()) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			step()
			if depth, _ := f.queue.Depth(context.Background()); depth == 0 {
				return
			}
			if time.Now().After(deadline) {
				t.Fatal("outbox not drained")
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	for i := 0; i < 3; i++ {
		ts := int64(100 + i)
		_, _ = outbox.EnqueueJSON(context.Background(), f.queue, schema.ActionPosition, "b", pos("b", "l", 0.5, ts, "phone"), ts)
		waitDrained(d.Kick)
	}
	if n := c.timers.Load(); n != 1 {
		t.Errorf("periodic loop created %d timers, want 1", n)
	}
	if n := c.afters.Load(); n != 0 {
		t.Errorf("periodic loop called After %d times, want 0", n)
	}

	// The reset timer still drives periodic drains.
	_, _ = outbox.EnqueueJSON(context.Background(), f.queue, schema.ActionPosition, "c", pos("c", "l", 0.5, 200, "phone"), 200)
	waitDrained(func() { c.Advance(cfg.Interval * 2) })
}
