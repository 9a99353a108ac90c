package remote

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/readerkit/readsync/internal/schema"
)

func newTestServer(t *testing.T) (*MemoryBackend, *httptest.Server) {
	t.Helper()
	backend := NewMemoryBackend(0, nil)
	srv := NewServer(backend, &ServerConfig{Logger: log.New(io.Discard, "", 0)})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop()
		ts.Close()
		_ = backend.Close()
	})
	return backend, ts
}

func TestHTTPClient_PositionRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	c := NewHTTPClient(ts.URL, "user-1", nil)
	ctx := context.Background()

	if _, err := c.FetchPosition(ctx, "isbn:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FetchPosition() on empty backend = %v, want ErrNotFound", err)
	}

	p := schema.Position{BookID: "isbn:1", Locator: "abc", Percentage: 0.25, PageNumber: schema.IntPtr(12), Timestamp: 5000, DeviceID: "dev-a"}
	res, err := c.UpsertPosition(ctx, p)
	if err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	if !res.Updated {
		t.Error("Updated = false on first push")
	}

	res, err = c.UpsertPosition(ctx, p)
	if err != nil {
		t.Fatalf("UpsertPosition() replay failed: %v", err)
	}
	if res.Updated {
		t.Error("Updated = true on replay, want false")
	}

	got, err := c.FetchPosition(ctx, "isbn:1")
	if err != nil {
		t.Fatalf("FetchPosition() failed: %v", err)
	}
	if !got.SameContent(p) || got.UserID != "user-1" {
		t.Errorf("FetchPosition() = %+v", got)
	}
}

func TestHTTPClient_Annotations(t *testing.T) {
	_, ts := newTestServer(t)
	c := NewHTTPClient(ts.URL, "user-1", nil)
	ctx := context.Background()

	b := schema.Annotation{Kind: schema.KindBookmark, CloudID: "bm-1", BookIdentifier: "isbn:1", Locator: "l", Timestamp: 10}
	stored, err := c.UpsertAnnotation(ctx, b)
	if err != nil {
		t.Fatalf("UpsertAnnotation() failed: %v", err)
	}
	if stored.Kind != schema.KindBookmark {
		t.Errorf("Kind = %s, want bookmark", stored.Kind)
	}

	rows, err := c.ListAnnotations(ctx, TableBookmarks, AnnotationFilter{BookIdentifier: "isbn:1"})
	if err != nil {
		t.Fatalf("ListAnnotations() failed: %v", err)
	}
	if len(rows) != 1 || rows[0].CloudID != "bm-1" {
		t.Fatalf("ListAnnotations() = %+v", rows)
	}
	if highlights, _ := c.ListAnnotations(ctx, TableHighlights, AnnotationFilter{}); len(highlights) != 0 {
		t.Errorf("bookmark leaked into highlights: %+v", highlights)
	}

	if err := c.DeleteAnnotation(ctx, TableBookmarks, Tombstone{CloudID: "bm-1", Timestamp: 20, DeviceID: "dev-a"}); err != nil {
		t.Fatalf("DeleteAnnotation() failed: %v", err)
	}
	rows, _ = c.ListAnnotations(ctx, TableBookmarks, AnnotationFilter{})
	if len(rows) != 0 {
		t.Errorf("ListAnnotations() after delete = %+v", rows)
	}
}

func TestHTTPClient_Unauthorized(t *testing.T) {
	_, ts := newTestServer(t)
	c := NewHTTPClient(ts.URL, "", nil)
	if _, err := c.FetchPreferences(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("FetchPreferences() without token = %v, want ErrUnauthorized", err)
	}
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "try later")
			return
		}
		writeJSON(w, http.StatusOK, schema.Preferences{Values: map[string]string{"a": "b"}, Timestamp: 1})
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, "u", nil, WithRetryDelays(time.Millisecond, 5*time.Millisecond))
	p, err := c.FetchPreferences(context.Background())
	if err != nil {
		t.Fatalf("FetchPreferences() failed: %v", err)
	}
	if p.Values["a"] != "b" {
		t.Errorf("Values = %v", p.Values)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestHTTPClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeError(w, http.StatusBadRequest, "bad_request", "nope")
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, "u", nil, WithRetryDelays(time.Millisecond, time.Millisecond))
	_, err := c.FetchPreferences(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 400 {
		t.Fatalf("err = %v, want HTTPError 400", err)
	}
	if IsRetryable(err) {
		t.Error("IsRetryable(400) = true")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestHTTPClient_Subscribe(t *testing.T) {
	backend, ts := newTestServer(t)
	c := NewHTTPClient(ts.URL, "user-1", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := c.Subscribe(ctx, TableHighlights)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	// Wait for the server side subscription before writing.
	for backend.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("server never registered the subscription")
		case <-time.After(5 * time.Millisecond):
		}
	}

	h := schema.Annotation{Kind: schema.KindHighlight, CloudID: "h-1", BookIdentifier: "isbn:1", Text: "quote", Timestamp: 42, DeviceID: "dev-b"}
	if _, err := backend.UpsertAnnotation(ctx, "user-1", h); err != nil {
		t.Fatalf("UpsertAnnotation() failed: %v", err)
	}

	select {
	case ev := <-events:
		a, err := ev.Annotation()
		if err != nil {
			t.Fatalf("Annotation() failed: %v", err)
		}
		if ev.Operation != OpInsert || a.CloudID != "h-1" || a.Kind != schema.KindHighlight {
			t.Errorf("event = %s %+v", ev.Operation, a)
		}
	case <-ctx.Done():
		t.Fatal("no change event received")
	}

	cancel()
	for range events {
	}
}
