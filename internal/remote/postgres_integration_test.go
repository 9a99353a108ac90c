package remote

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/readerkit/readsync/internal/schema"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("READSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set READSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func TestPostgresIntegrationPositionAndNotify(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	backend, err := NewPostgresBackend(dsn, 0, nil)
	if err != nil {
		t.Fatalf("NewPostgresBackend() failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	user := fmt.Sprintf("it-%d", time.Now().UnixNano())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := backend.Subscribe(ctx, user, TablePositions)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	p := schema.Position{BookID: "isbn:1", Locator: "l", Percentage: 0.4, Timestamp: 1000, DeviceID: "dev-a"}
	res, err := backend.UpsertPosition(ctx, user, p)
	if err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	if !res.Updated {
		t.Error("first upsert not applied")
	}
	if res, _ := backend.UpsertPosition(ctx, user, p); res.Updated {
		t.Error("replay reported Updated = true")
	}

	older := p
	older.Timestamp, older.DeviceID = 1, "dev-b"
	res, err = backend.UpsertPosition(ctx, user, older)
	if err != nil {
		t.Fatalf("UpsertPosition(older) failed: %v", err)
	}
	if res.Updated || !res.Conflict || res.Data.Timestamp != 1000 {
		t.Errorf("older upsert = %+v, want conflict with server record", res)
	}

	select {
	case ev := <-events:
		if ev.Table != TablePositions || ev.Operation != OpInsert {
			t.Errorf("event = %s %s", ev.Table, ev.Operation)
		}
	case <-ctx.Done():
		t.Fatal("no notification received")
	}
}
