package conflict

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/readerkit/readsync/internal/eventlog"
	"github.com/readerkit/readsync/internal/outbox"
	"github.com/readerkit/readsync/internal/pubsub"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/store"
)

// Resolver applies the user's answer to a conflict.
type Resolver struct {
	db     *store.DB
	client remote.Client
	queue  outbox.Queue
	events *pubsub.Stream[schema.Event]
	clock  clock.Clock
	log    eventlog.Recorder
	logger *log.Logger

	downloads singleflight.Group
}

// ResolverConfig carries the collaborators of a Resolver.
type ResolverConfig struct {
	DB     *store.DB
	Client remote.Client
	Queue  outbox.Queue
	Events *pubsub.Stream[schema.Event]
	Clock  clock.Clock
	Log    eventlog.Recorder
	Logger *log.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = eventlog.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Resolver{
		db:     cfg.DB,
		client: cfg.Client,
		queue:  cfg.Queue,
		events: cfg.Events,
		clock:  cfg.Clock,
		log:    cfg.Log,
		logger: cfg.Logger,
	}
}

// ForceUpload makes local the winning position: it is restamped with the
// current time, stored, pushed, and the server's record is written back. If
// the push fails the position stays queued in the outbox.
func (r *Resolver) ForceUpload(ctx context.Context, local schema.Position) (schema.Position, error) {
	local.Timestamp = r.clock.Now().UnixMilli()
	local.UserID = ""
	if err := r.db.PutPosition(ctx, local); err != nil {
		return schema.Position{}, err
	}

	res, err := r.client.UpsertPosition(ctx, local)
	if err != nil {
		if _, qerr := outbox.EnqueueJSON(ctx, r.queue, schema.ActionPosition, schema.PositionKey(local.BookID), local, local.Timestamp); qerr != nil {
			return schema.Position{}, fmt.Errorf("failed to queue position after push error %v: %w", err, qerr)
		}
		r.log.Record(eventlog.TypePushFailed, "resolver", "force upload failed, queued", map[string]any{"book_id": local.BookID, "error": err.Error()})
		return local, fmt.Errorf("force upload %s: %w", local.BookID, err)
	}

	if _, err := r.queue.RemoveKey(ctx, schema.ActionPosition, schema.PositionKey(local.BookID)); err != nil {
		r.logger.Printf("failed to drop queued position %s: %v", local.BookID, err)
	}
	stored := res.Data
	stored.UserID = ""
	if err := r.db.PutPosition(ctx, stored); err != nil {
		return schema.Position{}, err
	}
	r.log.Record(eventlog.TypeResolved, "resolver", "kept local position", map[string]any{"book_id": local.BookID})
	return stored, nil
}

// ForceDownload replaces the local position with the remote one and discards
// any pending local push for the book. Concurrent calls for the same book
// share one fetch.
func (r *Resolver) ForceDownload(ctx context.Context, bookID string) (schema.Position, error) {
	v, err, _ := r.downloads.Do(bookID, func() (any, error) {
		p, err := r.client.FetchPosition(ctx, bookID)
		if err != nil {
			return nil, fmt.Errorf("force download %s: %w", bookID, err)
		}
		p.UserID = ""
		if err := r.db.PutPosition(ctx, p); err != nil {
			return nil, err
		}
		if _, err := r.queue.RemoveKey(ctx, schema.ActionPosition, schema.PositionKey(bookID)); err != nil {
			r.logger.Printf("failed to drop queued position %s: %v", bookID, err)
		}
		if r.events != nil {
			r.events.Publish(schema.Event{
				Kind:     schema.EventRemotePosition,
				BookID:   bookID,
				Position: &p,
				Source:   "resolver",
				At:       r.clock.Now(),
			})
		}
		r.log.Record(eventlog.TypeResolved, "resolver", "accepted remote position", map[string]any{"book_id": bookID})
		return p, nil
	})
	if err != nil {
		return schema.Position{}, err
	}
	return v.(schema.Position), nil
}
