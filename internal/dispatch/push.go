package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/readerkit/readsync/internal/eventlog"
	"github.com/readerkit/readsync/internal/metrics"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/schema"
)

// outcomeDropped marks an action removed without reaching the remote.
const outcomeDropped = "dropped"

// errDrop marks a failure that retrying cannot fix.
var errDrop = errors.New("unrecoverable action")

// push sends one action and settles its outbox row. It returns a metrics outcome.
func (d *Dispatcher) push(ctx context.Context, a schema.OutboxAction) (string, error) {
	start := time.Now()

	var (
		conflict bool
		err      error
	)
	switch a.Type {
	case schema.ActionPosition:
		conflict, err = d.pushPosition(ctx, a)
	case schema.ActionHighlight, schema.ActionBookmark:
		err = d.pushAnnotation(ctx, a)
	case schema.ActionPreference:
		err = d.pushPreferences(ctx, a)
	default:
		err = fmt.Errorf("%w: unknown action type %q", errDrop, a.Type)
	}

	if err != nil {
		if errors.Is(err, errDrop) || errors.Is(err, remote.ErrInvalidInput) {
			return d.drop(ctx, a, err)
		}
		metrics.RecordPush(string(a.Type), metrics.OutcomeFailure, time.Since(start))
		if merr := d.queue.MarkFailed(ctx, a.ID, err); merr != nil {
			d.config.Logger.Printf("Error recording failure of %s: %v", a, merr)
		}
		d.config.Logger.Printf("Push of %s failed (attempt %d): %v", a, a.RetryCount+1, err)
		d.log.Record(eventlog.TypePushFailed, "dispatch", err.Error(), map[string]any{
			"type":        a.Type,
			"key":         a.Key,
			"retry_count": a.RetryCount + 1,
		})
		return metrics.OutcomeFailure, err
	}

	// A payload replaced while in flight has a newer version and stays queued.
	if _, err := d.queue.Remove(ctx, a.ID, a.Version); err != nil {
		d.config.Logger.Printf("Error removing pushed %s: %v", a, err)
	}

	outcome := metrics.OutcomeSuccess
	if conflict {
		outcome = metrics.OutcomeConflict
	}
	metrics.RecordPush(string(a.Type), outcome, time.Since(start))
	d.publish(schema.Event{Kind: schema.EventPushed, BookID: bookOf(a)})
	return outcome, nil
}

func (d *Dispatcher) drop(ctx context.Context, a schema.OutboxAction, cause error) (string, error) {
	if _, err := d.queue.Remove(ctx, a.ID, a.Version); err != nil {
		d.config.Logger.Printf("Error dropping %s: %v", a, err)
	}
	d.config.Logger.Printf("Dropped %s: %v", a, cause)
	d.log.Record(eventlog.TypePushFailed, "dispatch", "dropped: "+cause.Error(), map[string]any{
		"type": a.Type,
		"key":  a.Key,
	})
	metrics.RecordPush(string(a.Type), metrics.OutcomeFailure, 0)
	return outcomeDropped, cause
}

func (d *Dispatcher) pushPosition(ctx context.Context, a schema.OutboxAction) (bool, error) {
	var p schema.Position
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return false, fmt.Errorf("%w: %v", errDrop, err)
	}

	res, err := d.client.UpsertPosition(ctx, p)
	if err != nil {
		return false, err
	}

	// Write the server's view back. The merge keeps a local write that
	// landed after this payload was read.
	server := res.Data
	server.UserID = ""
	if server.BookID != "" {
		if _, err := d.db.MergePosition(ctx, server); err != nil {
			d.config.Logger.Printf("Error writing back position %s: %v", p.BookID, err)
		}
	}

	if res.Conflict {
		metrics.RecordConflict()
		d.log.Record(eventlog.TypePushConflict, "dispatch", "remote holds a newer position from another device", map[string]any{
			"book_id":          p.BookID,
			"local_timestamp":  p.Timestamp,
			"remote_timestamp": server.Timestamp,
			"remote_device":    server.DeviceID,
		})
		d.publish(schema.Event{
			Kind:     schema.EventConflict,
			BookID:   p.BookID,
			Position: &server,
			Conflict: &schema.SyncConflict{BookID: p.BookID, Local: p, Remote: server},
		})
	}
	return res.Conflict, nil
}

func (d *Dispatcher) pushAnnotation(ctx context.Context, a schema.OutboxAction) error {
	var ann schema.Annotation
	if err := json.Unmarshal(a.Payload, &ann); err != nil {
		return fmt.Errorf("%w: %v", errDrop, err)
	}
	if kind, ok := a.Type.AnnotationKind(); ok && ann.Kind == "" {
		ann.Kind = kind
	}
	if ann.CloudID == "" {
		return fmt.Errorf("%w: annotation without cloud id", errDrop)
	}
	table := remote.TableFor(ann.Kind)

	if ann.Deleted {
		err := d.client.DeleteAnnotation(ctx, table, remote.Tombstone{
			CloudID:   ann.CloudID,
			Timestamp: ann.Timestamp,
			DeviceID:  ann.DeviceID,
		})
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		if err := d.db.PurgeAnnotation(ctx, ann.CloudID); err != nil {
			d.config.Logger.Printf("Error purging %s %s: %v", ann.Kind, ann.CloudID, err)
		}
		return nil
	}

	server, err := d.client.UpsertAnnotation(ctx, ann)
	if err != nil {
		return err
	}
	if server.Timestamp > ann.Timestamp {
		// Another device won; adopt its version under our local book id.
		bookID, ok, err := d.db.ResolveBookID(ctx, server.BookIdentifier)
		if err != nil || !ok {
			return nil
		}
		server.Kind = ann.Kind
		server.BookID = bookID
		if _, err := d.db.MergeAnnotation(ctx, server); err != nil {
			d.config.Logger.Printf("Error writing back %s %s: %v", ann.Kind, ann.CloudID, err)
		}
	}
	return nil
}

func (d *Dispatcher) pushPreferences(ctx context.Context, a schema.OutboxAction) error {
	var p schema.Preferences
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", errDrop, err)
	}
	server, err := d.client.UpsertPreferences(ctx, p)
	if err != nil {
		return err
	}
	if server.Timestamp > p.Timestamp {
		if _, err := d.db.MergePreferences(ctx, server); err != nil {
			d.config.Logger.Printf("Error writing back preferences: %v", err)
		}
	}
	return nil
}

func bookOf(a schema.OutboxAction) string {
	if a.Type == schema.ActionPosition {
		return a.Key
	}
	return ""
}
