// Package listener merges changes pushed by the remote backend into the local
// store.
//
// One supervised goroutine per table holds a subscription open and
// resubscribes with exponential backoff when it drops. Each change is checked
// in order:
//  1. Changes made by this device are discarded
//  2. Changes that are not strictly newer than the local row are ignored
//  3. Everything else is merged locally and published to subscribers
package listener

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/readerkit/readsync/internal/conflict"
	"github.com/readerkit/readsync/internal/eventlog"
	"github.com/readerkit/readsync/internal/metrics"
	"github.com/readerkit/readsync/internal/pubsub"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/store"
)

// Config holds configuration for the listener.
type Config struct {
	// Tables to subscribe to (default: all)
	Tables []remote.Table

	// Resubscribe backoff bounds
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// Detector flags incoming positions that disagree with local state
	Detector conflict.Detector

	Clock  clock.Clock
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Tables:     remote.Tables,
		MinBackoff: time.Second,
		MaxBackoff: 2 * time.Minute,
		Detector:   conflict.DefaultDetector(),
		Clock:      clock.New(),
		Logger:     log.New(os.Stderr, "[listener] ", log.LstdFlags),
	}
}

// Deps are the collaborators of a Listener.
type Deps struct {
	DB       *store.DB
	Client   remote.Client
	Events   *pubsub.Stream[schema.Event]
	Log      eventlog.Recorder
	DeviceID string
}

// Listener applies remote changes locally.
type Listener struct {
	db       *store.DB
	client   remote.Client
	events   *pubsub.Stream[schema.Event]
	log      eventlog.Recorder
	deviceID string
	config   *Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      *conc.WaitGroup
}

// New creates a listener. Start opens the subscriptions.
func New(deps Deps, config *Config) (*Listener, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if deps.DeviceID == "" {
		return nil, fmt.Errorf("device id cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Tables) == 0 {
		config.Tables = remote.Tables
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if deps.Log == nil {
		deps.Log = eventlog.Nop{}
	}
	return &Listener{
		db:       deps.DB,
		client:   deps.Client,
		events:   deps.Events,
		log:      deps.Log,
		deviceID: deps.DeviceID,
		config:   config,
	}, nil
}

// Start subscribes to every configured table. It returns immediately; the
// subscriptions live until ctx ends or Stop is called.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg = conc.NewWaitGroup()
	l.running = true

	for _, table := range l.config.Tables {
		table := table
		l.wg.Go(func() { l.supervise(ctx, table) })
	}
	l.config.Logger.Printf("Listening on %d tables", len(l.config.Tables))
}

// Stop closes the subscriptions and waits for the goroutines to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, wg := l.cancel, l.wg
	l.mu.Unlock()

	cancel()
	wg.Wait()
	l.config.Logger.Println("Listener stopped")
}

// supervise keeps one table subscribed until ctx ends.
func (l *Listener) supervise(ctx context.Context, table remote.Table) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.config.MinBackoff
	b.MaxInterval = l.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		received, err := l.consume(ctx, table)
		if ctx.Err() != nil {
			return
		}
		if received {
			b.Reset()
		}
		if err != nil {
			l.config.Logger.Printf("Subscription to %s failed: %v", table, err)
			l.log.Record(eventlog.TypeListenerError, "listener", err.Error(), map[string]any{"table": table})
		}

		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-l.config.Clock.After(wait):
		}
		metrics.RecordResubscribe(string(table))
	}
}

// consume reads one subscription until it closes. received reports whether
// any change arrived.
func (l *Listener) consume(ctx context.Context, table remote.Table) (received bool, err error) {
	ch, err := l.client.Subscribe(ctx, table)
	if err != nil {
		return false, err
	}
	for ev := range ch {
		received = true
		var pc panics.Catcher
		pc.Try(func() { l.Handle(ctx, ev) })
		if r := pc.Recovered(); r != nil {
			l.config.Logger.Printf("Handling %s event panicked: %v", table, r.Value)
		}
	}
	return received, nil
}

// Handle applies one change and returns its metrics outcome.
func (l *Listener) Handle(ctx context.Context, ev remote.ChangeEvent) string {
	var (
		outcome string
		err     error
	)
	switch ev.Table {
	case remote.TablePositions:
		outcome, err = l.handlePosition(ctx, ev)
	case remote.TableHighlights, remote.TableBookmarks:
		outcome, err = l.handleAnnotation(ctx, ev)
	case remote.TablePreferences:
		outcome, err = l.handlePreferences(ctx, ev)
	default:
		outcome = metrics.OutcomeIgnored
	}
	if err != nil {
		outcome = metrics.OutcomeFailure
		l.config.Logger.Printf("Error applying %s %s: %v", ev.Table, ev.Operation, err)
		l.log.Record(eventlog.TypeListenerError, "listener", err.Error(), map[string]any{
			"table":     ev.Table,
			"operation": ev.Operation,
		})
	}
	metrics.RecordListenerEvent(string(ev.Table), outcome)
	return outcome
}

func (l *Listener) handlePosition(ctx context.Context, ev remote.ChangeEvent) (string, error) {
	if ev.Operation == remote.OpDelete {
		return metrics.OutcomeIgnored, nil
	}
	p, err := ev.Position()
	if err != nil {
		return "", err
	}
	if p.DeviceID == l.deviceID {
		return metrics.OutcomeSelfEcho, nil
	}
	p.UserID = ""

	local, err := l.db.GetPosition(ctx, p.BookID)
	hasLocal := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if hasLocal && p.Timestamp <= local.Timestamp {
		return metrics.OutcomeStale, nil
	}

	applied, err := l.db.MergePosition(ctx, p)
	if err != nil {
		return "", err
	}
	if !applied {
		return metrics.OutcomeStale, nil
	}

	event := schema.Event{Kind: schema.EventRemotePosition, BookID: p.BookID, Position: &p}
	if hasLocal && l.config.Detector.IsConflict(local, p) {
		event.Conflict = &schema.SyncConflict{BookID: p.BookID, Local: local, Remote: p}
		metrics.RecordConflict()
		l.log.Record(eventlog.TypeConflict, "listener", "remote position diverges from local", map[string]any{
			"book_id":          p.BookID,
			"local_timestamp":  local.Timestamp,
			"remote_timestamp": p.Timestamp,
			"remote_device":    p.DeviceID,
		})
	}
	l.publish(event)
	return metrics.OutcomeApplied, nil
}

func (l *Listener) handleAnnotation(ctx context.Context, ev remote.ChangeEvent) (string, error) {
	a, err := ev.Annotation()
	if err != nil {
		return "", err
	}
	if a.DeviceID == l.deviceID {
		return metrics.OutcomeSelfEcho, nil
	}
	if ev.Operation == remote.OpDelete {
		a.Deleted = true
	}

	bookID, ok, err := l.db.ResolveBookID(ctx, a.BookIdentifier)
	if err != nil {
		return "", err
	}
	if !ok {
		return metrics.OutcomeIgnored, nil
	}
	a.BookID = bookID

	applied, err := l.db.MergeAnnotation(ctx, a)
	if err != nil {
		return "", err
	}
	if !applied {
		return metrics.OutcomeStale, nil
	}
	l.publish(schema.Event{Kind: schema.EventRemoteAnnotation, BookID: a.BookIdentifier, Annotation: &a})
	return metrics.OutcomeApplied, nil
}

func (l *Listener) handlePreferences(ctx context.Context, ev remote.ChangeEvent) (string, error) {
	p, err := ev.Preferences()
	if err != nil {
		return "", err
	}
	if p.DeviceID == l.deviceID {
		return metrics.OutcomeSelfEcho, nil
	}
	applied, err := l.db.MergePreferences(ctx, p)
	if err != nil {
		return "", err
	}
	if !applied {
		return metrics.OutcomeStale, nil
	}
	l.publish(schema.Event{Kind: schema.EventRemotePreferences, Preferences: &p})
	return metrics.OutcomeApplied, nil
}

func (l *Listener) publish(ev schema.Event) {
	if l.events == nil {
		return
	}
	ev.Source = "listener"
	ev.At = l.config.Clock.Now()
	l.events.Publish(ev)
}
