// Package engine wires the sync components into one unit per data directory.
//
// An Engine owns the local store, the outbox, the remote client, the event
// stream and the managers built on them: dispatcher, listener, reconciler and
// conflict resolver. Sessions are opened per document through OpenSession.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc"

	"github.com/readerkit/readsync/internal/background"
	"github.com/readerkit/readsync/internal/config"
	"github.com/readerkit/readsync/internal/conflict"
	"github.com/readerkit/readsync/internal/device"
	"github.com/readerkit/readsync/internal/dispatch"
	"github.com/readerkit/readsync/internal/eventlog"
	"github.com/readerkit/readsync/internal/listener"
	"github.com/readerkit/readsync/internal/logging"
	"github.com/readerkit/readsync/internal/outbox"
	"github.com/readerkit/readsync/internal/pubsub"
	"github.com/readerkit/readsync/internal/reconcile"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/session"
	"github.com/readerkit/readsync/internal/store"
)

// DefaultUserID is used when no user id is configured.
const DefaultUserID = "local"

// Options overrides collaborators, mostly for tests.
type Options struct {
	// Client replaces the remote selected by remote.url
	Client remote.Client
	// Clock drives debouncing and timestamps (default: wall clock)
	Clock clock.Clock
	// Constraints gate background drains (default: network up, battery not critical)
	Constraints background.Constraints
	// Logging provides component loggers (default: built from the log config)
	Logging *logging.Logging
}

// Engine is a running sync stack.
type Engine struct {
	DB         *store.DB
	Queue      outbox.Queue
	Client     remote.Client
	Events     *pubsub.Stream[schema.Event]
	Log        *eventlog.Log
	Trigger    *background.Trigger
	Dispatcher *dispatch.Dispatcher
	Listener   *listener.Listener
	Reconciler reconcile.Reconciler
	Resolver   *conflict.Resolver
	DeviceID   string

	Positions   *SyncManager[schema.Position]
	Annotations *SyncManager[schema.Annotation]
	Preferences *SyncManager[schema.Preferences]

	config      *config.Config
	clock       clock.Clock
	logging     *logging.Logging
	ownLogging  bool
	clientClose io.Closer

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	started bool
}

// Open builds an engine for cfg. Close releases everything it opened.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	e := &Engine{config: cfg, clock: opts.Clock, logging: opts.Logging, cancel: func() {}}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.logging == nil {
		lg, err := logging.New(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Verbose:    cfg.Log.Verbose,
		})
		if err != nil {
			return nil, err
		}
		e.logging, e.ownLogging = lg, true
	}

	if err := e.open(ctx, opts); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) open(ctx context.Context, opts Options) error {
	cfg := e.config
	db, err := store.OpenAndInit(ctx, cfg.DatabasePath())
	if err != nil {
		return err
	}
	e.DB = db

	if e.DeviceID, err = device.ID(ctx, db); err != nil {
		return err
	}

	if cfg.OutboxDSN != "" {
		if e.Queue, err = outbox.BuildQueueFromDSN(ctx, cfg.OutboxDSN); err != nil {
			return err
		}
	} else {
		e.Queue = outbox.NewSQLiteQueue(db)
	}

	e.Client = opts.Client
	if e.Client == nil {
		if e.Client, e.clientClose, err = NewClient(cfg, e.logging.Logger("remote")); err != nil {
			return err
		}
	}

	e.Events = pubsub.NewStream[schema.Event](64)
	e.Log = eventlog.New(db, 256, e.logging.Logger("eventlog"))

	constraints := opts.Constraints
	if constraints == nil {
		constraints = background.DefaultSystemConstraints()
	}
	e.Trigger = background.New(constraints, e.logging.Logger("background"))

	e.Dispatcher, err = dispatch.New(dispatch.Deps{
		DB:      db,
		Queue:   e.Queue,
		Client:  e.Client,
		Events:  e.Events,
		Log:     e.Log,
		Trigger: e.Trigger,
	}, &dispatch.Config{
		PositionDebounce:   cfg.Sync.PositionDebounce,
		AnnotationDebounce: cfg.Sync.AnnotationDebounce,
		PreferenceDebounce: cfg.Sync.PreferenceDebounce,
		Interval:           cfg.Sync.PeriodicInterval,
		Jitter:             cfg.Sync.IntervalJitter,
		Clock:              e.clock,
		Logger:             e.logging.Logger("dispatch"),
	})
	if err != nil {
		return err
	}

	lcfg := listener.DefaultConfig()
	lcfg.Detector = e.Detector()
	lcfg.Clock = e.clock
	lcfg.Logger = e.logging.Logger("listener")
	e.Listener, err = listener.New(listener.Deps{
		DB:       db,
		Client:   e.Client,
		Events:   e.Events,
		Log:      e.Log,
		DeviceID: e.DeviceID,
	}, lcfg)
	if err != nil {
		return err
	}

	e.Reconciler = reconcile.New(db, e.Client, reconcile.Options{
		Events: e.Events,
		Log:    e.Log,
		Logger: e.logging.Logger("reconcile"),
	})
	e.Resolver = conflict.NewResolver(conflict.ResolverConfig{
		DB:     db,
		Client: e.Client,
		Queue:  e.Queue,
		Events: e.Events,
		Clock:  e.clock,
		Log:    e.Log,
		Logger: e.logging.Logger("conflict"),
	})

	managerLog := e.logging.Logger("engine")
	e.Positions = NewSyncManager(PositionBinding(db), e.Dispatcher, e.clock, e.DeviceID, managerLog)
	e.Annotations = NewSyncManager(AnnotationBinding(db), e.Dispatcher, e.clock, e.DeviceID, managerLog)
	e.Preferences = NewSyncManager(PreferencesBinding(db), e.Dispatcher, e.clock, e.DeviceID, managerLog)
	return nil
}

// NewClient selects the remote from cfg.Remote.URL:
//
//	"" or "memory"          in-process backend, lost on exit
//	postgres://...          in-process client over a PostgreSQL backend
//	http://... or https://  a readsync server
//
// The returned closer, if any, releases an in-process backend.
func NewClient(cfg *config.Config, logger *log.Logger) (remote.Client, io.Closer, error) {
	userID := cfg.UserID
	if userID == "" {
		userID = DefaultUserID
	}
	url := strings.TrimSpace(cfg.Remote.URL)
	switch {
	case url == "" || url == "memory":
		backend := remote.NewMemoryBackend(cfg.Sync.ConflictWindow, logger)
		return remote.NewLocalClient(backend, userID), backend, nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		backend, err := remote.NewPostgresBackend(url, cfg.Sync.ConflictWindow, logger)
		if err != nil {
			return nil, nil, err
		}
		return remote.NewLocalClient(backend, userID), backend, nil
	case strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://"):
		client := remote.NewHTTPClient(url, cfg.Remote.Token,
			&http.Client{Timeout: cfg.Remote.Timeout},
			remote.WithRetries(cfg.Remote.MaxRetries))
		return client, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported remote url %q", url)
	}
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config {
	return e.config
}

// Logger returns the logger of a component.
func (e *Engine) Logger(component string) *log.Logger {
	return e.logging.Logger(component)
}

// Detector returns the conflict predicate configured for this engine.
func (e *Engine) Detector() conflict.Detector {
	return conflict.Detector{
		Window:  e.config.Sync.ConflictWindow,
		Epsilon: e.config.Sync.PositionEpsilon,
	}
}

// SessionConfig returns the per-document session settings.
func (e *Engine) SessionConfig() *session.Config {
	policy := session.DeferToBackground
	if e.config.Sync.FlushOnClose {
		policy = session.FlushOnClose
	}
	return &session.Config{
		RapidThreshold:    e.config.Sync.RapidThreshold,
		OptimisticTimeout: e.config.Sync.OptimisticTimeout,
		FlushPolicy:       policy,
		Clock:             e.clock,
		Logger:            e.logging.Debug("session"),
	}
}

// OpenSession creates a session for bookID and runs its handshake.
func (e *Engine) OpenSession(ctx context.Context, bookID string) (*session.Session, session.State, error) {
	s, err := session.New(bookID, session.Deps{
		DB:       e.DB,
		Client:   e.Client,
		Queue:    e.Queue,
		Pusher:   e.Dispatcher,
		Events:   e.Events,
		Log:      e.Log,
		DeviceID: e.DeviceID,
	}, e.SessionConfig())
	if err != nil {
		return nil, nil, err
	}
	return s, s.Open(ctx), nil
}

// Start runs the listener and the periodic dispatcher until ctx ends or Stop
// is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.Listener.Start(ctx)
	e.wg.Go(func() {
		if err := e.Dispatcher.Run(ctx); err != nil {
			e.logging.Logger("engine").Printf("Error running dispatcher: %v", err)
		}
	})
}

// Stop ends what Start started and waits for it.
func (e *Engine) Stop() {
	e.mu.Lock()
	started := e.started
	e.started = false
	e.mu.Unlock()
	if !started {
		return
	}
	e.cancel()
	e.Listener.Stop()
	e.wg.Wait()
}

// Close stops the engine and releases its resources.
func (e *Engine) Close() error {
	e.Stop()

	var errs []error
	if e.Dispatcher != nil {
		e.Dispatcher.Stop()
	}
	if e.Trigger != nil {
		e.Trigger.Stop()
	}
	if e.Log != nil {
		e.Log.Close()
	}
	if e.Events != nil {
		e.Events.Close()
	}
	if e.Queue != nil {
		errs = append(errs, e.Queue.Close())
	}
	if e.clientClose != nil {
		errs = append(errs, e.clientClose.Close())
	}
	if e.DB != nil {
		errs = append(errs, e.DB.Close())
	}
	if e.ownLogging {
		errs = append(errs, e.logging.Close())
	}
	return errors.Join(errs...)
}
