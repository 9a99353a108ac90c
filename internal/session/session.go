// Package session runs the per-document sync handshake and filters the
// position changes made while the document is open.
//
// Opening a document compares the local and remote positions of its book
// before any write is accepted. A newer remote position from another device
// puts the session in Conflict, which blocks writes until AcceptRemote or
// KeepLocal is called. Once writes are allowed, position changes that follow
// each other within RapidThreshold are stored locally only; a change that
// settles is queued and pushed after the position debounce window.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc"

	"github.com/readerkit/readsync/internal/eventlog"
	"github.com/readerkit/readsync/internal/outbox"
	"github.com/readerkit/readsync/internal/pubsub"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/store"
)

// ErrSavesBlocked is returned by writes while the session is unresolved.
var ErrSavesBlocked = errors.New("saves blocked until the session is resolved")

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// FlushPolicy decides what Close does with a position push that is still
// waiting out its debounce window.
type FlushPolicy int

const (
	// DeferToBackground cancels the pending push; the queued position is
	// sent by the next outbox drain.
	DeferToBackground FlushPolicy = iota
	// FlushOnClose pushes the pending position before Close returns.
	FlushOnClose
)

func (p FlushPolicy) String() string {
	if p == FlushOnClose {
		return "flush"
	}
	return "defer"
}

// Pusher is the push side of sync as seen by a session.
type Pusher interface {
	Enqueue(ctx context.Context, typ schema.ActionType, key string, v any, ts int64) (schema.OutboxAction, error)
	Cancel(typ schema.ActionType, key string) bool
	Flush(typ schema.ActionType, key string) bool
}

// Config holds configuration for sessions.
type Config struct {
	// RapidThreshold is the smallest gap between position changes that
	// still counts as a settled read
	RapidThreshold time.Duration

	// OptimisticTimeout moves Syncing to Synced if no push acknowledgement
	// arrives in time
	OptimisticTimeout time.Duration

	FlushPolicy FlushPolicy

	Clock  clock.Clock
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RapidThreshold:    time.Second,
		OptimisticTimeout: 3 * time.Second,
		FlushPolicy:       DeferToBackground,
		Clock:             clock.New(),
		Logger:            log.New(io.Discard, "", 0),
	}
}

// Deps are the collaborators of a Session. All but Events and Log are required.
type Deps struct {
	DB       *store.DB
	Client   remote.Client
	Queue    outbox.Queue
	Pusher   Pusher
	Events   *pubsub.Stream[schema.Event]
	Log      eventlog.Recorder
	DeviceID string
}

// Session is the sync scope of one open document.
type Session struct {
	bookID string
	deps   Deps
	config *Config
	state  *pubsub.Latest[State]

	mu         sync.Mutex
	lastChange time.Time
	optimistic *clock.Timer
	closed     bool

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New creates a session for a book. Call Open to run the handshake.
func New(bookID string, deps Deps, config *Config) (*Session, error) {
	if bookID == "" {
		return nil, fmt.Errorf("book id cannot be empty")
	}
	if deps.DB == nil || deps.Client == nil || deps.Queue == nil || deps.Pusher == nil {
		return nil, fmt.Errorf("db, client, queue and pusher are required")
	}
	if deps.DeviceID == "" {
		return nil, fmt.Errorf("device id cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
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
	return &Session{
		bookID: bookID,
		deps:   deps,
		config: config,
		state:  pubsub.NewLatest[State](Initializing{}),
		cancel: func() {},
	}, nil
}

// BookID returns the book this session belongs to.
func (s *Session) BookID() string { return s.bookID }

// State returns the current state.
func (s *Session) State() State { return s.state.Get() }

// Subscribe streams state changes, starting with the current state.
func (s *Session) Subscribe() (<-chan State, func()) { return s.state.Subscribe() }

// AllowSaves reports whether OnPositionChanged accepts writes.
func (s *Session) AllowSaves() bool { return AllowsSaves(s.state.Get()) }

// Open runs the handshake and returns the resulting state.
func (s *Session) Open(ctx context.Context) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applyLocked(Open{}); err != nil {
		return s.state.Get()
	}
	s.lastChange = s.config.Clock.Now()
	s.watchEvents()

	local, err := s.deps.DB.GetPosition(ctx, s.bookID)
	hasLocal := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return s.failLocked(fmt.Errorf("failed to read local position: %w", err))
	}

	remotePos, err := s.deps.Client.FetchPosition(ctx, s.bookID)
	if err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			s.config.Logger.Printf("Remote position of %s unavailable: %v", s.bookID, err)
		}
		_ = s.applyLocked(NoRemote{})
		return s.state.Get()
	}
	remotePos.UserID = ""

	switch {
	case hasLocal && remotePos.Timestamp <= local.Timestamp:
		_ = s.applyLocked(LocalCurrent{})

	case hasLocal && remotePos.DeviceID != s.deps.DeviceID:
		_ = s.applyLocked(RemoteDiverged{Local: local, Remote: remotePos})
		s.deps.Log.Record(eventlog.TypeConflict, "session", "remote position is newer", map[string]any{
			"book_id":          s.bookID,
			"local_timestamp":  local.Timestamp,
			"remote_timestamp": remotePos.Timestamp,
			"remote_device":    remotePos.DeviceID,
		})

	default:
		// Nothing local yet, or our own newer write restored from the remote.
		if err := s.deps.DB.PutPosition(ctx, remotePos); err != nil {
			return s.failLocked(fmt.Errorf("failed to apply remote position: %w", err))
		}
		_ = s.applyLocked(RemoteApplied{})
	}
	return s.state.Get()
}

// AcceptRemote resolves a conflict by adopting the remote position and
// discarding any queued local push for the book.
func (s *Session) AcceptRemote(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.state.Get().(Conflict)
	if !ok {
		return fmt.Errorf("%w: accept remote in %s", ErrInvalidTransition, s.state.Get())
	}
	if err := s.deps.DB.PutPosition(ctx, c.Remote); err != nil {
		return err
	}
	key := schema.PositionKey(s.bookID)
	s.deps.Pusher.Cancel(schema.ActionPosition, key)
	if _, err := s.deps.Queue.RemoveKey(ctx, schema.ActionPosition, key); err != nil {
		return err
	}
	s.publish(schema.Event{Kind: schema.EventRemotePosition, BookID: s.bookID, Position: &c.Remote})
	s.deps.Log.Record(eventlog.TypeResolved, "session", "accepted remote position", map[string]any{"book_id": s.bookID})
	return s.applyLocked(AcceptRemote{})
}

// KeepLocal resolves a conflict in favor of this device. A conflict raised
// by the listener or a push arrives after the remote position was merged
// into the store, so the local position is written back. The remote keeps
// its position until the next settled change is pushed.
func (s *Session) KeepLocal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.state.Get().(Conflict)
	if !ok {
		return fmt.Errorf("%w: keep local in %s", ErrInvalidTransition, s.state.Get())
	}
	restored, err := s.restoreLocalLocked(ctx, c.Local)
	if err != nil {
		return err
	}
	if err := s.applyLocked(KeepLocal{}); err != nil {
		return err
	}
	s.deps.Log.Record(eventlog.TypeResolved, "session", "kept local position", map[string]any{
		"book_id":  s.bookID,
		"restored": restored,
	})
	return nil
}

// restoreLocalLocked puts local back when another device's position replaced
// it in the store. A newer write from this device is left alone.
func (s *Session) restoreLocalLocked(ctx context.Context, local schema.Position) (bool, error) {
	if local.BookID == "" {
		return false, nil
	}
	stored, err := s.deps.DB.GetPosition(ctx, s.bookID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("failed to read local position: %w", err)
	case stored.SameContent(local), stored.DeviceID == s.deps.DeviceID:
		return false, nil
	}
	if err := s.deps.DB.PutPosition(ctx, local); err != nil {
		return false, fmt.Errorf("failed to restore local position: %w", err)
	}
	return true, nil
}

// OnPositionChanged stores a new reading position and decides whether it is
// worth pushing. BookID and DeviceID are filled in; a zero Timestamp is set
// to now.
func (s *Session) OnPositionChanged(ctx context.Context, p schema.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !AllowsSaves(s.state.Get()) {
		return ErrSavesBlocked
	}

	now := s.config.Clock.Now()
	p.BookID = s.bookID
	p.DeviceID = s.deps.DeviceID
	if p.Timestamp == 0 {
		p.Timestamp = now.UnixMilli()
	}
	gap := now.Sub(s.lastChange)
	s.lastChange = now

	if err := s.deps.DB.PutPosition(ctx, p); err != nil {
		return err
	}

	key := schema.PositionKey(s.bookID)
	if gap < s.config.RapidThreshold {
		s.deps.Pusher.Cancel(schema.ActionPosition, key)
		if _, err := outbox.RefreshJSON(ctx, s.deps.Queue, schema.ActionPosition, key, p, p.Timestamp); err != nil {
			s.config.Logger.Printf("Failed to refresh queued position of %s: %v", s.bookID, err)
		}
		s.stopOptimisticLocked()
		return s.applyLocked(RapidChange{})
	}

	if err := s.applyLocked(SettledChange{Percentage: p.Percentage}); err != nil {
		return err
	}
	if _, err := s.deps.Pusher.Enqueue(ctx, schema.ActionPosition, key, p, p.Timestamp); err != nil {
		return err
	}
	s.stopOptimisticLocked()
	s.optimistic = s.config.Clock.AfterFunc(s.config.OptimisticTimeout, s.markPushed)
	return nil
}

// Close ends the session. Depending on the flush policy a pending position
// push is sent now or left to the background drain.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopOptimisticLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	key := schema.PositionKey(s.bookID)
	switch s.config.FlushPolicy {
	case FlushOnClose:
		s.deps.Pusher.Flush(schema.ActionPosition, key)
	default:
		s.deps.Pusher.Cancel(schema.ActionPosition, key)
	}
	return nil
}

// watchEvents follows push acknowledgements and remote conflicts for the
// book until Close.
func (s *Session) watchEvents() {
	if s.deps.Events == nil {
		return
	}
	events, unsubscribe := s.deps.Events.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Go(func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.handleEvent(ev)
			}
		}
	})
}

func (s *Session) handleEvent(ev schema.Event) {
	if ev.BookID != s.bookID {
		return
	}
	switch {
	case ev.Kind == schema.EventPushed:
		s.markPushed()
	case ev.Conflict != nil:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		_ = s.applyLocked(RemoteDiverged{Local: ev.Conflict.Local, Remote: ev.Conflict.Remote})
	}
}

func (s *Session) markPushed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Get().(Syncing); !ok {
		return
	}
	s.stopOptimisticLocked()
	_ = s.applyLocked(Pushed{})
}

func (s *Session) applyLocked(in Input) error {
	next, err := Transition(s.state.Get(), in)
	if err != nil {
		return err
	}
	s.state.Set(next)
	return nil
}

func (s *Session) failLocked(err error) State {
	s.config.Logger.Printf("Handshake for %s failed: %v", s.bookID, err)
	s.deps.Log.Record(eventlog.TypeHandshakeFailed, "session", err.Error(), map[string]any{"book_id": s.bookID})
	_ = s.applyLocked(Failed{Message: err.Error()})
	return s.state.Get()
}

func (s *Session) stopOptimisticLocked() {
	if s.optimistic != nil {
		s.optimistic.Stop()
		s.optimistic = nil
	}
}

func (s *Session) publish(ev schema.Event) {
	if s.deps.Events == nil {
		return
	}
	ev.Source = "session"
	ev.At = s.config.Clock.Now()
	s.deps.Events.Publish(ev)
}
