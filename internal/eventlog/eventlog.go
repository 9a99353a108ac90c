// Package eventlog records diagnostic sync events without blocking callers.
//
// Events are queued in memory and written to the sync_events table by a single
// background goroutine. When the queue is full the event is logged and dropped;
// the sync path never waits on diagnostics.
package eventlog

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"github.com/readerkit/readsync/internal/store"
)

// Event types written by the engine.
const (
	TypePushFailed      = "push_failed"
	TypePushConflict    = "push_conflict"
	TypeHandshakeFailed = "handshake_failed"
	TypeConflict        = "conflict"
	TypeResolved        = "conflict_resolved"
	TypeListenerError   = "listener_error"
	TypeReconcile       = "full_sync"
	TypeReconcileFailed = "full_sync_failed"
)

// Recorder accepts diagnostic events.
type Recorder interface {
	Record(eventType, source, message string, details any)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(string, string, string, any) {}

// Log is a Recorder backed by the local store.
type Log struct {
	db     *store.DB
	logger *log.Logger
	queue  chan store.SyncEvent
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New starts a Log writing to db. buffer <= 0 uses 256.
func New(db *store.DB, buffer int, logger *log.Logger) *Log {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	l := &Log{
		db:     db,
		logger: logger,
		queue:  make(chan store.SyncEvent, buffer),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Record queues an event. details is encoded as JSON when non-nil.
func (l *Log) Record(eventType, source, message string, details any) {
	ev := store.SyncEvent{
		EventType: eventType,
		Source:    source,
		Message:   message,
		Timestamp: l.now(),
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			ev.Details = string(b)
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Printf("event log closed, dropping %s from %s: %s", eventType, source, message)
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Printf("event log full, dropping %s from %s: %s", eventType, source, message)
	}
}

// Close flushes queued events and stops the writer. Events recorded after
// Close are dropped.
func (l *Log) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Log) run() {
	defer close(l.done)
	for ev := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.db.AppendEvent(ctx, ev); err != nil {
			l.logger.Printf("failed to write %s event: %v", ev.EventType, err)
		}
		cancel()
	}
}
