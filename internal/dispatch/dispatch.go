// Package dispatch pushes outbox actions to the remote backend.
//
// The dispatcher is reached three ways:
//  1. The scheduler hands off a single key once its debounce window settles
//  2. Run drains the whole outbox periodically
//  3. Kick drains immediately, e.g. when connectivity returns
//
// A push that fails stays in the outbox with its retry count bumped and is
// picked up again by the next drain. Failures are recorded in the event log
// and never returned to the code that made the local change.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/readerkit/readsync/internal/background"
	"github.com/readerkit/readsync/internal/eventlog"
	"github.com/readerkit/readsync/internal/metrics"
	"github.com/readerkit/readsync/internal/outbox"
	"github.com/readerkit/readsync/internal/pubsub"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/scheduler"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/store"
)

// drainWorkID deduplicates periodic and kicked drains in the background trigger.
const drainWorkID = "dispatch.drain"

// Config holds configuration for the dispatcher.
type Config struct {
	// Debounce windows per action type
	PositionDebounce   time.Duration
	AnnotationDebounce time.Duration
	PreferenceDebounce time.Duration

	// Interval is how often Run drains the whole outbox
	Interval time.Duration

	// Jitter spreads periodic drains by +/- this fraction of Interval
	Jitter float64

	// Clock drives debounce timers and the periodic loop
	Clock clock.Clock

	// Logger for dispatcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PositionDebounce:   5 * time.Second,
		AnnotationDebounce: 30 * time.Second,
		PreferenceDebounce: 30 * time.Second,
		Interval:           15 * time.Minute,
		Jitter:             0.2,
		Clock:              clock.New(),
		Logger:             log.New(os.Stderr, "[dispatch] ", log.LstdFlags),
	}
}

// Deps are the collaborators of a Dispatcher. DB, Queue and Client are required.
type Deps struct {
	DB      *store.DB
	Queue   outbox.Queue
	Client  remote.Client
	Events  *pubsub.Stream[schema.Event]
	Log     eventlog.Recorder
	Trigger *background.Trigger
}

// Result summarizes a drain.
type Result struct {
	Pushed    int
	Conflicts int
	Failed    int
	Dropped   int
}

// Dispatcher owns the push side of sync.
type Dispatcher struct {
	db      *store.DB
	queue   outbox.Queue
	client  remote.Client
	events  *pubsub.Stream[schema.Event]
	log     eventlog.Recorder
	trigger *background.Trigger
	ownTrig bool
	sched   *scheduler.Scheduler
	config  *Config
	rand    *rand.Rand

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	kick chan struct{}
}

// New creates a dispatcher with its own scheduler.
func New(deps Deps, config *Config) (*Dispatcher, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
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
	ownTrig := deps.Trigger == nil
	if ownTrig {
		deps.Trigger = background.New(background.Always, config.Logger)
	}

	return &Dispatcher{
		db:      deps.DB,
		queue:   deps.Queue,
		client:  deps.Client,
		events:  deps.Events,
		log:     deps.Log,
		trigger: deps.Trigger,
		ownTrig: ownTrig,
		sched:   scheduler.New(config.Clock, config.Logger),
		config:  config,
		rand:    rand.New(rand.NewSource(config.Clock.Now().UnixNano())),
		keys:    make(map[string]*sync.Mutex),
		kick:    make(chan struct{}, 1),
	}, nil
}

// Scheduler exposes the debounce scheduler so sessions can cancel a book's
// pending push.
func (d *Dispatcher) Scheduler() *scheduler.Scheduler {
	return d.sched
}

// Debounce returns the debounce window for an action type.
func (d *Dispatcher) Debounce(typ schema.ActionType) time.Duration {
	switch typ {
	case schema.ActionPosition:
		return d.config.PositionDebounce
	case schema.ActionPreference:
		return d.config.PreferenceDebounce
	default:
		return d.config.AnnotationDebounce
	}
}

// TaskKey is the scheduler key of an outbox action.
func TaskKey(typ schema.ActionType, key string) string {
	return string(typ) + ":" + key
}

// Enqueue writes v to the outbox and arms its debounced push. A later Enqueue
// for the same key replaces the payload and restarts the window.
func (d *Dispatcher) Enqueue(ctx context.Context, typ schema.ActionType, key string, v any, ts int64) (schema.OutboxAction, error) {
	action, err := outbox.EnqueueJSON(ctx, d.queue, typ, key, v, ts)
	if err != nil {
		return schema.OutboxAction{}, err
	}
	d.Schedule(typ, key)
	d.updateDepth(ctx)
	return action, nil
}

// Schedule arms the debounced push of an already queued key.
func (d *Dispatcher) Schedule(typ schema.ActionType, key string) {
	d.sched.Schedule(TaskKey(typ, key), d.Debounce(typ), func(ctx context.Context) {
		_ = d.DispatchKey(ctx, typ, key)
	})
}

// Cancel drops the pending push of a key. The outbox row stays.
func (d *Dispatcher) Cancel(typ schema.ActionType, key string) bool {
	return d.sched.Cancel(TaskKey(typ, key))
}

// Flush pushes a key now if it has a pending debounced push.
func (d *Dispatcher) Flush(typ schema.ActionType, key string) bool {
	return d.sched.Flush(TaskKey(typ, key))
}

// DispatchKey pushes the current outbox action for a key, if any. The returned
// error is informational; the outcome has already been recorded.
func (d *Dispatcher) DispatchKey(ctx context.Context, typ schema.ActionType, key string) error {
	lock := d.keyLock(TaskKey(typ, key))
	lock.Lock()
	defer lock.Unlock()

	action, err := d.queue.Get(ctx, typ, key)
	if errors.Is(err, outbox.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read outbox %s: %w", TaskKey(typ, key), err)
	}
	_, err = d.push(ctx, action)
	d.updateDepth(ctx)
	return err
}

// Drain pushes every pending action, oldest first.
func (d *Dispatcher) Drain(ctx context.Context) (Result, error) {
	var res Result
	actions, err := d.queue.DrainOrdered(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to drain outbox: %w", err)
	}

	for _, a := range actions {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		outcome := d.drainOne(ctx, a)
		switch outcome {
		case metrics.OutcomeSuccess:
			res.Pushed++
		case metrics.OutcomeConflict:
			res.Pushed++
			res.Conflicts++
		case metrics.OutcomeFailure:
			res.Failed++
		case outcomeDropped:
			res.Dropped++
		}
	}
	d.updateDepth(ctx)
	return res, nil
}

func (d *Dispatcher) drainOne(ctx context.Context, listed schema.OutboxAction) string {
	lock := d.keyLock(TaskKey(listed.Type, listed.Key))
	lock.Lock()
	defer lock.Unlock()

	// A scheduler hand-off may have pushed or replaced it meanwhile.
	action, err := d.queue.Get(ctx, listed.Type, listed.Key)
	if err != nil {
		return metrics.OutcomeIgnored
	}
	outcome, _ := d.push(ctx, action)
	return outcome
}

// Run drains on start, every Interval (jittered) and on Kick, until ctx ends.
// Drains go through the background trigger so they wait for connectivity and
// never overlap.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.config.Logger.Println("Starting dispatcher")
	d.requestDrain()

	timer := d.config.Clock.Timer(d.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			d.config.Logger.Println("Dispatcher stopped")
			return nil
		case <-timer.C:
			d.requestDrain()
		case <-d.kick:
			d.requestDrain()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(d.nextInterval())
	}
}

// Kick requests an immediate drain from Run. It never blocks.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Stop cancels pending debounced pushes and waits for in-flight ones.
func (d *Dispatcher) Stop() {
	d.sched.Stop()
	if d.ownTrig {
		d.trigger.Stop()
	}
}

func (d *Dispatcher) requestDrain() {
	d.trigger.RequestSoon(drainWorkID, func(ctx context.Context) {
		res, err := d.Drain(ctx)
		if err != nil {
			d.config.Logger.Printf("Error draining outbox: %v", err)
			return
		}
		if res.Pushed+res.Failed+res.Dropped > 0 {
			d.config.Logger.Printf("Drained outbox: %d pushed, %d conflicts, %d failed, %d dropped",
				res.Pushed, res.Conflicts, res.Failed, res.Dropped)
		}
	})
}

func (d *Dispatcher) nextInterval() time.Duration {
	base := d.config.Interval
	if base <= 0 {
		base = DefaultConfig().Interval
	}
	if d.config.Jitter <= 0 {
		return base
	}
	spread := (d.rand.Float64()*2 - 1) * d.config.Jitter
	return time.Duration(float64(base) * (1 + spread))
}

func (d *Dispatcher) keyLock(key string) *sync.Mutex {
	d.keyMu.Lock()
	defer d.keyMu.Unlock()
	l, ok := d.keys[key]
	if !ok {
		l = &sync.Mutex{}
		d.keys[key] = l
	}
	return l
}

func (d *Dispatcher) updateDepth(ctx context.Context) {
	if n, err := d.queue.Depth(ctx); err == nil {
		metrics.SetOutboxDepth(n)
	}
}

func (d *Dispatcher) publish(ev schema.Event) {
	if d.events == nil {
		return
	}
	ev.Source = "dispatch"
	ev.At = d.config.Clock.Now()
	d.events.Publish(ev)
}
