// Package scheduler runs at most one delayed task per key, the debounce
// primitive behind push coalescing.
//
// Scheduling a key that already has a pending task cancels the old task before
// arming the new one, so a burst of writes results in a single run after the
// burst settles. Runs of the same key never overlap: a task that fires while a
// previous run of its key is still in flight waits for that run to finish.
package scheduler

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc/panics"
)

// Task is the work executed when a key's delay elapses. ctx is cancelled by Stop.
type Task func(ctx context.Context)

type pending struct {
	timer *clock.Timer
	fn    Task
}

// Scheduler holds the per-key task handles.
type Scheduler struct {
	clock  clock.Clock
	logger *log.Logger

	mu      sync.Mutex
	tasks   map[string]*pending
	running map[string]*sync.Mutex
	stopped bool

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// New creates a scheduler. A nil clock uses the wall clock; a nil logger discards.
func New(c clock.Clock, logger *log.Logger) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:   c,
		logger:  logger,
		tasks:   make(map[string]*pending),
		running: make(map[string]*sync.Mutex),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule arms fn to run after delay, replacing any pending task for key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.tasks[key]; ok {
		old.timer.Stop()
	}
	p := &pending{fn: fn}
	s.tasks[key] = p
	p.timer = s.clock.AfterFunc(delay, func() { s.fire(key, p) })
}

// Cancel drops the pending task for key. It is safe to call repeatedly and
// reports whether a task was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tasks[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending reports whether key has an armed task.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// PendingKeys returns the keys with armed tasks, sorted.
func (s *Scheduler) PendingKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flush runs the pending task for key now, in the caller's goroutine. It
// reports whether there was one.
func (s *Scheduler) Flush(key string) bool {
	s.mu.Lock()
	p, ok := s.tasks[key]
	if ok {
		p.timer.Stop()
		delete(s.tasks, key)
		s.inflight.Add(1)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	defer s.inflight.Done()
	s.run(key, p.fn)
	return true
}

// Stop cancels every pending task, cancels the context handed to running
// tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for k, p := range s.tasks {
		p.timer.Stop()
		delete(s.tasks, k)
	}
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()
}

func (s *Scheduler) fire(key string, p *pending) {
	s.mu.Lock()
	if s.tasks[key] != p {
		// replaced or cancelled after the timer had already fired
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	s.run(key, p.fn)
}

func (s *Scheduler) run(key string, fn Task) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	var pc panics.Catcher
	pc.Try(func() { fn(s.ctx) })
	if r := pc.Recovered(); r != nil {
		s.logger.Printf("task %s panicked: %v", key, r.Value)
	}
}

func (s *Scheduler) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.running[key]
	if !ok {
		l = &sync.Mutex{}
		s.running[key] = l
	}
	return l
}
