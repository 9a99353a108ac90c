// Package background runs deferrable sync work once device constraints allow.
//
// Work is identified by a work id. Requesting an id that is already queued or
// running is a no-op, so repeated triggers (connectivity flaps, enqueue bursts)
// never stack up duplicate syncs.
package background

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Work is a unit of deferrable work. ctx is cancelled by Stop.
type Work func(ctx context.Context)

// Trigger deduplicates and gates background work.
type Trigger struct {
	constraints Constraints
	logger      *log.Logger

	mu       sync.Mutex
	deferred map[string]Work
	running  map[string]bool
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New creates a Trigger. A nil Constraints never defers work.
func New(constraints Constraints, logger *log.Logger) *Trigger {
	if constraints == nil {
		constraints = Always
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		constraints: constraints,
		logger:      logger,
		deferred:    make(map[string]Work),
		running:     make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RequestSoon runs fn as soon as constraints allow. It returns false when
// workID is already queued or running, or after Stop.
func (t *Trigger) RequestSoon(workID string, fn Work) bool {
	t.mu.Lock()
	if t.stopped || t.running[workID] {
		t.mu.Unlock()
		return false
	}
	if _, ok := t.deferred[workID]; ok {
		t.mu.Unlock()
		// A repeat request re-checks the constraints for the queued work.
		t.Retry()
		return false
	}
	t.deferred[workID] = fn
	t.mu.Unlock()

	t.Retry()
	return true
}

// Retry starts every deferred work item if constraints now allow. It returns
// how many were started.
func (t *Trigger) Retry() int {
	ok, reason := t.constraints.Allowed(t.ctx)
	if !ok {
		t.logger.Printf("deferring background work: %s", reason)
		return 0
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return 0
	}
	ids := make([]string, 0, len(t.deferred))
	for id := range t.deferred {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	work := make([]Work, len(ids))
	for i, id := range ids {
		work[i] = t.deferred[id]
		delete(t.deferred, id)
		t.running[id] = true
	}
	t.mu.Unlock()

	for i, id := range ids {
		id, fn := id, work[i]
		t.wg.Go(func() { t.run(id, fn) })
	}
	return len(ids)
}

// Deferred returns the ids waiting on constraints, sorted.
func (t *Trigger) Deferred() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.deferred))
	for id := range t.deferred {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Running reports whether workID is executing.
func (t *Trigger) Running(workID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running[workID]
}

// Stop drops deferred work, cancels running work and waits for it.
func (t *Trigger) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.deferred = make(map[string]Work)
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}

func (t *Trigger) run(id string, fn Work) {
	defer func() {
		t.mu.Lock()
		delete(t.running, id)
		t.mu.Unlock()
	}()

	var pc panics.Catcher
	pc.Try(func() { fn(t.ctx) })
	if r := pc.Recovered(); r != nil {
		t.logger.Printf("background work %s panicked: %v", id, r.Value)
	}
}
