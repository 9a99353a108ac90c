// Package clocktest adapts benbjohnson/clock's Mock so AfterFunc callbacks
// run inline during Advance, in deadline order, seeing their own deadline
// as Now. Debounce and timeout scenarios can then be asserted right after
// Advance returns.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Mock is a clock.Clock driven by Advance.
type Mock struct {
	*clock.Mock

	mu      sync.Mutex
	seq     int
	pending []*callback
}

type callback struct {
	timer *clock.Timer
	at    time.Time
	seq   int
	fn    func()
}

// New returns a Mock starting at start.
func New(start time.Time) *Mock {
	m := clock.NewMock()
	m.Set(start)
	return &Mock{Mock: m}
}

// AfterFunc registers f to run from Advance once d has elapsed. The timer is
// a plain mock timer, so Stop behaves as in the library. Reset is not
// supported on the returned timer.
func (m *Mock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	t := m.Mock.Timer(d)
	m.mu.Lock()
	m.seq++
	m.pending = append(m.pending, &callback{timer: t, at: m.Mock.Now().Add(d), seq: m.seq, fn: f})
	m.mu.Unlock()
	return t
}

// Advance moves time forward by d. Callbacks registered by a running
// callback also fire if they fall within d.
func (m *Mock) Advance(d time.Duration) {
	target := m.Mock.Now().Add(d)
	for {
		next, ok := m.nextDue(target)
		if !ok {
			break
		}
		if step := next.Sub(m.Mock.Now()); step > 0 {
			m.Mock.Add(step)
		} else {
			m.Mock.Add(0)
		}
		m.runFired()
	}
	if step := target.Sub(m.Mock.Now()); step > 0 {
		m.Mock.Add(step)
	}
	m.runFired()
}

func (m *Mock) nextDue(target time.Time) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	found := false
	for _, cb := range m.pending {
		if cb.at.After(target) {
			continue
		}
		if !found || cb.at.Before(next) {
			next, found = cb.at, true
		}
	}
	return next, found
}

// runFired runs every callback whose timer ticked and forgets the ones that
// were stopped before their deadline.
func (m *Mock) runFired() {
	now := m.Mock.Now()

	m.mu.Lock()
	var fired []*callback
	live := m.pending[:0]
	for _, cb := range m.pending {
		select {
		case <-cb.timer.C:
			fired = append(fired, cb)
			continue
		default:
		}
		if cb.at.After(now) {
			live = append(live, cb)
		}
	}
	m.pending = live
	m.mu.Unlock()

	sort.Slice(fired, func(i, j int) bool {
		if fired[i].at.Equal(fired[j].at) {
			return fired[i].seq < fired[j].seq
		}
		return fired[i].at.Before(fired[j].at)
	})
	for _, cb := range fired {
		cb.fn()
	}
}
