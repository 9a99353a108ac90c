// Package pubsub provides the two broadcast shapes used by the sync engine:
// Latest, a single-slot state holder where late subscribers see the current
// value, and Stream, a fan-out of discrete events.
package pubsub

import "sync"

// Latest holds the most recent value of T and notifies subscribers on change.
// Slow subscribers skip intermediate values and always converge on the latest.
type Latest[T any] struct {
	mu     sync.Mutex
	value  T
	subs   map[int]chan T
	nextID int
}

// NewLatest returns a holder seeded with initial.
func NewLatest[T any](initial T) *Latest[T] {
	return &Latest[T]{value: initial, subs: make(map[int]chan T)}
}

// Get returns the current value.
func (l *Latest[T]) Get() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// Set stores v and delivers it to every subscriber.
func (l *Latest[T]) Set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.value = v
	for _, ch := range l.subs {
		replace(ch, v)
	}
}

// Subscribe returns a channel that immediately yields the current value and
// then every later one. cancel closes the channel.
func (l *Latest[T]) Subscribe() (<-chan T, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan T, 1)
	ch <- l.value
	id := l.nextID
	l.nextID++
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			close(ch)
		})
	}
}

// replace drops a stale buffered value so the slot always holds the newest one.
func replace[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Stream fans out events to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and Dropped is incremented.
type Stream[T any] struct {
	mu      sync.Mutex
	subs    map[int]chan T
	nextID  int
	buffer  int
	dropped int
	closed  bool
}

// NewStream creates a stream whose subscribers buffer up to buffer events.
func NewStream[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Publish delivers ev to every subscriber.
func (s *Stream[T]) Publish(ev T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped++
		}
	}
}

// Subscribe registers a listener. cancel unregisters and closes the channel.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan T, s.buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of registered listeners.
func (s *Stream[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (s *Stream[T]) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close closes every subscriber channel. Later publishes are ignored.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
