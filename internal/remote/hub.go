package remote

import (
	"context"
	"io"
	"log"
	"sync"
)

type hubKey struct {
	userID string
	table  Table
}

// hub fans change events out to per-(user, table) subscribers.
type hub struct {
	mu     sync.RWMutex
	subs   map[hubKey]map[int]chan ChangeEvent
	nextID int
	closed bool
	logger *log.Logger
}

func newHub(logger *log.Logger) *hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &hub{subs: make(map[hubKey]map[int]chan ChangeEvent), logger: logger}
}

// subscribe registers a subscriber that is removed when ctx ends.
func (h *hub) subscribe(ctx context.Context, userID string, table Table) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 64)
	key := hubKey{userID, table}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	id := h.nextID
	h.nextID++
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]chan ChangeEvent)
	}
	h.subs[key][id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[key][id]; ok {
			delete(h.subs[key], id)
			close(ch)
		}
	}()
	return ch
}

// publish delivers ev to every subscriber of (userID, ev.Table). A subscriber
// whose buffer is full misses the event; full sync repairs the gap.
func (h *hub) publish(userID string, ev ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[hubKey{userID, ev.Table}] {
		select {
		case ch <- ev:
		default:
			h.logger.Printf("Warning: subscriber channel full, dropping %s %s event", ev.Table, ev.Operation)
		}
	}
}

func (h *hub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for key, m := range h.subs {
		for id, ch := range m {
			delete(m, id)
			close(ch)
		}
		delete(h.subs, key)
	}
}
