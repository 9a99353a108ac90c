package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/readerkit/readsync/internal/schema"
)

type queueKey struct {
	typ schema.ActionType
	key string
}

// MemoryQueue is a non-durable Queue for tests and ephemeral clients.
type MemoryQueue struct {
	mu      sync.Mutex
	nextID  int64
	actions map[queueKey]*schema.OutboxAction
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{actions: make(map[queueKey]*schema.OutboxAction)}
}

func (q *MemoryQueue) EnqueueOrReplace(_ context.Context, typ schema.ActionType, key string, payload []byte, ts int64) (schema.OutboxAction, error) {
	action := schema.OutboxAction{Type: typ, Key: key, Payload: payload, Timestamp: ts}
	if err := action.Validate(); err != nil {
		return schema.OutboxAction{}, fmt.Errorf("invalid outbox action: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	k := queueKey{typ, key}
	if existing, ok := q.actions[k]; ok {
		existing.Payload = append([]byte(nil), payload...)
		existing.Timestamp = ts
		existing.RetryCount = 0
		existing.LastError = ""
		existing.Version++
		return clone(existing), nil
	}

	q.nextID++
	action.ID = q.nextID
	action.Version = 1
	action.Payload = append([]byte(nil), payload...)
	q.actions[k] = &action
	return clone(&action), nil
}

func (q *MemoryQueue) Refresh(_ context.Context, typ schema.ActionType, key string, payload []byte, ts int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	existing, ok := q.actions[queueKey{typ, key}]
	if !ok {
		return false, nil
	}
	existing.Payload = append([]byte(nil), payload...)
	existing.Timestamp = ts
	existing.Version++
	return true, nil
}

func (q *MemoryQueue) DrainOrdered(_ context.Context) ([]schema.OutboxAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]schema.OutboxAction, 0, len(q.actions))
	for _, a := range q.actions {
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

func (q *MemoryQueue) Get(_ context.Context, typ schema.ActionType, key string) (schema.OutboxAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.actions[queueKey{typ, key}]
	if !ok {
		return schema.OutboxAction{}, ErrNotFound
	}
	return clone(a), nil
}

func (q *MemoryQueue) Remove(_ context.Context, id, version int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k, a := range q.actions {
		if a.ID == id {
			if a.Version != version {
				return false, nil
			}
			delete(q.actions, k)
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) RemoveKey(_ context.Context, typ schema.ActionType, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := queueKey{typ, key}
	if _, ok := q.actions[k]; !ok {
		return false, nil
	}
	delete(q.actions, k)
	return true, nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, id int64, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.ID == id {
			a.RetryCount++
			a.LastError = errString(cause)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions), nil
}

func (q *MemoryQueue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = make(map[queueKey]*schema.OutboxAction)
	return nil
}

func (q *MemoryQueue) Close() error { return nil }

func clone(a *schema.OutboxAction) schema.OutboxAction {
	out := *a
	out.Payload = append([]byte(nil), a.Payload...)
	return out
}
