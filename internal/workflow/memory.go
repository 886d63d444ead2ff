package workflow

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-process MemoStore and EventStore for tests and
// one-shot local runs. Production runs use the SQL-backed store.
type MemoryStore struct {
	mu     sync.Mutex
	memos  map[string]json.RawMessage
	events map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		memos:  make(map[string]json.RawMessage),
		events: make(map[string]json.RawMessage),
	}
}

func memoKey(runID, step string) string { return runID + "\x00" + step }

// GetMemo implements MemoStore.
func (s *MemoryStore) GetMemo(_ context.Context, runID, step string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.memos[memoKey(runID, step)]
	return payload, ok, nil
}

// PutMemo implements MemoStore.
func (s *MemoryStore) PutMemo(_ context.Context, runID, step string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memos[memoKey(runID, step)] = payload
	return nil
}

// PutEvent implements EventStore.
func (s *MemoryStore) PutEvent(_ context.Context, key string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[key] = payload
	return nil
}

// TakeEvent implements EventStore.
func (s *MemoryStore) TakeEvent(_ context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.events[key]
	if ok {
		delete(s.events, key)
	}
	return payload, ok, nil
}
