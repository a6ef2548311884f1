package pitr

import (
	"context"
	"encoding/json"
	"sync"
)

// StateStore is the live object state a recovery commits into. The
// document layer owns the real implementation; MemoryState serves
// tests and single-process deployments.
type StateStore interface {
	// Replace atomically swaps the live state for the recovered set.
	Replace(ctx context.Context, objects map[string]json.RawMessage) error
}

// MemoryState is an in-memory StateStore.
type MemoryState struct {
	mu      sync.RWMutex
	objects map[string]json.RawMessage
}

var _ StateStore = (*MemoryState)(nil)

// NewMemoryState creates an empty in-memory state store.
func NewMemoryState() *MemoryState {
	return &MemoryState{objects: make(map[string]json.RawMessage)}
}

// Replace swaps the store's contents.
func (s *MemoryState) Replace(ctx context.Context, objects map[string]json.RawMessage) error {
	copied := make(map[string]json.RawMessage, len(objects))
	for id, obj := range objects {
		copied[id] = append(json.RawMessage(nil), obj...)
	}
	s.mu.Lock()
	s.objects = copied
	s.mu.Unlock()
	return nil
}

// Get returns one object and whether it exists.
func (s *MemoryState) Get(id string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	return obj, ok
}

// Len returns the number of live objects.
func (s *MemoryState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Objects returns a copy of the live state.
func (s *MemoryState) Objects() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.objects))
	for id, obj := range s.objects {
		out[id] = append(json.RawMessage(nil), obj...)
	}
	return out
}
