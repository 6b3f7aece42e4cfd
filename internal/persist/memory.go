package persist

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in process memory. For tests and local
// development only.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string][]byte),
		saves: make(map[string]int),
	}
}

func (s *MemoryStore) Load(_ context.Context, documentID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.data[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(state))
	copy(out, state)
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, documentID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(state))
	copy(stored, state)
	s.data[documentID] = stored
	s.saves[documentID]++
	return nil
}

// SaveCount returns how many times a document has been written.
func (s *MemoryStore) SaveCount(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[documentID]
}
