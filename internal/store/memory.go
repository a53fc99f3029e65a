package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sells-group/calendar-assistant/internal/model"
)

// MemoryStore implements Store in process memory. It is the default backend
// and does not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]model.PreservedState
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]model.PreservedState)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*model.PreservedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	st.Payload = slices.Clone(st.Payload)
	return &st, nil
}

func (s *MemoryStore) Set(_ context.Context, state model.PreservedState) error {
	state.Payload = slices.Clone(state.Payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state.Key] = state
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, st := range s.entries {
		if st.Expired(now) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
