package projection

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a scope has no saved parameters.
var ErrNotFound = errors.New("parameters not found")

// ParameterStore persists the current parameters of a scope and scenario.
// An empty scenarioID addresses the session-level parameters.
type ParameterStore interface {
	Load(ctx context.Context, scopeID, scenarioID string) (Parameters, error)
	Save(ctx context.Context, scopeID, scenarioID string, p Parameters) error
}

// MemoryStore is a process-local ParameterStore.
type MemoryStore struct {
	mu     sync.RWMutex
	params map[string]Parameters
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{params: make(map[string]Parameters)}
}

func storeKey(scopeID, scenarioID string) string {
	return scopeID + "\x00" + scenarioID
}

func (s *MemoryStore) Load(_ context.Context, scopeID, scenarioID string) (Parameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.params[storeKey(scopeID, scenarioID)]
	if !ok {
		return Parameters{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) Save(_ context.Context, scopeID, scenarioID string, p Parameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[storeKey(scopeID, scenarioID)] = p
	return nil
}
