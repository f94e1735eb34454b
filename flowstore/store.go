package flowstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/voicestreams/errors"
)

// Store is the read surface the engine needs from flow persistence
type Store interface {
	// Get returns the flow definition for the given id
	Get(ctx context.Context, id string) (*Flow, error)

	// List returns all stored flow definitions
	List(ctx context.Context) ([]*Flow, error)
}

// MemoryStore is an in-process Store for local deployments and tests
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

// NewMemoryStore creates an empty in-memory flow store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flows: make(map[string]*Flow)}
}

// Put validates and stores a flow definition, replacing any previous version
func (s *MemoryStore) Put(flow *Flow) error {
	if err := flow.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.ID] = flow
	return nil
}

// Get returns the flow definition for the given id
func (s *MemoryStore) Get(_ context.Context, id string) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, exists := s.flows[id]
	if !exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("flow %q not found", id),
			"MemoryStore", "Get", "flow lookup")
	}
	return flow, nil
}

// List returns all stored flow definitions
func (s *MemoryStore) List(_ context.Context) ([]*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flows := make([]*Flow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f)
	}
	return flows, nil
}

// Delete removes a flow definition; deleting an unknown id is a no-op
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
}
