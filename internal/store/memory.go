package store

import (
	"context"
	"sync"

	"github.com/atmx/exec-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]model.Position
	ledger    []model.OrderResult
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]model.Position),
	}
}

func (s *MemoryStore) LoadPositions(_ context.Context) (map[string]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return clonePositions(s.positions), nil
}

func (s *MemoryStore) SavePositions(_ context.Context, positions map[string]model.Position) error {
	// Copy outside the lock; the caller owns positions.
	snapshot := clonePositions(positions)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions = snapshot
	return nil
}

func (s *MemoryStore) RecordOrder(_ context.Context, result model.OrderResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, result)
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, symbol string, limit int) ([]model.OrderResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestFirst(s.ledger, symbol, limit), nil
}
