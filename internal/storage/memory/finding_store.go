package memory

import (
	"context"
	"sync"
	"time"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/storage"
)

// FindingStore is an in-memory implementation of storage.ReconciliationFindingStore.
type FindingStore struct {
	mu   sync.RWMutex
	data []*domain.ReconciliationFinding
}

// NewFindingStore creates a new in-memory finding store.
func NewFindingStore() *FindingStore {
	return &FindingStore{}
}

// InsertBulk appends all findings of one run.
func (s *FindingStore) InsertBulk(_ context.Context, findings []*domain.ReconciliationFinding) error {
	if len(findings) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, f := range findings {
		if f == nil || f.RunID == "" {
			return storage.ErrInvalidInput
		}
		copy := *f
		if copy.CreatedAt == 0 {
			copy.CreatedAt = now
		}
		s.data = append(s.data, &copy)
	}
	return nil
}

// GetByRunID retrieves the findings recorded under a run id.
func (s *FindingStore) GetByRunID(_ context.Context, runID string) ([]*domain.ReconciliationFinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ReconciliationFinding
	for _, f := range s.data {
		if f.RunID == runID {
			copy := *f
			result = append(result, &copy)
		}
	}
	return result, nil
}

var _ storage.ReconciliationFindingStore = (*FindingStore)(nil)
