package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/storage"
)

// CostBasisLinkStore is an in-memory implementation of storage.CostBasisLinkStore.
type CostBasisLinkStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.CostBasisLink
	nextID int64
}

// NewCostBasisLinkStore creates a new in-memory link store.
func NewCostBasisLinkStore() *CostBasisLinkStore {
	return &CostBasisLinkStore{
		data:   make(map[int64]*domain.CostBasisLink),
		nextID: 1,
	}
}

func validLink(l *domain.CostBasisLink) bool {
	if l == nil || !l.Quantity.IsPositive() {
		return false
	}
	acqCols := 0
	if l.AcquisitionChainEventID != nil {
		acqCols++
	}
	if l.AcquisitionExchangeEventID != nil {
		acqCols++
	}
	dispCols := 0
	if l.DisposalChainEventID != nil {
		dispCols++
	}
	if l.DisposalExchangeEventID != nil {
		dispCols++
	}
	return acqCols == 1 && dispCols == 1
}

// CreateMany persists a batch of links atomically. Returns ErrInvalidInput
// and stores nothing when any link is malformed.
func (s *CostBasisLinkStore) CreateMany(_ context.Context, links []*domain.CostBasisLink) error {
	if len(links) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: validate the whole batch before touching the map
	for _, l := range links {
		if !validLink(l) {
			return storage.ErrInvalidInput
		}
	}

	now := time.Now().UnixMilli()
	for _, l := range links {
		copy := *l
		copy.ID = s.nextID
		s.nextID++
		if copy.Method == "" {
			copy.Method = domain.MethodFIFO
		}
		copy.CreatedAt = now
		copy.UpdatedAt = now
		l.ID = copy.ID

		s.data[copy.ID] = &copy
	}
	return nil
}

// GetAll retrieves every link, ordered by id.
func (s *CostBasisLinkStore) GetAll(_ context.Context) ([]*domain.CostBasisLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.CostBasisLink, 0, len(s.data))
	for _, l := range s.data {
		copy := *l
		result = append(result, &copy)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetByID retrieves a link by id. Returns ErrNotFound if not exists.
func (s *CostBasisLinkStore) GetByID(_ context.Context, id int64) (*domain.CostBasisLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *l
	return &copy, nil
}

var _ storage.CostBasisLinkStore = (*CostBasisLinkStore)(nil)
