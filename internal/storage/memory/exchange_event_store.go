package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/storage"
)

// ExchangeEventStore is an in-memory implementation of storage.ExchangeEventStore.
type ExchangeEventStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.ExchangeEvent
	txIDs  map[string]int64 // tx_id -> id
	nextID int64
}

// NewExchangeEventStore creates a new in-memory exchange event store.
func NewExchangeEventStore() *ExchangeEventStore {
	return &ExchangeEventStore{
		data:   make(map[int64]*domain.ExchangeEvent),
		txIDs:  make(map[string]int64),
		nextID: 1,
	}
}

func copyExchangeEvent(e *domain.ExchangeEvent) *domain.ExchangeEvent {
	copy := *e
	if e.Ledgers != nil {
		copy.Ledgers = append([]string(nil), e.Ledgers...)
	}
	return &copy
}

// Insert adds a new trade. Returns ErrDuplicateKey if tx_id exists.
func (s *ExchangeEventStore) Insert(_ context.Context, e *domain.ExchangeEvent) error {
	if e == nil || e.TxID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertLocked(e)
}

// InsertBulk adds multiple trades atomically. Fails entire batch on any duplicate.
func (s *ExchangeEventStore) InsertBulk(_ context.Context, events []*domain.ExchangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e == nil || e.TxID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.txIDs[e.TxID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[e.TxID]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[e.TxID] = struct{}{}
	}

	for _, e := range events {
		if err := s.insertLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *ExchangeEventStore) insertLocked(e *domain.ExchangeEvent) error {
	if _, exists := s.txIDs[e.TxID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := copyExchangeEvent(e)
	if copy.ID == 0 {
		copy.ID = s.nextID
		s.nextID++
	} else if copy.ID >= s.nextID {
		s.nextID = copy.ID + 1
	}
	if copy.CreatedAt == 0 {
		copy.CreatedAt = time.Now().UnixMilli()
	}
	e.ID = copy.ID

	s.data[copy.ID] = copy
	s.txIDs[copy.TxID] = copy.ID
	return nil
}

// GetByIDs retrieves trades by id. Missing ids are skipped.
func (s *ExchangeEventStore) GetByIDs(_ context.Context, ids []int64) ([]*domain.ExchangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ExchangeEvent, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.data[id]; ok {
			result = append(result, copyExchangeEvent(e))
		}
	}
	return result, nil
}

// ListBySide retrieves all trades of one side, ordered by timestamp.
func (s *ExchangeEventStore) ListBySide(_ context.Context, side domain.TradeSide, order domain.SortOrder) ([]*domain.ExchangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ExchangeEvent
	for _, e := range s.data {
		if e.Side == side {
			result = append(result, copyExchangeEvent(e))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if order == domain.SortDesc {
			a, b = b, a
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.ID < b.ID
	})

	return result, nil
}

// LatestTimestamp returns the highest stored trade timestamp, or 0 when empty.
func (s *ExchangeEventStore) LatestTimestamp(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest int64
	for _, e := range s.data {
		if e.Timestamp > latest {
			latest = e.Timestamp
		}
	}
	return latest, nil
}

var _ storage.ExchangeEventStore = (*ExchangeEventStore)(nil)
