// Package memory provides in-memory store implementations used by unit
// tests and the --use-memory service mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/storage"
)

// ChainEventStore is an in-memory implementation of storage.ChainEventStore.
type ChainEventStore struct {
	mu          sync.RWMutex
	data        map[int64]*domain.ChainEvent
	naturalKeys map[string]int64 // natural key -> id
	nextID      int64
}

// NewChainEventStore creates a new in-memory chain event store.
func NewChainEventStore() *ChainEventStore {
	return &ChainEventStore{
		data:        make(map[int64]*domain.ChainEvent),
		naturalKeys: make(map[string]int64),
		nextID:      1,
	}
}

// chainEventKey generates the natural key of a transfer.
func chainEventKey(e *domain.ChainEvent) string {
	return fmt.Sprintf("%s|%s|%s|%s", e.TxHash, e.From, e.To, e.ContractAddress)
}

// Insert adds a new transfer. Returns ErrDuplicateKey if the natural key exists.
func (s *ChainEventStore) Insert(_ context.Context, e *domain.ChainEvent) error {
	if e == nil || e.TxHash == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertLocked(e)
}

// InsertBulk adds multiple transfers atomically. Fails entire batch on any duplicate.
func (s *ChainEventStore) InsertBulk(_ context.Context, events []*domain.ChainEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: check for duplicates (existing + intra-batch)
	batchKeys := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e == nil || e.TxHash == "" {
			return storage.ErrInvalidInput
		}
		key := chainEventKey(e)
		if _, exists := s.naturalKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	// Second pass: insert all
	for _, e := range events {
		if err := s.insertLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *ChainEventStore) insertLocked(e *domain.ChainEvent) error {
	key := chainEventKey(e)
	if _, exists := s.naturalKeys[key]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *e
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

	s.data[copy.ID] = &copy
	s.naturalKeys[key] = copy.ID
	return nil
}

// GetByIDs retrieves transfers by id. Missing ids are skipped.
func (s *ChainEventStore) GetByIDs(_ context.Context, ids []int64) ([]*domain.ChainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ChainEvent, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.data[id]; ok {
			copy := *e
			result = append(result, &copy)
		}
	}
	return result, nil
}

// ListByToAddress retrieves transfers received by any of the addresses, ordered by timestamp.
func (s *ChainEventStore) ListByToAddress(_ context.Context, addresses []string, order domain.SortOrder) ([]*domain.ChainEvent, error) {
	return s.listByAddress(addresses, order, func(e *domain.ChainEvent) string { return e.To })
}

// ListByFromAddress retrieves transfers sent from any of the addresses, ordered by timestamp.
func (s *ChainEventStore) ListByFromAddress(_ context.Context, addresses []string, order domain.SortOrder) ([]*domain.ChainEvent, error) {
	return s.listByAddress(addresses, order, func(e *domain.ChainEvent) string { return e.From })
}

func (s *ChainEventStore) listByAddress(addresses []string, order domain.SortOrder, side func(*domain.ChainEvent) string) ([]*domain.ChainEvent, error) {
	match := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		match[a] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ChainEvent
	for _, e := range s.data {
		if _, ok := match[side(e)]; ok {
			copy := *e
			result = append(result, &copy)
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

// LatestBlockNumber returns the highest stored block number, or 0 when empty.
func (s *ChainEventStore) LatestBlockNumber(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest int64
	for _, e := range s.data {
		if e.BlockNumber > latest {
			latest = e.BlockNumber
		}
	}
	return latest, nil
}

var _ storage.ChainEventStore = (*ChainEventStore)(nil)
