package storage

import (
	"context"

	"cryptotax-engine/internal/domain"
)

// ChainEventStore provides access to chain_events storage.
type ChainEventStore interface {
	// Insert adds a new transfer. Returns ErrDuplicateKey when the
	// (tx_hash, from, to, contract) natural key already exists.
	Insert(ctx context.Context, e *domain.ChainEvent) error

	// InsertBulk adds multiple transfers atomically. Fails the entire
	// batch on any duplicate.
	InsertBulk(ctx context.Context, events []*domain.ChainEvent) error

	// GetByIDs retrieves transfers by id. Missing ids are skipped.
	GetByIDs(ctx context.Context, ids []int64) ([]*domain.ChainEvent, error)

	// ListByToAddress retrieves transfers received by any of the
	// addresses, ordered by timestamp.
	ListByToAddress(ctx context.Context, addresses []string, order domain.SortOrder) ([]*domain.ChainEvent, error)

	// ListByFromAddress retrieves transfers sent from any of the
	// addresses, ordered by timestamp.
	ListByFromAddress(ctx context.Context, addresses []string, order domain.SortOrder) ([]*domain.ChainEvent, error)

	// LatestBlockNumber returns the highest stored block number,
	// or 0 when the store is empty.
	LatestBlockNumber(ctx context.Context) (int64, error)
}

// ExchangeEventStore provides access to exchange_events storage.
type ExchangeEventStore interface {
	// Insert adds a new trade. Returns ErrDuplicateKey if tx_id exists.
	Insert(ctx context.Context, e *domain.ExchangeEvent) error

	// InsertBulk adds multiple trades atomically. Fails the entire
	// batch on any duplicate.
	InsertBulk(ctx context.Context, events []*domain.ExchangeEvent) error

	// GetByIDs retrieves trades by id. Missing ids are skipped.
	GetByIDs(ctx context.Context, ids []int64) ([]*domain.ExchangeEvent, error)

	// ListBySide retrieves all trades of one side, ordered by timestamp.
	ListBySide(ctx context.Context, side domain.TradeSide, order domain.SortOrder) ([]*domain.ExchangeEvent, error)

	// LatestTimestamp returns the highest stored trade timestamp in
	// unix millis, or 0 when the store is empty.
	LatestTimestamp(ctx context.Context) (int64, error)
}

// CostBasisLinkStore provides access to cost_basis_links storage.
type CostBasisLinkStore interface {
	// CreateMany persists a batch of links atomically: either every
	// link is stored or none. Returns ErrInvalidInput when a link does
	// not set exactly one acquisition and one disposal reference, or
	// its quantity is not positive.
	CreateMany(ctx context.Context, links []*domain.CostBasisLink) error

	// GetAll retrieves every link, ordered by id.
	GetAll(ctx context.Context) ([]*domain.CostBasisLink, error)

	// GetByID retrieves a link by id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id int64) (*domain.CostBasisLink, error)
}

// ReconciliationFindingStore records reconciliation findings per run.
type ReconciliationFindingStore interface {
	// InsertBulk appends all findings of one run.
	InsertBulk(ctx context.Context, findings []*domain.ReconciliationFinding) error

	// GetByRunID retrieves the findings recorded under a run id.
	GetByRunID(ctx context.Context, runID string) ([]*domain.ReconciliationFinding, error)
}
