package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/storage"
)

// CostBasisLinkStore implements storage.CostBasisLinkStore using PostgreSQL.
type CostBasisLinkStore struct {
	pool *Pool
}

// NewCostBasisLinkStore creates a new CostBasisLinkStore.
func NewCostBasisLinkStore(pool *Pool) *CostBasisLinkStore {
	return &CostBasisLinkStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CostBasisLinkStore = (*CostBasisLinkStore)(nil)

const costBasisLinkColumns = `
	id, acquisition_chain_event_id, acquisition_exchange_event_id,
	disposal_chain_event_id, disposal_exchange_event_id,
	quantity::text, method, created_at, updated_at
`

// CreateMany persists a batch of links atomically. The whole batch is
// validated before the transaction opens; either every link is stored
// or none is.
func (s *CostBasisLinkStore) CreateMany(ctx context.Context, links []*domain.CostBasisLink) error {
	if len(links) == 0 {
		return nil
	}

	for _, l := range links {
		if !validLink(l) {
			return storage.ErrInvalidInput
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO cost_basis_links (
			acquisition_chain_event_id, acquisition_exchange_event_id,
			disposal_chain_event_id, disposal_exchange_event_id,
			quantity, method
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	for _, l := range links {
		method := l.Method
		if method == "" {
			method = domain.MethodFIFO
		}
		err := tx.QueryRow(ctx, query,
			l.AcquisitionChainEventID,
			l.AcquisitionExchangeEventID,
			l.DisposalChainEventID,
			l.DisposalExchangeEventID,
			l.Quantity.String(),
			method,
		).Scan(&l.ID)
		if err != nil {
			return fmt.Errorf("insert cost basis link: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
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

// GetAll retrieves every link, ordered by id.
func (s *CostBasisLinkStore) GetAll(ctx context.Context) ([]*domain.CostBasisLink, error) {
	query := `
		SELECT ` + costBasisLinkColumns + `
		FROM cost_basis_links
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get all cost basis links: %w", err)
	}
	defer rows.Close()

	return scanCostBasisLinks(rows)
}

// GetByID retrieves a link by id. Returns ErrNotFound if not exists.
func (s *CostBasisLinkStore) GetByID(ctx context.Context, id int64) (*domain.CostBasisLink, error) {
	query := `
		SELECT ` + costBasisLinkColumns + `
		FROM cost_basis_links
		WHERE id = $1
	`

	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get cost basis link by id: %w", err)
	}
	defer rows.Close()

	links, err := scanCostBasisLinks(rows)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, storage.ErrNotFound
	}
	return links[0], nil
}

// scanCostBasisLinks scans multiple rows into a slice of CostBasisLink.
func scanCostBasisLinks(rows pgx.Rows) ([]*domain.CostBasisLink, error) {
	var links []*domain.CostBasisLink

	for rows.Next() {
		var (
			l        domain.CostBasisLink
			quantity string
		)

		err := rows.Scan(
			&l.ID,
			&l.AcquisitionChainEventID,
			&l.AcquisitionExchangeEventID,
			&l.DisposalChainEventID,
			&l.DisposalExchangeEventID,
			&quantity,
			&l.Method,
			&l.CreatedAt,
			&l.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cost basis link row: %w", err)
		}

		if l.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("parse link quantity %q: %w", quantity, err)
		}

		links = append(links, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cost basis link rows: %w", err)
	}

	return links, nil
}
