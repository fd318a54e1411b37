package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/storage"
)

// ChainEventStore implements storage.ChainEventStore using PostgreSQL.
type ChainEventStore struct {
	pool *Pool
}

// NewChainEventStore creates a new ChainEventStore.
func NewChainEventStore(pool *Pool) *ChainEventStore {
	return &ChainEventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ChainEventStore = (*ChainEventStore)(nil)

const chainEventColumns = `
	id, block_number, timestamp, tx_hash, nonce, block_hash,
	from_address, to_address, contract_address, value, value_adjustment,
	token_name, token_symbol, token_decimal, transaction_index,
	gas, gas_price, gas_used, cumulative_gas_used, confirmations,
	unique_id, created_at
`

const insertChainEventQuery = `
	INSERT INTO chain_events (
		block_number, timestamp, tx_hash, nonce, block_hash,
		from_address, to_address, contract_address, value, value_adjustment,
		token_name, token_symbol, token_decimal, transaction_index,
		gas, gas_price, gas_used, cumulative_gas_used, confirmations, unique_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	RETURNING id
`

// Insert adds a new transfer. Returns ErrDuplicateKey if the natural key exists.
func (s *ChainEventStore) Insert(ctx context.Context, e *domain.ChainEvent) error {
	err := s.pool.QueryRow(ctx, insertChainEventQuery, chainEventArgs(e)...).Scan(&e.ID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert chain event: %w", err)
	}
	return nil
}

// InsertBulk adds multiple transfers atomically. Fails entire batch on any duplicate.
func (s *ChainEventStore) InsertBulk(ctx context.Context, events []*domain.ChainEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		err := tx.QueryRow(ctx, insertChainEventQuery, chainEventArgs(e)...).Scan(&e.ID)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert chain event in bulk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func chainEventArgs(e *domain.ChainEvent) []any {
	adjustment := e.ValueAdjustment
	if adjustment == "" {
		adjustment = "0"
	}
	return []any{
		e.BlockNumber, e.Timestamp, e.TxHash, e.Nonce, e.BlockHash,
		e.From, e.To, e.ContractAddress, e.Value, adjustment,
		e.TokenName, e.TokenSymbol, e.TokenDecimal, e.TransactionIndex,
		e.Gas, e.GasPrice, e.GasUsed, e.CumulativeGas, e.Confirmations, e.UniqueID,
	}
}

// GetByIDs retrieves transfers by id. Missing ids are skipped.
func (s *ChainEventStore) GetByIDs(ctx context.Context, ids []int64) ([]*domain.ChainEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + chainEventColumns + `
		FROM chain_events
		WHERE id = ANY($1)
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("get chain events by ids: %w", err)
	}
	defer rows.Close()

	return scanChainEvents(rows)
}

// ListByToAddress retrieves transfers received by any of the addresses, ordered by timestamp.
func (s *ChainEventStore) ListByToAddress(ctx context.Context, addresses []string, order domain.SortOrder) ([]*domain.ChainEvent, error) {
	return s.listByAddress(ctx, "to_address", addresses, order)
}

// ListByFromAddress retrieves transfers sent from any of the addresses, ordered by timestamp.
func (s *ChainEventStore) ListByFromAddress(ctx context.Context, addresses []string, order domain.SortOrder) ([]*domain.ChainEvent, error) {
	return s.listByAddress(ctx, "from_address", addresses, order)
}

func (s *ChainEventStore) listByAddress(ctx context.Context, column string, addresses []string, order domain.SortOrder) ([]*domain.ChainEvent, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	dir := orderDirection(order)
	query := fmt.Sprintf(`
		SELECT %s
		FROM chain_events
		WHERE %s = ANY($1)
		ORDER BY timestamp %s, id %s
	`, chainEventColumns, column, dir, dir)

	rows, err := s.pool.Query(ctx, query, addresses)
	if err != nil {
		return nil, fmt.Errorf("list chain events by %s: %w", column, err)
	}
	defer rows.Close()

	return scanChainEvents(rows)
}

// LatestBlockNumber returns the highest stored block number, or 0 when empty.
func (s *ChainEventStore) LatestBlockNumber(ctx context.Context) (int64, error) {
	var latest int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(block_number), 0) FROM chain_events`).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest block number: %w", err)
	}
	return latest, nil
}

// scanChainEvents scans multiple rows into a slice of ChainEvent.
func scanChainEvents(rows pgx.Rows) ([]*domain.ChainEvent, error) {
	var events []*domain.ChainEvent

	for rows.Next() {
		var e domain.ChainEvent

		err := rows.Scan(
			&e.ID,
			&e.BlockNumber,
			&e.Timestamp,
			&e.TxHash,
			&e.Nonce,
			&e.BlockHash,
			&e.From,
			&e.To,
			&e.ContractAddress,
			&e.Value,
			&e.ValueAdjustment,
			&e.TokenName,
			&e.TokenSymbol,
			&e.TokenDecimal,
			&e.TransactionIndex,
			&e.Gas,
			&e.GasPrice,
			&e.GasUsed,
			&e.CumulativeGas,
			&e.Confirmations,
			&e.UniqueID,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan chain event row: %w", err)
		}

		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain event rows: %w", err)
	}

	return events, nil
}
