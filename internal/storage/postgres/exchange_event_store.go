package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/storage"
)

// ExchangeEventStore implements storage.ExchangeEventStore using PostgreSQL.
type ExchangeEventStore struct {
	pool *Pool
}

// NewExchangeEventStore creates a new ExchangeEventStore.
func NewExchangeEventStore(pool *Pool) *ExchangeEventStore {
	return &ExchangeEventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ExchangeEventStore = (*ExchangeEventStore)(nil)

const exchangeEventColumns = `
	id, exchange, tx_id, pair, base_currency, quote_currency, timestamp, side,
	price::text, cost::text, volume::text, base_fee::text, quote_fee::text,
	withdrawal_fee::text, ledgers, created_at
`

const insertExchangeEventQuery = `
	INSERT INTO exchange_events (
		exchange, tx_id, pair, base_currency, quote_currency, timestamp, side,
		price, cost, volume, base_fee, quote_fee, withdrawal_fee, ledgers
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	RETURNING id
`

// Insert adds a new trade. Returns ErrDuplicateKey if tx_id exists.
func (s *ExchangeEventStore) Insert(ctx context.Context, e *domain.ExchangeEvent) error {
	err := s.pool.QueryRow(ctx, insertExchangeEventQuery, exchangeEventArgs(e)...).Scan(&e.ID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert exchange event: %w", err)
	}
	return nil
}

// InsertBulk adds multiple trades atomically. Fails entire batch on any duplicate.
func (s *ExchangeEventStore) InsertBulk(ctx context.Context, events []*domain.ExchangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		err := tx.QueryRow(ctx, insertExchangeEventQuery, exchangeEventArgs(e)...).Scan(&e.ID)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert exchange event in bulk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func exchangeEventArgs(e *domain.ExchangeEvent) []any {
	return []any{
		e.Exchange, e.TxID, e.Pair, e.BaseCurrency, e.QuoteCurrency,
		e.Timestamp, string(e.Side),
		e.Price.String(), e.Cost.String(), e.Volume.String(),
		e.BaseFee.String(), e.QuoteFee.String(), e.WithdrawalFee.String(),
		e.Ledgers,
	}
}

// GetByIDs retrieves trades by id. Missing ids are skipped.
func (s *ExchangeEventStore) GetByIDs(ctx context.Context, ids []int64) ([]*domain.ExchangeEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + exchangeEventColumns + `
		FROM exchange_events
		WHERE id = ANY($1)
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("get exchange events by ids: %w", err)
	}
	defer rows.Close()

	return scanExchangeEvents(rows)
}

// ListBySide retrieves all trades of one side, ordered by timestamp.
func (s *ExchangeEventStore) ListBySide(ctx context.Context, side domain.TradeSide, order domain.SortOrder) ([]*domain.ExchangeEvent, error) {
	dir := orderDirection(order)
	query := fmt.Sprintf(`
		SELECT %s
		FROM exchange_events
		WHERE side = $1
		ORDER BY timestamp %s, id %s
	`, exchangeEventColumns, dir, dir)

	rows, err := s.pool.Query(ctx, query, string(side))
	if err != nil {
		return nil, fmt.Errorf("list exchange events by side: %w", err)
	}
	defer rows.Close()

	return scanExchangeEvents(rows)
}

// LatestTimestamp returns the highest stored trade timestamp, or 0 when empty.
func (s *ExchangeEventStore) LatestTimestamp(ctx context.Context) (int64, error) {
	var latest int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(timestamp), 0) FROM exchange_events`).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest exchange timestamp: %w", err)
	}
	return latest, nil
}

// scanExchangeEvents scans multiple rows into a slice of ExchangeEvent.
// NUMERIC columns arrive as text and are parsed back into decimals.
func scanExchangeEvents(rows pgx.Rows) ([]*domain.ExchangeEvent, error) {
	var events []*domain.ExchangeEvent

	for rows.Next() {
		var (
			e    domain.ExchangeEvent
			side string

			price, cost, volume, baseFee, quoteFee, withdrawalFee string
		)

		err := rows.Scan(
			&e.ID,
			&e.Exchange,
			&e.TxID,
			&e.Pair,
			&e.BaseCurrency,
			&e.QuoteCurrency,
			&e.Timestamp,
			&side,
			&price,
			&cost,
			&volume,
			&baseFee,
			&quoteFee,
			&withdrawalFee,
			&e.Ledgers,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan exchange event row: %w", err)
		}

		e.Side = domain.TradeSide(side)
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price %q: %w", price, err)
		}
		if e.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("parse cost %q: %w", cost, err)
		}
		if e.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("parse volume %q: %w", volume, err)
		}
		if e.BaseFee, err = decimal.NewFromString(baseFee); err != nil {
			return nil, fmt.Errorf("parse base fee %q: %w", baseFee, err)
		}
		if e.QuoteFee, err = decimal.NewFromString(quoteFee); err != nil {
			return nil, fmt.Errorf("parse quote fee %q: %w", quoteFee, err)
		}
		if e.WithdrawalFee, err = decimal.NewFromString(withdrawalFee); err != nil {
			return nil, fmt.Errorf("parse withdrawal fee %q: %w", withdrawalFee, err)
		}

		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchange event rows: %w", err)
	}

	return events, nil
}
