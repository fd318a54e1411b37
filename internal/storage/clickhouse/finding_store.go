package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/storage"
)

// FindingStore implements storage.ReconciliationFindingStore using ClickHouse.
// MergeTree enforces no uniqueness; every run appends under its own run id.
type FindingStore struct {
	conn *Conn
}

// NewFindingStore creates a new FindingStore.
func NewFindingStore(conn *Conn) *FindingStore {
	return &FindingStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ReconciliationFindingStore = (*FindingStore)(nil)

// InsertBulk appends all findings of one run.
func (s *FindingStore) InsertBulk(ctx context.Context, findings []*domain.ReconciliationFinding) error {
	if len(findings) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO reconciliation_findings (
			run_id, code, event_kind, event_id, currency, leftover, message, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, f := range findings {
		if f == nil || f.RunID == "" {
			return storage.ErrInvalidInput
		}
		createdAt := f.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		err = batch.Append(
			f.RunID,
			f.Code,
			string(f.EventKind),
			f.EventID,
			f.Currency,
			f.Leftover.String(),
			f.Message,
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByRunID retrieves the findings recorded under a run id.
func (s *FindingStore) GetByRunID(ctx context.Context, runID string) ([]*domain.ReconciliationFinding, error) {
	query := `
		SELECT run_id, code, event_kind, event_id, currency, leftover, message, created_at
		FROM reconciliation_findings
		WHERE run_id = ?
		ORDER BY code, event_kind, event_id, message
	`

	rows, err := s.conn.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("get findings by run id: %w", err)
	}
	defer rows.Close()

	var findings []*domain.ReconciliationFinding
	for rows.Next() {
		var (
			f        domain.ReconciliationFinding
			kind     string
			leftover string
		)
		err := rows.Scan(&f.RunID, &f.Code, &kind, &f.EventID, &f.Currency, &leftover, &f.Message, &f.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan finding row: %w", err)
		}
		f.EventKind = domain.EventKind(kind)
		if f.Leftover, err = decimal.NewFromString(leftover); err != nil {
			return nil, fmt.Errorf("parse leftover %q: %w", leftover, err)
		}
		findings = append(findings, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finding rows: %w", err)
	}
	return findings, nil
}
