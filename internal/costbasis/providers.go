package costbasis

import (
	"context"

	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
)

// Scope bounds which source events a matching run may see. Chain events
// are filtered by address; exchange events are account-global.
type Scope struct {
	Addresses []string
}

// AcquisitionProvider supplies acquisition lots awaiting linking.
// Totals and listings must be consistent with each other: the matcher
// uses the totals for its conservation preflight and trusts them.
type AcquisitionProvider interface {
	// UnlinkedAcquisitionTotals sums the remaining available quantity
	// per currency across all in-scope acquisition events.
	UnlinkedAcquisitionTotals(ctx context.Context, scope Scope) (map[string]decimal.Decimal, error)

	// ListUnlinkedAcquisitions returns in-scope acquisition events with
	// remaining quantity, ordered by timestamp.
	ListUnlinkedAcquisitions(ctx context.Context, scope Scope, order domain.SortOrder) ([]*AcquisitionEvent, error)
}

// DisposalProvider supplies disposal events awaiting attribution.
type DisposalProvider interface {
	// UnlinkedDisposalTotals sums the remaining unaccounted quantity
	// per currency across all in-scope disposal events.
	UnlinkedDisposalTotals(ctx context.Context, scope Scope) (map[string]decimal.Decimal, error)

	// ListUnlinkedDisposals returns in-scope disposal events with
	// unaccounted quantity, ordered by timestamp.
	ListUnlinkedDisposals(ctx context.Context, scope Scope, order domain.SortOrder) ([]*DisposalEvent, error)
}

// LinkWriter persists a batch of links. All-or-nothing: either every
// link in the batch is stored or none is.
type LinkWriter interface {
	CreateMany(ctx context.Context, links []*domain.CostBasisLink) error
}
