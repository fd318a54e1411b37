// Package reconciliation audits persisted cost-basis links against the
// source events they reference. It re-derives running balances
// independently of the matcher and reports every conservation
// violation as data. A run only fails on storage errors; an
// out-of-balance state is an expected, inspectable condition.
package reconciliation

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/storage"
)

// Validator replays all persisted links against source event totals.
type Validator struct {
	links    storage.CostBasisLinkStore
	chain    storage.ChainEventStore
	exchange storage.ExchangeEventStore
}

// Report is the outcome of one reconciliation run. Findings are sorted
// deterministically, so two runs over the same data produce identical
// reports.
type Report struct {
	LinksChecked int
	Findings     []*domain.ReconciliationFinding
}

// Valid reports whether the run found no violations.
func (r *Report) Valid() bool {
	return len(r.Findings) == 0
}

// Messages returns the finding messages in report order.
func (r *Report) Messages() []string {
	msgs := make([]string, len(r.Findings))
	for i, f := range r.Findings {
		msgs[i] = f.Message
	}
	return msgs
}

// side distinguishes the two balance ledgers a ref can appear in.
type side string

const (
	sideAcquisition side = "acquisition"
	sideDisposal    side = "disposal"
)

// balanceKey identifies one running balance: the same source event
// tracked as an acquisition and as a disposal decrements independently.
type balanceKey struct {
	side side
	ref  domain.SourceRef
}

type balance struct {
	currency  string
	remaining decimal.Decimal
}

// NewValidator creates a validator over the given stores.
func NewValidator(links storage.CostBasisLinkStore, chain storage.ChainEventStore, exchange storage.ExchangeEventStore) *Validator {
	return &Validator{links: links, chain: chain, exchange: exchange}
}

// Validate replays every persisted link:
//  1. load all links and resolve every referenced source event
//  2. seed a balance per (side, ref) with the event's derived quantity
//  3. subtract each link's quantity from both sides' balances;
//     a reference that cannot be resolved becomes a finding, not a crash
//  4. both sides of a link must share one currency
//  5. every balance must end exactly zero; leftovers become findings
//
// The returned error covers storage failures only.
func (v *Validator) Validate(ctx context.Context) (*Report, error) {
	links, err := v.links.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cost basis links: %w", err)
	}

	chainEvents, exchangeEvents, err := v.loadReferencedEvents(ctx, links)
	if err != nil {
		return nil, err
	}

	report := &Report{LinksChecked: len(links)}
	balances := make(map[balanceKey]*balance)

	for _, l := range links {
		acqBal := v.resolve(report, balances, l, l.AcquisitionRef, sideAcquisition, chainEvents, exchangeEvents)
		dispBal := v.resolve(report, balances, l, l.DisposalRef, sideDisposal, chainEvents, exchangeEvents)

		if acqBal != nil {
			acqBal.remaining = acqBal.remaining.Sub(l.Quantity)
		}
		if dispBal != nil {
			dispBal.remaining = dispBal.remaining.Sub(l.Quantity)
		}

		if acqBal != nil && dispBal != nil && acqBal.currency != dispBal.currency {
			acqRef, _ := l.AcquisitionRef()
			dispRef, _ := l.DisposalRef()
			report.Findings = append(report.Findings, &domain.ReconciliationFinding{
				Code:      domain.FindingCurrencyMismatch,
				EventKind: dispRef.Kind,
				EventID:   dispRef.ID,
				Currency:  dispBal.currency,
				Message: fmt.Sprintf("link %d joins %s disposal %s with %s acquisition %s",
					l.ID, dispBal.currency, dispRef, acqBal.currency, acqRef),
			})
		}
	}

	for key, bal := range balances {
		if bal.remaining.IsZero() {
			continue
		}
		report.Findings = append(report.Findings, &domain.ReconciliationFinding{
			Code:      domain.FindingUnresolvedQuantity,
			EventKind: key.ref.Kind,
			EventID:   key.ref.ID,
			Currency:  bal.currency,
			Leftover:  bal.remaining,
			Message: fmt.Sprintf("%s event %s has unresolved %s balance %s",
				key.side, key.ref, bal.currency, bal.remaining),
		})
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		a, b := report.Findings[i], report.Findings[j]
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.EventKind != b.EventKind {
			return a.EventKind < b.EventKind
		}
		if a.EventID != b.EventID {
			return a.EventID < b.EventID
		}
		return a.Message < b.Message
	})

	return report, nil
}

// resolve returns the running balance for one side of a link, seeding
// it on first sight. A missing or unparsable reference is recorded as a
// dangling-reference finding and resolves to nil.
func (v *Validator) resolve(
	report *Report,
	balances map[balanceKey]*balance,
	l *domain.CostBasisLink,
	refFn func() (domain.SourceRef, bool),
	s side,
	chainEvents map[int64]*domain.ChainEvent,
	exchangeEvents map[int64]*domain.ExchangeEvent,
) *balance {
	ref, ok := refFn()
	if !ok {
		report.Findings = append(report.Findings, &domain.ReconciliationFinding{
			Code:    domain.FindingDanglingReference,
			Message: fmt.Sprintf("link %d sets no %s reference", l.ID, s),
		})
		return nil
	}

	key := balanceKey{side: s, ref: ref}
	if bal, exists := balances[key]; exists {
		return bal
	}

	var (
		currency string
		quantity decimal.Decimal
	)
	switch ref.Kind {
	case domain.EventKindChain:
		e, found := chainEvents[ref.ID]
		if !found {
			return v.dangling(report, l, ref, s)
		}
		q, err := e.Quantity()
		if err != nil {
			return v.dangling(report, l, ref, s)
		}
		currency, quantity = e.TokenSymbol, q
	case domain.EventKindExchange:
		e, found := exchangeEvents[ref.ID]
		if !found {
			return v.dangling(report, l, ref, s)
		}
		currency = e.BaseCurrency
		if s == sideAcquisition {
			quantity = e.AcquiredQuantity()
		} else {
			quantity = e.DisposedQuantity()
		}
	default:
		return v.dangling(report, l, ref, s)
	}

	bal := &balance{currency: currency, remaining: quantity}
	balances[key] = bal
	return bal
}

func (v *Validator) dangling(report *Report, l *domain.CostBasisLink, ref domain.SourceRef, s side) *balance {
	report.Findings = append(report.Findings, &domain.ReconciliationFinding{
		Code:      domain.FindingDanglingReference,
		EventKind: ref.Kind,
		EventID:   ref.ID,
		Message:   fmt.Sprintf("link %d cannot resolve %s event %s", l.ID, s, ref),
	})
	return nil
}

// loadReferencedEvents fetches every source event referenced by any
// link, keyed by id per kind.
func (v *Validator) loadReferencedEvents(ctx context.Context, links []*domain.CostBasisLink) (map[int64]*domain.ChainEvent, map[int64]*domain.ExchangeEvent, error) {
	chainIDs := make(map[int64]struct{})
	exchangeIDs := make(map[int64]struct{})
	for _, l := range links {
		for _, refFn := range []func() (domain.SourceRef, bool){l.AcquisitionRef, l.DisposalRef} {
			if ref, ok := refFn(); ok {
				switch ref.Kind {
				case domain.EventKindChain:
					chainIDs[ref.ID] = struct{}{}
				case domain.EventKindExchange:
					exchangeIDs[ref.ID] = struct{}{}
				}
			}
		}
	}

	chainEvents := make(map[int64]*domain.ChainEvent, len(chainIDs))
	if len(chainIDs) > 0 {
		rows, err := v.chain.GetByIDs(ctx, keys(chainIDs))
		if err != nil {
			return nil, nil, fmt.Errorf("load chain events: %w", err)
		}
		for _, e := range rows {
			chainEvents[e.ID] = e
		}
	}

	exchangeEvents := make(map[int64]*domain.ExchangeEvent, len(exchangeIDs))
	if len(exchangeIDs) > 0 {
		rows, err := v.exchange.GetByIDs(ctx, keys(exchangeIDs))
		if err != nil {
			return nil, nil, fmt.Errorf("load exchange events: %w", err)
		}
		for _, e := range rows {
			exchangeEvents[e.ID] = e
		}
	}

	return chainEvents, exchangeEvents, nil
}

func keys(m map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
