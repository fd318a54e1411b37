// Package events builds matching-engine wrappers from persisted source
// rows and the cost-basis links that already reference them.
package events

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/costbasis"
	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/storage"
)

// StoreProvider implements costbasis.AcquisitionProvider and
// costbasis.DisposalProvider over the three persistent stores.
//
// Direction rules: a chain transfer is an acquisition when its To
// address is in scope and a disposal when its From address is; an
// exchange trade is an acquisition when it is a buy and a disposal
// when it is a sell. Currencies come from the token symbol and the
// trade's base currency respectively.
type StoreProvider struct {
	chain    storage.ChainEventStore
	exchange storage.ExchangeEventStore
	links    storage.CostBasisLinkStore
}

// NewStoreProvider creates a provider over the given stores.
func NewStoreProvider(chain storage.ChainEventStore, exchange storage.ExchangeEventStore, links storage.CostBasisLinkStore) *StoreProvider {
	return &StoreProvider{chain: chain, exchange: exchange, links: links}
}

// linkedSums returns the total quantity persisted links have consumed,
// keyed by source ref, split per side.
func (p *StoreProvider) linkedSums(ctx context.Context) (acq, disp map[domain.SourceRef]decimal.Decimal, err error) {
	links, err := p.links.GetAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load cost basis links: %w", err)
	}

	acq = make(map[domain.SourceRef]decimal.Decimal)
	disp = make(map[domain.SourceRef]decimal.Decimal)
	for _, l := range links {
		if ref, ok := l.AcquisitionRef(); ok {
			acq[ref] = acq[ref].Add(l.Quantity)
		}
		if ref, ok := l.DisposalRef(); ok {
			disp[ref] = disp[ref].Add(l.Quantity)
		}
	}
	return acq, disp, nil
}

// ListUnlinkedAcquisitions returns in-scope acquisition events with
// remaining quantity, merged across both sources and ordered by
// timestamp. Partially linked events re-enter with reduced balances.
func (p *StoreProvider) ListUnlinkedAcquisitions(ctx context.Context, scope costbasis.Scope, order domain.SortOrder) ([]*costbasis.AcquisitionEvent, error) {
	linked, _, err := p.linkedSums(ctx)
	if err != nil {
		return nil, err
	}

	chainEvents, err := p.chain.ListByToAddress(ctx, scope.Addresses, order)
	if err != nil {
		return nil, fmt.Errorf("list inbound chain events: %w", err)
	}
	trades, err := p.exchange.ListBySide(ctx, domain.TradeSideBuy, order)
	if err != nil {
		return nil, fmt.Errorf("list buy trades: %w", err)
	}

	result := make([]*costbasis.AcquisitionEvent, 0, len(chainEvents)+len(trades))
	for _, e := range chainEvents {
		ref := domain.SourceRef{Kind: domain.EventKindChain, ID: e.ID}
		a, err := costbasis.NewChainAcquisition(e, linked[ref])
		if err != nil {
			return nil, err
		}
		if !a.IsExhausted() {
			result = append(result, a)
		}
	}
	for _, e := range trades {
		ref := domain.SourceRef{Kind: domain.EventKindExchange, ID: e.ID}
		a := costbasis.NewExchangeAcquisition(e, linked[ref])
		if !a.IsExhausted() {
			result = append(result, a)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return refLess(result[i].Timestamp(), result[i].Ref(), result[j].Timestamp(), result[j].Ref(), order)
	})
	return result, nil
}

// ListUnlinkedDisposals returns in-scope disposal events with
// unaccounted quantity, merged across both sources and ordered by
// timestamp.
func (p *StoreProvider) ListUnlinkedDisposals(ctx context.Context, scope costbasis.Scope, order domain.SortOrder) ([]*costbasis.DisposalEvent, error) {
	_, linked, err := p.linkedSums(ctx)
	if err != nil {
		return nil, err
	}

	chainEvents, err := p.chain.ListByFromAddress(ctx, scope.Addresses, order)
	if err != nil {
		return nil, fmt.Errorf("list outbound chain events: %w", err)
	}
	trades, err := p.exchange.ListBySide(ctx, domain.TradeSideSell, order)
	if err != nil {
		return nil, fmt.Errorf("list sell trades: %w", err)
	}

	result := make([]*costbasis.DisposalEvent, 0, len(chainEvents)+len(trades))
	for _, e := range chainEvents {
		ref := domain.SourceRef{Kind: domain.EventKindChain, ID: e.ID}
		d, err := costbasis.NewChainDisposal(e, linked[ref])
		if err != nil {
			return nil, err
		}
		if !d.IsExhausted() {
			result = append(result, d)
		}
	}
	for _, e := range trades {
		ref := domain.SourceRef{Kind: domain.EventKindExchange, ID: e.ID}
		d := costbasis.NewExchangeDisposal(e, linked[ref])
		if !d.IsExhausted() {
			result = append(result, d)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return refLess(result[i].Timestamp(), result[i].Ref(), result[j].Timestamp(), result[j].Ref(), order)
	})
	return result, nil
}

// UnlinkedAcquisitionTotals sums remaining available quantity per currency.
func (p *StoreProvider) UnlinkedAcquisitionTotals(ctx context.Context, scope costbasis.Scope) (map[string]decimal.Decimal, error) {
	events, err := p.ListUnlinkedAcquisitions(ctx, scope, domain.SortAsc)
	if err != nil {
		return nil, err
	}
	totals := make(map[string]decimal.Decimal)
	for _, e := range events {
		totals[e.Currency()] = totals[e.Currency()].Add(e.Available())
	}
	return totals, nil
}

// UnlinkedDisposalTotals sums remaining unaccounted quantity per currency.
func (p *StoreProvider) UnlinkedDisposalTotals(ctx context.Context, scope costbasis.Scope) (map[string]decimal.Decimal, error) {
	events, err := p.ListUnlinkedDisposals(ctx, scope, domain.SortAsc)
	if err != nil {
		return nil, err
	}
	totals := make(map[string]decimal.Decimal)
	for _, e := range events {
		totals[e.Currency()] = totals[e.Currency()].Add(e.Unaccounted())
	}
	return totals, nil
}

// refLess orders merged events by timestamp with a deterministic
// (kind, id) tie-break so repeated runs see identical sequences.
func refLess(tsA int64, refA domain.SourceRef, tsB int64, refB domain.SourceRef, order domain.SortOrder) bool {
	if order == domain.SortDesc {
		tsA, tsB = tsB, tsA
		refA, refB = refB, refA
	}
	if tsA != tsB {
		return tsA < tsB
	}
	if refA.Kind != refB.Kind {
		return refA.Kind < refB.Kind
	}
	return refA.ID < refB.ID
}

var (
	_ costbasis.AcquisitionProvider = (*StoreProvider)(nil)
	_ costbasis.DisposalProvider    = (*StoreProvider)(nil)
)
