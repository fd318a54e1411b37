package costbasis

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
)

// Matcher runs one FIFO matching pass over a scope. A run either
// produces a fully linked batch persisted atomically, or fails before
// anything is written.
type Matcher struct {
	acquisitions AcquisitionProvider
	disposals    DisposalProvider
	links        LinkWriter
	log          *log.Logger
}

// RunResult summarizes a completed matching run.
type RunResult struct {
	LinksCreated     int
	DisposalsMatched int
	Currencies       []string // currencies seen during preflight, sorted
}

// NewMatcher creates a matcher. A nil logger defaults to stdout.
func NewMatcher(acquisitions AcquisitionProvider, disposals DisposalProvider, links LinkWriter, logger *log.Logger) *Matcher {
	if logger == nil {
		logger = log.New(os.Stdout, "[costbasis] ", log.LstdFlags)
	}
	return &Matcher{
		acquisitions: acquisitions,
		disposals:    disposals,
		links:        links,
		log:          logger,
	}
}

// Run executes one matching pass:
//  1. preflight: per-currency totals of both sides must agree exactly
//  2. load disposals oldest-first and acquisitions newest-first,
//     bucketed per currency
//  3. consume each disposal from the tail of its currency bucket
//     (the oldest lot) until fully accounted
//  4. persist all links in one atomic batch
//
// Any failure aborts the run with nothing written.
func (m *Matcher) Run(ctx context.Context, scope Scope) (*RunResult, error) {
	currencies, err := m.preflight(ctx, scope)
	if err != nil {
		return nil, err
	}

	disposals, err := m.disposals.ListUnlinkedDisposals(ctx, scope, domain.SortAsc)
	if err != nil {
		return nil, fmt.Errorf("load disposal events: %w", err)
	}
	acquisitions, err := m.acquisitions.ListUnlinkedAcquisitions(ctx, scope, domain.SortDesc)
	if err != nil {
		return nil, fmt.Errorf("load acquisition events: %w", err)
	}
	m.log.Printf("matching %d disposals against %d acquisition lots across %d currencies",
		len(disposals), len(acquisitions), len(currencies))

	// Newest-first per currency, so the oldest lot sits at the tail
	// and each exhausted lot pops off in O(1).
	lots := make(map[string][]*AcquisitionEvent)
	for _, a := range acquisitions {
		lots[a.Currency()] = append(lots[a.Currency()], a)
	}

	var links []*domain.CostBasisLink
	matched := 0
	for _, d := range disposals {
		queue := lots[d.Currency()]
		for !d.IsExhausted() {
			if len(queue) == 0 {
				return nil, &StarvationError{
					Currency:  d.Currency(),
					Disposal:  d.Ref(),
					Remaining: d.Unaccounted(),
				}
			}
			oldest := queue[len(queue)-1]
			outcome, err := d.LinkWith(oldest)
			if err != nil {
				return nil, err
			}
			links = append(links, outcome.Link)
			if outcome.AcquisitionExhausted {
				queue = queue[:len(queue)-1]
			}
		}
		lots[d.Currency()] = queue
		matched++
	}

	if len(links) > 0 {
		if err := m.links.CreateMany(ctx, links); err != nil {
			return nil, fmt.Errorf("persist cost basis links: %w", err)
		}
	}
	m.log.Printf("created %d links for %d disposals", len(links), matched)

	return &RunResult{
		LinksCreated:     len(links),
		DisposalsMatched: matched,
		Currencies:       currencies,
	}, nil
}

// preflight verifies per-currency conservation before any matching
// work. Currencies present on only one side count as zero on the other.
func (m *Matcher) preflight(ctx context.Context, scope Scope) ([]string, error) {
	acqTotals, err := m.acquisitions.UnlinkedAcquisitionTotals(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("sum acquisition totals: %w", err)
	}
	dispTotals, err := m.disposals.UnlinkedDisposalTotals(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("sum disposal totals: %w", err)
	}

	seen := make(map[string]struct{}, len(acqTotals)+len(dispTotals))
	for c := range acqTotals {
		seen[c] = struct{}{}
	}
	for c := range dispTotals {
		seen[c] = struct{}{}
	}
	currencies := make([]string, 0, len(seen))
	for c := range seen {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	for _, c := range currencies {
		diff := total(dispTotals, c).Sub(total(acqTotals, c))
		if !diff.IsZero() {
			return nil, &PreflightError{Currency: c, Difference: diff}
		}
	}
	return currencies, nil
}

func total(m map[string]decimal.Decimal, currency string) decimal.Decimal {
	if v, ok := m[currency]; ok {
		return v
	}
	return decimal.Zero
}
