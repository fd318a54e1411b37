package costbasis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
)

// stubProvider serves canned events. Totals default to the sums of the
// canned events; tests override them to simulate preflight drift.
type stubProvider struct {
	acquisitions []*AcquisitionEvent
	disposals    []*DisposalEvent
	acqTotals    map[string]decimal.Decimal
	dispTotals   map[string]decimal.Decimal
}

func (s *stubProvider) ListUnlinkedAcquisitions(ctx context.Context, scope Scope, order domain.SortOrder) ([]*AcquisitionEvent, error) {
	out := append([]*AcquisitionEvent(nil), s.acquisitions...)
	sort.SliceStable(out, func(i, j int) bool {
		if order == domain.SortDesc {
			return out[i].Timestamp() > out[j].Timestamp()
		}
		return out[i].Timestamp() < out[j].Timestamp()
	})
	return out, nil
}

func (s *stubProvider) ListUnlinkedDisposals(ctx context.Context, scope Scope, order domain.SortOrder) ([]*DisposalEvent, error) {
	out := append([]*DisposalEvent(nil), s.disposals...)
	sort.SliceStable(out, func(i, j int) bool {
		if order == domain.SortDesc {
			return out[i].Timestamp() > out[j].Timestamp()
		}
		return out[i].Timestamp() < out[j].Timestamp()
	})
	return out, nil
}

func (s *stubProvider) UnlinkedAcquisitionTotals(ctx context.Context, scope Scope) (map[string]decimal.Decimal, error) {
	if s.acqTotals != nil {
		return s.acqTotals, nil
	}
	totals := make(map[string]decimal.Decimal)
	for _, a := range s.acquisitions {
		totals[a.Currency()] = totals[a.Currency()].Add(a.Available())
	}
	return totals, nil
}

func (s *stubProvider) UnlinkedDisposalTotals(ctx context.Context, scope Scope) (map[string]decimal.Decimal, error) {
	if s.dispTotals != nil {
		return s.dispTotals, nil
	}
	totals := make(map[string]decimal.Decimal)
	for _, d := range s.disposals {
		totals[d.Currency()] = totals[d.Currency()].Add(d.Unaccounted())
	}
	return totals, nil
}

// linkRecorder captures the persisted batch.
type linkRecorder struct {
	batches  [][]*domain.CostBasisLink
	failWith error
}

func (r *linkRecorder) CreateMany(ctx context.Context, links []*domain.CostBasisLink) error {
	if r.failWith != nil {
		return r.failWith
	}
	r.batches = append(r.batches, links)
	return nil
}

func (r *linkRecorder) links() []*domain.CostBasisLink {
	var all []*domain.CostBasisLink
	for _, b := range r.batches {
		all = append(all, b...)
	}
	return all
}

func acq(t *testing.T, id int64, currency string, ts int64, quantity string) *AcquisitionEvent {
	t.Helper()
	return NewAcquisitionEvent(chainRef(id), currency, ts, dec(t, quantity), decimal.Zero)
}

func disp(t *testing.T, id int64, currency string, ts int64, quantity string) *DisposalEvent {
	t.Helper()
	return NewDisposalEvent(chainRef(id), currency, ts, dec(t, quantity), decimal.Zero)
}

func TestMatcher_OldestLotConsumedFirst(t *testing.T) {
	provider := &stubProvider{
		acquisitions: []*AcquisitionEvent{
			acq(t, 1, "ETH", 1000, "2"),
			acq(t, 2, "ETH", 1500, "3"),
		},
		disposals: []*DisposalEvent{
			disp(t, 3, "ETH", 2000, "5"),
		},
	}
	recorder := &linkRecorder{}
	m := NewMatcher(provider, provider, recorder, nil)

	result, err := m.Run(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.LinksCreated != 2 {
		t.Fatalf("LinksCreated = %d, want 2", result.LinksCreated)
	}
	if result.DisposalsMatched != 1 {
		t.Errorf("DisposalsMatched = %d, want 1", result.DisposalsMatched)
	}

	links := recorder.links()
	firstRef, _ := links[0].AcquisitionRef()
	if firstRef != chainRef(1) {
		t.Errorf("first link consumed %v, want the oldest lot chain/1", firstRef)
	}
	if !links[0].Quantity.Equal(dec(t, "2")) {
		t.Errorf("first link quantity = %s, want 2", links[0].Quantity)
	}
	secondRef, _ := links[1].AcquisitionRef()
	if secondRef != chainRef(2) {
		t.Errorf("second link consumed %v, want chain/2", secondRef)
	}
	if !links[1].Quantity.Equal(dec(t, "3")) {
		t.Errorf("second link quantity = %s, want 3", links[1].Quantity)
	}
}

func TestMatcher_DisposalsProcessedOldestFirst(t *testing.T) {
	provider := &stubProvider{
		acquisitions: []*AcquisitionEvent{
			acq(t, 1, "ETH", 1000, "1"),
			acq(t, 2, "ETH", 1500, "1"),
		},
		disposals: []*DisposalEvent{
			disp(t, 4, "ETH", 3000, "1"),
			disp(t, 3, "ETH", 2000, "1"),
		},
	}
	recorder := &linkRecorder{}
	m := NewMatcher(provider, provider, recorder, nil)

	if _, err := m.Run(context.Background(), Scope{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	links := recorder.links()
	if len(links) != 2 {
		t.Fatalf("got %d links, want 2", len(links))
	}
	// Older disposal takes the older lot.
	dispRef, _ := links[0].DisposalRef()
	acqRef, _ := links[0].AcquisitionRef()
	if dispRef != chainRef(3) || acqRef != chainRef(1) {
		t.Errorf("first link = %v<-%v, want chain/3<-chain/1", dispRef, acqRef)
	}
}

func TestMatcher_BucketsPerCurrency(t *testing.T) {
	provider := &stubProvider{
		acquisitions: []*AcquisitionEvent{
			acq(t, 1, "ETH", 1000, "2"),
			acq(t, 2, "BTC", 1100, "1"),
		},
		disposals: []*DisposalEvent{
			disp(t, 3, "BTC", 2000, "1"),
			disp(t, 4, "ETH", 2100, "2"),
		},
	}
	recorder := &linkRecorder{}
	m := NewMatcher(provider, provider, recorder, nil)

	result, err := m.Run(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.LinksCreated != 2 {
		t.Fatalf("LinksCreated = %d, want 2", result.LinksCreated)
	}
	want := []string{"BTC", "ETH"}
	if len(result.Currencies) != 2 || result.Currencies[0] != want[0] || result.Currencies[1] != want[1] {
		t.Errorf("Currencies = %v, want %v", result.Currencies, want)
	}

	for _, link := range recorder.links() {
		acqRef, _ := link.AcquisitionRef()
		dispRef, _ := link.DisposalRef()
		if (acqRef == chainRef(2)) != (dispRef == chainRef(3)) {
			t.Errorf("cross-currency link %v<-%v", dispRef, acqRef)
		}
	}
}

func TestMatcher_ConservationPerDisposal(t *testing.T) {
	provider := &stubProvider{
		acquisitions: []*AcquisitionEvent{
			acq(t, 1, "ETH", 1000, "0.000000000000000001"),
			acq(t, 2, "ETH", 1100, "1.999999999999999999"),
		},
		disposals: []*DisposalEvent{
			disp(t, 3, "ETH", 2000, "2"),
		},
	}
	recorder := &linkRecorder{}
	m := NewMatcher(provider, provider, recorder, nil)

	if _, err := m.Run(context.Background(), Scope{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sum := decimal.Zero
	for _, link := range recorder.links() {
		sum = sum.Add(link.Quantity)
	}
	if !sum.Equal(dec(t, "2")) {
		t.Errorf("linked sum = %s, want exactly 2", sum)
	}
}

func TestMatcher_PreflightAbortsBeforeMatching(t *testing.T) {
	provider := &stubProvider{
		acquisitions: []*AcquisitionEvent{acq(t, 1, "ETH", 1000, "3")},
		disposals:    []*DisposalEvent{disp(t, 2, "ETH", 2000, "5")},
	}
	recorder := &linkRecorder{}
	m := NewMatcher(provider, provider, recorder, nil)

	_, err := m.Run(context.Background(), Scope{})
	var preflight *PreflightError
	if !errors.As(err, &preflight) {
		t.Fatalf("Run error = %v, want *PreflightError", err)
	}
	if preflight.Currency != "ETH" {
		t.Errorf("Currency = %q, want ETH", preflight.Currency)
	}
	if !preflight.Difference.Equal(dec(t, "2")) {
		t.Errorf("Difference = %s, want 2", preflight.Difference)
	}
	if len(recorder.batches) != 0 {
		t.Error("links were written despite preflight failure")
	}
}

func TestMatcher_PreflightReportsLowestCurrencyFirst(t *testing.T) {
	provider := &stubProvider{
		acqTotals: map[string]decimal.Decimal{
			"ETH": dec(t, "1"),
		},
		dispTotals: map[string]decimal.Decimal{
			"BTC": dec(t, "1"),
			"ETH": dec(t, "2"),
		},
	}
	m := NewMatcher(provider, provider, &linkRecorder{}, nil)

	_, err := m.Run(context.Background(), Scope{})
	var preflight *PreflightError
	if !errors.As(err, &preflight) {
		t.Fatalf("Run error = %v, want *PreflightError", err)
	}
	if preflight.Currency != "BTC" {
		t.Errorf("Currency = %q, want BTC (first in sorted order)", preflight.Currency)
	}
}

func TestMatcher_StarvationWhenTotalsLie(t *testing.T) {
	provider := &stubProvider{
		disposals: []*DisposalEvent{disp(t, 1, "ETH", 2000, "1")},
		acqTotals: map[string]decimal.Decimal{"ETH": dec(t, "1")},
	}
	recorder := &linkRecorder{}
	m := NewMatcher(provider, provider, recorder, nil)

	_, err := m.Run(context.Background(), Scope{})
	var starved *StarvationError
	if !errors.As(err, &starved) {
		t.Fatalf("Run error = %v, want *StarvationError", err)
	}
	if starved.Currency != "ETH" {
		t.Errorf("Currency = %q, want ETH", starved.Currency)
	}
	if !starved.Remaining.Equal(dec(t, "1")) {
		t.Errorf("Remaining = %s, want 1", starved.Remaining)
	}
	if len(recorder.batches) != 0 {
		t.Error("links were written despite starvation")
	}
}

func TestMatcher_ChronologyViolationAborts(t *testing.T) {
	provider := &stubProvider{
		acquisitions: []*AcquisitionEvent{acq(t, 1, "ETH", 3000, "1")},
		disposals:    []*DisposalEvent{disp(t, 2, "ETH", 2000, "1")},
	}
	recorder := &linkRecorder{}
	m := NewMatcher(provider, provider, recorder, nil)

	_, err := m.Run(context.Background(), Scope{})
	var violation *LinkViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Run error = %v, want *LinkViolationError", err)
	}
	if len(recorder.batches) != 0 {
		t.Error("links were written despite chronology violation")
	}
}

func TestMatcher_WriterErrorPropagates(t *testing.T) {
	provider := &stubProvider{
		acquisitions: []*AcquisitionEvent{acq(t, 1, "ETH", 1000, "1")},
		disposals:    []*DisposalEvent{disp(t, 2, "ETH", 2000, "1")},
	}
	recorder := &linkRecorder{failWith: fmt.Errorf("connection reset")}
	m := NewMatcher(provider, provider, recorder, nil)

	if _, err := m.Run(context.Background(), Scope{}); err == nil {
		t.Fatal("expected writer error to propagate")
	}
}

func TestMatcher_EmptyScopeSucceeds(t *testing.T) {
	provider := &stubProvider{}
	recorder := &linkRecorder{}
	m := NewMatcher(provider, provider, recorder, nil)

	result, err := m.Run(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.LinksCreated != 0 || result.DisposalsMatched != 0 {
		t.Errorf("result = %+v, want empty", result)
	}
	if len(recorder.batches) != 0 {
		t.Error("CreateMany called for an empty run")
	}
}
