package costbasis

import (
	"fmt"

	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
)

// DisposalEvent wraps one outbound source event awaiting cost-basis
// attribution. unaccounted is the quantity not yet covered by links.
type DisposalEvent struct {
	ref         domain.SourceRef
	currency    string
	timestamp   int64
	quantity    decimal.Decimal
	unaccounted decimal.Decimal
}

// LinkOutcome reports the result of one successful LinkWith call.
type LinkOutcome struct {
	Link                 *domain.CostBasisLink
	AcquisitionExhausted bool
	DisposalExhausted    bool
}

// NewDisposalEvent wraps a source event whose derived quantity and
// currency were already resolved. alreadyLinked is subtracted from the
// derived quantity; a negative remainder is clamped to zero.
func NewDisposalEvent(ref domain.SourceRef, currency string, timestamp int64, quantity, alreadyLinked decimal.Decimal) *DisposalEvent {
	unaccounted := quantity.Sub(alreadyLinked)
	if unaccounted.IsNegative() {
		unaccounted = decimal.Zero
	}
	return &DisposalEvent{
		ref:         ref,
		currency:    currency,
		timestamp:   timestamp,
		quantity:    quantity,
		unaccounted: unaccounted,
	}
}

// NewChainDisposal wraps a chain transfer sent from a scope address.
func NewChainDisposal(e *domain.ChainEvent, alreadyLinked decimal.Decimal) (*DisposalEvent, error) {
	quantity, err := e.Quantity()
	if err != nil {
		return nil, err
	}
	ref := domain.SourceRef{Kind: domain.EventKindChain, ID: e.ID}
	return NewDisposalEvent(ref, e.TokenSymbol, e.Timestamp, quantity, alreadyLinked), nil
}

// NewExchangeDisposal wraps a sell trade as a disposal of its base
// currency, gross of the fee paid in that currency.
func NewExchangeDisposal(e *domain.ExchangeEvent, alreadyLinked decimal.Decimal) *DisposalEvent {
	ref := domain.SourceRef{Kind: domain.EventKindExchange, ID: e.ID}
	return NewDisposalEvent(ref, e.BaseCurrency, e.Timestamp, e.DisposedQuantity(), alreadyLinked)
}

func (d *DisposalEvent) Ref() domain.SourceRef { return d.ref }
func (d *DisposalEvent) Currency() string      { return d.currency }
func (d *DisposalEvent) Timestamp() int64      { return d.timestamp }

// Quantity is the full derived quantity of the source event.
func (d *DisposalEvent) Quantity() decimal.Decimal { return d.quantity }

// Unaccounted is the quantity still lacking cost-basis attribution.
func (d *DisposalEvent) Unaccounted() decimal.Decimal { return d.unaccounted }

// IsExhausted reports whether the disposal is fully accounted for.
func (d *DisposalEvent) IsExhausted() bool {
	return !d.unaccounted.IsPositive()
}

// LinkWith consumes min(unaccounted, acq.Available()) from both events
// and returns the resulting link. Preconditions are checked in order;
// on any failure neither event is mutated:
//  1. the disposal still has unaccounted quantity
//  2. the acquisition still has available quantity
//  3. both events are in the same currency
//  4. the acquisition strictly precedes the disposal in time
func (d *DisposalEvent) LinkWith(acq *AcquisitionEvent) (LinkOutcome, error) {
	if d.IsExhausted() {
		return LinkOutcome{}, &ExhaustedError{Ref: d.ref, Side: SideDisposal, Remaining: d.unaccounted}
	}
	if acq.IsExhausted() {
		return LinkOutcome{}, &ExhaustedError{Ref: acq.ref, Side: SideAcquisition, Remaining: acq.available}
	}
	if acq.currency != d.currency {
		return LinkOutcome{}, &LinkViolationError{
			Reason:      ViolationCurrencyMismatch,
			Acquisition: acq.ref,
			Disposal:    d.ref,
			Detail:      fmt.Sprintf("acquisition is %s, disposal is %s", acq.currency, d.currency),
		}
	}
	if acq.timestamp >= d.timestamp {
		return LinkOutcome{}, &LinkViolationError{
			Reason:      ViolationNotChronological,
			Acquisition: acq.ref,
			Disposal:    d.ref,
			Detail:      fmt.Sprintf("acquisition at %d does not precede disposal at %d", acq.timestamp, d.timestamp),
		}
	}

	used := decimal.Min(d.unaccounted, acq.available)
	if err := acq.Spend(used); err != nil {
		return LinkOutcome{}, err
	}
	d.unaccounted = d.unaccounted.Sub(used)

	return LinkOutcome{
		Link:                 domain.NewCostBasisLink(acq.ref, d.ref, used),
		AcquisitionExhausted: acq.IsExhausted(),
		DisposalExhausted:    d.IsExhausted(),
	}, nil
}
