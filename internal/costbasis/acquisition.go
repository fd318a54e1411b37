// Package costbasis implements FIFO matching of disposal events against
// acquisition events. Source rows stay immutable; the engine works on
// in-memory wrappers whose balances are fixed at construction and only
// move through Spend and LinkWith.
package costbasis

import (
	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
)

// AcquisitionEvent wraps one inbound source event as a consumable lot.
// available starts at the derived quantity minus whatever persisted
// links already consumed, and only ever decreases.
type AcquisitionEvent struct {
	ref       domain.SourceRef
	currency  string
	timestamp int64
	quantity  decimal.Decimal
	available decimal.Decimal
}

// NewAcquisitionEvent wraps a source event whose derived quantity and
// currency were already resolved. alreadyLinked is the total quantity
// consumed by persisted links referencing this event as an acquisition;
// it is subtracted, never added. A negative remainder is clamped to zero.
func NewAcquisitionEvent(ref domain.SourceRef, currency string, timestamp int64, quantity, alreadyLinked decimal.Decimal) *AcquisitionEvent {
	available := quantity.Sub(alreadyLinked)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return &AcquisitionEvent{
		ref:       ref,
		currency:  currency,
		timestamp: timestamp,
		quantity:  quantity,
		available: available,
	}
}

// NewChainAcquisition wraps a chain transfer received by a scope address.
// Fails only when the stored value columns do not parse.
func NewChainAcquisition(e *domain.ChainEvent, alreadyLinked decimal.Decimal) (*AcquisitionEvent, error) {
	quantity, err := e.Quantity()
	if err != nil {
		return nil, err
	}
	ref := domain.SourceRef{Kind: domain.EventKindChain, ID: e.ID}
	return NewAcquisitionEvent(ref, e.TokenSymbol, e.Timestamp, quantity, alreadyLinked), nil
}

// NewExchangeAcquisition wraps a buy trade as an acquisition of its
// base currency, net of fees withheld from the proceeds.
func NewExchangeAcquisition(e *domain.ExchangeEvent, alreadyLinked decimal.Decimal) *AcquisitionEvent {
	ref := domain.SourceRef{Kind: domain.EventKindExchange, ID: e.ID}
	return NewAcquisitionEvent(ref, e.BaseCurrency, e.Timestamp, e.AcquiredQuantity(), alreadyLinked)
}

func (a *AcquisitionEvent) Ref() domain.SourceRef { return a.ref }
func (a *AcquisitionEvent) Currency() string      { return a.currency }
func (a *AcquisitionEvent) Timestamp() int64      { return a.timestamp }

// Quantity is the full derived quantity of the source event.
func (a *AcquisitionEvent) Quantity() decimal.Decimal { return a.quantity }

// Available is the quantity still open for linking.
func (a *AcquisitionEvent) Available() decimal.Decimal { return a.available }

// IsExhausted reports whether no quantity remains to link against.
func (a *AcquisitionEvent) IsExhausted() bool {
	return !a.available.IsPositive()
}

// Spend consumes q units of the remaining balance. It fails without
// mutating the event when the lot is exhausted or q exceeds what remains.
func (a *AcquisitionEvent) Spend(q decimal.Decimal) error {
	if a.IsExhausted() {
		return &ExhaustedError{Ref: a.ref, Side: SideAcquisition, Remaining: a.available}
	}
	if q.GreaterThan(a.available) {
		return &ExhaustedError{Ref: a.ref, Side: SideAcquisition, Requested: q, Remaining: a.available}
	}
	a.available = a.available.Sub(q)
	return nil
}
