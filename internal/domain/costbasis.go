package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EventKind tags which source table an event id refers to.
type EventKind string

const (
	EventKindChain    EventKind = "chain"
	EventKindExchange EventKind = "exchange"
)

// SourceRef identifies one source event across both event tables.
// The kind is decided once, when the ref is built, and never inferred
// from the shape of the row it points at.
type SourceRef struct {
	Kind EventKind
	ID   int64
}

func (r SourceRef) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.ID)
}

// MethodFIFO is the only accounting method the engine produces.
const MethodFIFO = "fifo"

// CostBasisLink records that Quantity units of a disposal were matched
// against a specific acquisition. Exactly one acquisition column and
// exactly one disposal column are set per row.
type CostBasisLink struct {
	ID                         int64
	AcquisitionChainEventID    *int64
	AcquisitionExchangeEventID *int64
	DisposalChainEventID       *int64
	DisposalExchangeEventID    *int64
	Quantity                   decimal.Decimal // always > 0
	Method                     string
	CreatedAt                  int64 // unix millis
	UpdatedAt                  int64 // unix millis
}

// NewCostBasisLink builds a FIFO link between the two referenced events,
// routing each ref into the column matching its kind.
func NewCostBasisLink(acquisition, disposal SourceRef, quantity decimal.Decimal) *CostBasisLink {
	link := &CostBasisLink{
		Quantity: quantity,
		Method:   MethodFIFO,
	}

	acqID := acquisition.ID
	if acquisition.Kind == EventKindChain {
		link.AcquisitionChainEventID = &acqID
	} else {
		link.AcquisitionExchangeEventID = &acqID
	}

	dispID := disposal.ID
	if disposal.Kind == EventKindChain {
		link.DisposalChainEventID = &dispID
	} else {
		link.DisposalExchangeEventID = &dispID
	}

	return link
}

// AcquisitionRef returns the acquisition side as a tagged ref.
// ok is false when the row sets neither acquisition column.
func (l *CostBasisLink) AcquisitionRef() (ref SourceRef, ok bool) {
	switch {
	case l.AcquisitionChainEventID != nil:
		return SourceRef{Kind: EventKindChain, ID: *l.AcquisitionChainEventID}, true
	case l.AcquisitionExchangeEventID != nil:
		return SourceRef{Kind: EventKindExchange, ID: *l.AcquisitionExchangeEventID}, true
	}
	return SourceRef{}, false
}

// DisposalRef returns the disposal side as a tagged ref.
// ok is false when the row sets neither disposal column.
func (l *CostBasisLink) DisposalRef() (ref SourceRef, ok bool) {
	switch {
	case l.DisposalChainEventID != nil:
		return SourceRef{Kind: EventKindChain, ID: *l.DisposalChainEventID}, true
	case l.DisposalExchangeEventID != nil:
		return SourceRef{Kind: EventKindExchange, ID: *l.DisposalExchangeEventID}, true
	}
	return SourceRef{}, false
}
