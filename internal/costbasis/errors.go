package costbasis

import (
	"fmt"

	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
)

// Side distinguishes which half of a link an error refers to.
type Side string

const (
	SideAcquisition Side = "acquisition"
	SideDisposal    Side = "disposal"
)

// ExhaustedError reports an operation against an event whose remaining
// balance is already zero, or a spend larger than what remains.
type ExhaustedError struct {
	Ref       domain.SourceRef
	Side      Side
	Requested decimal.Decimal // zero when the event was exhausted before the operation
	Remaining decimal.Decimal
}

func (e *ExhaustedError) Error() string {
	if e.Requested.IsZero() {
		return fmt.Sprintf("%s event %s is exhausted", e.Side, e.Ref)
	}
	return fmt.Sprintf("%s event %s: cannot spend %s, only %s remaining",
		e.Side, e.Ref, e.Requested, e.Remaining)
}

// LinkViolationReason identifies which linking precondition failed.
type LinkViolationReason string

const (
	ViolationCurrencyMismatch LinkViolationReason = "currency_mismatch"
	ViolationNotChronological LinkViolationReason = "not_chronological"
)

// LinkViolationError reports a failed LinkWith precondition.
// Neither event was mutated.
type LinkViolationError struct {
	Reason      LinkViolationReason
	Acquisition domain.SourceRef
	Disposal    domain.SourceRef
	Detail      string
}

func (e *LinkViolationError) Error() string {
	return fmt.Sprintf("cannot link disposal %s with acquisition %s: %s (%s)",
		e.Disposal, e.Acquisition, e.Reason, e.Detail)
}

// PreflightError reports a per-currency imbalance detected before any
// matching work starts. Difference is disposal total minus acquisition
// total, positive when more was disposed than ever acquired.
type PreflightError struct {
	Currency   string
	Difference decimal.Decimal
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight: currency %s acquisitions and disposals differ by %s",
		e.Currency, e.Difference)
}

// StarvationError reports a disposal that still has unaccounted quantity
// after every acquisition lot of its currency was consumed. The preflight
// check makes this unreachable unless providers return inconsistent data.
type StarvationError struct {
	Currency  string
	Disposal  domain.SourceRef
	Remaining decimal.Decimal
}

func (e *StarvationError) Error() string {
	return fmt.Sprintf("no acquisition lots left for currency %s: disposal %s has %s unaccounted",
		e.Currency, e.Disposal, e.Remaining)
}
