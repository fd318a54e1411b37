package domain

import "github.com/shopspring/decimal"

// Reconciliation finding codes.
const (
	FindingDanglingReference  = "dangling_reference"
	FindingCurrencyMismatch   = "currency_mismatch"
	FindingUnresolvedQuantity = "unresolved_quantity"
)

// ReconciliationFinding is one violation detected by a reconciliation
// run. Findings are data, not errors: a run that detects violations
// still completes and reports all of them.
type ReconciliationFinding struct {
	RunID     string // assigned when the finding is persisted
	Code      string
	EventKind EventKind // kind of the offending event, empty for link-level findings
	EventID   int64
	Currency  string
	Leftover  decimal.Decimal // unresolved remainder, zero unless Code is unresolved_quantity
	Message   string
	CreatedAt int64 // unix millis
}
