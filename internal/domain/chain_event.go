// Package domain defines the core entities of the cost-basis engine:
// on-chain token transfers, exchange trades and the cost-basis links
// that tie disposals back to acquisitions.
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SortOrder controls listing order for time-ordered queries.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// ChainEvent is a single ERC-20 token transfer observed on chain.
// Rows are append-only; the only mutable column is ValueAdjustment,
// a manual correction applied on top of the raw transfer value.
type ChainEvent struct {
	ID               int64
	BlockNumber      int64
	Timestamp        int64 // unix millis
	TxHash           string
	Nonce            int64
	BlockHash        string
	From             string // sender address, lowercase hex
	To               string // recipient address, lowercase hex
	ContractAddress  string // token contract, lowercase hex
	Value            string // raw transfer amount in token base units
	ValueAdjustment  string // signed correction in token base units, "0" when unset
	TokenName        string
	TokenSymbol      string
	TokenDecimal     int32
	TransactionIndex int32
	Gas              int64
	GasPrice         string
	GasUsed          string
	CumulativeGas    string
	Confirmations    int64
	UniqueID         string // deterministic natural-key hash, see idhash
	CreatedAt        int64  // unix millis
}

// Quantity returns the transferred amount in whole-token units:
// (Value + ValueAdjustment) scaled down by TokenDecimal.
// Fails when either column holds a non-numeric string.
func (e *ChainEvent) Quantity() (decimal.Decimal, error) {
	value, err := decimal.NewFromString(e.Value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("chain event %d: parse value %q: %w", e.ID, e.Value, err)
	}

	adjustment := decimal.Zero
	if e.ValueAdjustment != "" {
		adjustment, err = decimal.NewFromString(e.ValueAdjustment)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("chain event %d: parse value adjustment %q: %w", e.ID, e.ValueAdjustment, err)
		}
	}

	return value.Add(adjustment).Shift(-e.TokenDecimal), nil
}
