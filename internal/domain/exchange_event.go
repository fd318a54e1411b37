package domain

import "github.com/shopspring/decimal"

// TradeSide is the direction of an exchange trade relative to the base currency.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// ExchangeEvent is a single trade imported from an exchange ledger.
// Amounts are exact decimals; the base currency is the traded asset,
// the quote currency is what it was priced in.
type ExchangeEvent struct {
	ID            int64
	Exchange      string // source exchange name, e.g. "kraken"
	TxID          string // exchange-assigned trade reference, unique
	Pair          string
	BaseCurrency  string
	QuoteCurrency string
	Timestamp     int64 // unix millis
	Side          TradeSide
	Price         decimal.Decimal // quote units per base unit
	Cost          decimal.Decimal // total quote amount
	Volume        decimal.Decimal // base amount traded
	BaseFee       decimal.Decimal // fee charged in base currency
	QuoteFee      decimal.Decimal // fee charged in quote currency
	WithdrawalFee decimal.Decimal
	Ledgers       []string // ledger entry ids backing this trade
	CreatedAt     int64    // unix millis
}

// AcquiredQuantity is the base amount actually credited by a buy:
// traded volume minus fees withheld from the proceeds.
func (e *ExchangeEvent) AcquiredQuantity() decimal.Decimal {
	return e.Volume.Sub(e.QuoteFee).Sub(e.WithdrawalFee)
}

// DisposedQuantity is the base amount a sell removes from the account:
// traded volume plus the fee paid in the base currency.
func (e *ExchangeEvent) DisposedQuantity() decimal.Decimal {
	return e.Volume.Add(e.BaseFee)
}
