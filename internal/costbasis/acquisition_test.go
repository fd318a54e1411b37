package costbasis

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func chainRef(id int64) domain.SourceRef {
	return domain.SourceRef{Kind: domain.EventKindChain, ID: id}
}

func exchangeRef(id int64) domain.SourceRef {
	return domain.SourceRef{Kind: domain.EventKindExchange, ID: id}
}

func TestNewAcquisitionEvent_SubtractsAlreadyLinked(t *testing.T) {
	a := NewAcquisitionEvent(chainRef(1), "ETH", 1000, dec(t, "10"), dec(t, "3"))

	if got := a.Available(); !got.Equal(dec(t, "7")) {
		t.Errorf("Available = %s, want 7", got)
	}
	if got := a.Quantity(); !got.Equal(dec(t, "10")) {
		t.Errorf("Quantity = %s, want 10", got)
	}
}

func TestNewAcquisitionEvent_OverlinkedClampsToZero(t *testing.T) {
	a := NewAcquisitionEvent(chainRef(1), "ETH", 1000, dec(t, "10"), dec(t, "12"))

	if !a.Available().IsZero() {
		t.Errorf("Available = %s, want 0", a.Available())
	}
	if !a.IsExhausted() {
		t.Error("IsExhausted = false, want true")
	}
}

func TestNewChainAcquisition_ScalesByTokenDecimal(t *testing.T) {
	e := &domain.ChainEvent{
		ID:           42,
		Timestamp:    1000,
		Value:        "1500000000000000000",
		TokenSymbol:  "ETH",
		TokenDecimal: 18,
	}

	a, err := NewChainAcquisition(e, decimal.Zero)
	if err != nil {
		t.Fatalf("NewChainAcquisition failed: %v", err)
	}
	if got := a.Quantity(); !got.Equal(dec(t, "1.5")) {
		t.Errorf("Quantity = %s, want 1.5", got)
	}
	if a.Ref() != chainRef(42) {
		t.Errorf("Ref = %v, want chain/42", a.Ref())
	}
	if a.Currency() != "ETH" {
		t.Errorf("Currency = %q, want ETH", a.Currency())
	}
}

func TestNewChainAcquisition_AppliesValueAdjustment(t *testing.T) {
	e := &domain.ChainEvent{
		ID:              1,
		Value:           "2000000000000000000",
		ValueAdjustment: "-500000000000000000",
		TokenSymbol:     "ETH",
		TokenDecimal:    18,
	}

	a, err := NewChainAcquisition(e, decimal.Zero)
	if err != nil {
		t.Fatalf("NewChainAcquisition failed: %v", err)
	}
	if got := a.Quantity(); !got.Equal(dec(t, "1.5")) {
		t.Errorf("Quantity = %s, want 1.5", got)
	}
}

func TestNewChainAcquisition_UnparsableValue(t *testing.T) {
	e := &domain.ChainEvent{ID: 1, Value: "not-a-number", TokenSymbol: "ETH"}

	if _, err := NewChainAcquisition(e, decimal.Zero); err == nil {
		t.Fatal("expected error for unparsable value")
	}
}

func TestNewExchangeAcquisition_NetOfFees(t *testing.T) {
	e := &domain.ExchangeEvent{
		ID:            7,
		BaseCurrency:  "BTC",
		Timestamp:     2000,
		Volume:        dec(t, "1.0"),
		QuoteFee:      dec(t, "0.001"),
		WithdrawalFee: dec(t, "0.0005"),
	}

	a := NewExchangeAcquisition(e, decimal.Zero)
	if got := a.Quantity(); !got.Equal(dec(t, "0.9985")) {
		t.Errorf("Quantity = %s, want 0.9985", got)
	}
	if a.Ref() != exchangeRef(7) {
		t.Errorf("Ref = %v, want exchange/7", a.Ref())
	}
}

func TestSpend_ReducesAvailable(t *testing.T) {
	a := NewAcquisitionEvent(chainRef(1), "ETH", 1000, dec(t, "10"), decimal.Zero)

	if err := a.Spend(dec(t, "4")); err != nil {
		t.Fatalf("Spend failed: %v", err)
	}
	if got := a.Available(); !got.Equal(dec(t, "6")) {
		t.Errorf("Available = %s, want 6", got)
	}
}

func TestSpend_ExactBalanceExhausts(t *testing.T) {
	a := NewAcquisitionEvent(chainRef(1), "ETH", 1000, dec(t, "10"), decimal.Zero)

	if err := a.Spend(dec(t, "10")); err != nil {
		t.Fatalf("Spend failed: %v", err)
	}
	if !a.IsExhausted() {
		t.Error("IsExhausted = false, want true")
	}
}

func TestSpend_OverdraftFailsWithoutMutation(t *testing.T) {
	a := NewAcquisitionEvent(chainRef(1), "ETH", 1000, dec(t, "10"), decimal.Zero)

	err := a.Spend(dec(t, "10.000000000000000001"))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Spend error = %v, want *ExhaustedError", err)
	}
	if exhausted.Side != SideAcquisition {
		t.Errorf("Side = %s, want acquisition", exhausted.Side)
	}
	if got := a.Available(); !got.Equal(dec(t, "10")) {
		t.Errorf("Available changed to %s after failed spend", got)
	}
}

func TestSpend_ExhaustedLotRejectsAnySpend(t *testing.T) {
	a := NewAcquisitionEvent(chainRef(1), "ETH", 1000, dec(t, "5"), dec(t, "5"))

	var exhausted *ExhaustedError
	if err := a.Spend(dec(t, "1")); !errors.As(err, &exhausted) {
		t.Fatalf("Spend error = %v, want *ExhaustedError", err)
	}
}
