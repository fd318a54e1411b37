package memory

import (
	"context"
	"errors"
	"testing"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/storage"
)

func transfer(txHash, from, to string, block, ts int64) *domain.ChainEvent {
	return &domain.ChainEvent{
		BlockNumber:     block,
		Timestamp:       ts,
		TxHash:          txHash,
		From:            from,
		To:              to,
		ContractAddress: "0xtoken",
		Value:           "1000000000000000000",
		TokenSymbol:     "ETH",
		TokenDecimal:    18,
	}
}

func TestChainEventStore_InsertAssignsID(t *testing.T) {
	s := NewChainEventStore()
	ctx := context.Background()

	e := transfer("0x01", "0xa", "0xb", 100, 1000)
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if e.ID == 0 {
		t.Error("Insert did not write back the assigned id")
	}

	got, err := s.GetByIDs(ctx, []int64{e.ID})
	if err != nil {
		t.Fatalf("GetByIDs failed: %v", err)
	}
	if len(got) != 1 || got[0].TxHash != "0x01" {
		t.Errorf("GetByIDs = %v, want the inserted transfer", got)
	}
}

func TestChainEventStore_DuplicateNaturalKey(t *testing.T) {
	s := NewChainEventStore()
	ctx := context.Background()

	if err := s.Insert(ctx, transfer("0x01", "0xa", "0xb", 100, 1000)); err != nil {
		t.Fatalf("first Insert failed: %v", err)
	}
	err := s.Insert(ctx, transfer("0x01", "0xa", "0xb", 100, 1000))
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("second Insert error = %v, want ErrDuplicateKey", err)
	}

	// Same tx hash, different counterparty: a distinct transfer.
	if err := s.Insert(ctx, transfer("0x01", "0xa", "0xc", 100, 1000)); err != nil {
		t.Errorf("Insert with different to-address failed: %v", err)
	}
}

func TestChainEventStore_InsertBulkAtomic(t *testing.T) {
	s := NewChainEventStore()
	ctx := context.Background()

	batch := []*domain.ChainEvent{
		transfer("0x01", "0xa", "0xb", 100, 1000),
		transfer("0x01", "0xa", "0xb", 100, 1000), // intra-batch duplicate
	}
	if err := s.InsertBulk(ctx, batch); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("InsertBulk error = %v, want ErrDuplicateKey", err)
	}

	// Nothing from the failed batch may be visible.
	got, err := s.ListByToAddress(ctx, []string{"0xb"}, domain.SortAsc)
	if err != nil {
		t.Fatalf("ListByToAddress failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d transfers after failed batch, want 0", len(got))
	}
}

func TestChainEventStore_ListByAddressOrdering(t *testing.T) {
	s := NewChainEventStore()
	ctx := context.Background()

	for _, e := range []*domain.ChainEvent{
		transfer("0x03", "0xa", "0xb", 102, 3000),
		transfer("0x01", "0xa", "0xb", 100, 1000),
		transfer("0x02", "0xc", "0xb", 101, 2000),
		transfer("0x04", "0xb", "0xd", 103, 4000), // outbound, not inbound
	} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("Insert %s failed: %v", e.TxHash, err)
		}
	}

	asc, err := s.ListByToAddress(ctx, []string{"0xb"}, domain.SortAsc)
	if err != nil {
		t.Fatalf("ListByToAddress failed: %v", err)
	}
	if len(asc) != 3 {
		t.Fatalf("got %d transfers, want 3", len(asc))
	}
	for i := 1; i < len(asc); i++ {
		if asc[i-1].Timestamp > asc[i].Timestamp {
			t.Errorf("asc order violated at %d: %d > %d", i, asc[i-1].Timestamp, asc[i].Timestamp)
		}
	}

	desc, err := s.ListByToAddress(ctx, []string{"0xb"}, domain.SortDesc)
	if err != nil {
		t.Fatalf("ListByToAddress desc failed: %v", err)
	}
	if desc[0].Timestamp != 3000 {
		t.Errorf("desc[0].Timestamp = %d, want 3000", desc[0].Timestamp)
	}

	from, err := s.ListByFromAddress(ctx, []string{"0xb"}, domain.SortAsc)
	if err != nil {
		t.Fatalf("ListByFromAddress failed: %v", err)
	}
	if len(from) != 1 || from[0].TxHash != "0x04" {
		t.Errorf("ListByFromAddress = %v, want only 0x04", from)
	}
}

func TestChainEventStore_ReturnsCopies(t *testing.T) {
	s := NewChainEventStore()
	ctx := context.Background()

	e := transfer("0x01", "0xa", "0xb", 100, 1000)
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, _ := s.GetByIDs(ctx, []int64{e.ID})
	got[0].TokenSymbol = "MUTATED"

	again, _ := s.GetByIDs(ctx, []int64{e.ID})
	if again[0].TokenSymbol != "ETH" {
		t.Error("store returned a shared reference, want a copy")
	}
}

func TestChainEventStore_LatestBlockNumber(t *testing.T) {
	s := NewChainEventStore()
	ctx := context.Background()

	latest, err := s.LatestBlockNumber(ctx)
	if err != nil {
		t.Fatalf("LatestBlockNumber failed: %v", err)
	}
	if latest != 0 {
		t.Errorf("empty store latest = %d, want 0", latest)
	}

	s.Insert(ctx, transfer("0x01", "0xa", "0xb", 100, 1000))
	s.Insert(ctx, transfer("0x02", "0xa", "0xb", 205, 2000))

	latest, err = s.LatestBlockNumber(ctx)
	if err != nil {
		t.Fatalf("LatestBlockNumber failed: %v", err)
	}
	if latest != 205 {
		t.Errorf("latest = %d, want 205", latest)
	}
}
