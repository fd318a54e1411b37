// Package ingestion pulls source events from their upstreams and lands
// them in storage: ERC-20 transfers from Etherscan, trades from the
// Kraken ledger API, and live trades over WebSocket.
package ingestion

import (
	"context"

	"cryptotax-engine/internal/domain"
)

// ChainTransferSource provides token transfers from an external indexer.
type ChainTransferSource interface {
	// Transfers returns all transfers touching the address from
	// startBlock onward, oldest first.
	Transfers(ctx context.Context, address string, startBlock int64) ([]*domain.ChainEvent, error)
}

// TradeSource provides exchange trades from an external ledger API.
type TradeSource interface {
	// Trades returns all trades recorded at or after start (unix
	// seconds). A zero start means the full account history.
	Trades(ctx context.Context, start int64) ([]*domain.ExchangeEvent, error)
}
