// Package idhash computes deterministic natural-key identifiers for
// ingested events, so re-running a backfill over the same upstream data
// produces the same ids and dedups cleanly.
package idhash

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// ComputeChainEventID computes a deterministic chain event id.
// Formula: base58(SHA256(tx_hash|from|to|contract_address)), all
// addresses lowercased. Base58 keeps the id compact and log-safe.
func ComputeChainEventID(txHash, from, to, contractAddress string) string {
	data := fmt.Sprintf("%s|%s|%s|%s",
		strings.ToLower(txHash),
		strings.ToLower(from),
		strings.ToLower(to),
		strings.ToLower(contractAddress),
	)

	hash := sha256.Sum256([]byte(data))
	return base58.Encode(hash[:])
}

// ComputeTradeID computes a deterministic exchange trade id.
// Formula: base58(SHA256(exchange|trade_ref)).
func ComputeTradeID(exchange, tradeRef string) string {
	data := fmt.Sprintf("%s|%s", strings.ToLower(exchange), tradeRef)

	hash := sha256.Sum256([]byte(data))
	return base58.Encode(hash[:])
}
