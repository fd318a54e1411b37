// Package main ingests source events into PostgreSQL. Two modes:
// - backfill: fetch chain transfers and trade history since the last
//   stored row and exit
// - live: stream own trades over WebSocket until interrupted
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cryptotax-engine/internal/ingestion"
	"cryptotax-engine/internal/observability"
	"cryptotax-engine/internal/storage/migrations"
	pgstore "cryptotax-engine/internal/storage/postgres"
)

func main() {
	mode := flag.String("mode", "backfill", "Ingestion mode: backfill or live")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	addresses := flag.String("addresses", os.Getenv("WALLET_ADDRESSES"), "Comma-separated wallet addresses to backfill")
	etherscanURL := flag.String("etherscan-url", envOrDefault("ETHERSCAN_URL", "https://api.etherscan.io/api"), "Etherscan API base URL")
	etherscanKey := flag.String("etherscan-api-key", os.Getenv("ETHERSCAN_API_KEY"), "Etherscan API key")
	krakenURL := flag.String("kraken-url", envOrDefault("KRAKEN_URL", "https://api.kraken.com"), "Kraken API base URL")
	krakenKey := flag.String("kraken-api-key", os.Getenv("KRAKEN_API_KEY"), "Kraken API key")
	krakenSecret := flag.String("kraken-api-secret", os.Getenv("KRAKEN_API_SECRET"), "Kraken API secret (base64)")
	krakenWSURL := flag.String("kraken-ws-url", envOrDefault("KRAKEN_WS_URL", "wss://ws-auth.kraken.com"), "Kraken private WebSocket endpoint")
	krakenWSToken := flag.String("kraken-ws-token", os.Getenv("KRAKEN_WS_TOKEN"), "Kraken WebSocket session token")
	flag.Parse()

	logger := log.New(os.Stdout, "[ingest] ", log.LstdFlags)

	if *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		logger.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		logger.Fatalf("Failed to apply migrations: %v", err)
	}

	chainStore := pgstore.NewChainEventStore(pool)
	exchangeStore := pgstore.NewExchangeEventStore(pool)

	var chainSource ingestion.ChainTransferSource
	if *etherscanKey != "" {
		chainSource = ingestion.NewEtherscanClient(*etherscanURL, *etherscanKey)
	}
	var tradeSource ingestion.TradeSource
	if *krakenKey != "" {
		tradeSource = ingestion.NewKrakenClient(*krakenURL, *krakenKey, *krakenSecret)
	}

	runner := ingestion.NewRunner(chainSource, tradeSource, chainStore, exchangeStore, logger)

	switch *mode {
	case "backfill":
		if err := runBackfill(ctx, runner, chainSource, tradeSource, splitAddresses(*addresses)); err != nil {
			logger.Fatalf("Backfill failed: %v", err)
		}
	case "live":
		if *krakenWSToken == "" {
			logger.Fatal("--kraken-ws-token is required in live mode")
		}
		if err := runLive(ctx, runner, *krakenWSURL, *krakenWSToken, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatalf("Live ingestion failed: %v", err)
		}
	default:
		logger.Fatalf("Unknown mode %q (want backfill or live)", *mode)
	}
}

func runBackfill(ctx context.Context, runner *ingestion.Runner, chainSource ingestion.ChainTransferSource, tradeSource ingestion.TradeSource, addresses []string) error {
	if chainSource == nil && tradeSource == nil {
		return fmt.Errorf("no sources configured: set --etherscan-api-key and/or --kraken-api-key")
	}

	if chainSource != nil {
		if len(addresses) == 0 {
			return fmt.Errorf("--addresses is required for chain backfill")
		}
		stats, err := runner.SyncChainEvents(ctx, addresses)
		if err != nil {
			return fmt.Errorf("chain backfill: %w", err)
		}
		observability.RecordIngestion("etherscan", stats.Stored, stats.Skipped)
	}

	if tradeSource != nil {
		stats, err := runner.SyncTrades(ctx)
		if err != nil {
			return fmt.Errorf("trade backfill: %w", err)
		}
		observability.RecordIngestion("kraken", stats.Stored, stats.Skipped)
	}

	return nil
}

func runLive(ctx context.Context, runner *ingestion.Runner, wsURL, wsToken string, logger *log.Logger) error {
	feed, err := ingestion.NewWSTradeFeed(ctx, wsURL, wsToken, nil)
	if err != nil {
		return fmt.Errorf("connect trade feed: %w", err)
	}
	defer feed.Close()

	logger.Printf("Streaming live trades from %s", wsURL)
	return runner.RunLive(ctx, feed.Trades())
}

func splitAddresses(s string) []string {
	var list []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(strings.ToLower(a))
		if a != "" {
			list = append(list, a)
		}
	}
	return list
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
