// Package main runs one FIFO matching pass over the stored events and
// exits. Exit code 1 on preflight failure or any other error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"cryptotax-engine/internal/costbasis"
	"cryptotax-engine/internal/events"
	"cryptotax-engine/internal/storage/migrations"
	pgstore "cryptotax-engine/internal/storage/postgres"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	addresses := flag.String("addresses", os.Getenv("WALLET_ADDRESSES"), "Comma-separated wallet addresses in scope")
	flag.Parse()

	ctx := context.Background()

	if *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "Error: --postgres-dsn is required")
		os.Exit(1)
	}

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to postgres: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "Error applying migrations: %v\n", err)
		os.Exit(1)
	}

	chainStore := pgstore.NewChainEventStore(pool)
	exchangeStore := pgstore.NewExchangeEventStore(pool)
	linkStore := pgstore.NewCostBasisLinkStore(pool)

	provider := events.NewStoreProvider(chainStore, exchangeStore, linkStore)
	matcher := costbasis.NewMatcher(provider, provider, linkStore, nil)

	scope := costbasis.Scope{Addresses: splitAddresses(*addresses)}
	result, err := matcher.Run(ctx, scope)
	if err != nil {
		var preflight *costbasis.PreflightError
		if errors.As(err, &preflight) {
			fmt.Fprintf(os.Stderr, "Preflight failed for %s: differential %s\n",
				preflight.Currency, preflight.Difference)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Error running matcher: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Matching complete: %d links created, %d disposals matched across %d currencies\n",
		result.LinksCreated, result.DisposalsMatched, len(result.Currencies))
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
