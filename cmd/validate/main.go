// Package main runs one reconciliation pass over the stored links and
// prints every finding. Findings are persisted to ClickHouse under a
// fresh run ID when a DSN is given. Exit code 1 when the report is not
// clean, 2 on infrastructure errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"cryptotax-engine/internal/reconciliation"
	"cryptotax-engine/internal/storage"
	chstore "cryptotax-engine/internal/storage/clickhouse"
	"cryptotax-engine/internal/storage/migrations"
	pgstore "cryptotax-engine/internal/storage/postgres"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (optional, persists findings)")
	flag.Parse()

	ctx := context.Background()

	if *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "Error: --postgres-dsn is required")
		os.Exit(2)
	}

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to postgres: %v\n", err)
		os.Exit(2)
	}
	defer pool.Close()

	var findingStore storage.ReconciliationFindingStore
	if *clickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, *clickhouseDSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to clickhouse: %v\n", err)
			os.Exit(2)
		}
		defer conn.Close()
		findingStore = chstore.NewFindingStore(conn)
	}

	validator := reconciliation.NewValidator(
		pgstore.NewCostBasisLinkStore(pool),
		pgstore.NewChainEventStore(pool),
		pgstore.NewExchangeEventStore(pool),
	)

	report, err := validator.Validate(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running validation: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Checked %d links\n", report.LinksChecked)

	if report.Valid() {
		fmt.Println("Validation passed: all linked quantities balance")
		return
	}

	runID := fmt.Sprintf("validate-%d", time.Now().UnixMilli())
	for _, f := range report.Findings {
		f.RunID = runID
	}
	if findingStore != nil {
		if err := findingStore.InsertBulk(ctx, report.Findings); err != nil {
			fmt.Fprintf(os.Stderr, "Error persisting findings for %s: %v\n", runID, err)
			os.Exit(2)
		}
		fmt.Printf("Findings persisted under run %s\n", runID)
	}

	fmt.Printf("Validation failed with %d findings:\n", len(report.Findings))
	for _, msg := range report.Messages() {
		fmt.Printf("  - %s\n", msg)
	}
	os.Exit(1)
}
