// Package main provides the unified service that runs all components together:
// - HTTP trigger endpoints for matching and validation
// - Optional scheduled ingestion + matching
// - Prometheus metrics and status reporting
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cryptotax-engine/internal/costbasis"
	"cryptotax-engine/internal/events"
	"cryptotax-engine/internal/ingestion"
	"cryptotax-engine/internal/observability"
	"cryptotax-engine/internal/reconciliation"
	"cryptotax-engine/internal/storage"
	chstore "cryptotax-engine/internal/storage/clickhouse"
	"cryptotax-engine/internal/storage/memory"
	"cryptotax-engine/internal/storage/migrations"
	pgstore "cryptotax-engine/internal/storage/postgres"
)

// Server holds all components of the unified service.
type Server struct {
	// Configuration
	addresses    []string
	syncInterval time.Duration
	useMemory    bool

	// Stores
	stores *allStores

	// Components
	matcher         *costbasis.Matcher
	validator       *reconciliation.Validator
	ingestionRunner *ingestion.Runner
	logger          *log.Logger

	// State
	mu           sync.Mutex
	matchRunning bool
	lastMatchRun time.Time
	started      time.Time

	// Stats
	matchRuns      int
	validationRuns int
}

// allStores holds all storage implementations.
type allStores struct {
	chainEventStore    storage.ChainEventStore
	exchangeEventStore storage.ExchangeEventStore
	linkStore          storage.CostBasisLinkStore
	findingStore       storage.ReconciliationFindingStore
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	addresses := flag.String("addresses", os.Getenv("WALLET_ADDRESSES"), "Comma-separated wallet addresses in scope")
	etherscanURL := flag.String("etherscan-url", envOrDefault("ETHERSCAN_URL", "https://api.etherscan.io/api"), "Etherscan API base URL")
	etherscanKey := flag.String("etherscan-api-key", os.Getenv("ETHERSCAN_API_KEY"), "Etherscan API key")
	krakenURL := flag.String("kraken-url", envOrDefault("KRAKEN_URL", "https://api.kraken.com"), "Kraken API base URL")
	krakenKey := flag.String("kraken-api-key", os.Getenv("KRAKEN_API_KEY"), "Kraken API key")
	krakenSecret := flag.String("kraken-api-secret", os.Getenv("KRAKEN_API_SECRET"), "Kraken API secret (base64)")
	syncInterval := flag.Duration("sync-interval", 0, "Scheduled ingestion+matching interval (0 disables)")
	httpAddr := flag.String("http-addr", ":8080", "HTTP listen address")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	// Validate required flags
	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}

	addressList := splitAddresses(*addresses)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	// Create stores
	stores, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	// Wire matcher and validator over the shared stores
	provider := events.NewStoreProvider(stores.chainEventStore, stores.exchangeEventStore, stores.linkStore)
	matcher := costbasis.NewMatcher(provider, provider, stores.linkStore, nil)
	validator := reconciliation.NewValidator(stores.linkStore, stores.chainEventStore, stores.exchangeEventStore)

	// Optional ingestion sources
	var runner *ingestion.Runner
	if *etherscanKey != "" || *krakenKey != "" {
		var chainSource ingestion.ChainTransferSource
		var tradeSource ingestion.TradeSource
		if *etherscanKey != "" {
			chainSource = ingestion.NewEtherscanClient(*etherscanURL, *etherscanKey)
		}
		if *krakenKey != "" {
			tradeSource = ingestion.NewKrakenClient(*krakenURL, *krakenKey, *krakenSecret)
		}
		runner = ingestion.NewRunner(chainSource, tradeSource, stores.chainEventStore, stores.exchangeEventStore, nil)
	}

	server := &Server{
		addresses:       addressList,
		syncInterval:    *syncInterval,
		useMemory:       *useMemory,
		stores:          stores,
		matcher:         matcher,
		validator:       validator,
		ingestionRunner: runner,
		logger:          logger,
		started:         time.Now(),
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	go server.startHTTPServer(*httpAddr)

	err = server.Run(ctx)
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Server error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// createStores creates all required stores, running migrations first.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (*allStores, func(), error) {
	if useMemory {
		stores := &allStores{
			chainEventStore:    memory.NewChainEventStore(),
			exchangeEventStore: memory.NewExchangeEventStore(),
			linkStore:          memory.NewCostBasisLinkStore(),
			findingStore:       memory.NewFindingStore(),
		}
		return stores, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	// ClickHouse
	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	stores := &allStores{
		chainEventStore:    pgstore.NewChainEventStore(pool),
		exchangeEventStore: pgstore.NewExchangeEventStore(pool),
		linkStore:          pgstore.NewCostBasisLinkStore(pool),
		findingStore:       chstore.NewFindingStore(chConn),
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}

	return stores, cleanup, nil
}

// Run blocks until the context ends, driving the optional sync scheduler.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Println("Starting server...")

	if s.syncInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Printf("Starting sync scheduler (interval: %v)...", s.syncInterval)
	s.runScheduledSync(ctx)

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runScheduledSync(ctx)
		}
	}
}

// runScheduledSync ingests fresh events and runs one matching pass.
func (s *Server) runScheduledSync(ctx context.Context) {
	if s.ingestionRunner != nil {
		if len(s.addresses) > 0 {
			if stats, err := s.ingestionRunner.SyncChainEvents(ctx, s.addresses); err != nil {
				s.logger.Printf("Chain sync error: %v", err)
			} else {
				observability.RecordIngestion("etherscan", stats.Stored, stats.Skipped)
			}
		}
		if stats, err := s.ingestionRunner.SyncTrades(ctx); err != nil {
			s.logger.Printf("Trade sync error: %v", err)
		} else {
			observability.RecordIngestion("kraken", stats.Stored, stats.Skipped)
		}
	}

	if _, _, err := s.runMatch(ctx, s.addresses); err != nil {
		s.logger.Printf("Scheduled matching error: %v", err)
	}
}

// runMatch runs one matching pass under the single-flight mutex. The
// bool reports whether another run was already in flight.
func (s *Server) runMatch(ctx context.Context, addresses []string) (*costbasis.RunResult, bool, error) {
	s.mu.Lock()
	if s.matchRunning {
		s.mu.Unlock()
		return nil, true, nil
	}
	s.matchRunning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.matchRunning = false
		s.lastMatchRun = time.Now()
		s.matchRuns++
		s.mu.Unlock()
	}()

	start := time.Now()
	result, err := s.matcher.Run(ctx, costbasis.Scope{Addresses: addresses})
	if err != nil {
		observability.RecordMatchRun("error", time.Since(start).Seconds(), 0)
		return nil, false, err
	}

	observability.RecordMatchRun("success", time.Since(start).Seconds(), result.LinksCreated)
	observability.MarkMatchSuccess(time.Now().Unix())
	s.logger.Printf("Matching completed in %v: %d links, %d disposals, %d currencies",
		time.Since(start), result.LinksCreated, result.DisposalsMatched, len(result.Currencies))
	return result, false, nil
}

// startHTTPServer starts the HTTP server for triggers/health/metrics/status.
func (s *Server) startHTTPServer(addr string) {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	// Status endpoint
	mux.HandleFunc("/status", s.handleStatus)

	// Trigger endpoints
	mux.HandleFunc("/cost-basis/sync", s.handleSync)
	mux.HandleFunc("/cost-basis/validate", s.handleValidate)

	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("HTTP server error: %v", err)
	}
}

// SyncRequest is the JSON body for /cost-basis/sync. Addresses are
// optional; the configured address list is used when absent.
type SyncRequest struct {
	Addresses []string `json:"addresses,omitempty"`
}

// SyncResponse is the JSON response for /cost-basis/sync.
type SyncResponse struct {
	Success      bool   `json:"success"`
	LinksCreated int    `json:"links_created,omitempty"`
	Error        string `json:"error,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Differential string `json:"differential,omitempty"`
}

// handleSync runs one matching pass.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	addresses := s.addresses
	if r.Body != nil {
		var req SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && len(req.Addresses) > 0 {
			addresses = req.Addresses
		}
	}

	result, inFlight, err := s.runMatch(r.Context(), addresses)
	if inFlight {
		writeJSON(w, http.StatusConflict, SyncResponse{Error: "a matching run is already in progress"})
		return
	}
	if err != nil {
		var preflight *costbasis.PreflightError
		if errors.As(err, &preflight) {
			writeJSON(w, http.StatusUnprocessableEntity, SyncResponse{
				Error:        preflight.Error(),
				Currency:     preflight.Currency,
				Differential: preflight.Difference.String(),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, SyncResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{Success: true, LinksCreated: result.LinksCreated})
}

// ValidateResponse is the JSON response for /cost-basis/validate.
type ValidateResponse struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
}

// handleValidate runs one reconciliation pass. Findings come back as
// a report, not an error status; only storage failures produce a 500.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := s.validator.Validate(r.Context())
	if err != nil {
		observability.RecordValidationRun("error", 0)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.validationRuns++
	s.mu.Unlock()

	observability.RecordValidationRun("success", len(report.Findings))
	observability.MarkValidationSuccess(time.Now().Unix())

	if len(report.Findings) > 0 {
		runID := fmt.Sprintf("validate-%d", time.Now().UnixMilli())
		for _, f := range report.Findings {
			f.RunID = runID
		}
		if err := s.stores.findingStore.InsertBulk(r.Context(), report.Findings); err != nil {
			s.logger.Printf("Failed to persist findings for %s: %v", runID, err)
		}
	}

	messages := report.Messages()
	if messages == nil {
		messages = []string{}
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Success: report.Valid(), Errors: messages})
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status         string    `json:"status"`
	Uptime         string    `json:"uptime"`
	LastMatchRun   time.Time `json:"last_match_run,omitempty"`
	MatchRuns      int       `json:"match_runs"`
	ValidationRuns int       `json:"validation_runs"`
	MatchRunning   bool      `json:"match_running"`
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := StatusResponse{
		Status:         "running",
		Uptime:         time.Since(s.started).String(),
		LastMatchRun:   s.lastMatchRun,
		MatchRuns:      s.matchRuns,
		ValidationRuns: s.validationRuns,
		MatchRunning:   s.matchRunning,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
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

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
