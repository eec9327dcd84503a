// Package main provides the unified service that runs all components:
// - Bar range cache with background refresh and TTL sweep
// - Optional kline ingestion: WebSocket stream into the bar warehouse
// - Simulation HTTP API: stop-loss and take-profit level sweeps
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"trade-risk-lab/internal/barcache"
	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/ingestion"
	"trade-risk-lab/internal/marketdata"
	"trade-risk-lab/internal/observability"
	"trade-risk-lab/internal/simulation"
	"trade-risk-lab/internal/storage"
	chstore "trade-risk-lab/internal/storage/clickhouse"
	"trade-risk-lab/internal/storage/memory"
	"trade-risk-lab/internal/storage/migrations"
	pgstore "trade-risk-lab/internal/storage/postgres"
)

// Server holds all components of the unified service.
type Server struct {
	cache      *barcache.Service
	aggregator *simulation.Aggregator
	roundStore storage.RoundStore
	logger     *log.Logger
	started    time.Time
}

// allStores holds all storage implementations.
type allStores struct {
	barStore   storage.BarStore
	roundStore storage.RoundStore
	fillStore  storage.FillStore
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	wsEndpoint := flag.String("ws-endpoint", os.Getenv("STREAM_WS_ENDPOINT"), "Kline stream WebSocket endpoint (empty disables ingestion)")
	exchange := flag.String("exchange", "BINANCE", "Exchange name for ingested series")
	market := flag.String("market", "FUTURES", "Market name for ingested series")
	symbols := flag.String("symbols", "", "Comma-separated symbols to ingest")
	intervals := flag.String("intervals", domain.Interval1Min, "Comma-separated intervals to ingest")
	httpAddr := flag.String("http-addr", ":8080", "HTTP API address")
	cacheMaxEntries := flag.Int("cache-max-entries", 256, "Maximum cached bar ranges")
	refreshInterval := flag.Duration("refresh-interval", 2*time.Minute, "Cache forward-refresh interval")
	sweepInterval := flag.Duration("sweep-interval", 2*time.Minute, "Cache TTL sweep interval")
	refreshConcurrency := flag.Int("refresh-concurrency", 5, "Concurrent refresh extensions")
	pgMaxConns := flag.Int("pg-max-conns", 0, "PostgreSQL pool size (0 = pgx default)")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	// Validate required flags
	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}
	if *wsEndpoint != "" && *symbols == "" {
		logger.Fatal("--symbols is required when --ws-endpoint is set")
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	// Create stores
	poolCfg := pgstore.PoolConfig{MaxConns: int32(*pgMaxConns)}
	stores, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory, poolCfg)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	// Create cache and start background tasks
	cache := barcache.New(barcache.Options{
		Store:              stores.barStore,
		MaxEntries:         *cacheMaxEntries,
		RefreshInterval:    *refreshInterval,
		SweepInterval:      *sweepInterval,
		RefreshConcurrency: *refreshConcurrency,
		Logger:             log.New(os.Stdout, "[barcache] ", log.LstdFlags|log.Lshortfile),
	})
	cache.Start(ctx)
	defer cache.Stop()

	aggregator := simulation.NewAggregator(simulation.AggregatorOptions{
		Bars:   cache,
		Fills:  stores.fillStore,
		Logger: log.New(os.Stdout, "[simulation] ", log.LstdFlags|log.Lshortfile),
	})

	server := &Server{
		cache:      cache,
		aggregator: aggregator,
		roundStore: stores.roundStore,
		logger:     logger,
		started:    time.Now(),
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

		// Wait for second signal for immediate shutdown
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

	// Start HTTP server
	go server.startHTTPServer(*httpAddr)

	// Run ingestion (or just block) until cancelled
	err = server.run(ctx, *wsEndpoint, *exchange, *market, *symbols, *intervals, stores.barStore)
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Server error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// createStores creates all required stores.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool, poolCfg pgstore.PoolConfig) (*allStores, func(), error) {
	if useMemory {
		stores := &allStores{
			barStore:   memory.NewBarStore(),
			roundStore: memory.NewRoundStore(),
			fillStore:  memory.NewFillStore(),
		}
		return stores, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPoolWithConfig(ctx, postgresDSN, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	// ClickHouse (migrations create the database and return the connection)
	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	stores := &allStores{
		barStore:   chstore.NewBarStore(chConn),
		roundStore: pgstore.NewRoundStore(pool),
		fillStore:  pgstore.NewFillStore(pool),
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}

	return stores, cleanup, nil
}

// run starts ingestion when a stream endpoint is configured, otherwise
// blocks until the context is cancelled.
func (s *Server) run(ctx context.Context, wsEndpoint, exchange, market, symbols, intervals string, barStore storage.BarStore) error {
	if wsEndpoint == "" {
		s.logger.Println("Ingestion disabled (no --ws-endpoint)")
		<-ctx.Done()
		return ctx.Err()
	}

	var subs []marketdata.Subscription
	for _, symbol := range splitList(symbols) {
		for _, interval := range splitList(intervals) {
			subs = append(subs, marketdata.Subscription{Symbol: symbol, Interval: interval})
		}
	}

	stream, err := marketdata.NewKlineStream(ctx, wsEndpoint, exchange, market, subs, nil,
		log.New(os.Stdout, "[marketdata] ", log.LstdFlags|log.Lshortfile))
	if err != nil {
		return fmt.Errorf("connect kline stream: %w", err)
	}
	defer stream.Close()

	runner := ingestion.NewRunner(ingestion.RunnerOptions{
		Events:   stream.Events(),
		BarStore: barStore,
		Logger:   log.New(os.Stdout, "[ingestion] ", log.LstdFlags|log.Lshortfile),
	})

	s.logger.Printf("Ingestion started: %d streams from %s", len(subs), wsEndpoint)
	return runner.Run(ctx)
}

// startHTTPServer starts the HTTP server for health/metrics/status/API.
func (s *Server) startHTTPServer(addr string) {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/bars", s.handleBars)
	mux.HandleFunc("/simulate/levels", s.handleSimulateLevels)
	mux.HandleFunc("/simulate/takeprofit", s.handleSimulateTakeProfit)
	mux.HandleFunc("/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/cache/offline", s.handleCacheOffline)

	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("HTTP server error: %v", err)
	}
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Cache  domain.CacheStats `json:"cache"`
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status: "running",
		Uptime: time.Since(s.started).String(),
		Cache:  s.cache.Stats(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBars serves GET /bars?exchange=&market=&symbol=&interval=&start=&end=&order=
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	key := domain.SeriesKey{
		Exchange: q.Get("exchange"),
		Market:   q.Get("market"),
		Symbol:   q.Get("symbol"),
		Interval: q.Get("interval"),
	}
	if key.Symbol == "" || key.Interval == "" {
		http.Error(w, "symbol and interval are required", http.StatusBadRequest)
		return
	}

	start, err := strconv.ParseInt(q.Get("start"), 10, 64)
	if err != nil {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	end, err := strconv.ParseInt(q.Get("end"), 10, 64)
	if err != nil {
		http.Error(w, "invalid end", http.StatusBadRequest)
		return
	}

	order := domain.OrderAsc
	if q.Get("order") == "desc" {
		order = domain.OrderDesc
	}

	bars, err := s.cache.GetBars(r.Context(), key, start, end, order)
	if err != nil {
		if errors.Is(err, barcache.ErrInvalidRange) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, bars)
}

// roundFilterRequest is the JSON shape of a round filter in API requests.
type roundFilterRequest struct {
	Symbol    string `json:"symbol"`
	Exchange  string `json:"exchange"`
	Market    string `json:"market"`
	Side      string `json:"side"`
	OpenFrom  int64  `json:"open_from"`
	OpenTo    int64  `json:"open_to"`
	OnlyClose bool   `json:"only_close"`
	Limit     int    `json:"limit"`
}

func (f roundFilterRequest) toFilter() domain.RoundFilter {
	return domain.RoundFilter{
		Symbol:    f.Symbol,
		Exchange:  f.Exchange,
		Market:    f.Market,
		Side:      domain.PositionSide(f.Side),
		OpenFrom:  f.OpenFrom,
		OpenTo:    f.OpenTo,
		OnlyClose: f.OnlyClose,
		Limit:     f.Limit,
	}
}

// handleSimulateLevels serves POST /simulate/levels.
func (s *Server) handleSimulateLevels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Filter roundFilterRequest `json:"filter"`
		Levels []float64          `json:"levels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Levels) == 0 {
		http.Error(w, "levels is required", http.StatusBadRequest)
		return
	}

	rounds, err := s.roundStore.GetByFilter(r.Context(), req.Filter.toFilter())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	report, err := s.aggregator.SimulateLevels(r.Context(), rounds, req.Levels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleSimulateTakeProfit serves POST /simulate/takeprofit.
func (s *Server) handleSimulateTakeProfit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Filter    roundFilterRequest `json:"filter"`
		StopLevel float64            `json:"stop_level"`
		TPLevels  []float64          `json:"tp_levels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.TPLevels) == 0 {
		http.Error(w, "tp_levels is required", http.StatusBadRequest)
		return
	}

	rounds, err := s.roundStore.GetByFilter(r.Context(), req.Filter.toFilter())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	report, err := s.aggregator.SimulateTakeProfits(r.Context(), rounds, req.StopLevel, req.TPLevels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleCacheStats serves GET /cache/stats.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

// handleCacheOffline serves POST /cache/offline with {"enabled": bool}.
func (s *Server) handleCacheOffline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.cache.SetOffline(req.Enabled)
	s.logger.Printf("Cache offline gate set to %v", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"offline": s.cache.Offline()})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// splitList splits a comma-separated flag value, dropping empty parts.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
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
