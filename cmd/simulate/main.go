// Package main provides a one-shot level sweep: load rounds by filter,
// replay them against candidate stop-loss (or take-profit) levels and
// print the per-level report as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"trade-risk-lab/internal/barcache"
	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/simulation"
	chstore "trade-risk-lab/internal/storage/clickhouse"
	"trade-risk-lab/internal/storage/migrations"
	pgstore "trade-risk-lab/internal/storage/postgres"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	symbol := flag.String("symbol", "", "Filter rounds by symbol")
	exchange := flag.String("exchange", "", "Filter rounds by exchange")
	market := flag.String("market", "", "Filter rounds by market")
	side := flag.String("side", "", "Filter rounds by side (LONG or SHORT)")
	openFrom := flag.Int64("open-from", 0, "Filter rounds opened at or after this Unix ms timestamp")
	openTo := flag.Int64("open-to", 0, "Filter rounds opened at or before this Unix ms timestamp")
	limit := flag.Int("limit", 0, "Maximum rounds to load (0 = no limit)")
	levels := flag.String("levels", "-1,-2,-3,-5,-8,-10", "Comma-separated stop-loss levels (negative percentages)")
	stopLevel := flag.Float64("stop-level", 0, "Fixed stop-loss for a take-profit sweep (0 disables)")
	tpLevels := flag.String("tp-levels", "", "Comma-separated take-profit levels; requires --stop-level")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall run timeout")

	flag.Parse()

	logger := log.New(os.Stderr, "[simulate] ", log.LstdFlags)

	if *postgresDSN == "" || *clickhouseDSN == "" {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		logger.Fatalf("Connect to postgres: %v", err)
	}
	defer pool.Close()

	chConn, err := migrations.RunClickhouseMigrations(ctx, *clickhouseDSN)
	if err != nil {
		logger.Fatalf("Connect to clickhouse: %v", err)
	}
	defer chConn.Close()

	roundStore := pgstore.NewRoundStore(pool)
	fillStore := pgstore.NewFillStore(pool)

	cache := barcache.New(barcache.Options{Store: chstore.NewBarStore(chConn), Logger: logger})

	aggregator := simulation.NewAggregator(simulation.AggregatorOptions{
		Bars:   cache,
		Fills:  fillStore,
		Logger: logger,
	})

	filter := domain.RoundFilter{
		Symbol:    *symbol,
		Exchange:  *exchange,
		Market:    *market,
		Side:      domain.PositionSide(*side),
		OpenFrom:  *openFrom,
		OpenTo:    *openTo,
		OnlyClose: true,
		Limit:     *limit,
	}

	rounds, err := roundStore.GetByFilter(ctx, filter)
	if err != nil {
		logger.Fatalf("Load rounds: %v", err)
	}
	if len(rounds) == 0 {
		logger.Fatal("No rounds matched the filter")
	}
	logger.Printf("Loaded %d rounds", len(rounds))

	var report interface{}
	if *tpLevels != "" {
		if *stopLevel == 0 {
			logger.Fatal("--stop-level is required with --tp-levels")
		}
		report, err = aggregator.SimulateTakeProfits(ctx, rounds, *stopLevel, parseLevels(logger, *tpLevels))
	} else {
		report, err = aggregator.SimulateLevels(ctx, rounds, parseLevels(logger, *levels))
	}
	if err != nil {
		logger.Fatalf("Simulation failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Fatalf("Encode report: %v", err)
	}
}

// parseLevels parses a comma-separated list of float percentages.
func parseLevels(logger *log.Logger, s string) []float64 {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			logger.Fatalf("Invalid level %q: %v", part, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		logger.Fatal("No levels given")
	}
	return out
}
