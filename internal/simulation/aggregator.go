package simulation

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/observability"
	"trade-risk-lab/internal/storage"
)

// BarSource provides price paths for rounds; satisfied by barcache.Service.
type BarSource interface {
	GetBars(ctx context.Context, key domain.SeriesKey, start, end int64, order domain.Order) ([]*domain.Bar, error)
}

// Aggregator runs the path simulation across many candidate levels and
// reduces the results to per-level statistics plus an optimal selection.
type Aggregator struct {
	bars        BarSource
	fills       storage.FillStore // optional; enables multi-leg early-stop detection
	interval    string
	concurrency int
	logger      *log.Logger
}

// AggregatorOptions contains configuration for creating an Aggregator.
type AggregatorOptions struct {
	Bars  BarSource         // required
	Fills storage.FillStore // optional

	// Interval selects the bar granularity used for price paths.
	// Default "1m".
	Interval string

	// Concurrency bounds simultaneous per-round bar fetches. Default 10.
	Concurrency int

	// Logger receives per-round diagnostics. Discarded when nil.
	Logger *log.Logger
}

// NewAggregator creates a level aggregator.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	if opts.Interval == "" {
		opts.Interval = domain.Interval1Min
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "[simulation] ", log.LstdFlags)
	}
	return &Aggregator{
		bars:        opts.Bars,
		fills:       opts.Fills,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}
}

// SimulateLevels replays every valid round against every candidate level
// and returns one SimulationLevel per level plus the one maximizing total
// net profit. A fetch failure for one round degrades that round to its
// real outcome; it never aborts the sweep.
func (a *Aggregator) SimulateLevels(ctx context.Context, rounds []*domain.Round, levels []float64) (*domain.LevelReport, error) {
	began := time.Now()

	paths, err := a.loadPaths(ctx, rounds)
	if err != nil {
		observability.RecordLevelSweep("stop_loss", "error", time.Since(began).Seconds())
		return nil, err
	}

	results := make([]*domain.SimulationLevel, len(levels))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, level := range levels {
		g.Go(func() error {
			sl := &domain.SimulationLevel{Level: level}
			for _, p := range paths {
				sl.Add(SimulateRound(p.round, p.bars, level))
				observability.RecordRoundSimulated()
			}
			sl.Finalize()
			results[i] = sl
			return nil
		})
	}
	_ = g.Wait()

	observability.RecordLevelSweep("stop_loss", "success", time.Since(began).Seconds())
	return &domain.LevelReport{
		Optimal: pickOptimal(results),
		Levels:  results,
	}, nil
}

// SimulateTakeProfits fixes one stop-loss level and sweeps take-profit
// levels. Within each round's scan the take-profit is checked before the
// stop-loss.
func (a *Aggregator) SimulateTakeProfits(ctx context.Context, rounds []*domain.Round, stopLevel float64, tpLevels []float64) (*domain.TakeProfitReport, error) {
	began := time.Now()

	paths, err := a.loadPaths(ctx, rounds)
	if err != nil {
		observability.RecordLevelSweep("take_profit", "error", time.Since(began).Seconds())
		return nil, err
	}

	results := make([]*domain.SimulationLevel, len(tpLevels))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, tp := range tpLevels {
		g.Go(func() error {
			sl := &domain.SimulationLevel{Level: tp}
			for _, p := range paths {
				sl.Add(SimulateRoundTakeProfit(p.round, p.bars, stopLevel, tp))
				observability.RecordRoundSimulated()
			}
			sl.Finalize()
			results[i] = sl
			return nil
		})
	}
	_ = g.Wait()

	observability.RecordLevelSweep("take_profit", "success", time.Since(began).Seconds())
	return &domain.TakeProfitReport{
		StopLevel: stopLevel,
		Optimal:   pickOptimal(results),
		Levels:    results,
	}, nil
}

// roundPath pairs a round with its fetched price path. bars is nil when
// the fetch failed or returned nothing; the engine then falls back to the
// round's real outcome.
type roundPath struct {
	round *domain.Round
	bars  []*domain.Bar
}

// loadPaths fetches each round's bars and opening fills with bounded
// concurrency. Invalid rounds are skipped; per-round fetch failures are
// logged and degrade to an empty path.
func (a *Aggregator) loadPaths(ctx context.Context, rounds []*domain.Round) ([]*roundPath, error) {
	var (
		mu    sync.Mutex
		paths []*roundPath
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for _, round := range rounds {
		if !round.Valid() {
			a.logger.Printf("skipping invalid round %s", round.RoundID)
			continue
		}

		g.Go(func() error {
			p := &roundPath{round: round}

			key := domain.SeriesKey{
				Exchange: round.Exchange,
				Market:   round.Market,
				Symbol:   round.Symbol,
				Interval: a.interval,
			}
			bars, err := a.bars.GetBars(gctx, key, round.OpenTime, round.CloseTime, domain.OrderAsc)
			if err != nil {
				a.logger.Printf("bars for round %s failed, using real outcome: %v", round.RoundID, err)
			} else {
				p.bars = bars
			}

			if a.fills != nil && round.OpenFills == nil {
				fills, err := a.fills.GetOpenFillsByRound(gctx, round.RoundID)
				if err != nil {
					a.logger.Printf("fills for round %s failed, skipping early-stop detection: %v", round.RoundID, err)
				} else {
					round.OpenFills = fills
				}
			}

			mu.Lock()
			paths = append(paths, p)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// pickOptimal returns the level with the maximum total net profit; ties
// keep the earliest level in input order.
func pickOptimal(levels []*domain.SimulationLevel) *domain.SimulationLevel {
	var best *domain.SimulationLevel
	for _, l := range levels {
		if best == nil || l.TotalNetProfit > best.TotalNetProfit {
			best = l
		}
	}
	return best
}
