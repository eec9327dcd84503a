// Package ingestion consumes kline stream events and persists closed bars
// to the warehouse.
package ingestion

import (
	"context"
	"errors"
	"log"
	"time"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/marketdata"
	"trade-risk-lab/internal/observability"
	"trade-risk-lab/internal/storage"
)

// Runner drains a kline stream, buffers closed bars per series and flushes
// them to the bar store in batches.
type Runner struct {
	events        <-chan *marketdata.KlineEvent
	barStore      storage.BarStore
	flushInterval time.Duration
	flushSize     int
	logger        *log.Logger

	// pending holds closed bars awaiting a flush, grouped by series
	pending map[domain.SeriesKey][]*domain.Bar
	count   int
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Events   <-chan *marketdata.KlineEvent
	BarStore storage.BarStore

	// FlushInterval bounds how long a closed bar may wait before it is
	// written. Default: 5s.
	FlushInterval time.Duration

	// FlushSize triggers an immediate flush once this many bars are
	// buffered. Default: 500.
	FlushSize int

	Logger *log.Logger
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) *Runner {
	flushInterval := opts.FlushInterval
	if flushInterval == 0 {
		flushInterval = 5 * time.Second
	}

	flushSize := opts.FlushSize
	if flushSize == 0 {
		flushSize = 500
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Runner{
		events:        opts.Events,
		barStore:      opts.BarStore,
		flushInterval: flushInterval,
		flushSize:     flushSize,
		logger:        logger,
		pending:       make(map[domain.SeriesKey][]*domain.Bar),
	}
}

// Run consumes the stream until the context is cancelled or the stream
// closes. Remaining buffered bars are flushed on the way out.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Println("Starting ingestion runner...")

	flushTicker := time.NewTicker(r.flushInterval)
	defer flushTicker.Stop()

	r.logger.Printf("Runner started, flush interval: %v, flush size: %d", r.flushInterval, r.flushSize)

	for {
		select {
		case <-ctx.Done():
			r.flush(context.WithoutCancel(ctx))
			r.logger.Println("Runner stopping...")
			return ctx.Err()

		case event, ok := <-r.events:
			if !ok {
				r.flush(ctx)
				r.logger.Println("Kline stream closed")
				return errors.New("kline stream closed")
			}
			r.handleEvent(ctx, event)

		case <-flushTicker.C:
			r.flush(ctx)
		}
	}
}

// handleEvent buffers a closed bar; in-progress klines only update metrics.
func (r *Runner) handleEvent(ctx context.Context, event *marketdata.KlineEvent) {
	observability.RecordKlineReceived()

	if !event.Closed {
		return
	}

	r.pending[event.Series] = append(r.pending[event.Series], event.Bar)
	r.count++

	if r.count >= r.flushSize {
		r.flush(ctx)
	}
}

// flush writes all buffered bars. A failed series keeps its bars for the
// next attempt; duplicates are expected after reconnects and not an error.
func (r *Runner) flush(ctx context.Context) {
	if r.count == 0 {
		return
	}

	for key, bars := range r.pending {
		if err := r.barStore.InsertBars(ctx, key, bars); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				delete(r.pending, key)
				r.count -= len(bars)
				continue
			}
			observability.RecordIngestError()
			r.logger.Printf("Error storing %d bars for %s %s: %v", len(bars), key.Symbol, key.Interval, err)
			continue
		}
		observability.RecordBarsStored(len(bars))
		delete(r.pending, key)
		r.count -= len(bars)
	}
}
