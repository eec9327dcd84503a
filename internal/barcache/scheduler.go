package barcache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"trade-risk-lab/internal/domain"
)

// refreshHorizon selects which fine-grained entries the scheduler keeps
// extending: those whose range ends within the last hour.
const refreshHorizon = time.Hour

// Start launches the background refresh and sweep tasks. It is a no-op if
// already started. While the offline gate is enabled the tasks stay inert
// until the gate is disabled again.
func (s *Service) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.parent = ctx

	if !s.offline.Load() {
		s.startTasksLocked()
	}
}

// Stop cancels the background tasks and waits for them to finish. The
// cache contents remain usable; Start may be called again.
func (s *Service) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.stopTasksLocked()
	s.started = false
}

// startTasksLocked arms the refresh and sweep loops. Callers hold lifeMu.
func (s *Service) startTasksLocked() {
	if s.cancel != nil {
		return // already armed
	}
	parent := s.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.wg.Add(2)
	go s.refreshLoop(ctx)
	go s.sweepLoop(ctx)
	s.logger.Printf("background tasks armed (refresh %v, sweep %v)", s.refreshInterval, s.sweepInterval)
}

// stopTasksLocked cancels the loops and waits for them. Callers hold lifeMu.
func (s *Service) stopTasksLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.wg.Wait()
	s.logger.Printf("background tasks stopped")
}

// refreshLoop periodically extends near-real-time fine-grained entries
// forward to now.
func (s *Service) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshOnce(ctx)
		}
	}
}

// refreshOnce extends every 1m entry whose range ends within the refresh
// horizon to now, with bounded concurrency. A failure on one entry is
// logged and does not abort the batch.
func (s *Service) refreshOnce(ctx context.Context) {
	now := s.now()
	nowMs := now.UnixMilli()
	cutoff := now.Add(-refreshHorizon).UnixMilli()

	type target struct {
		key        domain.SeriesKey
		rangeStart int64
	}

	s.mu.RLock()
	var targets []target
	for key, series := range s.entries {
		if key.Interval != domain.Interval1Min {
			continue
		}
		for _, e := range series {
			if e.rangeEnd < cutoff {
				continue
			}
			// Already extends into the current interval: no new bar closed
			// since, nothing to fetch.
			if nowMs-e.rangeEnd < domain.IntervalMs(key.Interval) {
				continue
			}
			targets = append(targets, target{key: key, rangeStart: e.rangeStart})
		}
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.refreshConcurrency)
	for _, t := range targets {
		g.Go(func() error {
			if _, err := s.Extend(gctx, t.key, t.rangeStart, now.UnixMilli()); err != nil {
				s.logger.Printf("refresh %s %s failed: %v", t.key.Symbol, t.key.Interval, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// sweepLoop periodically deletes expired entries and relieves memory
// pressure, independent of insertion-time housekeeping.
func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.sweepTTLLocked()
			s.housekeepLocked()
			s.mu.Unlock()
		}
	}
}
