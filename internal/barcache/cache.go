// Package barcache implements the bar range cache: containment lookups
// served without network access, interval-scoped TTLs, priority eviction,
// background forward-refresh of near-real-time entries, and an offline
// gate that degrades reads to cache-only intersection.
package barcache

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/observability"
	"trade-risk-lab/internal/storage"
)

// TTLs by interval granularity, measured from cachedAt.
const (
	fineTTL   = 5 * time.Minute  // 1m entries
	coarseTTL = 30 * time.Minute // everything else
)

// Memory bound parameters.
const (
	bytesPerBar    = 200
	memoryLimit    = 100 << 20 // 100 MB estimated
	memoryShrinkTo = 0.7       // temporary fraction of maxEntries under memory pressure
)

// entry is one cached contiguous range of bars. Bars are ascending and
// unique by open time; mutation is replacement or deletion only.
type entry struct {
	rangeStart int64
	rangeEnd   int64
	bars       []*domain.Bar
	cachedAt   time.Time
}

func (e *entry) expired(now time.Time, interval string) bool {
	return now.Sub(e.cachedAt) > ttlFor(interval)
}

func ttlFor(interval string) time.Duration {
	if interval == domain.Interval1Min {
		return fineTTL
	}
	return coarseTTL
}

// Options configures a cache Service.
type Options struct {
	// Store fetches bars on cache misses. Required.
	Store storage.BarStore

	// MaxEntries bounds the total number of cached ranges. Default 256.
	MaxEntries int

	// RefreshInterval is the cadence of the forward-refresh scheduler.
	// Default 2 minutes.
	RefreshInterval time.Duration

	// SweepInterval is the cadence of the TTL/memory sweep. Default 2 minutes.
	SweepInterval time.Duration

	// RefreshConcurrency bounds simultaneous refresh extensions. Default 5.
	RefreshConcurrency int

	// Logger receives scheduler and eviction diagnostics. Discarded when nil.
	Logger *log.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service owns all cached bar ranges and the background tasks that
// maintain them. Construct with New, then Start/Stop explicitly.
type Service struct {
	store              storage.BarStore
	maxEntries         int
	refreshInterval    time.Duration
	sweepInterval      time.Duration
	refreshConcurrency int
	logger             *log.Logger
	now                func() time.Time

	mu      sync.RWMutex
	entries map[domain.SeriesKey][]*entry

	group    singleflight.Group
	inflight atomic.Int64

	offline atomic.Bool

	// Scheduler lifecycle. started tracks whether Start was called so
	// SetOffline(false) knows whether to re-arm the background tasks.
	lifeMu  sync.Mutex
	started bool
	parent  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a cache service. It does not start background tasks.
func New(opts Options) *Service {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 256
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 2 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 2 * time.Minute
	}
	if opts.RefreshConcurrency <= 0 {
		opts.RefreshConcurrency = 5
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "[barcache] ", log.LstdFlags)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		store:              opts.Store,
		maxEntries:         opts.MaxEntries,
		refreshInterval:    opts.RefreshInterval,
		sweepInterval:      opts.SweepInterval,
		refreshConcurrency: opts.RefreshConcurrency,
		logger:             opts.Logger,
		now:                opts.Now,
		entries:            make(map[domain.SeriesKey][]*entry),
	}
}

// GetBars returns bars covering [start, end] for the series.
//
// A non-expired cached entry containing the range is served without any
// store access. In offline mode the union of overlapping cached segments
// is returned (possibly partial or empty) and no fetch is attempted.
// Otherwise the exact range is fetched through the in-flight deduplicator,
// cached, and housekeeping runs before returning.
func (s *Service) GetBars(ctx context.Context, key domain.SeriesKey, start, end int64, order domain.Order) ([]*domain.Bar, error) {
	if start > end {
		return nil, ErrInvalidRange
	}
	if order == "" {
		order = domain.OrderAsc
	}

	if bars, ok := s.lookupContained(key, start, end); ok {
		observability.RecordCacheHit()
		domain.SortBars(bars, order)
		return bars, nil
	}

	if s.offline.Load() {
		observability.RecordCacheOfflineRead()
		bars := s.unionOverlaps(key, start, end)
		domain.SortBars(bars, order)
		return bars, nil
	}

	observability.RecordCacheMiss()
	bars, err := s.fetchAndCache(ctx, key, start, end)
	if err != nil {
		return nil, err
	}

	result := copyBars(domain.FilterBars(bars, start, end))
	domain.SortBars(result, order)
	return result, nil
}

// lookupContained serves the containment fast path: an unexpired entry
// whose range covers [start, end].
func (s *Service) lookupContained(key domain.SeriesKey, start, end int64) ([]*domain.Bar, bool) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries[key] {
		if e.rangeStart <= start && e.rangeEnd >= end && !e.expired(now, key.Interval) {
			return copyBars(domain.FilterBars(e.bars, start, end)), true
		}
	}
	return nil, false
}

// unionOverlaps concatenates the intersection segments of every cached
// entry that intersects [start, end], regardless of expiry or full
// containment. Cache-only; used while the offline gate is enabled.
func (s *Service) unionOverlaps(key domain.SeriesKey, start, end int64) []*domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var merged []*domain.Bar
	for _, e := range s.entries[key] {
		if e.rangeEnd < start || e.rangeStart > end {
			continue
		}
		merged = append(merged, domain.FilterBars(e.bars, start, end)...)
	}

	domain.SortBars(merged, domain.OrderAsc)
	return copyBars(domain.DedupBars(merged))
}

// fetchAndCache performs a deduplicated get-or-fetch of the exact range.
// Concurrent callers for an identical key share one store call and its
// result. Successful fetches insert (or overwrite) a cache entry and run
// eviction housekeeping; failures cache nothing.
func (s *Service) fetchAndCache(ctx context.Context, key domain.SeriesKey, start, end int64) ([]*domain.Bar, error) {
	flightKey := fmt.Sprintf("%s|%s|%s|%s|%d|%d",
		key.Exchange, key.Market, key.Symbol, key.Interval, start, end)

	v, err, _ := s.group.Do(flightKey, func() (interface{}, error) {
		s.inflight.Add(1)
		observability.SetCacheInflight(int(s.inflight.Load()))
		defer func() {
			s.inflight.Add(-1)
			observability.SetCacheInflight(int(s.inflight.Load()))
		}()

		began := time.Now()
		bars, err := s.store.FetchBars(ctx, storage.BarQuery{
			Series: key,
			Start:  start,
			End:    end,
			Order:  domain.OrderAsc,
		})
		observability.RecordBarFetch(time.Since(began).Seconds(), err)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}

		s.insert(key, start, end, bars)
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.Bar), nil
}

// insert stores a new entry for [start, end], overwriting an entry with the
// identical range, then runs housekeeping.
func (s *Service) insert(key domain.SeriesKey, start, end int64, bars []*domain.Bar) {
	e := &entry{
		rangeStart: start,
		rangeEnd:   end,
		bars:       bars,
		cachedAt:   s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i, existing := range s.entries[key] {
		if existing.rangeStart == start && existing.rangeEnd == end {
			s.entries[key][i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		s.entries[key] = append(s.entries[key], e)
	}
	observability.RecordCacheInsert()

	s.housekeepLocked()
}

// SetOffline flips the process-wide offline gate. Enabling it stops the
// background tasks and all network fetches; disabling re-arms them.
// In-flight fetches are allowed to complete and their results are cached,
// since cache state outlives mode switches.
func (s *Service) SetOffline(enabled bool) {
	if s.offline.Swap(enabled) == enabled {
		return
	}
	observability.SetCacheOffline(enabled)

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if enabled {
		s.stopTasksLocked()
	} else if s.started {
		s.startTasksLocked()
	}
}

// Offline reports whether the offline gate is enabled.
func (s *Service) Offline() bool {
	return s.offline.Load()
}

// Stats returns a point-in-time snapshot of the cache.
func (s *Service) Stats() domain.CacheStats {
	s.mu.RLock()
	entries := 0
	points := 0
	for _, series := range s.entries {
		entries += len(series)
		for _, e := range series {
			points += len(e.bars)
		}
	}
	s.mu.RUnlock()

	return domain.CacheStats{
		Entries:         entries,
		DataPoints:      points,
		EstimatedMemory: int64(points) * bytesPerBar,
		Offline:         s.offline.Load(),
		Inflight:        int(s.inflight.Load()),
	}
}

// copyBars returns bar copies so cached state cannot be mutated by callers.
func copyBars(bars []*domain.Bar) []*domain.Bar {
	out := make([]*domain.Bar, len(bars))
	for i, b := range bars {
		barCopy := *b
		out[i] = &barCopy
	}
	return out
}
