package barcache

import (
	"context"
	"fmt"
	"time"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/observability"
	"trade-risk-lab/internal/storage"
)

// extensionEpsilon keeps head/tail fetches from re-requesting boundary
// bars already held; timestamps are millisecond resolution.
const extensionEpsilon = 1

// Extend grows a cached range to cover [newStart, newEnd], fetching only
// the missing head and tail segments and merging them with the existing
// bars. The merged result replaces the overlapping entry as a single entry
// spanning the new range. With no overlapping entry this is a fresh fetch.
// In offline mode no fetch occurs and the result is the intersection of
// existing bars with the new range.
func (s *Service) Extend(ctx context.Context, key domain.SeriesKey, newStart, newEnd int64) ([]*domain.Bar, error) {
	if newStart > newEnd {
		return nil, ErrInvalidRange
	}

	existing, found := s.findOverlap(key, newStart, newEnd)

	if s.offline.Load() {
		if !found {
			return nil, nil
		}
		bars := copyBars(domain.FilterBars(existing.bars, newStart, newEnd))
		return bars, nil
	}

	if !found {
		bars, err := s.fetchAndCache(ctx, key, newStart, newEnd)
		if err != nil {
			return nil, err
		}
		return copyBars(domain.FilterBars(bars, newStart, newEnd)), nil
	}

	merged := append([]*domain.Bar{}, existing.bars...)

	if newStart < existing.rangeStart {
		head, err := s.fetchSegment(ctx, key, newStart, existing.rangeStart-extensionEpsilon)
		if err != nil {
			return nil, err
		}
		merged = append(merged, head...)
	}

	if newEnd > existing.rangeEnd {
		tail, err := s.fetchSegment(ctx, key, existing.rangeEnd+extensionEpsilon, newEnd)
		if err != nil {
			return nil, err
		}
		merged = append(merged, tail...)
	}

	domain.SortBars(merged, domain.OrderAsc)
	merged = domain.DedupBars(merged)

	s.replaceEntry(key, existing, newStart, newEnd, merged)

	return copyBars(domain.FilterBars(merged, newStart, newEnd)), nil
}

// findOverlap returns a snapshot of the first entry whose range intersects
// [start, end].
func (s *Service) findOverlap(key domain.SeriesKey, start, end int64) (entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries[key] {
		if e.rangeEnd >= start && e.rangeStart <= end {
			return *e, true
		}
	}
	return entry{}, false
}

// fetchSegment fetches one missing segment directly from the store.
func (s *Service) fetchSegment(ctx context.Context, key domain.SeriesKey, start, end int64) ([]*domain.Bar, error) {
	if start > end {
		return nil, nil
	}

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
	return bars, nil
}

// replaceEntry swaps the entry matching the snapshot's original range for
// a single merged entry spanning [newStart, newEnd], then runs
// housekeeping. If the original entry was evicted mid-extension the merged
// entry is inserted as new.
func (s *Service) replaceEntry(key domain.SeriesKey, snapshot entry, newStart, newEnd int64, bars []*domain.Bar) {
	e := &entry{
		rangeStart: newStart,
		rangeEnd:   newEnd,
		bars:       bars,
		cachedAt:   s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i, existing := range s.entries[key] {
		if existing.rangeStart == snapshot.rangeStart && existing.rangeEnd == snapshot.rangeEnd {
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
