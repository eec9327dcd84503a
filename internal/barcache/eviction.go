package barcache

import (
	"sort"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/observability"
)

// scoredEntry pairs a cache entry with its eviction priority.
type scoredEntry struct {
	key   domain.SeriesKey
	e     *entry
	score float64
}

// housekeepLocked runs the post-insertion eviction pass: the count bound,
// then the memory bound. Callers hold s.mu.
func (s *Service) housekeepLocked() {
	s.evictCountLocked(s.maxEntries)

	totalBars := 0
	for _, series := range s.entries {
		for _, e := range series {
			totalBars += len(e.bars)
		}
	}
	if int64(totalBars)*bytesPerBar > memoryLimit {
		// Under memory pressure the count bound temporarily shrinks to 70%
		// of its configured value; a TTL sweep runs alongside.
		shrunk := int(float64(s.maxEntries) * memoryShrinkTo)
		s.logger.Printf("memory pressure: %d bars (~%d MB), shrinking bound to %d entries",
			totalBars, int64(totalBars)*bytesPerBar>>20, shrunk)
		s.evictCountLocked(shrunk)
		s.sweepTTLLocked()
	}
}

// evictCountLocked deletes the highest-scoring entries until at most max
// remain. Expired entries always score highest; among live entries, larger
// and older ones go first.
func (s *Service) evictCountLocked(max int) {
	total := 0
	for _, series := range s.entries {
		total += len(series)
	}
	if total <= max {
		return
	}

	now := s.now()
	scored := make([]scoredEntry, 0, total)
	for key, series := range s.entries {
		for _, e := range series {
			score := float64(len(e.bars))/1000 + now.Sub(e.cachedAt).Minutes()
			if e.expired(now, key.Interval) {
				score += 1000
			}
			scored = append(scored, scoredEntry{key: key, e: e, score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	doomed := make(map[*entry]struct{}, total-max)
	for _, se := range scored[:total-max] {
		doomed[se.e] = struct{}{}
	}
	s.deleteEntriesLocked(doomed)
	observability.RecordCacheEvictions(len(doomed))
}

// sweepTTLLocked deletes every entry whose age exceeds its interval TTL,
// regardless of count pressure.
func (s *Service) sweepTTLLocked() {
	now := s.now()
	doomed := make(map[*entry]struct{})
	for key, series := range s.entries {
		for _, e := range series {
			if e.expired(now, key.Interval) {
				doomed[e] = struct{}{}
			}
		}
	}
	if len(doomed) == 0 {
		return
	}
	s.deleteEntriesLocked(doomed)
	observability.RecordCacheEvictions(len(doomed))
}

// deleteEntriesLocked removes the doomed entries, dropping series that
// become empty.
func (s *Service) deleteEntriesLocked(doomed map[*entry]struct{}) {
	for key, series := range s.entries {
		survivors := series[:0]
		for _, e := range series {
			if _, dead := doomed[e]; !dead {
				survivors = append(survivors, e)
			}
		}
		if len(survivors) == 0 {
			delete(s.entries, key)
		} else {
			s.entries[key] = survivors
		}
	}
}
