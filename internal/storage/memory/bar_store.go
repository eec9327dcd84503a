package memory

import (
	"context"
	"sort"
	"sync"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/storage"
)

// BarStore is an in-memory implementation of storage.BarStore.
type BarStore struct {
	mu   sync.RWMutex
	data map[domain.SeriesKey]map[int64]*domain.Bar // keyed by open time within a series
}

// NewBarStore creates a new in-memory bar store.
func NewBarStore() *BarStore {
	return &BarStore{
		data: make(map[domain.SeriesKey]map[int64]*domain.Bar),
	}
}

// FetchBars returns bars within [Start, End] inclusive, ordered per q.Order.
func (s *BarStore) FetchBars(_ context.Context, q storage.BarQuery) ([]*domain.Bar, error) {
	if q.Start > q.End {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	series, ok := s.data[q.Series]
	if !ok {
		return nil, nil
	}

	var result []*domain.Bar
	for openTime, b := range series {
		if openTime >= q.Start && openTime <= q.End {
			barCopy := *b
			result = append(result, &barCopy)
		}
	}

	order := q.Order
	if order == "" {
		order = domain.OrderAsc
	}
	domain.SortBars(result, order)

	return result, nil
}

// InsertBars adds closed bars, overwriting any bar with the same open time.
func (s *BarStore) InsertBars(_ context.Context, key domain.SeriesKey, bars []*domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.data[key]
	if !ok {
		series = make(map[int64]*domain.Bar, len(bars))
		s.data[key] = series
	}

	for _, b := range bars {
		if b == nil {
			return storage.ErrInvalidInput
		}
		barCopy := *b
		series[b.OpenTime] = &barCopy
	}

	return nil
}

// SeriesTimes returns the sorted open times stored for a series. Test helper.
func (s *BarStore) SeriesTimes(key domain.SeriesKey) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.data[key]
	times := make([]int64, 0, len(series))
	for t := range series {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times
}

var _ storage.BarStore = (*BarStore)(nil)
