package barcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/storage"
)

// fakeStore serves bars from a fixed dataset and counts fetches.
type fakeStore struct {
	mu     sync.Mutex
	bars   []*domain.Bar
	ranges [][2]int64
	err    error
	delay  time.Duration

	calls atomic.Int64
}

func (f *fakeStore) FetchBars(_ context.Context, q storage.BarQuery) ([]*domain.Bar, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.ranges = append(f.ranges, [2]int64{q.Start, q.End})
	err := f.err
	var result []*domain.Bar
	for _, b := range f.bars {
		if b.OpenTime >= q.Start && b.OpenTime <= q.End {
			barCopy := *b
			result = append(result, &barCopy)
		}
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	domain.SortBars(result, q.Order)
	return result, nil
}

func (f *fakeStore) InsertBars(_ context.Context, _ domain.SeriesKey, _ []*domain.Bar) error {
	return nil
}

// fetchedRanges returns a copy of the ranges requested so far.
func (f *fakeStore) fetchedRanges() [][2]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]int64, len(f.ranges))
	copy(out, f.ranges)
	return out
}

// makeBars builds count sequential 1m bars starting at startMs.
func makeBars(startMs int64, count int) []*domain.Bar {
	const step = int64(60_000)
	bars := make([]*domain.Bar, count)
	for i := range bars {
		open := startMs + int64(i)*step
		price := 100 + float64(i)
		bars[i] = &domain.Bar{
			OpenTime:  open,
			CloseTime: open + step - 1,
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    10,
			Trades:    5,
		}
	}
	return bars
}

func testKey(interval string) domain.SeriesKey {
	return domain.SeriesKey{
		Exchange: "BINANCE",
		Market:   "FUTURES",
		Symbol:   "BTCUSDT",
		Interval: interval,
	}
}

// testClock is a settable clock for TTL tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(store storage.BarStore, clock *testClock) *Service {
	opts := Options{Store: store}
	if clock != nil {
		opts.Now = clock.Now
	}
	return New(opts)
}

func TestGetBarsFetchesAndCaches(t *testing.T) {
	store := &fakeStore{bars: makeBars(0, 100)}
	s := newTestService(store, nil)
	key := testKey(domain.Interval1Min)

	bars, err := s.GetBars(context.Background(), key, 0, 59*60_000, domain.OrderAsc)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 60 {
		t.Fatalf("expected 60 bars, got %d", len(bars))
	}
	if got := store.calls.Load(); got != 1 {
		t.Fatalf("expected 1 store call, got %d", got)
	}

	// Same range again is a pure cache hit.
	if _, err := s.GetBars(context.Background(), key, 0, 59*60_000, domain.OrderAsc); err != nil {
		t.Fatalf("GetBars (cached): %v", err)
	}
	if got := store.calls.Load(); got != 1 {
		t.Fatalf("expected cache hit without fetch, got %d calls", got)
	}
}

func TestGetBarsContainment(t *testing.T) {
	store := &fakeStore{bars: makeBars(0, 100)}
	s := newTestService(store, nil)
	key := testKey(domain.Interval1Min)

	if _, err := s.GetBars(context.Background(), key, 0, 99*60_000, domain.OrderAsc); err != nil {
		t.Fatalf("GetBars: %v", err)
	}

	// A strict sub-range of the cached entry must not fetch.
	bars, err := s.GetBars(context.Background(), key, 10*60_000, 20*60_000, domain.OrderAsc)
	if err != nil {
		t.Fatalf("GetBars (sub-range): %v", err)
	}
	if got := store.calls.Load(); got != 1 {
		t.Fatalf("expected containment hit, got %d store calls", got)
	}
	if len(bars) != 11 {
		t.Fatalf("expected 11 bars in sub-range, got %d", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime <= bars[i-1].OpenTime {
			t.Fatalf("bars not strictly ascending at %d", i)
		}
	}
}

func TestGetBarsResultIsCopied(t *testing.T) {
	store := &fakeStore{bars: makeBars(0, 10)}
	s := newTestService(store, nil)
	key := testKey(domain.Interval1Min)

	first, err := s.GetBars(context.Background(), key, 0, 9*60_000, domain.OrderAsc)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	first[0].Close = -1

	second, err := s.GetBars(context.Background(), key, 0, 9*60_000, domain.OrderAsc)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if second[0].Close == -1 {
		t.Fatal("caller mutation leaked into cached state")
	}
}

func TestGetBarsDescOrder(t *testing.T) {
	store := &fakeStore{bars: makeBars(0, 10)}
	s := newTestService(store, nil)
	key := testKey(domain.Interval1Min)

	bars, err := s.GetBars(context.Background(), key, 0, 9*60_000, domain.OrderDesc)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime >= bars[i-1].OpenTime {
			t.Fatalf("bars not descending at %d", i)
		}
	}
}

func TestGetBarsInvalidRange(t *testing.T) {
	s := newTestService(&fakeStore{}, nil)

	_, err := s.GetBars(context.Background(), testKey(domain.Interval1Min), 100, 50, domain.OrderAsc)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	clock := newTestClock()
	store := &fakeStore{bars: makeBars(0, 100)}
	s := newTestService(store, clock)

	fineKey := testKey(domain.Interval1Min)
	coarseKey := testKey(domain.Interval1Hour)

	for _, key := range []domain.SeriesKey{fineKey, coarseKey} {
		if _, err := s.GetBars(context.Background(), key, 0, 59*60_000, domain.OrderAsc); err != nil {
			t.Fatalf("GetBars(%s): %v", key.Interval, err)
		}
	}
	if got := store.calls.Load(); got != 2 {
		t.Fatalf("expected 2 initial fetches, got %d", got)
	}

	// Within both TTLs: still cached.
	clock.Advance(4 * time.Minute)
	for _, key := range []domain.SeriesKey{fineKey, coarseKey} {
		if _, err := s.GetBars(context.Background(), key, 0, 59*60_000, domain.OrderAsc); err != nil {
			t.Fatalf("GetBars(%s): %v", key.Interval, err)
		}
	}
	if got := store.calls.Load(); got != 2 {
		t.Fatalf("expected no refetch within TTL, got %d calls", got)
	}

	// Past 5 minutes the 1m entry is stale; the coarse one is not.
	clock.Advance(2 * time.Minute)
	for _, key := range []domain.SeriesKey{fineKey, coarseKey} {
		if _, err := s.GetBars(context.Background(), key, 0, 59*60_000, domain.OrderAsc); err != nil {
			t.Fatalf("GetBars(%s): %v", key.Interval, err)
		}
	}
	if got := store.calls.Load(); got != 3 {
		t.Fatalf("expected exactly the fine entry to refetch, got %d calls", got)
	}

	// Past 30 minutes the coarse entry is stale too.
	clock.Advance(25 * time.Minute)
	if _, err := s.GetBars(context.Background(), coarseKey, 0, 59*60_000, domain.OrderAsc); err != nil {
		t.Fatalf("GetBars(coarse): %v", err)
	}
	if got := store.calls.Load(); got != 4 {
		t.Fatalf("expected coarse refetch after 30m, got %d calls", got)
	}
}

func TestConcurrentFetchesDeduplicated(t *testing.T) {
	store := &fakeStore{bars: makeBars(0, 60), delay: 50 * time.Millisecond}
	s := newTestService(store, nil)
	key := testKey(domain.Interval1Min)

	const callers = 10
	var wg sync.WaitGroup
	results := make([][]*domain.Bar, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.GetBars(context.Background(), key, 0, 59*60_000, domain.OrderAsc)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if len(results[i]) != 60 {
			t.Fatalf("caller %d: expected 60 bars, got %d", i, len(results[i]))
		}
	}
	if got := store.calls.Load(); got != 1 {
		t.Fatalf("expected one shared fetch for %d concurrent callers, got %d", callers, got)
	}
}

func TestFetchErrorWrappedAndNotCached(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	s := newTestService(store, nil)
	key := testKey(domain.Interval1Min)

	_, err := s.GetBars(context.Background(), key, 0, 59*60_000, domain.OrderAsc)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if stats := s.Stats(); stats.Entries != 0 {
		t.Fatalf("failed fetch must cache nothing, have %d entries", stats.Entries)
	}

	// Recovery: the next call hits the store again.
	store.mu.Lock()
	store.err = nil
	store.bars = makeBars(0, 60)
	store.mu.Unlock()

	bars, err := s.GetBars(context.Background(), key, 0, 59*60_000, domain.OrderAsc)
	if err != nil {
		t.Fatalf("GetBars after recovery: %v", err)
	}
	if len(bars) != 60 {
		t.Fatalf("expected 60 bars after recovery, got %d", len(bars))
	}
}

func TestOfflineServesUnionOfOverlaps(t *testing.T) {
	store := &fakeStore{bars: makeBars(0, 200)}
	s := newTestService(store, nil)
	key := testKey(domain.Interval1Min)

	// Two disjoint cached segments with a gap between them.
	if _, err := s.GetBars(context.Background(), key, 0, 9*60_000, domain.OrderAsc); err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if _, err := s.GetBars(context.Background(), key, 50*60_000, 59*60_000, domain.OrderAsc); err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	callsBefore := store.calls.Load()

	s.SetOffline(true)
	defer s.SetOffline(false)

	bars, err := s.GetBars(context.Background(), key, 0, 59*60_000, domain.OrderAsc)
	if err != nil {
		t.Fatalf("GetBars offline: %v", err)
	}
	if store.calls.Load() != callsBefore {
		t.Fatal("offline read must not touch the store")
	}
	if len(bars) != 20 {
		t.Fatalf("expected 20 bars from both segments, got %d", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime <= bars[i-1].OpenTime {
			t.Fatalf("offline union not ascending/unique at %d", i)
		}
	}
}

func TestOfflineMissReturnsEmpty(t *testing.T) {
	store := &fakeStore{bars: makeBars(0, 60)}
	s := newTestService(store, nil)

	s.SetOffline(true)
	defer s.SetOffline(false)

	bars, err := s.GetBars(context.Background(), testKey(domain.Interval1Min), 0, 59*60_000, domain.OrderAsc)
	if err != nil {
		t.Fatalf("offline miss must not error: %v", err)
	}
	if len(bars) != 0 {
		t.Fatalf("expected empty result, got %d bars", len(bars))
	}
	if store.calls.Load() != 0 {
		t.Fatal("offline miss must not fetch")
	}
}

func TestOfflineDisabledResumesFetching(t *testing.T) {
	store := &fakeStore{bars: makeBars(0, 60)}
	s := newTestService(store, nil)
	key := testKey(domain.Interval1Min)

	s.SetOffline(true)
	if !s.Offline() {
		t.Fatal("expected offline")
	}
	s.SetOffline(false)

	bars, err := s.GetBars(context.Background(), key, 0, 59*60_000, domain.OrderAsc)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 60 {
		t.Fatalf("expected 60 bars, got %d", len(bars))
	}
}

func TestStats(t *testing.T) {
	store := &fakeStore{bars: makeBars(0, 100)}
	s := newTestService(store, nil)
	key := testKey(domain.Interval1Min)

	if _, err := s.GetBars(context.Background(), key, 0, 99*60_000, domain.OrderAsc); err != nil {
		t.Fatalf("GetBars: %v", err)
	}

	stats := s.Stats()
	if stats.Entries != 1 {
		t.Fatalf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.DataPoints != 100 {
		t.Fatalf("expected 100 data points, got %d", stats.DataPoints)
	}
	if stats.EstimatedMemory != 100*bytesPerBar {
		t.Fatalf("expected %d bytes estimated, got %d", 100*bytesPerBar, stats.EstimatedMemory)
	}
	if stats.Offline || stats.Inflight != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
