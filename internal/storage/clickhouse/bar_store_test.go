package clickhouse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/storage"
)

func sampleSeries() domain.SeriesKey {
	return domain.SeriesKey{
		Exchange: "BINANCE",
		Market:   "FUTURES",
		Symbol:   "BTCUSDT",
		Interval: domain.Interval1Min,
	}
}

func sampleBar(openTime int64, price float64) *domain.Bar {
	return &domain.Bar{
		OpenTime:    openTime,
		CloseTime:   openTime + 59_999,
		Open:        price,
		High:        price + 1,
		Low:         price - 1,
		Close:       price + 0.5,
		Volume:      12.5,
		QuoteVolume: 1255,
		Trades:      42,
	}
}

func TestBarStoreInsertAndFetch(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBarStore(conn)
	ctx := context.Background()
	key := sampleSeries()

	bars := []*domain.Bar{
		sampleBar(0, 100),
		sampleBar(60_000, 101),
		sampleBar(120_000, 102),
	}
	require.NoError(t, store.InsertBars(ctx, key, bars))

	got, err := store.FetchBars(ctx, storage.BarQuery{Series: key, Start: 0, End: 120_000, Order: domain.OrderAsc})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, int64(0), got[0].OpenTime)
	require.Equal(t, 100.0, got[0].Open)
	require.Equal(t, 42, got[0].Trades)
}

func TestBarStoreFetchRangeAndOrder(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBarStore(conn)
	ctx := context.Background()
	key := sampleSeries()

	var bars []*domain.Bar
	for i := int64(0); i < 10; i++ {
		bars = append(bars, sampleBar(i*60_000, 100+float64(i)))
	}
	require.NoError(t, store.InsertBars(ctx, key, bars))

	got, err := store.FetchBars(ctx, storage.BarQuery{Series: key, Start: 120_000, End: 300_000, Order: domain.OrderDesc})
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, int64(300_000), got[0].OpenTime)
	require.Equal(t, int64(120_000), got[3].OpenTime)
}

func TestBarStoreSeriesIsolation(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBarStore(conn)
	ctx := context.Background()

	keyA := sampleSeries()
	keyB := sampleSeries()
	keyB.Interval = domain.Interval5Min

	require.NoError(t, store.InsertBars(ctx, keyA, []*domain.Bar{sampleBar(0, 100)}))

	got, err := store.FetchBars(ctx, storage.BarQuery{Series: keyB, Start: 0, End: 60_000})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestBarStoreReinsertOverwritesOnMerge(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBarStore(conn)
	ctx := context.Background()
	key := sampleSeries()

	require.NoError(t, store.InsertBars(ctx, key, []*domain.Bar{sampleBar(0, 100)}))
	require.NoError(t, store.InsertBars(ctx, key, []*domain.Bar{sampleBar(0, 200)}))

	// FINAL collapses the replacing rows at read time.
	got, err := store.FetchBars(ctx, storage.BarQuery{Series: key, Start: 0, End: 0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 200.0, got[0].Open)
}

func TestBarStoreInvalidRange(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBarStore(conn)
	_, err := store.FetchBars(context.Background(), storage.BarQuery{Series: sampleSeries(), Start: 100, End: 50})
	require.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestBarStoreEmptyInsert(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBarStore(conn)
	require.NoError(t, store.InsertBars(context.Background(), sampleSeries(), nil))
}
