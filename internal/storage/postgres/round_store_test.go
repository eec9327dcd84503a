package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/storage"
)

func sampleRound(id string, openTime int64) *domain.Round {
	return &domain.Round{
		RoundID:    id,
		Symbol:     "BTCUSDT",
		Exchange:   "BINANCE",
		Market:     "FUTURES",
		Side:       domain.SideLong,
		EntryPrice: 100.5,
		ExitPrice:  110.25,
		Quantity:   0.5,
		OpenTime:   openTime,
		CloseTime:  openTime + 600_000,
	}
}

func TestRoundStoreInsertAndGetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRoundStore(pool)
	ctx := context.Background()

	r := sampleRound("r-1", 1_700_000_000_000)
	require.NoError(t, store.Insert(ctx, r))

	got, err := store.GetByID(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, r.Symbol, got.Symbol)
	require.Equal(t, r.Side, got.Side)
	require.Equal(t, r.EntryPrice, got.EntryPrice)
	require.Equal(t, r.OpenTime, got.OpenTime)
}

func TestRoundStoreDuplicateKey(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRoundStore(pool)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, sampleRound("r-1", 1000)))
	err := store.Insert(ctx, sampleRound("r-1", 2000))
	require.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestRoundStoreGetByIDNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRoundStore(pool)
	_, err := store.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRoundStoreGetByFilter(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRoundStore(pool)
	ctx := context.Background()

	r1 := sampleRound("r-1", 1000)
	r2 := sampleRound("r-2", 2000)
	r2.Side = domain.SideShort
	r3 := sampleRound("r-3", 3000)
	r3.Symbol = "ETHUSDT"

	for _, r := range []*domain.Round{r1, r2, r3} {
		require.NoError(t, store.Insert(ctx, r))
	}

	// No filter returns everything ordered by open time.
	all, err := store.GetByFilter(ctx, domain.RoundFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "r-1", all[0].RoundID)

	bySymbol, err := store.GetByFilter(ctx, domain.RoundFilter{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, bySymbol, 2)

	bySide, err := store.GetByFilter(ctx, domain.RoundFilter{Side: domain.SideShort})
	require.NoError(t, err)
	require.Len(t, bySide, 1)
	require.Equal(t, "r-2", bySide[0].RoundID)

	byWindow, err := store.GetByFilter(ctx, domain.RoundFilter{OpenFrom: 2000, OpenTo: 3000})
	require.NoError(t, err)
	require.Len(t, byWindow, 2)

	limited, err := store.GetByFilter(ctx, domain.RoundFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "r-1", limited[0].RoundID)
}
