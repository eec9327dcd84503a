package storage

import (
	"context"

	"trade-risk-lab/internal/domain"
)

// BarQuery describes one bar fetch.
type BarQuery struct {
	Series domain.SeriesKey
	Start  int64 // inclusive, Unix ms
	End    int64 // inclusive, Unix ms
	Order  domain.Order
}

// BarStore provides access to the OHLCV bar warehouse.
type BarStore interface {
	// FetchBars returns bars scoped to [Start, End] inclusive, ordered per
	// q.Order. Absence of data is a zero-length, not-error result.
	FetchBars(ctx context.Context, q BarQuery) ([]*domain.Bar, error)

	// InsertBars adds closed bars to the warehouse. Existing bars with the
	// same (series, open_time) may be overwritten by the backend.
	InsertBars(ctx context.Context, key domain.SeriesKey, bars []*domain.Bar) error
}

// RoundStore provides access to closed trading rounds.
type RoundStore interface {
	// GetByFilter retrieves rounds matching the filter, ordered by open
	// time ASC. Opening fills are not populated; use FillStore.
	GetByFilter(ctx context.Context, f domain.RoundFilter) ([]*domain.Round, error)

	// GetByID retrieves a round by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, roundID string) (*domain.Round, error)

	// Insert adds a round. Returns ErrDuplicateKey if round_id exists.
	Insert(ctx context.Context, r *domain.Round) error
}

// FillStore provides access to individual order fills.
type FillStore interface {
	// GetByTradeIDs retrieves fills by trade IDs, ordered by timestamp ASC.
	// Missing IDs are silently absent from the result.
	GetByTradeIDs(ctx context.Context, tradeIDs []string) ([]*domain.Fill, error)

	// GetOpenFillsByRound retrieves the opening fills of a round, ordered
	// by timestamp ASC.
	GetOpenFillsByRound(ctx context.Context, roundID string) ([]*domain.Fill, error)

	// InsertBulk adds fills. Fails the entire batch on any duplicate trade_id.
	InsertBulk(ctx context.Context, fills []*domain.Fill) error
}
