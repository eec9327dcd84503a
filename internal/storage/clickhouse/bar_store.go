package clickhouse

import (
	"context"
	"fmt"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/storage"
)

// BarStore implements storage.BarStore using ClickHouse as the bar warehouse.
type BarStore struct {
	conn *Conn
}

// NewBarStore creates a new BarStore.
func NewBarStore(conn *Conn) *BarStore {
	return &BarStore{conn: conn}
}

// Compile-time interface check.
var _ storage.BarStore = (*BarStore)(nil)

// FetchBars returns bars scoped to [Start, End] inclusive, ordered per q.Order.
func (s *BarStore) FetchBars(ctx context.Context, q storage.BarQuery) ([]*domain.Bar, error) {
	if q.Start > q.End {
		return nil, storage.ErrInvalidInput
	}

	direction := "ASC"
	if q.Order == domain.OrderDesc {
		direction = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT open_time, close_time, open, high, low, close, volume, quote_volume, trades
		FROM bars FINAL
		WHERE exchange = ? AND market = ? AND symbol = ? AND interval = ?
		  AND open_time >= ? AND open_time <= ?
		ORDER BY open_time %s
	`, direction)

	rows, err := s.conn.Query(ctx, query,
		q.Series.Exchange, q.Series.Market, q.Series.Symbol, q.Series.Interval,
		uint64(q.Start), uint64(q.End),
	)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var bars []*domain.Bar
	for rows.Next() {
		var b domain.Bar
		var openTime, closeTime uint64
		var trades uint32

		err := rows.Scan(
			&openTime, &closeTime,
			&b.Open, &b.High, &b.Low, &b.Close,
			&b.Volume, &b.QuoteVolume, &trades,
		)
		if err != nil {
			return nil, fmt.Errorf("scan bar row: %w", err)
		}

		b.OpenTime = int64(openTime)
		b.CloseTime = int64(closeTime)
		b.Trades = int(trades)
		bars = append(bars, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bar rows: %w", err)
	}

	return bars, nil
}

// InsertBars adds closed bars. The bars table is a ReplacingMergeTree keyed
// by (series, open_time), so re-inserting an open time overwrites on merge.
func (s *BarStore) InsertBars(ctx context.Context, key domain.SeriesKey, bars []*domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO bars (
			exchange, market, symbol, interval,
			open_time, close_time, open, high, low, close,
			volume, quote_volume, trades
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, b := range bars {
		if b == nil {
			return storage.ErrInvalidInput
		}
		err = batch.Append(
			key.Exchange, key.Market, key.Symbol, key.Interval,
			uint64(b.OpenTime), uint64(b.CloseTime),
			b.Open, b.High, b.Low, b.Close,
			b.Volume, b.QuoteVolume, uint32(b.Trades),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}
