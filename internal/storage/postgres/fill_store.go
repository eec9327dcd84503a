package postgres

import (
	"context"
	"fmt"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/storage"
)

// FillStore implements storage.FillStore using PostgreSQL.
type FillStore struct {
	pool *Pool
}

// NewFillStore creates a new FillStore.
func NewFillStore(pool *Pool) *FillStore {
	return &FillStore{pool: pool}
}

// Compile-time interface check.
var _ storage.FillStore = (*FillStore)(nil)

const fillColumns = `trade_id, round_id, price, quantity, ts, is_open`

// InsertBulk adds fills in one transaction. Fails the entire batch on any
// duplicate trade_id.
func (s *FillStore) InsertBulk(ctx context.Context, fills []*domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO fills (` + fillColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	for _, f := range fills {
		if f == nil || f.TradeID == "" {
			return storage.ErrInvalidInput
		}
		_, err := tx.Exec(ctx, query,
			f.TradeID, f.RoundID, f.Price, f.Quantity, f.Timestamp, f.IsOpen,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert fill: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// GetByTradeIDs retrieves fills by trade IDs, ordered by timestamp ASC.
func (s *FillStore) GetByTradeIDs(ctx context.Context, tradeIDs []string) ([]*domain.Fill, error) {
	if len(tradeIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + fillColumns + `
		FROM fills
		WHERE trade_id = ANY($1)
		ORDER BY ts ASC
	`

	rows, err := s.pool.Query(ctx, query, tradeIDs)
	if err != nil {
		return nil, fmt.Errorf("query fills by trade ids: %w", err)
	}
	defer rows.Close()

	return scanFills(rows)
}

// GetOpenFillsByRound retrieves the opening fills of a round, ordered by
// timestamp ASC.
func (s *FillStore) GetOpenFillsByRound(ctx context.Context, roundID string) ([]*domain.Fill, error) {
	query := `
		SELECT ` + fillColumns + `
		FROM fills
		WHERE round_id = $1 AND is_open
		ORDER BY ts ASC
	`

	rows, err := s.pool.Query(ctx, query, roundID)
	if err != nil {
		return nil, fmt.Errorf("query open fills: %w", err)
	}
	defer rows.Close()

	return scanFills(rows)
}

// scanFills scans multiple fill rows.
func scanFills(rows pgRows) ([]*domain.Fill, error) {
	var fills []*domain.Fill

	for rows.Next() {
		var f domain.Fill
		err := rows.Scan(
			&f.TradeID, &f.RoundID, &f.Price, &f.Quantity, &f.Timestamp, &f.IsOpen,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fill row: %w", err)
		}
		fills = append(fills, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fill rows: %w", err)
	}

	return fills, nil
}
