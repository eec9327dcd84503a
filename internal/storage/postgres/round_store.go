package postgres

import (
	"context"
	"fmt"
	"strings"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/storage"
)

// RoundStore implements storage.RoundStore using PostgreSQL.
type RoundStore struct {
	pool *Pool
}

// NewRoundStore creates a new RoundStore.
func NewRoundStore(pool *Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RoundStore = (*RoundStore)(nil)

const roundColumns = `round_id, symbol, exchange, market, side,
	entry_price, exit_price, quantity, open_time, close_time`

// Insert adds a round. Returns ErrDuplicateKey if round_id exists.
func (s *RoundStore) Insert(ctx context.Context, r *domain.Round) error {
	if r == nil || r.RoundID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO rounds (` + roundColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.pool.Exec(ctx, query,
		r.RoundID, r.Symbol, r.Exchange, r.Market, string(r.Side),
		r.EntryPrice, r.ExitPrice, r.Quantity, r.OpenTime, r.CloseTime,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert round: %w", err)
	}

	return nil
}

// GetByID retrieves a round by its ID. Returns ErrNotFound if not exists.
func (s *RoundStore) GetByID(ctx context.Context, roundID string) (*domain.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE round_id = $1`

	var r domain.Round
	var side string
	err := s.pool.QueryRow(ctx, query, roundID).Scan(
		&r.RoundID, &r.Symbol, &r.Exchange, &r.Market, &side,
		&r.EntryPrice, &r.ExitPrice, &r.Quantity, &r.OpenTime, &r.CloseTime,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get round by id: %w", err)
	}

	r.Side = domain.PositionSide(side)
	return &r, nil
}

// GetByFilter retrieves rounds matching the filter, ordered by open time ASC.
func (s *RoundStore) GetByFilter(ctx context.Context, f domain.RoundFilter) ([]*domain.Round, error) {
	var conds []string
	var args []interface{}

	addCond := func(expr string, value interface{}) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if f.Symbol != "" {
		addCond("symbol = $%d", f.Symbol)
	}
	if f.Exchange != "" {
		addCond("exchange = $%d", f.Exchange)
	}
	if f.Market != "" {
		addCond("market = $%d", f.Market)
	}
	if f.Side != "" {
		addCond("side = $%d", string(f.Side))
	}
	if f.OpenFrom != 0 {
		addCond("open_time >= $%d", f.OpenFrom)
	}
	if f.OpenTo != 0 {
		addCond("open_time <= $%d", f.OpenTo)
	}
	if f.OnlyClose {
		conds = append(conds, "close_time > 0")
	}

	query := `SELECT ` + roundColumns + ` FROM rounds`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY open_time ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*domain.Round
	for rows.Next() {
		var r domain.Round
		var side string
		err := rows.Scan(
			&r.RoundID, &r.Symbol, &r.Exchange, &r.Market, &side,
			&r.EntryPrice, &r.ExitPrice, &r.Quantity, &r.OpenTime, &r.CloseTime,
		)
		if err != nil {
			return nil, fmt.Errorf("scan round row: %w", err)
		}
		r.Side = domain.PositionSide(side)
		rounds = append(rounds, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate round rows: %w", err)
	}

	return rounds, nil
}
