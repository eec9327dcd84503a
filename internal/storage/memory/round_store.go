package memory

import (
	"context"
	"sort"
	"sync"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/storage"
)

// RoundStore is an in-memory implementation of storage.RoundStore.
type RoundStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Round // keyed by round_id
}

// NewRoundStore creates a new in-memory round store.
func NewRoundStore() *RoundStore {
	return &RoundStore{
		data: make(map[string]*domain.Round),
	}
}

// Insert adds a round. Returns ErrDuplicateKey if round_id exists.
func (s *RoundStore) Insert(_ context.Context, r *domain.Round) error {
	if r == nil || r.RoundID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.RoundID]; exists {
		return storage.ErrDuplicateKey
	}
	roundCopy := *r
	s.data[r.RoundID] = &roundCopy
	return nil
}

// GetByID retrieves a round by its ID. Returns ErrNotFound if not exists.
func (s *RoundStore) GetByID(_ context.Context, roundID string) (*domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[roundID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	roundCopy := *r
	return &roundCopy, nil
}

// GetByFilter retrieves rounds matching the filter, ordered by open time ASC.
func (s *RoundStore) GetByFilter(_ context.Context, f domain.RoundFilter) ([]*domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Round
	for _, r := range s.data {
		if !matchesFilter(r, f) {
			continue
		}
		roundCopy := *r
		result = append(result, &roundCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenTime < result[j].OpenTime
	})

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}

	return result, nil
}

func matchesFilter(r *domain.Round, f domain.RoundFilter) bool {
	if f.Symbol != "" && r.Symbol != f.Symbol {
		return false
	}
	if f.Exchange != "" && r.Exchange != f.Exchange {
		return false
	}
	if f.Market != "" && r.Market != f.Market {
		return false
	}
	if f.Side != "" && r.Side != f.Side {
		return false
	}
	if f.OpenFrom != 0 && r.OpenTime < f.OpenFrom {
		return false
	}
	if f.OpenTo != 0 && r.OpenTime > f.OpenTo {
		return false
	}
	if f.OnlyClose && r.CloseTime == 0 {
		return false
	}
	return true
}

var _ storage.RoundStore = (*RoundStore)(nil)
