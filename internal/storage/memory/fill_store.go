package memory

import (
	"context"
	"sort"
	"sync"

	"trade-risk-lab/internal/domain"
	"trade-risk-lab/internal/storage"
)

// FillStore is an in-memory implementation of storage.FillStore.
type FillStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Fill // keyed by trade_id
}

// NewFillStore creates a new in-memory fill store.
func NewFillStore() *FillStore {
	return &FillStore{
		data: make(map[string]*domain.Fill),
	}
}

// InsertBulk adds fills. Fails the entire batch on any duplicate trade_id.
func (s *FillStore) InsertBulk(_ context.Context, fills []*domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: check for duplicates (existing + intra-batch)
	batchKeys := make(map[string]struct{}, len(fills))
	for _, f := range fills {
		if f == nil || f.TradeID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.data[f.TradeID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[f.TradeID]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[f.TradeID] = struct{}{}
	}

	// Second pass: insert all
	for _, f := range fills {
		fillCopy := *f
		s.data[f.TradeID] = &fillCopy
	}

	return nil
}

// GetByTradeIDs retrieves fills by trade IDs, ordered by timestamp ASC.
func (s *FillStore) GetByTradeIDs(_ context.Context, tradeIDs []string) ([]*domain.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Fill
	for _, id := range tradeIDs {
		if f, ok := s.data[id]; ok {
			fillCopy := *f
			result = append(result, &fillCopy)
		}
	}

	sortFills(result)
	return result, nil
}

// GetOpenFillsByRound retrieves the opening fills of a round, ordered by timestamp ASC.
func (s *FillStore) GetOpenFillsByRound(_ context.Context, roundID string) ([]*domain.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Fill
	for _, f := range s.data {
		if f.RoundID == roundID && f.IsOpen {
			fillCopy := *f
			result = append(result, &fillCopy)
		}
	}

	sortFills(result)
	return result, nil
}

func sortFills(fills []*domain.Fill) {
	sort.Slice(fills, func(i, j int) bool {
		return fills[i].Timestamp < fills[j].Timestamp
	})
}

var _ storage.FillStore = (*FillStore)(nil)
