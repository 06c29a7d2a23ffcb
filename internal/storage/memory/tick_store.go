package memory

import (
	"context"
	"sort"
	"sync"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/storage"
)

// TickStore is an in-memory implementation of storage.TickStore.
type TickStore struct {
	mu   sync.RWMutex
	data map[string]map[uint32]domain.PricePoint // game_id -> tick -> point
}

// NewTickStore creates a new in-memory tick store.
func NewTickStore() *TickStore {
	return &TickStore{
		data: make(map[string]map[uint32]domain.PricePoint),
	}
}

// Compile-time interface check.
var _ storage.TickStore = (*TickStore)(nil)

// InsertBulk adds the ticks of one game. Fails entire batch on duplicate.
func (s *TickStore) InsertBulk(_ context.Context, gameID string, points []domain.PricePoint) error {
	if gameID == "" {
		return storage.ErrInvalidInput
	}
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.data[gameID]
	batch := make(map[uint32]struct{}, len(points))
	for _, p := range points {
		if _, ok := existing[p.Tick]; ok {
			return storage.ErrDuplicateKey
		}
		if _, ok := batch[p.Tick]; ok {
			return storage.ErrDuplicateKey
		}
		batch[p.Tick] = struct{}{}
	}

	if existing == nil {
		existing = make(map[uint32]domain.PricePoint, len(points))
		s.data[gameID] = existing
	}
	for _, p := range points {
		existing[p.Tick] = p
	}
	return nil
}

// GetByGameID retrieves all ticks of a game, ordered by tick ASC.
func (s *TickStore) GetByGameID(_ context.Context, gameID string) ([]domain.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PricePoint, 0, len(s.data[gameID]))
	for _, p := range s.data[gameID] {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Tick < result[j].Tick
	})
	return result, nil
}
