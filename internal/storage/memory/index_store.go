package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/storage"
)

// GameIndexStore is an in-memory implementation of storage.GameIndexStore.
type GameIndexStore struct {
	mu   sync.RWMutex
	data map[string]*domain.IndexEntry // keyed by game_id
}

// NewGameIndexStore creates a new in-memory index store.
func NewGameIndexStore() *GameIndexStore {
	return &GameIndexStore{
		data: make(map[string]*domain.IndexEntry),
	}
}

// Compile-time interface check.
var _ storage.GameIndexStore = (*GameIndexStore)(nil)

// Insert adds an entry. Returns ErrDuplicateKey if game_id exists.
func (s *GameIndexStore) Insert(_ context.Context, e *domain.IndexEntry) error {
	if e == nil || e.GameID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[e.GameID]; exists {
		return storage.ErrDuplicateKey
	}
	entryCopy := *e
	s.data[e.GameID] = &entryCopy
	return nil
}

// GetByID retrieves an entry by game id. Returns ErrNotFound if not exists.
func (s *GameIndexStore) GetByID(_ context.Context, gameID string) (*domain.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[gameID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	entryCopy := *e
	return &entryCopy, nil
}

// GetByDay retrieves the entries of one UTC day, ordered by start time ASC.
func (s *GameIndexStore) GetByDay(_ context.Context, day string) ([]*domain.IndexEntry, error) {
	return s.filter(func(e *domain.IndexEntry) bool {
		return e.Day == day
	}), nil
}

// GetByTimeRange retrieves entries that started within [start, end] (inclusive).
func (s *GameIndexStore) GetByTimeRange(_ context.Context, start, end time.Time) ([]*domain.IndexEntry, error) {
	return s.filter(func(e *domain.IndexEntry) bool {
		return !e.StartTime.Before(start) && !e.StartTime.After(end)
	}), nil
}

func (s *GameIndexStore) filter(keep func(*domain.IndexEntry) bool) []*domain.IndexEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.IndexEntry
	for _, e := range s.data {
		if keep(e) {
			entryCopy := *e
			result = append(result, &entryCopy)
		}
	}

	// Deterministic order: start_time ASC, game_id ASC
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].StartTime.Before(result[j].StartTime)
		}
		return result[i].GameID < result[j].GameID
	})
	return result
}
