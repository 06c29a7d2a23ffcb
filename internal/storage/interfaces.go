package storage

import (
	"context"
	"time"

	"rugs-feed-lab/internal/domain"
)

// GameIndexStore provides access to the game_index table: one row per
// recorded game, mirroring the per-day index files.
type GameIndexStore interface {
	// Insert adds an entry. Returns ErrDuplicateKey if game_id exists.
	Insert(ctx context.Context, e *domain.IndexEntry) error

	// GetByID retrieves an entry by game id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, gameID string) (*domain.IndexEntry, error)

	// GetByDay retrieves the entries of one UTC day, ordered by start time ASC.
	GetByDay(ctx context.Context, day string) ([]*domain.IndexEntry, error)

	// GetByTimeRange retrieves entries that started within [start, end] (inclusive).
	GetByTimeRange(ctx context.Context, start, end time.Time) ([]*domain.IndexEntry, error)
}

// TickStore provides access to the game_ticks table: the set price slots
// of recorded games.
type TickStore interface {
	// InsertBulk adds the ticks of one game. Fails entire batch on duplicate (game_id, tick).
	InsertBulk(ctx context.Context, gameID string, points []domain.PricePoint) error

	// GetByGameID retrieves all ticks of a game, ordered by tick ASC.
	GetByGameID(ctx context.Context, gameID string) ([]domain.PricePoint, error)
}
