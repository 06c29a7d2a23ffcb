package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/observability"
	"rugs-feed-lab/internal/storage"
)

// GameIndexStore implements storage.GameIndexStore using PostgreSQL.
type GameIndexStore struct {
	pool *Pool
}

// NewGameIndexStore creates a new GameIndexStore.
func NewGameIndexStore(pool *Pool) *GameIndexStore {
	return &GameIndexStore{pool: pool}
}

// Compile-time interface check.
var _ storage.GameIndexStore = (*GameIndexStore)(nil)

const selectIndexColumns = `
	SELECT game_id, session_id, day, start_time, end_time, duration_ms, tick_count,
		peak_price::text, has_gaps, scrutiny, action_count, game_file, action_file, server_seed_hash
	FROM game_index
`

// Insert adds an entry. Returns ErrDuplicateKey if game_id exists.
func (s *GameIndexStore) Insert(ctx context.Context, e *domain.IndexEntry) (err error) {
	if e == nil || e.GameID == "" {
		return storage.ErrInvalidInput
	}
	defer observeQuery("insert", time.Now(), &err)

	query := `
		INSERT INTO game_index (
			game_id, session_id, day, start_time, end_time, duration_ms, tick_count,
			peak_price, has_gaps, scrutiny, action_count, game_file, action_file, server_seed_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14)
	`

	_, err = s.pool.Exec(ctx, query,
		e.GameID,
		e.SessionID,
		e.Day,
		e.StartTime,
		e.EndTime,
		e.DurationMs,
		e.TickCount,
		e.PeakPrice.String(),
		e.HasGaps,
		e.Scrutiny,
		e.ActionCount,
		e.GameFile,
		e.ActionFile,
		e.ServerSeedHash,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert game index: %w", err)
	}
	return nil
}

// GetByID retrieves an entry by game id. Returns ErrNotFound if not exists.
func (s *GameIndexStore) GetByID(ctx context.Context, gameID string) (_ *domain.IndexEntry, err error) {
	defer observeQuery("get_by_id", time.Now(), &err)

	row := s.pool.QueryRow(ctx, selectIndexColumns+` WHERE game_id = $1`, gameID)
	e, err := scanIndexEntry(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get game index by id: %w", err)
	}
	return e, nil
}

// GetByDay retrieves the entries of one UTC day, ordered by start time ASC.
func (s *GameIndexStore) GetByDay(ctx context.Context, day string) (_ []*domain.IndexEntry, err error) {
	defer observeQuery("get_by_day", time.Now(), &err)

	rows, err := s.pool.Query(ctx, selectIndexColumns+`
		WHERE day = $1
		ORDER BY start_time ASC, game_id ASC
	`, day)
	if err != nil {
		return nil, fmt.Errorf("query game index by day: %w", err)
	}
	return collectIndexEntries(rows)
}

// GetByTimeRange retrieves entries that started within [start, end] (inclusive).
func (s *GameIndexStore) GetByTimeRange(ctx context.Context, start, end time.Time) (_ []*domain.IndexEntry, err error) {
	defer observeQuery("get_by_time_range", time.Now(), &err)

	rows, err := s.pool.Query(ctx, selectIndexColumns+`
		WHERE start_time >= $1 AND start_time <= $2
		ORDER BY start_time ASC, game_id ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query game index by time range: %w", err)
	}
	return collectIndexEntries(rows)
}

func collectIndexEntries(rows pgx.Rows) ([]*domain.IndexEntry, error) {
	defer rows.Close()

	var result []*domain.IndexEntry
	for rows.Next() {
		e, err := scanIndexEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game index: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate game index: %w", err)
	}
	return result, nil
}

func scanIndexEntry(row pgx.Row) (*domain.IndexEntry, error) {
	var e domain.IndexEntry
	var peak string
	err := row.Scan(
		&e.GameID,
		&e.SessionID,
		&e.Day,
		&e.StartTime,
		&e.EndTime,
		&e.DurationMs,
		&e.TickCount,
		&peak,
		&e.HasGaps,
		&e.Scrutiny,
		&e.ActionCount,
		&e.GameFile,
		&e.ActionFile,
		&e.ServerSeedHash,
	)
	if err != nil {
		return nil, err
	}
	e.PeakPrice, err = decimal.NewFromString(peak)
	if err != nil {
		return nil, fmt.Errorf("parse peak price %q: %w", peak, err)
	}
	return &e, nil
}

func observeQuery(op string, start time.Time, err *error) {
	observability.RecordDBQuery("postgres", op, time.Since(start).Seconds(), *err)
}
