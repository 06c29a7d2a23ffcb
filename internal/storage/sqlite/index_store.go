package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/observability"
	"rugs-feed-lab/internal/storage"
)

// GameIndexStore implements storage.GameIndexStore using SQLite.
// Times are stored as unix milliseconds and the peak price as decimal text.
type GameIndexStore struct {
	db *DB
}

// NewGameIndexStore creates a new GameIndexStore.
func NewGameIndexStore(db *DB) *GameIndexStore {
	return &GameIndexStore{db: db}
}

// Compile-time interface check.
var _ storage.GameIndexStore = (*GameIndexStore)(nil)

const selectIndexColumns = `
	SELECT game_id, session_id, day, start_time_ms, end_time_ms, duration_ms, tick_count,
		peak_price, has_gaps, scrutiny, action_count, game_file, action_file, server_seed_hash
	FROM game_index
`

// Insert adds an entry. Returns ErrDuplicateKey if game_id exists.
func (s *GameIndexStore) Insert(ctx context.Context, e *domain.IndexEntry) (err error) {
	if e == nil || e.GameID == "" {
		return storage.ErrInvalidInput
	}
	defer observeQuery("insert", time.Now(), &err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO game_index (
			game_id, session_id, day, start_time_ms, end_time_ms, duration_ms, tick_count,
			peak_price, has_gaps, scrutiny, action_count, game_file, action_file, server_seed_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.GameID,
		e.SessionID,
		e.Day,
		e.StartTime.UnixMilli(),
		e.EndTime.UnixMilli(),
		e.DurationMs,
		e.TickCount,
		e.PeakPrice.String(),
		boolToInt(e.HasGaps),
		boolToInt(e.Scrutiny),
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

	row := s.db.QueryRowContext(ctx, selectIndexColumns+` WHERE game_id = ?`, gameID)
	e, err := scanIndexEntry(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get game index: %w", err)
	}
	return e, nil
}

// GetByDay retrieves the entries of one UTC day, ordered by start time ASC.
func (s *GameIndexStore) GetByDay(ctx context.Context, day string) (_ []*domain.IndexEntry, err error) {
	defer observeQuery("get_by_day", time.Now(), &err)
	return s.query(ctx, selectIndexColumns+`
		WHERE day = ?
		ORDER BY start_time_ms ASC, game_id ASC`, day)
}

// GetByTimeRange retrieves entries that started within [start, end] (inclusive).
func (s *GameIndexStore) GetByTimeRange(ctx context.Context, start, end time.Time) (_ []*domain.IndexEntry, err error) {
	defer observeQuery("get_by_time_range", time.Now(), &err)
	return s.query(ctx, selectIndexColumns+`
		WHERE start_time_ms >= ? AND start_time_ms <= ?
		ORDER BY start_time_ms ASC, game_id ASC`, start.UnixMilli(), end.UnixMilli())
}

func (s *GameIndexStore) query(ctx context.Context, query string, args ...any) ([]*domain.IndexEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query game index: %w", err)
	}
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

type scanner interface {
	Scan(dest ...any) error
}

func scanIndexEntry(row scanner) (*domain.IndexEntry, error) {
	var (
		e                 domain.IndexEntry
		startMs, endMs    int64
		peak              string
		hasGaps, scrutiny int
	)
	if err := row.Scan(
		&e.GameID,
		&e.SessionID,
		&e.Day,
		&startMs,
		&endMs,
		&e.DurationMs,
		&e.TickCount,
		&peak,
		&hasGaps,
		&scrutiny,
		&e.ActionCount,
		&e.GameFile,
		&e.ActionFile,
		&e.ServerSeedHash,
	); err != nil {
		return nil, err
	}

	p, err := decimal.NewFromString(peak)
	if err != nil {
		return nil, fmt.Errorf("parse peak price %q: %w", peak, err)
	}
	e.PeakPrice = p
	e.StartTime = time.UnixMilli(startMs).UTC()
	e.EndTime = time.UnixMilli(endMs).UTC()
	e.HasGaps = hasGaps != 0
	e.Scrutiny = scrutiny != 0
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func observeQuery(op string, start time.Time, err *error) {
	observability.RecordDBQuery("sqlite", op, time.Since(start).Seconds(), *err)
}
