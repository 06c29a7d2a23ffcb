package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/observability"
	"rugs-feed-lab/internal/storage"
)

// TickStore implements storage.TickStore using ClickHouse.
type TickStore struct {
	conn *Conn
}

// NewTickStore creates a new TickStore.
func NewTickStore(conn *Conn) *TickStore {
	return &TickStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TickStore = (*TickStore)(nil)

// InsertBulk adds the ticks of one game. Fails entire batch on duplicate (game_id, tick).
// MergeTree does not enforce keys, so duplicates are checked before the insert.
func (s *TickStore) InsertBulk(ctx context.Context, gameID string, points []domain.PricePoint) (err error) {
	if gameID == "" {
		return storage.ErrInvalidInput
	}
	if len(points) == 0 {
		return nil
	}
	defer observeQuery("insert_ticks", time.Now(), &err)

	seen := make(map[uint32]struct{}, len(points))
	for _, p := range points {
		if _, exists := seen[p.Tick]; exists {
			return storage.ErrDuplicateKey
		}
		seen[p.Tick] = struct{}{}
	}

	var existing uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM game_ticks WHERE game_id = ?`, gameID).Scan(&existing); err != nil {
		return fmt.Errorf("check existing ticks: %w", err)
	}
	if existing > 0 {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO game_ticks (game_id, tick, price, filled)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, p := range points {
		var filled uint8
		if p.Filled {
			filled = 1
		}
		if err := batch.Append(gameID, p.Tick, p.Price, filled); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByGameID retrieves all ticks of a game, ordered by tick ASC.
func (s *TickStore) GetByGameID(ctx context.Context, gameID string) (_ []domain.PricePoint, err error) {
	defer observeQuery("get_ticks", time.Now(), &err)

	rows, err := s.conn.Query(ctx, `
		SELECT tick, price, filled
		FROM game_ticks
		WHERE game_id = ?
		ORDER BY tick ASC
	`, gameID)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var result []domain.PricePoint
	for rows.Next() {
		var (
			tick   uint32
			price  decimal.Decimal
			filled uint8
		)
		if err := rows.Scan(&tick, &price, &filled); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		result = append(result, domain.PricePoint{Tick: tick, Price: price, Filled: filled == 1, Set: true})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticks: %w", err)
	}
	return result, nil
}

func observeQuery(op string, start time.Time, err *error) {
	observability.RecordDBQuery("clickhouse", op, time.Since(start).Seconds(), *err)
}
