package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/storage"
)

func testEntry(id string, start time.Time) *domain.IndexEntry {
	return &domain.IndexEntry{
		GameID:         id,
		SessionID:      "session-1",
		Day:            start.UTC().Format("2006-01-02"),
		StartTime:      start,
		EndTime:        start.Add(90 * time.Second),
		DurationMs:     90_000,
		TickCount:      360,
		PeakPrice:      decimal.RequireFromString("3.125"),
		GameFile:       "games/" + id + ".json",
		ServerSeedHash: "hash-" + id,
	}
}

func TestGameIndexStore_Insert(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewGameIndexStore(pool)
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	e := testEntry("g1", start)
	e.HasGaps = true
	e.ActionCount = 3
	require.NoError(t, store.Insert(ctx, e))

	got, err := store.GetByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, "2025-06-01", got.Day)
	assert.True(t, got.StartTime.Equal(start))
	assert.True(t, got.PeakPrice.Equal(decimal.RequireFromString("3.125")))
	assert.True(t, got.HasGaps)
	assert.Equal(t, 3, got.ActionCount)
	assert.Equal(t, "hash-g1", got.ServerSeedHash)
}

func TestGameIndexStore_Duplicate(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewGameIndexStore(pool)
	e := testEntry("g1", time.Now().UTC())

	require.NoError(t, store.Insert(ctx, e))
	assert.ErrorIs(t, store.Insert(ctx, e), storage.ErrDuplicateKey)
}

func TestGameIndexStore_NotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := NewGameIndexStore(pool).GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGameIndexStore_GetByDayAndRange(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewGameIndexStore(pool)
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, testEntry("late", base.Add(2*time.Hour))))
	require.NoError(t, store.Insert(ctx, testEntry("early", base)))
	require.NoError(t, store.Insert(ctx, testEntry("next-day", base.Add(24*time.Hour))))

	day, err := store.GetByDay(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, "early", day[0].GameID)
	assert.Equal(t, "late", day[1].GameID)

	ranged, err := store.GetByTimeRange(ctx, base.Add(time.Hour), base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, "late", ranged[0].GameID)
	assert.Equal(t, "next-day", ranged[1].GameID)
}
