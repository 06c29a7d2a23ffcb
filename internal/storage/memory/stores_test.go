package memory

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

func entry(id string, start time.Time) *domain.IndexEntry {
	return &domain.IndexEntry{
		GameID:    id,
		Day:       start.UTC().Format("2006-01-02"),
		StartTime: start,
		EndTime:   start.Add(time.Minute),
		TickCount: 240,
		PeakPrice: decimal.RequireFromString("2.5"),
	}
}

func TestGameIndexStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewGameIndexStore()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, entry("b", base.Add(time.Hour))))
	require.NoError(t, s.Insert(ctx, entry("a", base)))
	require.NoError(t, s.Insert(ctx, entry("c", base.Add(24*time.Hour))))

	assert.ErrorIs(t, s.Insert(ctx, entry("a", base)), storage.ErrDuplicateKey)
	assert.ErrorIs(t, s.Insert(ctx, &domain.IndexEntry{}), storage.ErrInvalidInput)

	got, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 240, got.TickCount)

	_, err = s.GetByID(ctx, "zzz")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	day, err := s.GetByDay(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, "a", day[0].GameID)
	assert.Equal(t, "b", day[1].GameID)

	ranged, err := s.GetByTimeRange(ctx, base.Add(time.Hour), base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, "b", ranged[0].GameID)
	assert.Equal(t, "c", ranged[1].GameID)
}

func TestGameIndexStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewGameIndexStore()
	e := entry("a", time.Now())
	require.NoError(t, s.Insert(ctx, e))
	e.TickCount = 1

	got, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	got.TickCount = 2

	again, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 240, again.TickCount)
}

func TestTickStore(t *testing.T) {
	ctx := context.Background()
	s := NewTickStore()

	pts := []domain.PricePoint{
		{Tick: 2, Price: decimal.RequireFromString("1.2"), Set: true},
		{Tick: 0, Price: decimal.NewFromInt(1), Set: true},
		{Tick: 1, Price: decimal.RequireFromString("1.1"), Set: true, Filled: true},
	}
	require.NoError(t, s.InsertBulk(ctx, "g1", pts))
	assert.ErrorIs(t, s.InsertBulk(ctx, "g1", pts[:1]), storage.ErrDuplicateKey)
	assert.ErrorIs(t, s.InsertBulk(ctx, "g2", []domain.PricePoint{{Tick: 5}, {Tick: 5}}), storage.ErrDuplicateKey)
	assert.ErrorIs(t, s.InsertBulk(ctx, "", pts), storage.ErrInvalidInput)

	got, err := s.GetByGameID(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint32(0), got[0].Tick)
	assert.True(t, got[1].Filled)

	empty, err := s.GetByGameID(ctx, "g2")
	require.NoError(t, err)
	assert.Empty(t, empty, "failed batch inserts nothing")
}

func TestArchiver_Idempotent(t *testing.T) {
	ctx := context.Background()
	idx := NewGameIndexStore()
	ticks := NewTickStore()
	a := &storage.Archiver{Index: idx, Ticks: ticks}

	tl := &domain.GameTimeline{
		GameID: "g1",
		Prices: []domain.PricePoint{
			{Tick: 0, Price: decimal.NewFromInt(1), Set: true},
			{Tick: 1},
			{Tick: 2, Price: decimal.RequireFromString("0.5"), Set: true},
		},
	}
	e := *entry("g1", time.Now())

	require.NoError(t, a.Archive(ctx, e, tl))
	require.NoError(t, a.Archive(ctx, e, tl))

	got, err := ticks.GetByGameID(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, got, 2, "unset slots are not archived")
}
