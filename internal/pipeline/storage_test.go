package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugs-feed-lab/internal/config"
	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/storage/sqlite"
)

func TestOpenArchive_None(t *testing.T) {
	a, cleanup, err := OpenArchive(context.Background(), config.StorageConfig{Index: config.IndexNone}, nil)
	require.NoError(t, err)
	defer cleanup()
	assert.Nil(t, a)
}

func TestOpenArchive_Sqlite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "index.db")

	a, cleanup, err := OpenArchive(ctx, config.StorageConfig{Index: config.IndexSqlite, SqlitePath: path}, nil)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.IsType(t, &sqlite.GameIndexStore{}, a.Index)
	assert.Nil(t, a.Ticks)

	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	entry := domain.IndexEntry{
		GameID:    "g1",
		Day:       "2025-06-01",
		StartTime: start,
		EndTime:   start.Add(time.Minute),
		PeakPrice: decimal.RequireFromString("2"),
		GameFile:  "games/2025-06-01/g1.json",
	}
	require.NoError(t, a.Archive(ctx, entry, nil))
	cleanup()

	// Reopening keeps the data and re-applies migrations idempotently.
	a, cleanup, err = OpenArchive(ctx, config.StorageConfig{Index: config.IndexSqlite, SqlitePath: path}, nil)
	require.NoError(t, err)
	defer cleanup()
	got, err := a.Index.GetByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "games/2025-06-01/g1.json", got.GameFile)
}

func TestOpenArchive_UnknownDriver(t *testing.T) {
	_, cleanup, err := OpenArchive(context.Background(), config.StorageConfig{Index: "mongo"}, nil)
	defer cleanup()
	assert.Error(t, err)
}
