package migrations

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/storage/sqlite"
)

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
-- header comment
CREATE TABLE a (x Int32);

CREATE TABLE b (
    y String
);
`)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x Int32)", stmts[0])
	assert.Contains(t, stmts[1], "y String")
}

func TestValidateNoSemicolonInStrings(t *testing.T) {
	assert.NoError(t, validateNoSemicolonInStrings(`SELECT 'it''s'; SELECT 1;`))
	assert.Error(t, validateNoSemicolonInStrings(`SELECT 'a;b';`))
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://u:p@localhost:9000/rugs")
	require.NoError(t, err)
	assert.Equal(t, "rugs", db)

	_, err = databaseFromDSN("clickhouse://localhost:9000")
	assert.Error(t, err)
}

func TestRunSqliteMigrations(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RunSqliteMigrations(ctx, db))
	// Idempotent.
	require.NoError(t, RunSqliteMigrations(ctx, db))

	store := sqlite.NewGameIndexStore(db)
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, &domain.IndexEntry{
		GameID:    "g1",
		Day:       "2025-06-01",
		StartTime: start,
		EndTime:   start.Add(time.Minute),
		PeakPrice: decimal.RequireFromString("1.5"),
		GameFile:  "games/2025-06-01/g1.json",
	}))

	got, err := store.GetByID(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, got.PeakPrice.Equal(decimal.RequireFromString("1.5")))
}
