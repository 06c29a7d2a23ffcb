package migrations

import (
	"context"

	"rugs-feed-lab/internal/storage/sqlite"
)

// RunSqliteMigrations applies the embedded SQLite schema one statement at a time.
func RunSqliteMigrations(ctx context.Context, db *sqlite.DB) error {
	return apply(ctx, SqliteFS, "sqlite", true, func(ctx context.Context, sql string) error {
		_, err := db.ExecContext(ctx, sql)
		return err
	})
}
