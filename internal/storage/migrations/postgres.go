package migrations

import (
	"context"

	"rugs-feed-lab/internal/storage/postgres"
)

// RunPostgresMigrations applies the embedded PostgreSQL schema. Each file is
// sent as one multi-statement Exec.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	return apply(ctx, PostgresFS, "postgres", false, func(ctx context.Context, sql string) error {
		_, err := pool.Exec(ctx, sql)
		return err
	})
}
