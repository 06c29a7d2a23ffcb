package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/config"
	"rugs-feed-lab/internal/storage"
	chstore "rugs-feed-lab/internal/storage/clickhouse"
	"rugs-feed-lab/internal/storage/memory"
	"rugs-feed-lab/internal/storage/migrations"
	pgstore "rugs-feed-lab/internal/storage/postgres"
	"rugs-feed-lab/internal/storage/sqlite"
)

// OpenArchive connects the configured archive stores and applies their
// migrations. It returns nil when no store is configured. The cleanup
// function is always safe to call.
func OpenArchive(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*storage.Archiver, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	archiver := &storage.Archiver{}

	switch cfg.Index {
	case "", config.IndexNone:
	case config.IndexMemory:
		archiver.Index = memory.NewGameIndexStore()
	case config.IndexSqlite:
		if err := os.MkdirAll(filepath.Dir(cfg.SqlitePath), 0o755); err != nil {
			return nil, cleanup, fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := sqlite.Open(ctx, cfg.SqlitePath, logger)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { db.Close() })
		if err := migrations.RunSqliteMigrations(ctx, db); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		archiver.Index = sqlite.NewGameIndexStore(db)
	case config.IndexPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect to postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		archiver.Index = pgstore.NewGameIndexStore(pool)
	default:
		return nil, cleanup, fmt.Errorf("unknown index store %q", cfg.Index)
	}

	if cfg.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("connect to clickhouse: %w", err)
		}
		closers = append(closers, func() { conn.Close() })
		archiver.Ticks = chstore.NewTickStore(conn)
	}

	if archiver.Index == nil && archiver.Ticks == nil {
		return nil, cleanup, nil
	}
	logger.Info("archive stores ready",
		zap.String("index", cfg.Index),
		zap.Bool("ticks", archiver.Ticks != nil),
	)
	return archiver, cleanup, nil
}
