// Package main rebuilds a day's index from its game files and mirrors the
// entries into the configured archive stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/config"
	"rugs-feed-lab/internal/observability"
	"rugs-feed-lab/internal/pipeline"
	"rugs-feed-lab/internal/recording"
)

func main() {
	configPath := flag.String("config", os.Getenv("RUGS_CONFIG"), "Path to YAML config (defaults apply when empty)")
	day := flag.String("day", time.Now().UTC().Format(time.DateOnly), "Day to rebuild (YYYY-MM-DD)")
	archive := flag.Bool("archive", true, "Mirror rebuilt entries into the configured stores")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, _, err := observability.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if _, err := time.Parse(time.DateOnly, *day); err != nil {
		logger.Fatal("invalid day", zap.String("day", *day), zap.Error(err))
	}

	layout := recording.Layout{Dir: cfg.Recording.Dir}
	idx, err := recording.RebuildDayIndex(layout, *day)
	if err != nil {
		logger.Fatal("rebuild index", zap.String("day", *day), zap.Error(err))
	}
	logger.Info("index rebuilt", zap.String("day", *day), zap.Int("games", len(idx.Games)))

	if !*archive {
		return
	}

	ctx := context.Background()
	a, cleanup, err := pipeline.OpenArchive(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("open archive", zap.Error(err))
	}
	defer cleanup()
	if a == nil {
		logger.Info("no archive configured")
		return
	}

	archived := 0
	for _, e := range idx.Games {
		f, err := recording.LoadGameFile(layout.Abs(e.GameFile))
		if err != nil {
			logger.Warn("skipping game", zap.String("game_id", e.GameID), zap.Error(err))
			continue
		}
		tl, err := f.Timeline()
		if err != nil {
			logger.Warn("skipping game", zap.String("game_id", e.GameID), zap.Error(err))
			continue
		}
		if err := a.Archive(ctx, e, tl); err != nil {
			logger.Error("archive game", zap.String("game_id", e.GameID), zap.Error(err))
			continue
		}
		archived++
	}
	logger.Info("archive complete", zap.String("day", *day), zap.Int("archived", archived))
}
