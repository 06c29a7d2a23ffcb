// Package main replays recorded games with the same phase and tick semantics
// as live ingestion.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/observability"
	"rugs-feed-lab/internal/recording"
	"rugs-feed-lab/internal/replay"
)

func main() {
	file := flag.String("file", "", "Game file to replay")
	dir := flag.String("dir", "recordings", "Recording directory (with -day)")
	day := flag.String("day", "", "Replay every game of a day (YYYY-MM-DD)")
	pacing := flag.String("pacing", "instant", "Pacing: realtime, accelerated, instant")
	speed := flag.Float64("speed", 10, "Accelerated pacing multiplier")
	verify := flag.Bool("verify", false, "Replay twice and check the output is deterministic")
	emit := flag.Bool("events", false, "Write replayed events to stdout as JSON lines")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, _, err := observability.NewLogger(observability.LogConfig{Level: *logLevel, Format: "console", Service: "replay"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if (*file == "") == (*day == "") {
		logger.Fatal("exactly one of -file or -day is required")
	}
	pace, err := replay.ParsePacing(*pacing)
	if err != nil {
		logger.Fatal("invalid pacing", zap.Error(err))
	}
	if pace == replay.PaceStep {
		logger.Fatal("step pacing needs an interactive driver; use the API")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, stopping replay", zap.String("signal", sig.String()))
		cancel()
	}()

	var sink replay.Sink
	if *emit {
		sink = &stdoutSink{enc: json.NewEncoder(os.Stdout)}
	}
	player := replay.NewPlayer(replay.Options{
		Pacing: pace,
		Speed:  *speed,
		Sink:   sink,
		Logger: logger,
	})

	var results []*replay.Result
	if *file != "" {
		tl, err := replay.LoadGame(*file)
		if err != nil {
			logger.Fatal("load game", zap.String("file", *file), zap.Error(err))
		}
		if *verify {
			if err := replay.VerifyDeterminism(ctx, tl, logger); err != nil {
				logger.Fatal("determinism check failed", zap.String("game_id", tl.GameID), zap.Error(err))
			}
			logger.Info("determinism verified", zap.String("game_id", tl.GameID))
		}
		res, err := player.Play(ctx, tl)
		if err != nil {
			logger.Fatal("replay failed", zap.Error(err))
		}
		results = append(results, res)
	} else {
		layout := recording.Layout{Dir: *dir}
		if *verify {
			verifyDay(ctx, layout, *day, logger)
		}
		results, err = replay.NewRunner(layout, player, logger).RunDay(ctx, *day)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal("replay day failed", zap.String("day", *day), zap.Error(err))
		}
	}

	ticks := 0
	for _, r := range results {
		ticks += r.Ticks
		logger.Info("replayed game",
			zap.String("game_id", r.GameID),
			zap.Int("ticks", r.Ticks),
			zap.Int("events", r.Events),
			zap.Duration("duration", r.Duration),
		)
	}
	logger.Info("replay complete", zap.Int("games", len(results)), zap.Int("ticks", ticks))
}

// verifyDay runs the determinism check on every replayable game of a day.
func verifyDay(ctx context.Context, layout recording.Layout, day string, logger *zap.Logger) {
	idx, err := recording.LoadDayIndex(layout, day)
	if err != nil {
		logger.Fatal("load day index", zap.String("day", day), zap.Error(err))
	}
	failed := 0
	for _, e := range idx.Games {
		tl, err := replay.LoadGame(layout.Abs(e.GameFile))
		if err != nil {
			logger.Warn("skipping game", zap.String("game_id", e.GameID), zap.Error(err))
			continue
		}
		if err := replay.VerifyDeterminism(ctx, tl, logger); err != nil {
			failed++
			logger.Error("determinism check failed", zap.String("game_id", e.GameID), zap.Error(err))
		}
	}
	if failed > 0 {
		logger.Fatal("determinism check failed", zap.Int("games", failed))
	}
	logger.Info("determinism verified", zap.String("day", day), zap.Int("games", len(idx.Games)))
}

type stdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (s *stdoutSink) PublishAs(kind events.Kind, provenance domain.Provenance, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(struct {
		Kind       events.Kind       `json:"kind"`
		Provenance domain.Provenance `json:"provenance"`
		Payload    any               `json:"payload"`
	}{kind, provenance, payload})
}
