package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/recording"
)

// Runner replays the games listed in a day's index, in index order.
type Runner struct {
	layout recording.Layout
	player *Player
	logger *zap.Logger
}

// NewRunner creates a new replay runner.
func NewRunner(layout recording.Layout, player *Player, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{layout: layout, player: player, logger: logger.Named("replay_runner")}
}

// RunDay replays every clean game of a day. Games that fail to load are
// skipped and logged.
func (r *Runner) RunDay(ctx context.Context, day string) ([]*Result, error) {
	idx, err := recording.LoadDayIndex(r.layout, day)
	if err != nil {
		return nil, err
	}
	var results []*Result
	for _, e := range idx.Games {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		tl, err := LoadGame(r.layout.Abs(e.GameFile))
		if err != nil {
			r.logger.Warn("skipping game", zap.String("game_id", e.GameID), zap.Error(err))
			continue
		}
		res, err := r.player.Play(ctx, tl)
		if err != nil {
			return results, fmt.Errorf("replay %s: %w", e.GameID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// recordingSink captures a replay as canonical JSON lines.
type recordingSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
	err error
}

func (s *recordingSink) PublishAs(kind events.Kind, provenance domain.Provenance, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	line, err := json.Marshal(struct {
		Kind       events.Kind       `json:"kind"`
		Provenance domain.Provenance `json:"provenance"`
		Payload    any               `json:"payload"`
	}{kind, provenance, payload})
	if err != nil {
		s.err = err
		return
	}
	s.buf.Write(line)
	s.buf.WriteByte('\n')
}

// VerifyDeterminism replays a game twice and checks that both passes emit
// identical event streams and rebuild a timeline that encodes to the same
// game file as the source.
func VerifyDeterminism(ctx context.Context, tl *domain.GameTimeline, logger *zap.Logger) error {
	pass := func() ([]byte, *Result, error) {
		sink := &recordingSink{}
		res, err := NewPlayer(Options{Pacing: PaceInstant, Sink: sink, Logger: logger}).Play(ctx, tl)
		if err != nil {
			return nil, nil, err
		}
		if sink.err != nil {
			return nil, nil, sink.err
		}
		return sink.buf.Bytes(), res, nil
	}

	first, res1, err := pass()
	if err != nil {
		return fmt.Errorf("first pass: %w", err)
	}
	second, res2, err := pass()
	if err != nil {
		return fmt.Errorf("second pass: %w", err)
	}
	if !bytes.Equal(first, second) {
		return fmt.Errorf("%w: event streams differ", ErrNondeterministic)
	}
	if res1.Ticks != res2.Ticks {
		return fmt.Errorf("%w: ticks %d vs %d", ErrNondeterministic, res1.Ticks, res2.Ticks)
	}

	want, err := json.Marshal(recording.NewGameFile(tl, "", false))
	if err != nil {
		return err
	}
	got, err := json.Marshal(recording.NewGameFile(res1.Timeline, "", false))
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("%w: rebuilt timeline differs from source", ErrNondeterministic)
	}
	return nil
}
