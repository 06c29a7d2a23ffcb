// Package replay re-emits recorded games through the event bus with the same
// phase and tick semantics as live ingestion.
package replay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/phase"
	"rugs-feed-lab/internal/protocol"
	"rugs-feed-lab/internal/recording"
	"rugs-feed-lab/internal/timeline"
)

// DefaultTickInterval is the feed's nominal tick period.
const DefaultTickInterval = 250 * time.Millisecond

// Pacing selects how fast events are released.
type Pacing string

const (
	PaceRealtime    Pacing = "realtime"
	PaceAccelerated Pacing = "accelerated"
	PaceStep        Pacing = "step"
	PaceInstant     Pacing = "instant"
)

// ParsePacing parses a pacing name.
func ParsePacing(s string) (Pacing, error) {
	switch p := Pacing(strings.ToLower(s)); p {
	case PaceRealtime, PaceAccelerated, PaceStep, PaceInstant:
		return p, nil
	}
	return "", fmt.Errorf("unknown pacing %q", s)
}

// Sink receives replayed events. *events.Bus satisfies it.
type Sink interface {
	PublishAs(kind events.Kind, provenance domain.Provenance, payload any)
}

// Options configures a Player.
type Options struct {
	Pacing       Pacing
	Speed        float64       // accelerated pacing multiplier, default 10
	TickInterval time.Duration // 0 derives it from the recorded duration
	Sink         Sink
	Logger       *zap.Logger
}

// Result summarizes one replayed game.
type Result struct {
	GameID   string
	Ticks    int
	Events   int
	Timeline *domain.GameTimeline // rebuilt by the replay
	Duration time.Duration
}

// Player replays finalized games.
type Player struct {
	opts   Options
	logger *zap.Logger
	step   chan struct{}
}

// NewPlayer creates a Player.
func NewPlayer(opts Options) *Player {
	if opts.Pacing == "" {
		opts.Pacing = PaceInstant
	}
	if opts.Speed <= 0 {
		opts.Speed = 10
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Player{
		opts:   opts,
		logger: opts.Logger.Named("replay"),
		step:   make(chan struct{}),
	}
}

// Step releases one tick in step pacing.
func (p *Player) Step(ctx context.Context) error {
	select {
	case p.step <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadGame reads a game file and returns its timeline if it can be replayed.
func LoadGame(path string) (*domain.GameTimeline, error) {
	f, err := recording.LoadGameFile(path)
	if err != nil {
		return nil, err
	}
	tl, err := f.Timeline()
	if err != nil {
		return nil, err
	}
	if err := Replayable(tl); err != nil {
		return nil, err
	}
	return tl, nil
}

// Replayable checks that a timeline is finalized, rugged and gap free.
func Replayable(tl *domain.GameTimeline) error {
	switch {
	case tl == nil:
		return fmt.Errorf("%w: nil timeline", ErrNotReplayable)
	case !tl.Finalized:
		return fmt.Errorf("%w: %s not finalized", ErrNotReplayable, tl.GameID)
	case !tl.Rugged:
		return fmt.Errorf("%w: %s never rugged", ErrNotReplayable, tl.GameID)
	case tl.HasGaps:
		return fmt.Errorf("%w: %s has gaps", ErrNotReplayable, tl.GameID)
	case len(tl.Prices) == 0:
		return fmt.Errorf("%w: %s has no prices", ErrNotReplayable, tl.GameID)
	}
	return nil
}

// Play re-emits a game: PRESALE, ACTIVE, every live-observed tick, RUGGED
// and the completed timeline. A tick 0 that only holds the seeded initial
// price is not emitted, matching live ingestion. The game is driven through a fresh phase machine
// and accumulator so the emitted semantics match live ingestion.
func (p *Player) Play(ctx context.Context, tl *domain.GameTimeline) (*Result, error) {
	if err := Replayable(tl); err != nil {
		return nil, err
	}
	start := time.Now()

	clock := newReplayClock(tl)
	machine := phase.NewMachine(tl.GameID, phase.Options{Logger: p.logger, Now: clock.now})
	acc := timeline.NewAccumulator(tl.GameID, tl.StartTime, timeline.Options{MaxTicks: len(tl.Prices), Logger: p.logger})
	acc.SetSeedHash(tl.ServerSeedHash)

	res := &Result{GameID: tl.GameID}
	emit := func(kind events.Kind, payload any) {
		res.Events++
		if p.opts.Sink != nil {
			p.opts.Sink.PublishAs(kind, domain.ProvenanceReplay, payload)
		}
	}
	transition := func(to domain.Phase, tick uint32) error {
		tr, err := machine.Observe(to, tick)
		if err != nil {
			return fmt.Errorf("replay %s: %w", tl.GameID, err)
		}
		if tr != nil {
			emit(events.KindPhaseChanged, events.PhaseChanged{
				GameID: tl.GameID,
				From:   tr.From,
				To:     tr.To,
				Tick:   tr.Tick,
				Clean:  tr.To == domain.PhaseActive && machine.CleanStart(),
			})
		}
		return nil
	}

	if _, err := machine.Observe(domain.PhaseCooldown, 0); err != nil {
		return nil, err
	}
	if err := transition(domain.PhasePresale, 0); err != nil {
		return nil, err
	}
	if err := transition(domain.PhaseActive, 0); err != nil {
		return nil, err
	}

	interval := p.interval(tl)
	last := uint32(len(tl.Prices) - 1)
	for _, pt := range tl.Prices {
		if !pt.Set || pt.Seeded {
			continue
		}
		if pt.Tick > 0 {
			clock.advance(interval)
		}
		if pt.Filled {
			// backfilled slots were never live ticks
			if _, err := acc.Backfill([]protocol.PricedTick{{Tick: pt.Tick, Price: pt.Price}}); err != nil {
				return nil, err
			}
			continue
		}
		if err := p.wait(ctx, interval); err != nil {
			return nil, err
		}
		gap, err := acc.RecordTick(pt.Tick, pt.Price, clock.now())
		if err != nil {
			return nil, fmt.Errorf("replay %s tick %d: %w", tl.GameID, pt.Tick, err)
		}
		res.Ticks++
		emit(events.KindTick, events.Tick{
			GameID: tl.GameID,
			Tick:   pt.Tick,
			Price:  pt.Price,
			Phase:  machine.Current(),
			GapRun: gap,
		})
	}

	if err := transition(domain.PhaseRugged, last); err != nil {
		return nil, err
	}
	if tl.ServerSeed != nil {
		_ = acc.RevealSeed(*tl.ServerSeed)
	}
	rebuilt, err := acc.Finalize(tl.EndTime, true)
	if err != nil {
		return nil, err
	}
	emit(events.KindTimelineComplete, events.TimelineComplete{Timeline: rebuilt})

	res.Timeline = rebuilt
	res.Duration = time.Since(start)
	p.logger.Info("game replayed",
		zap.String("game_id", tl.GameID),
		zap.Int("ticks", res.Ticks),
		zap.Int("events", res.Events),
		zap.Duration("took", res.Duration),
	)
	return res, nil
}

func (p *Player) interval(tl *domain.GameTimeline) time.Duration {
	d := p.opts.TickInterval
	if d <= 0 {
		d = DefaultTickInterval
		if n := len(tl.Prices) - 1; n > 0 && tl.Duration() > 0 {
			d = tl.Duration() / time.Duration(n)
		}
	}
	return d
}

func (p *Player) wait(ctx context.Context, interval time.Duration) error {
	var d time.Duration
	switch p.opts.Pacing {
	case PaceStep:
		select {
		case <-p.step:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case PaceRealtime:
		d = interval
	case PaceAccelerated:
		d = time.Duration(float64(interval) / p.opts.Speed)
	default:
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replayClock reproduces recorded timestamps instead of wall time.
type replayClock struct {
	t, end time.Time
}

func newReplayClock(tl *domain.GameTimeline) *replayClock {
	return &replayClock{t: tl.StartTime, end: tl.EndTime}
}

func (c *replayClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
	if c.t.After(c.end) {
		c.t = c.end
	}
}

func (c *replayClock) now() time.Time { return c.t }
