package orchestrator

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/observability"
	"rugs-feed-lab/internal/phase"
	"rugs-feed-lab/internal/protocol"
	"rugs-feed-lab/internal/timeline"
)

type workerMsg struct {
	state *protocol.GameState
	at    time.Time

	// finalize request
	finalize bool
	seed     string
	reply    chan struct{}
}

// gameWorker owns the accumulator and phase machine of one game id.
type gameWorker struct {
	gameID  string
	acc     *timeline.Accumulator
	machine *phase.Machine
	router  *Router
	logger  *zap.Logger

	inbox chan workerMsg
	done  chan struct{}
}

func newGameWorker(r *Router, gameID string, at time.Time) *gameWorker {
	logger := r.logger.With(zap.String("game_id", gameID))
	return &gameWorker{
		gameID: gameID,
		acc: timeline.NewAccumulator(gameID, at, timeline.Options{
			MaxTicks: r.opts.MaxTicks,
			Logger:   logger,
		}),
		machine: phase.NewMachine(gameID, phase.Options{Logger: logger, Now: r.now}),
		router:  r,
		logger:  logger,
		inbox:   make(chan workerMsg, r.opts.WorkerQueue),
		done:    make(chan struct{}),
	}
}

func (w *gameWorker) run() {
	defer close(w.done)
	for msg := range w.inbox {
		if msg.finalize {
			w.finalizeCut(msg.at, msg.seed)
			close(msg.reply)
			return
		}
		w.apply(msg.state, msg.at)
	}
}

func (w *gameWorker) apply(s *protocol.GameState, at time.Time) {
	if err := w.machine.CheckTick(); err != nil {
		observability.RecordRejectedObservation("rugged")
		w.logger.Warn("observation for rugged game not applied",
			zap.Uint32("tick", s.Tick()),
			zap.String("phase", s.Phase().String()),
		)
		return
	}

	w.acc.SetSeedHash(s.SeedHash())
	if seed, ok := s.RevealedSeed(w.gameID); ok {
		_ = w.acc.RevealSeed(seed)
	}

	observed := s.Phase()
	if observed != domain.PhaseRugged {
		w.transition(observed, s.Tick())
		if observed == domain.PhaseActive && w.machine.Current() == domain.PhaseActive {
			w.recordTick(s, at)
		}
		return
	}

	// A rug frame carries the crash price only when it names a tick past the
	// last one; otherwise it is a bare phase change.
	if w.machine.Current() == domain.PhaseActive {
		if pt, ok := s.PricedTick(); ok && pt.Tick > w.acc.LastTick() {
			w.recordTick(s, at)
		}
	}
	rugTick := s.Tick()
	if s.TickCount == nil {
		rugTick = w.acc.LastTick()
	}
	if w.transition(domain.PhaseRugged, rugTick) {
		w.router.tracker.MarkRugged(w.gameID)
		tl, err := w.acc.Finalize(at, true)
		if err != nil {
			return
		}
		w.publishComplete(tl, false)
	}
}

// transition applies an observed phase and publishes the change.
func (w *gameWorker) transition(to domain.Phase, tick uint32) bool {
	tr, err := w.machine.Observe(to, tick)
	switch {
	case errors.Is(err, phase.ErrInvalidTransition):
		observability.RecordRejectedObservation("invalid_transition")
		return false
	case errors.Is(err, phase.ErrGameRugged):
		observability.RecordRejectedObservation("rugged")
		return false
	case err != nil:
		w.logger.Warn("phase observation failed", zap.Error(err))
		return false
	case tr == nil:
		return false
	}

	w.router.publish(events.KindPhaseChanged, events.PhaseChanged{
		GameID: w.gameID,
		From:   tr.From,
		To:     tr.To,
		Tick:   tr.Tick,
		Clean:  tr.To == domain.PhaseActive && w.machine.CleanStart(),
	})
	return true
}

func (w *gameWorker) recordTick(s *protocol.GameState, at time.Time) {
	filled := 0
	if pts := s.PartialPrices.Points(); len(pts) > 0 {
		n, err := w.acc.Backfill(pts)
		if err == nil {
			filled = n
		}
	}

	pt, ok := s.PricedTick()
	if !ok {
		if filled > 0 {
			observability.RecordTick(filled)
		}
		return
	}
	gap, err := w.acc.RecordTick(pt.Tick, pt.Price, at)
	if err != nil {
		w.logger.Warn("tick rejected", zap.Uint32("tick", pt.Tick), zap.Error(err))
		return
	}
	observability.RecordTick(filled)

	w.router.publish(events.KindTick, events.Tick{
		GameID: w.gameID,
		Tick:   pt.Tick,
		Price:  pt.Price,
		Phase:  w.machine.Current(),
		GapRun: gap,
	})

	if w.router.opts.Gate != nil && w.router.opts.Gate.ObserveGap(w.gameID, gap) {
		w.router.publish(events.KindIntegrityBreach, events.IntegrityBreach{
			GameID: w.gameID,
			Reason: "gap run exceeded",
			GapRun: gap,
		})
	}
}

// finalizeCut ends a game because a new game id appeared.
func (w *gameWorker) finalizeCut(at time.Time, seed string) {
	if w.machine.Current() == domain.PhaseRugged {
		return
	}
	if seed != "" {
		_ = w.acc.RevealSeed(seed)
	}
	tl, err := w.acc.Finalize(at, false)
	if err != nil {
		return
	}
	w.router.publish(events.KindIntegrityBreach, events.IntegrityBreach{
		GameID: w.gameID,
		Reason: "game ended without RUGGED",
	})
	w.publishComplete(tl, true)
}

func (w *gameWorker) publishComplete(tl *domain.GameTimeline, abnormal bool) {
	observability.RecordGameFinalized(tl.Rugged, tl.HasGaps)
	w.logger.Info("game finalized",
		zap.Int("ticks", tl.TickCount()),
		zap.Bool("has_gaps", tl.HasGaps),
		zap.Bool("abnormal", abnormal),
		zap.String("peak", tl.PeakPrice.String()),
	)
	w.router.publish(events.KindTimelineComplete, events.TimelineComplete{
		Timeline: tl,
		Abnormal: abnormal,
	})
}
