// Package orchestrator routes decoded feed frames to per-game workers and
// publishes the resulting timeline events.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/ingestion"
	"rugs-feed-lab/internal/observability"
	"rugs-feed-lab/internal/phase"
	"rugs-feed-lab/internal/protocol"
)

// Gate is the backpressure surface the router consults.
type Gate interface {
	Admit(class protocol.EventClass) bool
	ObserveEvent(at time.Time)
	ObserveGap(gameID string, gapRun int) bool
}

// Options for creating a Router.
type Options struct {
	Publisher    events.Publisher
	Gate         Gate // nil admits everything
	MaxTicks     int
	RuggedMemory int
	WorkerQueue  int
	FinalizeWait time.Duration // bound on waiting for the previous game's worker
	PublishRaw   bool          // publish every admitted feed event as KindProtocol
	Logger       *zap.Logger
	Now          func() time.Time
}

// Status is a snapshot of the router.
type Status struct {
	CurrentGameID string       `json:"currentGameId"`
	Phase         domain.Phase `json:"phase"`
	TickCount     int          `json:"tickCount"`
	Gaps          int          `json:"gaps"`
	Frames        uint64       `json:"frames"`
	Events        uint64       `json:"events"`
	ParseErrors   uint64       `json:"parseErrors"`
	DecodeErrors  uint64       `json:"decodeErrors"`
	Dropped       uint64       `json:"dropped"`
}

// Router is the single goroutine that fans frames out by game id.
type Router struct {
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
	tracker *phase.Tracker

	mu      sync.RWMutex
	current *gameWorker
	stats   Status
}

// NewRouter creates a router.
func NewRouter(opts Options) *Router {
	if opts.WorkerQueue <= 0 {
		opts.WorkerQueue = 256
	}
	if opts.FinalizeWait <= 0 {
		opts.FinalizeWait = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.Named("router")
	return &Router{
		opts:    opts,
		logger:  logger,
		now:     opts.Now,
		tracker: phase.NewTracker(opts.RuggedMemory, logger),
	}
}

// Run consumes deliveries until ctx is done or the channel closes.
func (r *Router) Run(ctx context.Context, in <-chan ingestion.Delivery) error {
	defer r.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-in:
			if !ok {
				return nil
			}
			r.HandleFrame(d.Frame)
		}
	}
}

// HandleFrame parses and routes one raw frame. Must be called from one goroutine.
func (r *Router) HandleFrame(raw domain.RawFrame) {
	r.mu.Lock()
	r.stats.Frames++
	r.mu.Unlock()

	f, ev, ok := protocol.ParseRaw(raw)
	if !ok {
		r.mu.Lock()
		r.stats.ParseErrors++
		r.mu.Unlock()
		observability.RecordParseError()
		r.logger.Debug("malformed frame dropped", zap.Uint64("seq", raw.Sequence), zap.Int("len", len(raw.Payload)))
		return
	}
	observability.RecordFrameParsed(f.Type.String())
	if ev == nil {
		return
	}

	class := protocol.Classify(ev.Name)
	if r.opts.Gate != nil {
		r.opts.Gate.ObserveEvent(raw.ReceivedAt)
		if !r.opts.Gate.Admit(class) {
			r.mu.Lock()
			r.stats.Dropped++
			r.mu.Unlock()
			return
		}
	}

	r.mu.Lock()
	r.stats.Events++
	r.mu.Unlock()

	if r.opts.PublishRaw {
		r.publish(events.KindProtocol, events.Protocol{Event: ev.Clone(), Name: ev.Name, Class: class})
	}

	switch ev.Name {
	case protocol.EventGameStateUpdate:
		state, err := protocol.DecodeGameState(ev.Payload)
		if err != nil {
			r.decodeError(ev.Name, err)
			return
		}
		r.route(state, raw.ReceivedAt)

	case protocol.EventPlayerUpdate:
		acct, err := protocol.DecodePlayerUpdate(ev.Payload, raw.ReceivedAt)
		if err != nil {
			r.decodeError(ev.Name, err)
			return
		}
		r.publish(events.KindAccountUpdate, events.AccountUpdate{State: acct})
	}
}

func (r *Router) decodeError(name string, err error) {
	r.mu.Lock()
	r.stats.DecodeErrors++
	r.mu.Unlock()
	r.logger.Debug("payload decode failed", zap.String("event", name), zap.Error(err))
}

func (r *Router) route(state *protocol.GameState, at time.Time) {
	end, err := r.tracker.Begin(state.GameID)
	if errors.Is(err, phase.ErrGameRugged) {
		observability.RecordRejectedObservation("late")
		r.logger.Warn("late observation for rugged game not applied",
			zap.String("game_id", state.GameID),
			zap.Uint32("tick", state.Tick()),
		)
		return
	}

	r.mu.RLock()
	w := r.current
	r.mu.RUnlock()

	if end.PreviousID != "" && w != nil && w.gameID == end.PreviousID {
		seed, _ := state.RevealedSeed(end.PreviousID)
		r.finalize(w, at, seed)
		w = nil
	}

	if w == nil || w.gameID != state.GameID {
		w = newGameWorker(r, state.GameID, at)
		go w.run()
		r.mu.Lock()
		r.current = w
		r.mu.Unlock()
		r.logger.Info("new game", zap.String("game_id", state.GameID), zap.String("phase", state.Phase().String()))
	}

	w.inbox <- workerMsg{state: state, at: at}
}

// finalize stops a worker synchronously, bounded by FinalizeWait.
func (r *Router) finalize(w *gameWorker, at time.Time, seed string) {
	reply := make(chan struct{})
	w.inbox <- workerMsg{finalize: true, at: at, seed: seed, reply: reply}
	close(w.inbox)
	select {
	case <-reply:
	case <-time.After(r.opts.FinalizeWait):
		r.logger.Error("previous game worker did not finalize in time", zap.String("game_id", w.gameID))
	}
}

func (r *Router) publish(kind events.Kind, payload any) {
	if r.opts.Publisher != nil {
		r.opts.Publisher.Publish(kind, payload)
	}
}

// Status returns a snapshot of the router and the current game.
func (r *Router) Status() Status {
	r.mu.RLock()
	st := r.stats
	w := r.current
	r.mu.RUnlock()

	if w != nil {
		st.CurrentGameID = w.gameID
		st.Phase = w.machine.Current()
		st.TickCount = w.acc.Len()
		st.Gaps = len(w.acc.Gaps())
	}
	return st
}

// CurrentTimeline returns a snapshot of the game in play, nil if none.
func (r *Router) CurrentTimeline() *domain.GameTimeline {
	r.mu.RLock()
	w := r.current
	r.mu.RUnlock()
	if w == nil {
		return nil
	}
	return w.acc.Snapshot()
}

// Close stops the current worker without finalizing its game.
func (r *Router) Close() {
	r.mu.Lock()
	w := r.current
	r.current = nil
	r.mu.Unlock()
	if w == nil {
		return
	}
	close(w.inbox)
	select {
	case <-w.done:
	case <-time.After(r.opts.FinalizeWait):
	}
}
