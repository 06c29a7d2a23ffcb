// Package recording captures finalized games and the actions taken during
// them into JSON files, driven by the pipeline's event bus.
package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rugs-feed-lab/internal/backpressure"
	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/observability"
)

var (
	// ErrSessionActive is returned when starting while a session runs.
	ErrSessionActive = errors.New("capture session already active")
	// ErrNoSession is returned when stopping without a session.
	ErrNoSession = errors.New("no capture session")
	// ErrCaptureSuspended is returned when the pipeline is CRITICAL.
	ErrCaptureSuspended = errors.New("capture suspended: pipeline critical")
	// ErrNoGameInFlight is returned for actions outside a recorded game.
	ErrNoGameInFlight = errors.New("no recorded game in flight")
	// ErrActionsDisabled is returned for actions in game-state-only mode.
	ErrActionsDisabled = errors.New("capture mode does not record actions")
	// ErrInvalidAction is returned for an unknown action type.
	ErrInvalidAction = errors.New("invalid action")
	// ErrInvalidConfig is returned for an invalid capture config.
	ErrInvalidConfig = errors.New("invalid capture config")
)

// HealthGate reports the pipeline's degradation tier.
type HealthGate interface {
	CaptureAllowed() bool
	Level() domain.HealthLevel
}

// AccountSource supplies the latest server account snapshot without blocking.
type AccountSource interface {
	LatestServer() (*domain.ServerAccountState, bool)
}

// Archiver mirrors a recorded game into external storage.
type Archiver interface {
	Archive(ctx context.Context, entry domain.IndexEntry, tl *domain.GameTimeline) error
}

// Options configures a Recorder.
type Options struct {
	Dir          string
	Writer       *Writer
	Publisher    events.Publisher
	Health       HealthGate
	Account      AccountSource
	Archivers    []Archiver
	FlushTimeout time.Duration // bound on the final flush after Stop
	Logger       *zap.Logger
	Now          func() time.Time
}

// ActionRequest is an action reported by the consumer.
type ActionRequest struct {
	Action domain.ActionType           `json:"action"`
	Amount decimal.Decimal             `json:"amount"`
	Price  decimal.Decimal             `json:"price"`
	Local  domain.LocalAccountSnapshot `json:"localState"`
}

type gameCapture struct {
	id       string
	scrutiny bool
	ticks    int
	gaps     *backpressure.IntegrityMonitor // nil without a session gap limit
	actions  []domain.RecordedAction
}

// Recorder is the capture session state machine
// IDLE -> MONITORING -> RECORDING -> FINISHING_GAME -> IDLE.
// Bus events are applied on one goroutine; the public API is safe from any goroutine.
type Recorder struct {
	layout    Layout
	writer    *Writer
	publisher events.Publisher
	health    HealthGate
	account   AccountSource
	archivers []Archiver
	flushWait time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	state   domain.CaptureState
	session *domain.CaptureSession
	game    *gameCapture
	ended   chan struct{} // closed when the session returns to IDLE
	expiry  *time.Timer   // session duration limit

	// clean games still to observe after a breach, and the game being watched
	pendingClean int
	watchID      string

	// latest tick seen on the feed, for joining actions
	feedGameID string
	feedTick   uint32
}

// New creates an idle Recorder.
func New(opts Options) (*Recorder, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: output dir required", ErrInvalidConfig)
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("%w: writer required", ErrInvalidConfig)
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		layout:    Layout{Dir: opts.Dir},
		writer:    opts.Writer,
		publisher: opts.Publisher,
		health:    opts.Health,
		account:   opts.Account,
		archivers: opts.Archivers,
		flushWait: opts.FlushTimeout,
		logger:    opts.Logger.Named("recorder"),
		now:       opts.Now,
		state:     domain.CaptureIdle,
	}, nil
}

// Layout returns the output file layout.
func (r *Recorder) Layout() Layout {
	return r.layout
}

// Attach subscribes the recorder to the bus.
func (r *Recorder) Attach(sub events.Subscriber) (*events.Subscription, error) {
	return sub.Subscribe("recorder", r.Handle,
		events.KindPhaseChanged,
		events.KindTick,
		events.KindTimelineComplete,
		events.KindIntegrityBreach,
		events.KindHealthChanged,
	)
}

// Start begins a capture session in MONITORING. A game already in play is
// ignored; recording starts with the next clean game start.
func (r *Recorder) Start(cfg domain.CaptureConfig) (domain.CaptureSession, error) {
	if cfg.Mode == "" {
		cfg.Mode = domain.CaptureGameStateOnly
	}
	if !cfg.Mode.IsValid() {
		return domain.CaptureSession{}, fmt.Errorf("%w: mode %q", ErrInvalidConfig, cfg.Mode)
	}
	if cfg.ResumeAfterGames <= 0 {
		cfg.ResumeAfterGames = 1
	}
	l := cfg.Limits
	if l.MaxTicks < 0 || l.MaxGames < 0 || l.MaxDuration < 0 || l.MaxIntegrityBreaches < 0 {
		return domain.CaptureSession{}, fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != domain.CaptureIdle {
		return domain.CaptureSession{}, ErrSessionActive
	}
	if r.health != nil && !r.health.CaptureAllowed() {
		return domain.CaptureSession{}, ErrCaptureSuspended
	}

	r.session = &domain.CaptureSession{
		ID:        uuid.NewString(),
		Config:    cfg,
		State:     domain.CaptureIdle,
		StartedAt: r.now(),
	}
	r.game = nil
	r.pendingClean = 0
	r.watchID = ""
	r.ended = make(chan struct{})
	if l.MaxDuration > 0 {
		id := r.session.ID
		r.expiry = time.AfterFunc(l.MaxDuration, func() { r.durationElapsed(id) })
	}
	r.setState(domain.CaptureMonitoring, "session started")
	r.logger.Info("capture session started",
		zap.String("session_id", r.session.ID),
		zap.String("mode", string(cfg.Mode)),
	)
	return *r.session, nil
}

// Stop ends the session. A game being recorded is finished first, bounded by
// ctx; if ctx expires the game is discarded. Queued writes are then flushed.
func (r *Recorder) Stop(ctx context.Context) (domain.CaptureSession, error) {
	r.mu.Lock()
	if r.state == domain.CaptureIdle {
		r.mu.Unlock()
		return domain.CaptureSession{}, ErrNoSession
	}
	if r.game == nil {
		r.endSession("stop requested")
	} else if r.state == domain.CaptureRecording {
		r.session.StopReason = "stop requested"
		r.setState(domain.CaptureFinishingGame, "stop requested")
	}
	ended := r.ended
	r.mu.Unlock()

	select {
	case <-ended:
	case <-ctx.Done():
		r.mu.Lock()
		if r.state != domain.CaptureIdle {
			r.discardGame("stop timeout")
			r.endSession("stop timeout: game discarded")
		}
		r.mu.Unlock()
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), r.flushWait)
	defer cancel()
	err := r.writer.Flush(flushCtx)

	r.mu.Lock()
	sess := *r.session
	r.mu.Unlock()
	return sess, err
}

// RecordAction appends an action to the game being recorded, joined by game
// id and the latest feed tick, with the latest server snapshot if any.
func (r *Recorder) RecordAction(req ActionRequest) (domain.RecordedAction, error) {
	if !req.Action.IsValid() {
		return domain.RecordedAction{}, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil || r.game == nil {
		return domain.RecordedAction{}, ErrNoGameInFlight
	}
	if r.session.Config.Mode != domain.CaptureGameAndActions {
		return domain.RecordedAction{}, ErrActionsDisabled
	}

	a := domain.RecordedAction{
		GameID:           r.game.id,
		Action:           req.Action,
		Amount:           req.Amount,
		Price:            req.Price,
		BalanceAfter:     req.Local.Cash,
		PositionQtyAfter: req.Local.PositionQty,
		LocalState:       req.Local,
		Timestamp:        r.now(),
	}
	if r.feedGameID == r.game.id {
		a.Tick = r.feedTick
	}
	if r.account != nil {
		if s, ok := r.account.LatestServer(); ok {
			a.ServerState = s
		}
	}
	r.game.actions = append(r.game.actions, a)
	r.session.ActionsRecorded++
	observability.RecordAction()
	return a, nil
}

// State returns the current capture state.
func (r *Recorder) State() domain.CaptureState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Session returns the current or most recent session.
func (r *Recorder) Session() (domain.CaptureSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return domain.CaptureSession{}, false
	}
	return *r.session, true
}

// Handle applies one bus event. Replayed events are ignored.
func (r *Recorder) Handle(ev events.Event) {
	if ev.Provenance == domain.ProvenanceReplay {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch p := ev.Payload.(type) {
	case events.Tick:
		r.feedGameID, r.feedTick = p.GameID, p.Tick
	}

	if r.state == domain.CaptureIdle {
		return
	}

	switch p := ev.Payload.(type) {
	case events.PhaseChanged:
		if isCleanStart(p) {
			r.onGameStart(p.GameID)
		}
	case events.Tick:
		r.onTick(p)
	case events.TimelineComplete:
		r.onComplete(p)
	case events.IntegrityBreach:
		r.onBreach(p.GameID, p.Reason)
	case events.HealthChanged:
		r.onHealth(p)
	}

	r.checkDuration()
}

// isCleanStart reports a game entering PRESALE or ACTIVE from an observed
// COOLDOWN, or PRESALE from the implied start.
func isCleanStart(p events.PhaseChanged) bool {
	if p.From != domain.PhaseCooldown {
		return false
	}
	return p.To == domain.PhasePresale || (p.To == domain.PhaseActive && p.Clean)
}

func (r *Recorder) onGameStart(gameID string) {
	if r.game != nil || r.state == domain.CaptureFinishingGame {
		return
	}
	if r.pendingClean > 0 {
		r.watchID = gameID
		return
	}
	if r.state == domain.CaptureMonitoring {
		r.setState(domain.CaptureRecording, "clean game start")
	}
	r.game = &gameCapture{id: gameID}
	if n := r.session.Config.MaxGapRun; n > 0 {
		r.game.gaps = backpressure.NewIntegrityMonitor(n)
	}
	if r.health != nil && r.health.Level() >= domain.HealthDegraded {
		r.flagScrutiny()
	}
	r.session.CurrentGameID = gameID
	r.logger.Info("recording game", zap.String("game_id", gameID))
}

func (r *Recorder) onTick(t events.Tick) {
	if r.game == nil || t.GameID != r.game.id {
		return
	}
	r.game.ticks++
	r.session.TicksRecorded++
	if r.game.gaps != nil && r.game.gaps.ObserveTick(t.GameID, t.GapRun) {
		r.onBreach(t.GameID, fmt.Sprintf("gap run %d above session limit %d", r.game.gaps.Streak(), r.session.Config.MaxGapRun))
		return
	}
	limit := r.session.Config.Limits.MaxTicks
	if limit > 0 && r.session.TicksRecorded >= limit && r.state == domain.CaptureRecording {
		r.session.StopReason = "tick limit"
		r.setState(domain.CaptureFinishingGame, "tick limit")
	}
}

func (r *Recorder) onComplete(c events.TimelineComplete) {
	tl := c.Timeline
	if tl == nil {
		return
	}
	if r.watchID != "" && tl.GameID == r.watchID {
		r.watchID = ""
		if !c.Abnormal && tl.Rugged && !tl.HasGaps {
			r.pendingClean--
			r.logger.Info("clean game observed after breach", zap.String("game_id", tl.GameID), zap.Int("remaining", r.pendingClean))
		}
		return
	}
	if r.game == nil || tl.GameID != r.game.id {
		return
	}

	switch {
	case c.Abnormal || !tl.Rugged:
		r.discardGame("abnormal end")
	case tl.HasGaps:
		r.discardGame("gaps")
	default:
		r.persist(r.game, tl)
		r.game = nil
		r.session.CurrentGameID = ""
		r.session.Scrutiny = false
		r.session.GamesRecorded++
		observability.RecordGameRecorded()
	}

	if r.state == domain.CaptureFinishingGame {
		r.endSession(r.session.StopReason)
		return
	}
	if limit := r.session.Config.Limits.MaxGames; limit > 0 && r.session.GamesRecorded >= limit {
		r.endSession("game limit")
	}
}

func (r *Recorder) onBreach(gameID, reason string) {
	if r.watchID != "" && gameID == r.watchID {
		r.watchID = ""
		return
	}
	if r.game == nil || gameID != r.game.id {
		return
	}

	r.session.IntegrityBreaches++
	r.discardGame("integrity breach")
	r.pendingClean = r.session.Config.ResumeAfterGames
	r.logger.Warn("integrity breach, partial game discarded", zap.String("game_id", gameID), zap.String("reason", reason))

	if limit := r.session.Config.Limits.MaxIntegrityBreaches; limit > 0 && r.session.IntegrityBreaches >= limit {
		r.endSession("integrity breach limit")
		return
	}
	if r.state == domain.CaptureFinishingGame {
		r.endSession(r.session.StopReason)
		return
	}
	r.setState(domain.CaptureMonitoring, "integrity breach: "+reason)
}

func (r *Recorder) onHealth(h events.HealthChanged) {
	if r.game == nil {
		return
	}
	switch {
	case h.To >= domain.HealthCritical:
		r.onBreach(r.game.id, "pipeline critical")
	case h.To >= domain.HealthDegraded:
		r.flagScrutiny()
	}
}

func (r *Recorder) flagScrutiny() {
	r.game.scrutiny = true
	r.session.Scrutiny = true
}

func (r *Recorder) checkDuration() {
	if r.state == domain.CaptureIdle {
		return
	}
	limit := r.session.Config.Limits.MaxDuration
	if limit <= 0 || r.now().Sub(r.session.StartedAt) < limit {
		return
	}
	r.expire()
}

// durationElapsed is run by the session timer, so the limit holds on a quiet feed.
func (r *Recorder) durationElapsed(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == domain.CaptureIdle || r.session == nil || r.session.ID != sessionID {
		return
	}
	r.expire()
}

func (r *Recorder) expire() {
	switch {
	case r.game == nil:
		r.endSession("duration limit")
	case r.state == domain.CaptureRecording:
		r.session.StopReason = "duration limit"
		r.setState(domain.CaptureFinishingGame, "duration limit")
	}
}

func (r *Recorder) discardGame(reason string) {
	if r.game == nil {
		return
	}
	r.logger.Info("game discarded", zap.String("game_id", r.game.id), zap.String("reason", reason))
	r.session.GamesDiscarded++
	r.session.CurrentGameID = ""
	r.session.Scrutiny = false
	r.game = nil
	observability.RecordGameDiscarded(reason)
}

// persist queues the game file, action file and index update as one task,
// followed by one task per archiver.
func (r *Recorder) persist(g *gameCapture, tl *domain.GameTimeline) {
	file := NewGameFile(tl, r.session.ID, g.scrutiny)
	day := tl.EndTime.UTC().Format(DayLayout)
	gameRel := r.layout.GameFile(day, tl.GameID)

	var actions *ActionFile
	actionRel := ""
	if r.session.Config.Mode == domain.CaptureGameAndActions && len(g.actions) > 0 {
		actionRel = r.layout.ActionFile(day, tl.GameID)
		actions = &ActionFile{
			Meta: ActionMeta{
				Version:   FormatVersion,
				GameID:    tl.GameID,
				SessionID: r.session.ID,
				PlayerID:  r.session.Config.PlayerID,
				Username:  r.session.Config.Username,
			},
			Actions: g.actions,
		}
	}
	entry := file.IndexEntry(gameRel, actionRel, len(g.actions))
	layout := r.layout

	err := r.writer.Submit("game", func(context.Context) error {
		if err := writeJSONFile(layout.Abs(gameRel), file); err != nil {
			return err
		}
		if actions != nil {
			if err := writeJSONFile(layout.Abs(actionRel), actions); err != nil {
				return err
			}
		}
		idx, err := LoadDayIndex(layout, day)
		if err != nil {
			return err
		}
		idx.Upsert(entry)
		return SaveDayIndex(layout, idx)
	})
	if err != nil {
		r.logger.Error("queue game write failed", zap.String("game_id", tl.GameID), zap.Error(err))
		return
	}

	for _, a := range r.archivers {
		snapshot := tl.Clone()
		if err := r.writer.Submit("archive", func(ctx context.Context) error {
			return a.Archive(ctx, entry, snapshot)
		}); err != nil {
			r.logger.Error("queue archive failed", zap.String("game_id", tl.GameID), zap.Error(err))
		}
	}
}

func (r *Recorder) endSession(reason string) {
	r.discardGame("session ended")
	if r.expiry != nil {
		r.expiry.Stop()
		r.expiry = nil
	}
	r.session.StopReason = reason
	r.session.EndedAt = r.now()
	r.pendingClean = 0
	r.watchID = ""
	r.setState(domain.CaptureIdle, reason)
	close(r.ended)
	r.logger.Info("capture session ended",
		zap.String("session_id", r.session.ID),
		zap.String("reason", reason),
		zap.Int("games", r.session.GamesRecorded),
		zap.Int("discarded", r.session.GamesDiscarded),
	)
}

func (r *Recorder) setState(to domain.CaptureState, reason string) {
	from := r.state
	if from == to {
		return
	}
	r.state = to
	r.session.State = to
	if r.publisher != nil {
		r.publisher.Publish(events.KindCaptureStateChanged, events.CaptureStateChanged{
			SessionID: r.session.ID,
			From:      from,
			To:        to,
			Reason:    reason,
		})
	}
}
