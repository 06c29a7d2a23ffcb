// Package pipeline assembles the live feed pipeline: sources, router,
// backpressure, reconciliation, and recording around one event bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/backpressure"
	"rugs-feed-lab/internal/config"
	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/ingestion"
	"rugs-feed-lab/internal/observability"
	"rugs-feed-lab/internal/orchestrator"
	"rugs-feed-lab/internal/reconcile"
	"rugs-feed-lab/internal/recording"
	"rugs-feed-lab/internal/socketio"
)

// Options configures a Pipeline.
type Options struct {
	Config *config.Config

	// Primary and Fallback replace the sources built from Config when set.
	Primary  ingestion.EventSource
	Fallback ingestion.EventSource

	Archivers []recording.Archiver
	Logger    *zap.Logger
	Now       func() time.Time
}

// Status is the aggregate status of the pipeline.
type Status struct {
	StartedAt time.Time               `json:"startedAt"`
	Uptime    string                  `json:"uptime"`
	Source    ingestion.ManagerStatus `json:"source"`
	Health    backpressure.Status     `json:"health"`
	Feed      orchestrator.Status     `json:"feed"`
	Capture   CaptureStatus           `json:"capture"`
	Reconcile reconcile.Stats         `json:"reconcile"`
	Queues    QueueStatus             `json:"queues"`
	Warning   string                  `json:"warning,omitempty"`
}

// CaptureStatus describes the recorder.
type CaptureStatus struct {
	State   domain.CaptureState    `json:"state"`
	Session *domain.CaptureSession `json:"session,omitempty"`
}

// QueueStatus reports the async queue depths.
type QueueStatus struct {
	Writer int `json:"writer"`
	Bus    int `json:"bus"`
}

// Pipeline owns every live component. Its methods are safe from any goroutine.
type Pipeline struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	bus        *events.Bus
	controller *backpressure.Controller
	writer     *recording.Writer
	recorder   *recording.Recorder
	reconciler *reconcile.Reconciler
	router     *orchestrator.Router
	manager    *ingestion.Manager
	relay      *ingestion.RelayTap

	subs []*events.Subscription

	mu        sync.Mutex
	startedAt time.Time
	closeOnce sync.Once
}

// New builds the pipeline. Nothing runs until Run is called, except the bus
// subscriptions and the file writer.
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.New("pipeline: config required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config
	logger := opts.Logger

	p := &Pipeline{
		cfg:    cfg,
		logger: logger.Named("pipeline"),
		now:    opts.Now,
	}

	p.bus = events.NewBus(events.Options{Logger: logger, Now: opts.Now})

	p.controller = backpressure.NewController(backpressure.Options{
		Rates:               cfg.Backpressure.Rates,
		Latency:             cfg.Backpressure.Latency,
		Health:              cfg.Backpressure.Health,
		MaxGapRun:           cfg.Backpressure.MaxGapRun,
		QueueDepthThreshold: cfg.Backpressure.QueueDepthThreshold,
		BusDepthThreshold:   cfg.Backpressure.BusDepthThreshold,
		Publisher:           p.bus,
		Logger:              logger,
		Now:                 opts.Now,
	})

	p.writer = recording.NewWriter(recording.WriterOptions{
		TaskTimeout: cfg.Recording.TaskTimeout,
		OnDepth:     p.observeWriterDepth,
		Logger:      logger,
	})

	tol, err := cfg.Reconcile.ToleranceValue()
	if err != nil {
		return nil, err
	}
	p.reconciler, err = reconcile.New(reconcile.Options{
		Tolerance:    &reconcile.Tolerance{Value: tol, Inclusive: cfg.Reconcile.Inclusive},
		HistoryLimit: cfg.Reconcile.HistoryLimit,
		Publisher:    p.bus,
		Logger:       logger,
		Now:          opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("create reconciler: %w", err)
	}

	p.recorder, err = recording.New(recording.Options{
		Dir:          cfg.Recording.Dir,
		Writer:       p.writer,
		Publisher:    p.bus,
		Health:       p.controller,
		Account:      p.reconciler,
		Archivers:    opts.Archivers,
		FlushTimeout: cfg.Recording.FlushTimeout,
		Logger:       logger,
		Now:          opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("create recorder: %w", err)
	}

	for _, attach := range []func(events.Subscriber) (*events.Subscription, error){
		p.reconciler.Attach,
		p.recorder.Attach,
	} {
		sub, err := attach(p.bus)
		if err != nil {
			p.bus.Close()
			return nil, fmt.Errorf("attach subscriber: %w", err)
		}
		p.subs = append(p.subs, sub)
	}

	p.router = orchestrator.NewRouter(orchestrator.Options{
		Publisher:    p.bus,
		Gate:         p.controller,
		MaxTicks:     cfg.Feed.MaxTicks,
		RuggedMemory: cfg.Feed.RuggedMemory,
		PublishRaw:   cfg.Feed.PublishRaw,
		Logger:       logger,
		Now:          opts.Now,
	})

	primary, fallback, err := p.buildSources(opts)
	if err != nil {
		p.bus.Close()
		return nil, err
	}
	p.manager = ingestion.NewManager(ingestion.ManagerOptions{
		Primary:       primary,
		Fallback:      fallback,
		StallTimeout:  cfg.Sources.StallTimeout,
		DedupWindow:   cfg.Sources.DedupWindow,
		DedupCapacity: cfg.Sources.DedupCapacity,
		StandbyBuffer: cfg.Sources.StandbyBuffer,
		Publisher:     p.bus,
		Availability:  p.controller,
		Logger:        logger,
		Now:           opts.Now,
	})

	return p, nil
}

func (p *Pipeline) buildSources(opts Options) (primary, fallback ingestion.EventSource, err error) {
	cfg := p.cfg.Feed

	primary = opts.Primary
	if primary == nil && cfg.RelayPath != "" {
		p.relay = ingestion.NewRelayTap(ingestion.RelayTapConfig{
			ReadTimeout:     cfg.RelayReadTimeout,
			IncludeOutbound: cfg.RelayIncludeOutbound,
		}, opts.Logger)
		primary = ingestion.NewInterceptionSource(p.relay, opts.Logger)
	}

	fallback = opts.Fallback
	if fallback == nil && !cfg.DisableFallback {
		endpoint, err := ingestion.FeedEndpoint(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		client := socketio.DefaultConfig()
		client.Namespace = cfg.Namespace
		if cfg.ReconnectDelay > 0 {
			client.ReconnectDelay = cfg.ReconnectDelay
		}
		if cfg.MaxReconnectDelay > 0 {
			client.MaxReconnectDelay = cfg.MaxReconnectDelay
		}
		fallback = ingestion.NewFallbackSource(ingestion.FallbackOptions{
			Endpoint: endpoint,
			Client:   &client,
			Health:   p.controller,
			Logger:   opts.Logger,
		})
	}
	return primary, fallback, nil
}

func (p *Pipeline) observeWriterDepth(depth int) {
	p.controller.ObserveQueueDepth(depth)
	observability.UpdateQueueDepths(depth, p.bus.QueueDepth())
}

// sampleBus feeds the bus backlog into the controller until ctx ends. Each
// sample also re-evaluates health so time-based windows expire on a quiet feed.
func (p *Pipeline) sampleBus(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Backpressure.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := p.bus.QueueDepth()
			p.controller.ObserveBusDepth(depth)
			observability.UpdateQueueDepths(p.writer.Depth(), depth)
		}
	}
}

// Run starts ingestion and routing and blocks until ctx is cancelled or a
// component fails. Call Close afterwards.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.startedAt = p.now()
	p.mu.Unlock()

	if p.cfg.Recording.AutoStart {
		if _, err := p.recorder.Start(p.cfg.Recording.Capture); err != nil {
			p.logger.Warn("auto start capture failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		p.sampleBus(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := p.manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("source manager: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := p.router.Run(ctx, p.manager.Frames()); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("router: %w", err)
		}
	}()

	p.logger.Info("pipeline started",
		zap.Bool("interception", p.relay != nil),
		zap.String("recording_dir", p.cfg.Recording.Dir),
	)

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
		cancel()
	}
	wg.Wait()
	return err
}

// Close stops capture (waiting for the game in flight), flushes the writer,
// and releases the bus and relay.
func (p *Pipeline) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		if p.recorder.State() != domain.CaptureIdle {
			if _, stopErr := p.recorder.Stop(ctx); stopErr != nil && !errors.Is(stopErr, recording.ErrNoSession) {
				err = fmt.Errorf("stop capture: %w", stopErr)
			}
		}
		if flushErr := p.bus.Flush(ctx); flushErr != nil {
			p.logger.Warn("bus flush incomplete", zap.Error(flushErr))
		}
		if closeErr := p.writer.Close(ctx); closeErr != nil && err == nil {
			err = fmt.Errorf("close writer: %w", closeErr)
		}
		p.bus.Close()
		if p.relay != nil {
			p.relay.Close()
		}
		p.logger.Info("pipeline closed")
	})
	return err
}

// Subscriber exposes the event bus to outer surfaces.
func (p *Pipeline) Subscriber() events.Subscriber {
	return p.bus
}

// RelayHandler returns the interception endpoint, nil when disabled.
func (p *Pipeline) RelayHandler() http.Handler {
	if p.relay == nil {
		return nil
	}
	return p.relay
}

// Status returns the aggregate status.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	started := p.startedAt
	p.mu.Unlock()

	st := Status{
		StartedAt: started,
		Source:    p.manager.Status(),
		Health:    p.controller.Status(),
		Feed:      p.router.Status(),
		Capture:   CaptureStatus{State: p.recorder.State()},
		Reconcile: p.reconciler.Stats(),
		Queues:    QueueStatus{Writer: p.writer.Depth(), Bus: p.bus.QueueDepth()},
	}
	if !started.IsZero() {
		st.Uptime = p.now().Sub(started).Truncate(time.Second).String()
	}
	if s, ok := p.recorder.Session(); ok {
		st.Capture.Session = &s
	}
	if !p.controller.CaptureAllowed() {
		st.Warning = "pipeline is CRITICAL: new capture sessions are refused"
	}
	return st
}

// StartCapture opens a capture session. Zero fields fall back to the configured capture defaults.
func (p *Pipeline) StartCapture(cfg domain.CaptureConfig) (domain.CaptureSession, error) {
	def := p.cfg.Recording.Capture
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.MaxGapRun == 0 {
		cfg.MaxGapRun = def.MaxGapRun
	}
	if cfg.ResumeAfterGames == 0 {
		cfg.ResumeAfterGames = def.ResumeAfterGames
	}
	if cfg.Limits == (domain.SessionLimits{}) {
		cfg.Limits = def.Limits
	}
	return p.recorder.Start(cfg)
}

// StopCapture ends the session, waiting for the game in flight until ctx expires.
func (p *Pipeline) StopCapture(ctx context.Context) (domain.CaptureSession, error) {
	return p.recorder.Stop(ctx)
}

// RecordAction records a consumer action into the current game.
func (p *Pipeline) RecordAction(req recording.ActionRequest) (domain.RecordedAction, error) {
	return p.recorder.RecordAction(req)
}

// SetLocalState replaces the local account snapshot used for reconciliation.
func (p *Pipeline) SetLocalState(snap domain.LocalAccountSnapshot) {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = p.now()
	}
	p.reconciler.SetLocal(snap)
}

// DriftHistory returns the recent drift reports.
func (p *Pipeline) DriftHistory() []reconcile.Report {
	return p.reconciler.History()
}

// Games lists the recorded games of one UTC day from its index file.
func (p *Pipeline) Games(day string) ([]domain.IndexEntry, error) {
	idx, err := recording.LoadDayIndex(p.recorder.Layout(), day)
	if err != nil {
		return nil, err
	}
	return idx.Games, nil
}

// SwitchSource re-evaluates the sources and returns the active one.
func (p *Pipeline) SwitchSource() domain.SourceRole {
	return p.manager.SwitchToBestSource()
}

// CurrentGame returns a snapshot of the game in play, nil if none.
func (p *Pipeline) CurrentGame() *domain.GameTimeline {
	return p.router.CurrentTimeline()
}
