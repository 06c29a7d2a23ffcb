// Package backpressure sheds low-priority feed events and tracks pipeline health.
package backpressure

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/observability"
	"rugs-feed-lab/internal/protocol"
)

// DefaultQueueDepthThreshold is the pending write count that degrades the pipeline.
const DefaultQueueDepthThreshold = 64

// DefaultBusDepthThreshold is the undelivered event count that degrades the pipeline.
const DefaultBusDepthThreshold = 1024

// Options configures a Controller.
type Options struct {
	Rates               map[protocol.EventClass]RateLimit
	Latency             LatencyConfig
	Health              HealthConfig
	MaxGapRun           int
	QueueDepthThreshold int
	BusDepthThreshold   int
	Publisher           events.Publisher
	Logger              *zap.Logger
	Now                 func() time.Time
}

// Status is a point-in-time view of the controller.
type Status struct {
	Level      domain.HealthLevel             `json:"level"`
	Reasons    []string                       `json:"reasons"`
	Dropped    map[protocol.EventClass]uint64 `json:"dropped"`
	AvgGapMs   int64                          `json:"avgGapMs"`
	BaselineMs int64                          `json:"baselineMs"`
	QueueDepth int                            `json:"queueDepth"`
	BusDepth   int                            `json:"busDepth"`
	GapStreak  int                            `json:"gapStreak"`
}

// Controller combines the degradation signals into one health tier and
// applies the tiered response to incoming events.
type Controller struct {
	limiter   *ClassLimiter
	latency   *LatencyMonitor
	health    *ConnectionHealth
	integrity *IntegrityMonitor
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
	threshold int
	busLimit  int

	evalMu     sync.Mutex // serializes evaluate so level changes publish in order
	mu         sync.Mutex
	level      domain.HealthLevel
	reasons    []string
	noSource   bool
	queueDepth int
	busDepth   int
}

// NewController creates a controller starting HEALTHY.
func NewController(opts Options) *Controller {
	if opts.Rates == nil {
		opts.Rates = DefaultRates()
	}
	if opts.QueueDepthThreshold <= 0 {
		opts.QueueDepthThreshold = DefaultQueueDepthThreshold
	}
	if opts.BusDepthThreshold <= 0 {
		opts.BusDepthThreshold = DefaultBusDepthThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Controller{
		limiter:   NewClassLimiter(opts.Rates),
		latency:   NewLatencyMonitor(opts.Latency),
		health:    NewConnectionHealth(opts.Health),
		integrity: NewIntegrityMonitor(opts.MaxGapRun),
		publisher: opts.Publisher,
		logger:    opts.Logger.Named("backpressure"),
		now:       opts.Now,
		threshold: opts.QueueDepthThreshold,
		busLimit:  opts.BusDepthThreshold,
	}
}

// Admit applies the tiered response and rate limits to one event.
// Lifecycle and account events are always admitted.
func (c *Controller) Admit(class protocol.EventClass) bool {
	ok := c.limiter.Allow(class, c.Level(), c.now())
	if !ok {
		observability.RecordDropped(string(class))
	}
	return ok
}

// ObserveEvent feeds an event arrival into latency spike detection.
func (c *Controller) ObserveEvent(at time.Time) {
	gap := c.latency.Observe(at)
	if gap > 0 {
		observability.ObserveEventGap(gap.Seconds())
	}
	c.evaluate()
}

// HeartbeatMissed records a missed transport heartbeat.
func (c *Controller) HeartbeatMissed() {
	c.health.HeartbeatMissed()
	c.evaluate()
}

// HeartbeatOK records a received heartbeat.
func (c *Controller) HeartbeatOK() {
	c.health.HeartbeatOK()
	c.evaluate()
}

// Reconnected records a transport reconnect.
func (c *Controller) Reconnected() {
	c.health.Reconnected(c.now())
	c.evaluate()
}

// SetSourceAvailable reports whether any ingestion source is delivering.
func (c *Controller) SetSourceAvailable(ok bool) {
	c.mu.Lock()
	c.noSource = !ok
	c.mu.Unlock()
	c.evaluate()
}

// ObserveQueueDepth reports pending async writes.
func (c *Controller) ObserveQueueDepth(depth int) {
	c.mu.Lock()
	c.queueDepth = depth
	c.mu.Unlock()
	c.evaluate()
}

// ObserveBusDepth reports undelivered events on the event bus.
func (c *Controller) ObserveBusDepth(depth int) {
	c.mu.Lock()
	c.busDepth = depth
	c.mu.Unlock()
	c.evaluate()
}

// ObserveGap reports the gap run of one tick and returns true on an integrity breach.
func (c *Controller) ObserveGap(gameID string, gapRun int) bool {
	breach := c.integrity.ObserveTick(gameID, gapRun)
	if breach {
		observability.RecordIntegrityBreach()
		c.logger.Warn("integrity breach",
			zap.String("game_id", gameID),
			zap.Int("gap_streak", c.integrity.Streak()),
		)
	}
	return breach
}

// Level returns the current health tier.
func (c *Controller) Level() domain.HealthLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// CaptureAllowed reports whether a new capture session may start.
func (c *Controller) CaptureAllowed() bool {
	return c.Level() < domain.HealthCritical
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	level := c.level
	reasons := append([]string(nil), c.reasons...)
	depth, busDepth := c.queueDepth, c.busDepth
	c.mu.Unlock()

	return Status{
		Level:      level,
		Reasons:    reasons,
		Dropped:    c.limiter.Dropped(),
		AvgGapMs:   c.latency.Average().Milliseconds(),
		BaselineMs: c.latency.Baseline().Milliseconds(),
		QueueDepth: depth,
		BusDepth:   busDepth,
		GapStreak:  c.integrity.Streak(),
	}
}

// Evaluate recomputes the level, e.g. from a periodic ticker so reconnect
// windows expire without new signals.
func (c *Controller) Evaluate() {
	c.evaluate()
}

func (c *Controller) evaluate() {
	c.evalMu.Lock()
	defer c.evalMu.Unlock()

	level := domain.HealthHealthy
	var reasons []string

	raise := func(l domain.HealthLevel, reason string) {
		level = level.Worse(l)
		reasons = append(reasons, reason)
	}

	if c.latency.Spiking() {
		raise(domain.HealthDegraded, "latency spike")
	}
	if l, reason := c.health.Level(c.now()); l > domain.HealthHealthy {
		raise(l, reason)
	}

	c.mu.Lock()
	if c.noSource {
		raise(domain.HealthCritical, "no source")
	}
	if c.queueDepth > c.threshold {
		raise(domain.HealthDegraded, "write queue backlog")
	}
	if c.busDepth > c.busLimit {
		raise(domain.HealthDegraded, "event bus backlog")
	}
	sort.Strings(reasons)

	prev := c.level
	c.level = level
	c.reasons = reasons
	c.mu.Unlock()

	if prev == level {
		return
	}

	observability.UpdateHealthLevel(int(level))
	c.logger.Info("health level changed",
		zap.String("from", prev.String()),
		zap.String("to", level.String()),
		zap.Strings("reasons", reasons),
	)
	if level == domain.HealthCritical {
		c.logger.Warn("pipeline critical: trade events and new captures suspended")
	}
	if c.publisher != nil {
		c.publisher.Publish(events.KindHealthChanged, events.HealthChanged{
			From:    prev,
			To:      level,
			Reasons: reasons,
		})
	}
}
