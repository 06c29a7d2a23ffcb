package ingestion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/observability"
)

// Manager defaults.
const (
	DefaultStallTimeout  = 5 * time.Second
	DefaultDedupWindow   = 3 * time.Second
	DefaultStandbyBuffer = 256
)

// AvailabilitySink is told whether any source is delivering.
type AvailabilitySink interface {
	SetSourceAvailable(ok bool)
}

// Delivery is one frame forwarded by the manager.
type Delivery struct {
	Frame  domain.RawFrame
	Source domain.SourceRole
}

// ManagerOptions contains configuration for creating a Manager.
type ManagerOptions struct {
	Primary  EventSource // interception; may be nil
	Fallback EventSource // own connection; may be nil

	StallTimeout  time.Duration // silence beyond this counts as disconnected
	DedupWindow   time.Duration // duplicate suppression after a switch
	DedupCapacity int
	StandbyBuffer int // recent standby frames replayed on switch
	OutputBuffer  int

	Publisher    events.Publisher
	Availability AvailabilitySink
	Logger       *zap.Logger
	Now          func() time.Time
}

// ManagerStatus is a snapshot for the status API.
type ManagerStatus struct {
	Active     domain.SourceRole `json:"active"`
	Primary    *SourceStatus     `json:"primary,omitempty"`
	Fallback   *SourceStatus     `json:"fallback,omitempty"`
	Switches   int               `json:"switches"`
	Duplicates int               `json:"duplicates"`
}

type sourceSlot struct {
	src       EventSource
	role      domain.SourceRole
	frames    <-chan domain.RawFrame
	statuses  <-chan SourceStatus
	lastFrame time.Time
	stalled   bool
	standby   []domain.RawFrame
}

// Manager selects the best available source and forwards its frames from a
// single goroutine. Switching is drain-then-start: frames the old source
// already buffered are delivered before the new source delivers anything.
type Manager struct {
	opts   ManagerOptions
	logger *zap.Logger
	now    func() time.Time

	primary  *sourceSlot
	fallback *sourceSlot
	dedup    *dedupWindow
	out      chan Delivery
	switchCh chan chan domain.SourceRole

	mu         sync.RWMutex
	active     domain.SourceRole
	switches   int
	duplicates int

	runCtx context.Context
	ready  chan struct{}
}

// NewManager creates a manager. Call Run to start it.
func NewManager(opts ManagerOptions) *Manager {
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.StandbyBuffer <= 0 {
		opts.StandbyBuffer = DefaultStandbyBuffer
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		opts:     opts,
		logger:   opts.Logger.Named("source_manager"),
		now:      opts.Now,
		dedup:    newDedupWindow(opts.DedupCapacity),
		out:      make(chan Delivery, opts.OutputBuffer),
		switchCh: make(chan chan domain.SourceRole),
		active:   domain.SourceNone,
		ready:    make(chan struct{}),
	}
	if opts.Primary != nil {
		m.primary = &sourceSlot{src: opts.Primary, role: domain.SourcePrimary}
	}
	if opts.Fallback != nil {
		m.fallback = &sourceSlot{src: opts.Fallback, role: domain.SourceFallback}
	}
	return m
}

// Frames returns forwarded frames. Closed when Run returns.
func (m *Manager) Frames() <-chan Delivery {
	return m.out
}

// Ready is closed once Run connected the sources and made its first selection.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Active returns the role currently delivering.
func (m *Manager) Active() domain.SourceRole {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Status returns a snapshot of the manager and its sources.
func (m *Manager) Status() ManagerStatus {
	m.mu.RLock()
	st := ManagerStatus{
		Active:     m.active,
		Switches:   m.switches,
		Duplicates: m.duplicates,
	}
	m.mu.RUnlock()

	if m.primary != nil {
		s := m.primary.src.Status()
		st.Primary = &s
	}
	if m.fallback != nil {
		s := m.fallback.src.Status()
		st.Fallback = &s
	}
	return st
}

// SwitchToBestSource re-evaluates source availability and returns the role
// delivering afterwards: PRIMARY, FALLBACK or NONE.
func (m *Manager) SwitchToBestSource() domain.SourceRole {
	reply := make(chan domain.SourceRole, 1)
	select {
	case m.switchCh <- reply:
	case <-time.After(time.Second):
		return m.Active()
	}
	select {
	case role := <-reply:
		return role
	case <-time.After(time.Second):
		return m.Active()
	}
}

// Run connects the sources and forwards frames until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx = ctx
	defer close(m.out)

	for _, slot := range m.slots() {
		if err := slot.src.Connect(ctx); err != nil {
			m.logger.Warn("source connect failed", zap.String("source", slot.src.Name()), zap.Error(err))
		}
		slot.frames = slot.src.Frames()
		slot.statuses = slot.src.StatusChanges()
		slot.lastFrame = m.now()
	}

	m.evaluate("startup")
	if m.Active() == domain.SourceNone && m.opts.Availability != nil {
		m.opts.Availability.SetSourceAvailable(false)
	}
	close(m.ready)

	stallTicker := time.NewTicker(m.opts.StallTimeout / 4)
	defer stallTicker.Stop()

	var pFrames, fFrames <-chan domain.RawFrame
	var pStatus, fStatus <-chan SourceStatus
	if m.primary != nil {
		pFrames, pStatus = m.primary.frames, m.primary.statuses
	}
	if m.fallback != nil {
		fFrames, fStatus = m.fallback.frames, m.fallback.statuses
	}

	m.logger.Info("source manager started",
		zap.Duration("stall_timeout", m.opts.StallTimeout),
		zap.Duration("dedup_window", m.opts.DedupWindow),
	)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()

		case f, ok := <-pFrames:
			if !ok {
				pFrames = nil
				m.primary.frames = nil
				m.evaluate("primary closed")
				continue
			}
			m.handleFrame(m.primary, f)

		case f, ok := <-fFrames:
			if !ok {
				fFrames = nil
				m.fallback.frames = nil
				m.evaluate("fallback closed")
				continue
			}
			m.handleFrame(m.fallback, f)

		case st, ok := <-pStatus:
			if !ok {
				pStatus = nil
				continue
			}
			m.onStatus(m.primary, st)

		case st, ok := <-fStatus:
			if !ok {
				fStatus = nil
				continue
			}
			m.onStatus(m.fallback, st)

		case <-stallTicker.C:
			m.checkStalls()

		case reply := <-m.switchCh:
			reply <- m.evaluate("requested")
		}
	}
}

func (m *Manager) slots() []*sourceSlot {
	var out []*sourceSlot
	if m.primary != nil {
		out = append(out, m.primary)
	}
	if m.fallback != nil {
		out = append(out, m.fallback)
	}
	return out
}

func (m *Manager) slot(role domain.SourceRole) *sourceSlot {
	switch role {
	case domain.SourcePrimary:
		return m.primary
	case domain.SourceFallback:
		return m.fallback
	}
	return nil
}

func (m *Manager) handleFrame(slot *sourceSlot, f domain.RawFrame) {
	now := m.now()
	slot.lastFrame = now
	observability.RecordFrameReceived(slot.src.Name())

	if slot.stalled {
		slot.stalled = false
		m.logger.Info("source resumed", zap.String("source", slot.src.Name()))
		m.evaluate(string(slot.role) + " resumed")
	}

	if m.Active() != slot.role {
		slot.keepStandby(f, m.opts.StandbyBuffer)
		return
	}
	m.deliver(slot, f, now)
}

func (m *Manager) deliver(slot *sourceSlot, f domain.RawFrame, now time.Time) {
	if m.dedup.duplicate(f.Payload, now) {
		m.mu.Lock()
		m.duplicates++
		m.mu.Unlock()
		observability.RecordDuplicate()
		return
	}
	m.dedup.remember(f.Payload)

	select {
	case m.out <- Delivery{Frame: f, Source: slot.role}:
	case <-m.runCtx.Done():
	}
}

func (s *sourceSlot) keepStandby(f domain.RawFrame, limit int) {
	s.standby = append(s.standby, f)
	if len(s.standby) > limit {
		s.standby = s.standby[len(s.standby)-limit:]
	}
}

func (m *Manager) onStatus(slot *sourceSlot, st SourceStatus) {
	m.logger.Debug("source status",
		zap.String("source", slot.src.Name()),
		zap.String("state", string(st.State)),
		zap.String("error", st.LastError),
	)
	if st.Available() {
		// A fresh connection gets a full stall timeout before it is judged.
		slot.lastFrame = m.now()
		slot.stalled = false
	}
	m.evaluate(string(slot.role) + " " + string(st.State))
}

func (m *Manager) checkStalls() {
	now := m.now()
	changed := false
	for _, slot := range m.slots() {
		if slot.stalled || !slot.src.Status().Available() {
			continue
		}
		if now.Sub(slot.lastFrame) > m.opts.StallTimeout {
			slot.stalled = true
			changed = true
			m.logger.Warn("source stalled",
				zap.String("source", slot.src.Name()),
				zap.Duration("silence", now.Sub(slot.lastFrame)),
			)
		}
	}
	if changed {
		m.evaluate("stall")
	}
}

func (m *Manager) available(slot *sourceSlot) bool {
	return slot != nil && slot.frames != nil && !slot.stalled && slot.src.Status().Available()
}

// evaluate picks the best source and switches to it. Runs on the forwarding goroutine.
func (m *Manager) evaluate(reason string) domain.SourceRole {
	best := domain.SourceNone
	switch {
	case m.available(m.primary):
		best = domain.SourcePrimary
	case m.available(m.fallback):
		best = domain.SourceFallback
	}

	current := m.Active()
	if best == current {
		return current
	}
	m.switchTo(current, best, reason)
	return best
}

func (m *Manager) switchTo(from, to domain.SourceRole, reason string) {
	now := m.now()

	// Drain what the old source already buffered before the new one starts.
	if old := m.slot(from); old != nil && old.frames != nil {
		drained := 0
	drain:
		for {
			select {
			case f, ok := <-old.frames:
				if !ok {
					break drain
				}
				m.deliver(old, f, now)
				drained++
			default:
				break drain
			}
		}
		if drained > 0 {
			m.logger.Debug("drained old source", zap.String("source", string(from)), zap.Int("frames", drained))
		}
	}

	m.mu.Lock()
	m.active = to
	m.switches++
	m.mu.Unlock()

	if next := m.slot(to); next != nil {
		m.dedup.arm(now, m.opts.DedupWindow)
		cutoff := now.Add(-m.opts.DedupWindow)
		for _, f := range next.standby {
			if f.ReceivedAt.Before(cutoff) {
				continue
			}
			m.deliver(next, f, now)
		}
		next.standby = nil
	}
	if prev := m.slot(from); prev != nil {
		prev.standby = nil
	}

	observability.RecordSourceSwitch(string(from), string(to))
	if to == domain.SourceNone {
		m.logger.Error("no ingestion source available, ingestion paused", zap.String("reason", reason))
	} else {
		m.logger.Info("source switched",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("reason", reason),
		)
	}

	if m.opts.Availability != nil {
		m.opts.Availability.SetSourceAvailable(to != domain.SourceNone)
	}
	if m.opts.Publisher != nil {
		m.opts.Publisher.Publish(events.KindSourceChanged, events.SourceChanged{
			From:   from,
			To:     to,
			Reason: reason,
		})
	}
}

func (m *Manager) shutdown() {
	for _, slot := range m.slots() {
		if err := slot.src.Disconnect(); err != nil {
			m.logger.Warn("source disconnect failed", zap.String("source", slot.src.Name()), zap.Error(err))
		}
	}
	m.logger.Info("source manager stopped")
}
