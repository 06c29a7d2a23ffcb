package ingestion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
)

// InterceptionSource is the primary source: frames tapped from an
// authenticated client through a FrameTap.
type InterceptionSource struct {
	tap    FrameTap
	logger *zap.Logger

	mu     sync.Mutex
	box    *statusBox
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ EventSource = (*InterceptionSource)(nil)

// NewInterceptionSource wraps a tap.
func NewInterceptionSource(tap FrameTap, logger *zap.Logger) *InterceptionSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InterceptionSource{
		tap:    tap,
		logger: logger.Named("interception"),
		box:    newStatusBox(),
	}
}

// Name implements EventSource.
func (s *InterceptionSource) Name() string { return "interception" }

// Role implements EventSource.
func (s *InterceptionSource) Role() domain.SourceRole { return domain.SourcePrimary }

// Connect starts watching tap availability.
func (s *InterceptionSource) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	if s.tap.Available() {
		s.setState(StateConnected, "")
	} else {
		s.setState(StateConnecting, "")
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watch(ctx)
	return nil
}

func (s *InterceptionSource) watch(ctx context.Context) {
	defer s.wg.Done()
	changes := s.tap.AvailabilityChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-changes:
			if !ok {
				s.mu.Lock()
				s.setState(StateDisconnected, "tap closed")
				s.mu.Unlock()
				return
			}
			s.mu.Lock()
			if up {
				s.setState(StateConnected, "")
			} else {
				s.setState(StateConnecting, "relay detached")
			}
			s.mu.Unlock()
		}
	}
}

// setState must be called with s.mu held.
func (s *InterceptionSource) setState(state SourceState, reason string) {
	st := s.box.status
	if st.State == state {
		return
	}
	if state == StateConnected && !st.Since.IsZero() && st.State != StateDisconnected {
		st.Reconnects++
	}
	st.State = state
	st.Since = time.Now()
	st.LastError = reason
	s.box.set(st)
	s.logger.Info("source state", zap.String("state", string(state)), zap.String("reason", reason))
}

// Disconnect implements EventSource.
func (s *InterceptionSource) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	err := s.tap.Close()

	s.mu.Lock()
	s.setState(StateDisconnected, "stopped")
	s.mu.Unlock()
	return err
}

// Status implements EventSource.
func (s *InterceptionSource) Status() SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.box.status
}

// Frames implements EventSource.
func (s *InterceptionSource) Frames() <-chan domain.RawFrame {
	return s.tap.Frames()
}

// StatusChanges implements EventSource.
func (s *InterceptionSource) StatusChanges() <-chan SourceStatus {
	return s.box.changes
}
