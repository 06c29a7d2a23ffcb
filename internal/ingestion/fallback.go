package ingestion

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/socketio"
)

// FeedEndpoint turns a base feed URL into an Engine.IO websocket endpoint.
// http(s) schemes are mapped to ws(s); a missing path becomes /socket.io/.
func FeedEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("feed url scheme %q not supported", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FallbackSource is the secondary source: the pipeline's own public connection.
type FallbackSource struct {
	client *socketio.Client
	health HealthSink
	logger *zap.Logger

	mu  sync.Mutex
	box *statusBox
}

var _ EventSource = (*FallbackSource)(nil)

// FallbackOptions configures a FallbackSource.
type FallbackOptions struct {
	Endpoint string
	Client   *socketio.Config
	Health   HealthSink
	Logger   *zap.Logger
}

// NewFallbackSource creates the fallback source. Endpoint must already be a
// websocket URL (see FeedEndpoint).
func NewFallbackSource(opts FallbackOptions) *FallbackSource {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &FallbackSource{
		health: opts.Health,
		logger: opts.Logger.Named("fallback"),
		box:    newStatusBox(),
	}
	s.client = socketio.NewClient(opts.Endpoint, opts.Client, socketio.Hooks{
		OnConnect:         s.onConnect,
		OnDisconnect:      s.onDisconnect,
		OnHeartbeat:       s.onHeartbeat,
		OnHeartbeatMissed: s.onHeartbeatMissed,
	}, s.logger)
	return s
}

// Name implements EventSource.
func (s *FallbackSource) Name() string { return "public-socket" }

// Role implements EventSource.
func (s *FallbackSource) Role() domain.SourceRole { return domain.SourceFallback }

// Connect implements EventSource. A failed first dial is retried in the background.
func (s *FallbackSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.box.status.State == StateDisconnected {
		st := s.box.status
		st.State = StateConnecting
		st.Since = time.Now()
		s.box.set(st)
	}
	s.mu.Unlock()

	if err := s.client.Connect(ctx); err != nil {
		s.mu.Lock()
		st := s.box.status
		st.LastError = err.Error()
		s.box.set(st)
		s.mu.Unlock()
	}
	return nil
}

// Disconnect implements EventSource.
func (s *FallbackSource) Disconnect() error {
	err := s.client.Close()
	s.mu.Lock()
	s.box.set(SourceStatus{State: StateDisconnected, Since: time.Now(), Reconnects: s.box.status.Reconnects, LastError: "stopped"})
	s.mu.Unlock()
	return err
}

// Status implements EventSource.
func (s *FallbackSource) Status() SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.box.status
}

// Frames implements EventSource.
func (s *FallbackSource) Frames() <-chan domain.RawFrame {
	return s.client.Frames()
}

// StatusChanges implements EventSource.
func (s *FallbackSource) StatusChanges() <-chan SourceStatus {
	return s.box.changes
}

// Emit sends an event over the fallback connection.
func (s *FallbackSource) Emit(name string, data any) error {
	return s.client.Emit(name, data)
}

func (s *FallbackSource) onConnect(reconnect bool) {
	s.mu.Lock()
	st := s.box.status
	st.State = StateConnected
	st.Since = time.Now()
	st.LastError = ""
	st.HeartbeatMissed = false
	if reconnect {
		st.Reconnects++
	}
	s.box.set(st)
	s.mu.Unlock()

	if reconnect && s.health != nil {
		s.health.Reconnected()
	}
}

func (s *FallbackSource) onDisconnect(err error) {
	s.mu.Lock()
	st := s.box.status
	st.State = StateConnecting
	st.Since = time.Now()
	if err != nil {
		st.LastError = err.Error()
	}
	s.box.set(st)
	s.mu.Unlock()
}

func (s *FallbackSource) onHeartbeat() {
	if s.health != nil {
		s.health.HeartbeatOK()
	}
}

func (s *FallbackSource) onHeartbeatMissed() {
	s.mu.Lock()
	s.box.status.HeartbeatMissed = true
	s.mu.Unlock()
	if s.health != nil {
		s.health.HeartbeatMissed()
	}
}
