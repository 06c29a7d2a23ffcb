package ingestion

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
)

// FrameTap exposes the frames of an already authenticated client.
type FrameTap interface {
	// Frames delivers intercepted frames.
	Frames() <-chan domain.RawFrame
	// Available reports whether a client is currently attached.
	Available() bool
	// AvailabilityChanges delivers availability transitions.
	AvailabilityChanges() <-chan bool
	// Close detaches the tap.
	Close() error
}

// RelayEnvelope is one message sent by the browser-side relay.
// Relays may also send bare frame text, which is treated as inbound.
type RelayEnvelope struct {
	Direction string `json:"direction"` // "in" | "out"
	Data      string `json:"data"`
	Ts        int64  `json:"ts"` // Unix ms as seen by the relay, informational
}

// RelayTapConfig configures a RelayTap.
type RelayTapConfig struct {
	FrameBuffer int
	ReadTimeout time.Duration
	// IncludeOutbound forwards frames the intercepted client sent.
	IncludeOutbound bool
}

// RelayTap is a websocket endpoint a browser-side relay connects to and
// forwards the frames it intercepts. One relay is attached at a time; a new
// relay replaces the previous one.
type RelayTap struct {
	config   RelayTapConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	current *websocket.Conn
	seq     atomic.Uint64
	closed  atomic.Bool

	frames chan domain.RawFrame
	avail  chan bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ FrameTap = (*RelayTap)(nil)

// NewRelayTap creates a tap. Mount it as an http.Handler.
func NewRelayTap(config RelayTapConfig, logger *zap.Logger) *RelayTap {
	if config.FrameBuffer <= 0 {
		config.FrameBuffer = 4096
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayTap{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("relay_tap"),
		frames: make(chan domain.RawFrame, config.FrameBuffer),
		avail:  make(chan bool, 16),
		done:   make(chan struct{}),
	}
}

// Frames implements FrameTap.
func (t *RelayTap) Frames() <-chan domain.RawFrame {
	return t.frames
}

// Available implements FrameTap.
func (t *RelayTap) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

// AvailabilityChanges implements FrameTap.
func (t *RelayTap) AvailabilityChanges() <-chan bool {
	return t.avail
}

// ServeHTTP upgrades a relay connection and pumps its frames.
func (t *RelayTap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.wg.Add(1)
	defer t.wg.Done()

	if t.closed.Load() {
		http.Error(w, "tap closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("relay upgrade failed", zap.Error(err))
		return
	}

	t.mu.Lock()
	prev := t.current
	t.current = conn
	t.mu.Unlock()
	if prev != nil {
		prev.Close()
	} else {
		t.notify(true)
	}
	t.logger.Info("relay attached", zap.String("remote", r.RemoteAddr))

	t.pump(conn)

	t.mu.Lock()
	detached := t.current == conn
	if detached {
		t.current = nil
	}
	t.mu.Unlock()
	conn.Close()
	if detached {
		t.logger.Info("relay detached")
		t.notify(false)
	}
}

func (t *RelayTap) pump(conn *websocket.Conn) {
	for !t.closed.Load() {
		conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		raw, ok := t.decode(msg)
		if !ok {
			continue
		}
		select {
		case t.frames <- raw:
		case <-t.done:
			return
		}
	}
}

func (t *RelayTap) decode(msg []byte) (domain.RawFrame, bool) {
	raw := domain.RawFrame{
		ReceivedAt: time.Now(),
		Direction:  domain.DirectionInbound,
		Payload:    msg,
	}
	if len(msg) > 0 && msg[0] == '{' {
		var env RelayEnvelope
		if err := json.Unmarshal(msg, &env); err == nil && env.Data != "" {
			raw.Payload = []byte(env.Data)
			if env.Direction == "out" {
				raw.Direction = domain.DirectionOutbound
			}
		}
	}
	if raw.Direction == domain.DirectionOutbound && !t.config.IncludeOutbound {
		return domain.RawFrame{}, false
	}
	raw.Sequence = t.seq.Add(1)
	return raw, true
}

func (t *RelayTap) notify(up bool) {
	select {
	case t.avail <- up:
	default:
		t.logger.Debug("availability change dropped", zap.Bool("available", up))
	}
}

// Close detaches the relay and closes the channels.
func (t *RelayTap) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)
	t.mu.Lock()
	if t.current != nil {
		t.current.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	close(t.frames)
	close(t.avail)
	return nil
}
