// Package socketio is a minimal Engine.IO v4 websocket client for the feed's
// own unauthenticated connection. It supports only the framing the feed uses.
package socketio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/protocol"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client closed")

// ErrNotConnected is returned when writing without a live connection.
var ErrNotConnected = errors.New("not connected")

// Config configures client behavior.
type Config struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// ReadTimeout applies until the handshake announces the heartbeat interval.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
	// Namespace joined after the Engine.IO handshake ("" for default).
	Namespace string
	// FrameBuffer is the capacity of the Frames channel.
	FrameBuffer int
	// Header is sent with the upgrade request.
	Header http.Header
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    500 * time.Millisecond,
		MaxReconnectDelay: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		FrameBuffer:       4096,
	}
}

// Hooks receive connection lifecycle callbacks. Hooks run on client goroutines
// and must not block.
type Hooks struct {
	OnConnect         func(reconnect bool)
	OnDisconnect      func(err error)
	OnHeartbeat       func()
	OnHeartbeatMissed func()
}

// Client keeps one Engine.IO websocket connection alive and exposes its
// inbound frames.
type Client struct {
	endpoint string
	config   Config
	hooks    Hooks
	logger   *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool
	seq    atomic.Uint64

	readTimeout  atomic.Int64 // ns, updated from the handshake
	connected    atomic.Bool
	reconnecting atomic.Bool
	everUp       atomic.Bool

	frames chan domain.RawFrame

	// done signals shutdown
	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient creates an unconnected client.
func NewClient(endpoint string, config *Config, hooks Hooks, logger *zap.Logger) *Client {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultConfig().FrameBuffer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultConfig().ReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		endpoint: endpoint,
		config:   cfg,
		hooks:    hooks,
		logger:   logger,
		frames:   make(chan domain.RawFrame, cfg.FrameBuffer),
		done:     make(chan struct{}),
	}
	c.readTimeout.Store(int64(cfg.ReadTimeout))
	return c
}

// Frames returns inbound frames in arrival order. Closed by Close.
func (c *Client) Frames() <-chan domain.RawFrame {
	return c.frames
}

// Connected reports whether a transport connection is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect dials the endpoint and starts the read loop. When the first dial
// fails the client keeps retrying in the background and the error is returned.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	err := c.connect(ctx)

	c.wg.Add(1)
	go c.readLoop()

	if err != nil {
		c.logger.Warn("initial dial failed, retrying in background", zap.Error(err))
		if !c.reconnecting.Swap(true) {
			c.wg.Add(1)
			go c.reconnect(c.config.ReconnectDelay)
		}
	}
	return err
}

// connect establishes WebSocket connection.
func (c *Client) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, c.config.Header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	reconnect := c.everUp.Swap(true)
	c.logger.Info("connected", zap.String("endpoint", c.endpoint), zap.Bool("reconnect", reconnect))
	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(reconnect)
	}
	return nil
}

// Emit sends a Socket.IO event on the configured namespace.
func (c *Client) Emit(name string, data any) error {
	frame, err := protocol.EncodeEvent(c.config.Namespace, name, nil, data)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) write(payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close closes the WebSocket connection and the Frames channel.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	close(c.frames)
	return nil
}

// readLoop reads frames, answers heartbeats and reconnects on failure.
func (c *Client) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(time.Duration(c.readTimeout.Load())))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.dropConn(conn, err)

			// Connection error - attempt reconnect with exponential backoff
			if !c.reconnecting.Swap(true) {
				c.wg.Add(1)
				go c.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > c.config.MaxReconnectDelay {
				reconnectDelay = c.config.MaxReconnectDelay
			}
			continue
		}

		// Reset delay on successful read
		reconnectDelay = c.config.ReconnectDelay

		c.handleMessage(message)
	}
}

// dropConn discards a failed connection once and reports why.
func (c *Client) dropConn(conn *websocket.Conn, err error) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn.Close()
	c.conn = nil
	c.connMu.Unlock()

	c.connected.Store(false)

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Warn("heartbeat missed, dropping connection")
		if c.hooks.OnHeartbeatMissed != nil {
			c.hooks.OnHeartbeatMissed()
		}
	} else {
		c.logger.Warn("connection lost", zap.Error(err))
	}
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(err)
	}
}

// reconnect dials until it succeeds or the client closes.
func (c *Client) reconnect(delay time.Duration) {
	defer c.wg.Done()
	defer c.reconnecting.Store(false)

	for !c.closed.Load() {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout+5*time.Second)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Debug("reconnect failed", zap.Error(err), zap.Duration("delay", delay))

		delay *= 2
		if delay > c.config.MaxReconnectDelay {
			delay = c.config.MaxReconnectDelay
		}
	}
}

// handleMessage answers transport frames and forwards every inbound frame.
func (c *Client) handleMessage(message []byte) {
	f, ok := protocol.Parse(message)
	if ok && f.Transport {
		switch f.Type {
		case protocol.FrameConnect:
			if h, ok := protocol.ParseHandshake(f); ok && h.PingInterval > 0 {
				timeout := time.Duration(h.PingInterval+h.PingTimeout) * time.Millisecond
				c.readTimeout.Store(int64(timeout))
			}
			if err := c.write(protocol.EncodeConnect(c.config.Namespace)); err != nil {
				c.logger.Warn("namespace connect failed", zap.Error(err))
			}
		case protocol.FramePing:
			if err := c.write(protocol.EncodePong()); err != nil {
				c.logger.Debug("pong failed", zap.Error(err))
			}
			if c.hooks.OnHeartbeat != nil {
				c.hooks.OnHeartbeat()
			}
		}
	}

	raw := domain.RawFrame{
		Sequence:   c.seq.Add(1),
		ReceivedAt: time.Now(),
		Direction:  domain.DirectionInbound,
		Payload:    message,
	}

	// Block until we can send - never drop frames
	select {
	case c.frames <- raw:
	case <-c.done:
	}
}
