package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rugs-feed-lab/internal/events"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// HubOptions configures a Hub.
type HubOptions struct {
	ClientBuffer int           // per-client send queue
	WriteTimeout time.Duration // bound on one websocket write
	Logger       *zap.Logger
}

type message struct {
	kind events.Kind
	data []byte
}

// Hub fans bus events out to websocket clients. A client that cannot keep up
// is disconnected so the hub never blocks.
type Hub struct {
	opts     HubOptions
	logger   *zap.Logger
	upgrader websocket.Upgrader

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan message
	done       chan struct{}

	count   atomic.Int64
	dropped atomic.Uint64
}

// NewHub creates a hub. Call Run to start it.
func NewHub(opts HubOptions) *Hub {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Hub{
		opts:   opts,
		logger: opts.Logger.Named("ws_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan message, 1024),
		done:       make(chan struct{}),
	}
}

// Attach subscribes the hub to every bus event kind.
func (h *Hub) Attach(sub events.Subscriber) (*events.Subscription, error) {
	return sub.Subscribe("ws_hub", h.Broadcast, events.AllKinds...)
}

// Broadcast queues one event for every interested client. It never blocks.
func (h *Hub) Broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("marshal event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message{kind: ev.Kind, data: data}:
	case <-h.done:
	default:
		h.dropped.Add(1)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Run is the hub loop. It returns when ctx is done and disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case m := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(m.kind) {
					continue
				}
				select {
				case c.send <- m.data:
				default:
					h.logger.Info("slow websocket client disconnected", zap.String("remote", c.remote))
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
}

// ServeWS upgrades the request. The optional "kinds" query parameter is a
// comma separated list of event kinds to receive.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.opts.ClientBuffer),
		kinds:  parseKinds(c.Query("kinds")),
		remote: c.ClientIP(),
	}
	select {
	case h.register <- cl:
	case <-h.done:
		conn.Close()
		return
	}

	go cl.writePump()
	go cl.readPump()
}

func parseKinds(raw string) map[events.Kind]bool {
	if raw == "" {
		return nil
	}
	kinds := make(map[events.Kind]bool)
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[events.Kind(k)] = true
		}
	}
	return kinds
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	kinds  map[events.Kind]bool // nil receives everything
	remote string
}

func (c *client) wants(kind events.Kind) bool {
	return c.kinds == nil || c.kinds[kind]
}

// readPump discards client messages and detects closed connections.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
