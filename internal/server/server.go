package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rugs-feed-lab/internal/observability"
)

// Options configures a Server.
type Options struct {
	Addr        string
	Mode        string // gin mode; empty keeps the current one
	Service     Service
	Hub         *Hub
	Relay       http.Handler // mounted at RelayPath when both are set
	RelayPath   string
	StopTimeout time.Duration // default bound for POST /capture/stop
	Logger      *zap.Logger
	Now         func() time.Time
}

// Server is the HTTP surface of the pipeline.
type Server struct {
	opts   Options
	logger *zap.Logger
	engine *gin.Engine
	http   *http.Server
}

// New creates a server with all routes registered.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("server: service required")
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(HubOptions{Logger: opts.Logger})
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.Named("http"),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.routes()

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	h := &handler{svc: s.opts.Service, stopTimeout: s.opts.StopTimeout, now: s.opts.Now}

	s.engine.GET("/health", h.health)
	s.engine.GET("/status", h.status)
	s.engine.POST("/capture/start", h.startCapture)
	s.engine.POST("/capture/stop", h.stopCapture)
	s.engine.POST("/actions", h.recordAction)
	s.engine.PUT("/local-state", h.setLocalState)
	s.engine.GET("/drift", h.drift)
	s.engine.GET("/games", h.games)
	s.engine.GET("/games/current", h.currentGame)
	s.engine.POST("/sources/switch", h.switchSource)

	s.engine.GET("/metrics", gin.WrapH(observability.Handler()))
	s.engine.GET("/ws", s.opts.Hub.ServeWS)

	if s.opts.Relay != nil && s.opts.RelayPath != "" {
		s.engine.GET(s.opts.RelayPath, gin.WrapH(s.opts.Relay))
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("http server listening", zap.String("addr", l.Addr().String()))
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(l)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/health" {
			return
		}
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
