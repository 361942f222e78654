package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/observability"
)

// Server is the HTTP proxy surface. Proxy calls arrive as
// /t/<tenant>/<alias>/<path...>; health and metrics live beside them.
type Server struct {
	pipeline *Pipeline
	engine   *gin.Engine
	server   *http.Server
	logger   observability.Logger
	ready    func() bool
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithReadyCheck installs the readiness probe callback.
func WithReadyCheck(ready func() bool) ServerOption {
	return func(s *Server) {
		s.ready = ready
	}
}

// NewServer builds the gin engine with the gateway middlewares attached.
func NewServer(cfg config.GatewayConfig, pipeline *Pipeline, logger observability.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		pipeline: pipeline,
		logger:   logger,
		ready:    func() bool { return true },
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(
		RequestID(),
		Recovery(logger),
		AccessLog(logger),
	)
	if cfg.GlobalRPS > 0 {
		engine.Use(GlobalRateLimit(cfg.GlobalRPS, cfg.GlobalBurst))
	}

	engine.GET("/healthz", s.health)
	engine.GET("/readyz", s.readiness)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.Any("/t/:tenant/:alias/*path", s.proxy)

	s.engine = engine
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http listener started", observability.String("addr", s.server.Addr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) proxy(c *gin.Context) {
	path := c.Param("path")
	if path == "" {
		path = "/"
	}
	s.pipeline.Serve(Call{
		TenantID: c.Param("tenant"),
		Alias:    c.Param("alias"),
		Path:     path,
		ClientIP: c.ClientIP(),
		Writer:   c.Writer,
		Request:  c.Request,
	})
	c.Abort()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readiness(c *gin.Context) {
	if !s.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
