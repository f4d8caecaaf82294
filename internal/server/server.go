// Package server provides the HTTP surface of the throttle service: the
// rate limited demo routes, the quota endpoint, policy administration,
// probes and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avathrottle/internal/admission"
	"github.com/vyrodovalexey/avathrottle/internal/config"
	"github.com/vyrodovalexey/avathrottle/internal/health"
	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

// Dependencies are the components the server routes requests to.
type Dependencies struct {
	Controller *admission.Controller
	Policies   PolicyAdmin
	Health     *health.Handler
	// Metrics is optional. When nil no request metrics are recorded and
	// no metrics endpoint is mounted.
	Metrics     *observability.Metrics
	MetricsPath string
	// Routes are served by the demo handler, each behind the limiter.
	Routes     []string
	QuotaRoute string
	// AdminEnabled mounts /admin/policies guarded by AdminToken.
	AdminEnabled bool
	AdminToken   string
	// Tracer starts the per-request server spans. Nil uses the global
	// provider.
	Tracer *observability.Tracer
}

// Server is the HTTP server of the throttle service.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	logger     observability.Logger
	mu         sync.RWMutex
	running    bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates the server and mounts every route.
func New(cfg config.ServerConfig, deps Dependencies, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine: gin.New(),
		config: cfg,
		logger: observability.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(Recovery(s.logger), RequestID(), Tracing(deps.Tracer))
	if deps.Metrics != nil {
		s.engine.Use(Metrics(deps.Metrics))
	}
	s.engine.Use(Logging(s.logger))

	s.routes(deps)
	return s
}

func (s *Server) routes(deps Dependencies) {
	if deps.Health != nil {
		deps.Health.RegisterRoutes(s.engine)
	}
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.engine.GET(path, gin.WrapH(deps.Metrics.Handler()))
	}

	if deps.Controller != nil {
		if deps.QuotaRoute != "" {
			s.engine.GET("/api/me/quota", quotaHandler(deps.Controller, deps.QuotaRoute))
		}
		for _, route := range deps.Routes {
			s.engine.GET(route, RateLimit(deps.Controller, route), resourceHandler)
		}
	}

	if deps.AdminEnabled && deps.Policies != nil {
		NewAdminHandler(deps.Policies, deps.AdminToken, s.logger).RegisterRoutes(s.engine)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
	})
}

// resourceHandler is the payload of the protected demo routes.
func resourceHandler(c *gin.Context) {
	body := gin.H{
		"message": "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	if d, ok := GetDecision(c); ok {
		body["identity"] = d.Identity.ID
		body["remaining"] = d.Result.Remaining
	}
	c.JSON(http.StatusOK, body)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Stop is called or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.engine,
		ReadTimeout:       s.config.ReadTimeout.Duration(),
		ReadHeaderTimeout: s.config.ReadTimeout.Duration(),
		WriteTimeout:      s.config.WriteTimeout.Duration(),
		IdleTimeout:       s.config.IdleTimeout.Duration(),
		BaseContext: func(_ net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", s.config.Address),
		observability.Duration("readTimeout", s.config.ReadTimeout.Duration()),
		observability.Duration("writeTimeout", s.config.WriteTimeout.Duration()),
	)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully, waiting for in-flight requests
// until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("HTTP server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
