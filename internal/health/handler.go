package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// DefaultReadinessProbeTimeout bounds a readiness probe.
const DefaultReadinessProbeTimeout = 2 * time.Second

// Status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
	StatusDraining = "draining"
)

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	Critical  bool      `json:"critical"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler handles health check requests.
type Handler struct {
	version   string
	checks    []HealthCheck
	mu        sync.RWMutex
	draining  atomic.Bool
	startTime time.Time
	timeout   time.Duration
	logger    observability.Logger
	metrics   *Metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithReadinessTimeout bounds each readiness probe.
func WithReadinessTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHandler creates a health handler.
func NewHandler(version string, opts ...Option) *Handler {
	h := &Handler{
		version:   version,
		startTime: time.Now(),
		timeout:   DefaultReadinessProbeTimeout,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddCheck adds a health check.
func (h *Handler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// SetDraining marks the instance as shutting down; readiness fails from
// then on so load balancers stop routing to it.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// LivenessHandler answers while the process is running.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthStatus{
			Status:    StatusOK,
			Version:   h.version,
			Timestamp: time.Now().UTC(),
			Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		})
	}
}

// ReadinessHandler reports whether the instance should receive traffic.
// A degraded instance is still ready: requests fail open while Redis is
// away.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()

		status := h.runChecks(ctx)
		statusCode := http.StatusOK
		if status.Status == StatusError || status.Status == StatusDraining {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, status)
	}
}

// runChecks runs all health checks and returns the status.
func (h *Handler) runChecks(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:    StatusOK,
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult),
	}
	if h.draining.Load() {
		status.Status = StatusDraining
		return status
	}

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, check := range checks {
		wg.Add(1)
		go func(hc HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := hc.Check(ctx)
			duration := time.Since(start)
			critical := isCritical(hc)

			result := &CheckResult{
				Status:    StatusOK,
				Duration:  duration.String(),
				Critical:  critical,
				Timestamp: time.Now().UTC(),
			}
			h.metrics.observe(hc.Name(), err == nil)

			mu.Lock()
			defer mu.Unlock()
			status.Checks[hc.Name()] = result
			if err == nil {
				return
			}

			result.Status = StatusError
			result.Error = err.Error()
			switch {
			case critical:
				status.Status = StatusError
			case status.Status == StatusOK:
				status.Status = StatusDegraded
			}

			h.logger.Warn("health check failed",
				observability.String("check", hc.Name()),
				observability.Error(err),
				observability.Duration("duration", duration),
			)
		}(check)
	}

	wg.Wait()
	return status
}

// RegisterRoutes registers the probe routes on a Gin engine.
func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/health", h.LivenessHandler())
	engine.GET("/healthz", h.LivenessHandler())
	engine.GET("/ready", h.ReadinessHandler())
	engine.GET("/readyz", h.ReadinessHandler())
}
