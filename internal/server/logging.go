package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

const (
	// RequestIDHeader is the header name for request ID.
	RequestIDHeader = "X-Request-ID"
	// CorrelationIDHeader is accepted as the request ID when present.
	CorrelationIDHeader = "X-Correlation-ID"
	// RequestIDKey is the gin context key for request ID.
	RequestIDKey = "requestID"

	maxRequestIDLength = 128
)

// RequestID assigns every request an id, reusing an incoming
// X-Request-ID or X-Correlation-ID when one is supplied.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = c.GetHeader(CorrelationIDHeader)
		}
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(observability.ContextWithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// GetRequestID returns the request ID set by RequestID.
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// isHealthCheckPath checks if the path is a probe endpoint.
func isHealthCheckPath(path string) bool {
	return path == "/health" || path == "/healthz" || path == "/ready" || path == "/readyz"
}

// Logging logs each completed request. Probe requests are not logged.
func Logging(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if isHealthCheckPath(path) {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []observability.Field{
			observability.String("method", c.Request.Method),
			observability.String("path", path),
			observability.Int("status", status),
			observability.Duration("latency", time.Since(start)),
			observability.String("clientIP", c.ClientIP()),
			observability.Int("bodySize", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, observability.String("errors", c.Errors.String()))
		}

		l := logger.WithContext(c.Request.Context())
		switch {
		case status >= 500:
			l.Error("request completed", fields...)
		case status >= 400:
			l.Warn("request completed", fields...)
		default:
			l.Info("request completed", fields...)
		}
	}
}
