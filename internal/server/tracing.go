package server

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// TracerName names the HTTP server tracer.
const TracerName = "avathrottle/server"

// Tracing starts a server span per request on tracer, continuing any
// incoming trace context. Probe requests are not traced.
func Tracing(tracer *observability.Tracer) gin.HandlerFunc {
	if tracer == nil {
		// A disabled tracer never fails to build.
		tracer, _ = observability.NewTracer(observability.TracerConfig{ServiceName: TracerName})
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if isHealthCheckPath(path) {
			c.Next()
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		spanName := c.Request.Method + " " + path
		if route := c.FullPath(); route != "" {
			spanName = c.Request.Method + " " + route
		}
		ctx, span := tracer.StartSpan(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", path),
				attribute.String("net.peer.ip", c.ClientIP()),
			),
		)
		defer span.End()

		if requestID := GetRequestID(c); requestID != "" {
			span.SetAttributes(attribute.String("request.id", requestID))
		}

		c.Request = c.Request.WithContext(observability.ContextWithSpan(ctx, span))
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if len(c.Errors) > 0 {
			span.RecordError(fmt.Errorf("%s", c.Errors.String()))
		}
		if status >= 500 {
			span.SetStatus(codes.Error, "server error")
		}
	}
}
