// Package observability provides logging, metrics, and tracing
// functionality for the throttle service.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer func() { _ = logger.Sync() }()
//
//	logger.Info("request admitted",
//	    observability.String("route", "/api/resource"),
//	    observability.Int("remaining", 42),
//	)
//
// Components accept a Logger through functional options and fall back to
// NopLogger when none is supplied.
//
// # Metrics
//
// Metrics owns the Prometheus registry. Component metrics register on
// Registry() so a single /metrics endpoint serves everything:
//
//	metrics := observability.NewMetrics("throttle")
//	limiterMetrics := ratelimit.NewMetricsWithRegisterer(metrics.Namespace(), metrics.Registry())
//
// # Tracing
//
// Tracer configures an OpenTelemetry provider with an OTLP gRPC exporter.
// A disabled tracer still hands out (no-op) spans, so callers never branch
// on whether tracing is enabled.
package observability
