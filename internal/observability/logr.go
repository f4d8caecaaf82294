package observability

import (
	"fmt"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
)

// NewLogr adapts logger to logr for libraries that log through it.
// V(0) maps to Info and anything more verbose to Debug.
func NewLogr(logger Logger) logr.Logger {
	return logr.New(&logrSink{logger: logger})
}

// SetOTelLogger routes OpenTelemetry's internal logs and export errors to
// logger.
func SetOTelLogger(logger Logger) {
	otel.SetLogger(NewLogr(logger.With(String("component", "otel"))))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("opentelemetry error", Error(err))
	}))
}

type logrSink struct {
	logger Logger
	name   string
}

func (s *logrSink) Init(logr.RuntimeInfo) {}

func (s *logrSink) Enabled(int) bool { return true }

func (s *logrSink) Info(level int, msg string, keysAndValues ...any) {
	fields := s.fields(keysAndValues)
	if level > 0 {
		s.logger.Debug(msg, fields...)
		return
	}
	s.logger.Info(msg, fields...)
}

func (s *logrSink) Error(err error, msg string, keysAndValues ...any) {
	s.logger.Error(msg, append(s.fields(keysAndValues), Error(err))...)
}

func (s *logrSink) WithValues(keysAndValues ...any) logr.LogSink {
	return &logrSink{logger: s.logger.With(s.pairs(keysAndValues)...), name: s.name}
}

func (s *logrSink) WithName(name string) logr.LogSink {
	if s.name != "" {
		name = s.name + "." + name
	}
	return &logrSink{logger: s.logger, name: name}
}

func (s *logrSink) fields(keysAndValues []any) []Field {
	fields := s.pairs(keysAndValues)
	if s.name != "" {
		fields = append(fields, String("logger", s.name))
	}
	return fields
}

// pairs converts alternating keys and values; a dangling key gets a nil
// value.
func (s *logrSink) pairs(keysAndValues []any) []Field {
	fields := make([]Field, 0, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		var value any
		if i+1 < len(keysAndValues) {
			value = keysAndValues[i+1]
		}
		fields = append(fields, Any(key, value))
	}
	return fields
}
