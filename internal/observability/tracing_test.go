package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, "avathrottle", tracer.config.ServiceName)

	ctx, span := tracer.StartSpan(context.Background(), "noop")
	span.End()
	assert.NotNil(t, ctx)
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_EnabledWithoutExporter(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{
		ServiceName:  "throttle-test",
		Enabled:      true,
		SamplingRate: 1.0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })

	ctx, span := tracer.StartSpan(context.Background(), "sampled")
	defer span.End()

	assert.True(t, span.SpanContext().IsSampled())

	ctx = ContextWithSpan(ctx, span)
	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))
	assert.Equal(t, span.SpanContext().SpanID().String(), SpanIDFromContext(ctx))
}

func TestCreateSampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rate float64
		want string
	}{
		{name: "always", rate: 1.0, want: sdktrace.AlwaysSample().Description()},
		{name: "above one", rate: 2.0, want: sdktrace.AlwaysSample().Description()},
		{name: "never", rate: 0, want: sdktrace.NeverSample().Description()},
		{
			name: "ratio",
			rate: 0.5,
			want: sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.5)).Description(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, createSampler(tt.rate).Description())
		})
	}
}
