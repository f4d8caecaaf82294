package observability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  LogConfig
		wantErr bool
	}{
		{
			name:   "default config",
			config: DefaultLogConfig(),
		},
		{
			name:   "console format",
			config: LogConfig{Level: "debug", Format: "console", Output: "stdout"},
		},
		{
			name:   "stderr output",
			config: LogConfig{Level: "warn", Format: "json", Output: "stderr"},
		},
		{
			name:    "invalid level",
			config:  LogConfig{Level: "loud", Format: "json", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "unwritable file",
			config:  LogConfig{Level: "info", Output: "/nonexistent-dir/throttle.log"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestLogger_FileOutputAndContextFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "throttle.log")
	logger, err := NewLogger(LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithTraceID(ctx, "trace-1")
	ctx = ContextWithSpanID(ctx, "span-1")

	logger.WithContext(ctx).With(String("component", "test")).Info("hello", Int("n", 3))
	logger.Debug("filtered out")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, `"message":"hello"`)
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"span_id":"span-1"`)
	assert.Contains(t, out, `"component":"test"`)
	assert.NotContains(t, out, "filtered out")
}

func TestLogger_SetLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "level.log")
	logger, err := NewLogger(LogConfig{Level: "info", Output: path})
	require.NoError(t, err)

	setter, ok := logger.(LevelSetter)
	require.True(t, ok)

	child := logger.With(String("child", "yes"))
	child.Debug("before")
	require.NoError(t, setter.SetLevel("debug"))
	assert.Equal(t, "debug", setter.Level())
	child.Debug("after")
	assert.Error(t, setter.SetLevel("nope"))
	assert.Equal(t, "debug", setter.Level())
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "before"))
	assert.True(t, strings.Contains(string(data), "after"))
}

func TestContextHelpers_Empty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Empty(t, TraceIDFromContext(ctx))
	assert.Empty(t, SpanIDFromContext(ctx))

	logger := NopLogger()
	assert.Same(t, logger, logger.WithContext(ctx))
}

func TestGlobalLogger(t *testing.T) {
	SetGlobalLogger(nil)
	assert.NotNil(t, GetGlobalLogger())

	nop := NopLogger()
	SetGlobalLogger(nop)
	t.Cleanup(func() { SetGlobalLogger(nil) })

	assert.Same(t, nop, GetGlobalLogger())
}
