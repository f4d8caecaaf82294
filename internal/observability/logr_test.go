package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogr(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogr(NewLoggerFromZap(zap.New(core))).WithName("exporter").WithValues("endpoint", "collector:4317")

	l.Info("connected", "attempt", 2)
	l.V(1).Info("batch flushed", "spans")
	l.Error(errors.New("deadline exceeded"), "export failed")

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "collector:4317", fields["endpoint"])
	assert.Equal(t, int64(2), fields["attempt"])
	assert.Equal(t, "exporter", fields["logger"])

	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Contains(t, entries[1].ContextMap(), "spans")

	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "deadline exceeded", entries[2].ContextMap()["error"])
}
