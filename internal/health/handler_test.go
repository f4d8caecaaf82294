package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, h *Handler, path string) (int, HealthStatus) {
	t.Helper()

	engine := gin.New()
	h.RegisterRoutes(engine)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	return w.Code, status
}

func TestLiveness(t *testing.T) {
	t.Parallel()

	h := NewHandler("1.2.3")
	h.AddCheck(NewDependencyCheck("broken", func(context.Context) error { return errors.New("down") }))

	for _, path := range []string{"/health", "/healthz"} {
		code, status := serve(t, h, path)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, StatusOK, status.Status)
		assert.Equal(t, "1.2.3", status.Version)
	}
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("down") }

	tests := []struct {
		name     string
		checks   []HealthCheck
		wantCode int
		want     string
	}{
		{name: "no checks", wantCode: http.StatusOK, want: StatusOK},
		{name: "all healthy", checks: []HealthCheck{NewDependencyCheck("a", ok)}, wantCode: http.StatusOK, want: StatusOK},
		{
			name:     "non-critical failure degrades",
			checks:   []HealthCheck{NewDependencyCheck("a", ok), NewDependencyCheck("b", fail, WithCritical(false))},
			wantCode: http.StatusOK,
			want:     StatusDegraded,
		},
		{
			name:     "critical failure",
			checks:   []HealthCheck{NewDependencyCheck("a", fail), NewDependencyCheck("b", fail, WithCritical(false))},
			wantCode: http.StatusServiceUnavailable,
			want:     StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := NewHandler("")
			for _, c := range tt.checks {
				h.AddCheck(c)
			}
			code, status := serve(t, h, "/ready")
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.want, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
		})
	}
}

func TestReadiness_Draining(t *testing.T) {
	t.Parallel()

	h := NewHandler("")
	h.SetDraining(true)

	code, status := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusDraining, status.Status)

	h.SetDraining(false)
	code, _ = serve(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestRedisHealthCheck(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegisterer("test", reg)
	h := NewHandler("", WithMetrics(m))
	h.AddCheck(RedisHealthCheck("redis", client, WithCritical(false)))

	_, status := serve(t, h, "/ready")
	assert.Equal(t, StatusOK, status.Status)
	assert.InDelta(t, 1, testutil.ToFloat64(m.checkStatus.WithLabelValues("redis")), 0)

	mr.Close()
	code, status := serve(t, h, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Contains(t, status.Checks["redis"].Error, "redis ping failed")
	assert.InDelta(t, 0, testutil.ToFloat64(m.checkStatus.WithLabelValues("redis")), 0)

	assert.Error(t, RedisHealthCheck("nil", nil).Check(context.Background()))
}

func TestMetrics_ChecksTotal(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegisterer("test", reg)
	h := NewHandler("", WithMetrics(m))
	h.AddCheck(NewDependencyCheck("flaky", func(context.Context) error { return errors.New("down") }))

	serve(t, h, "/ready")
	serve(t, h, "/ready")

	counterMetric := &dto.Metric{}
	require.NoError(t, m.checksTotal.WithLabelValues("flaky", "failure").Write(counterMetric))
	require.NotNil(t, counterMetric.Counter)
	assert.Equal(t, float64(2), counterMetric.Counter.GetValue())

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_health_checks_total")
	assert.Contains(t, names, "test_health_check_status")
}
