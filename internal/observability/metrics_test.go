package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_DefaultNamespace(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	assert.Equal(t, DefaultNamespace, m.Namespace())
	assert.NotNil(t, m.Registry())
}

func TestMetrics_RecordRequest(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordRequest(http.MethodGet, "/api/resource", http.StatusOK, 5*time.Millisecond)
	m.RecordRequest(http.MethodGet, "/api/resource", http.StatusTooManyRequests, time.Millisecond)
	m.RecordRequest(http.MethodGet, "/api/resource", http.StatusTooManyRequests, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "/api/resource", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "/api/resource", "429")))

	m.IncActiveRequests()
	m.IncActiveRequests()
	m.DecActiveRequests()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRequests))
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.SetBuildInfo("1.0.0", "abc", "now")
	m.RecordRequest(http.MethodPost, "/admin/policies", http.StatusBadRequest, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "test_http_requests_total")
	assert.Contains(t, body, "test_build_info")
	assert.Contains(t, body, "test_start_time_seconds")
}
