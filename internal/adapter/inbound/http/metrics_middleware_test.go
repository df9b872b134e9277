package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsMiddleware_RecordsByMethodAndStatus(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	var status int
	handler := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	status = http.StatusOK
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/check", nil))
	status = http.StatusInternalServerError
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/check", nil))

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "ok")); got != 1 {
		t.Errorf("requests_total{POST,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "error")); got != 1 {
		t.Errorf("requests_total{POST,error} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.RequestDuration, "policyshield_http_request_duration_seconds"); got != 1 {
		t.Errorf("duration series = %d, want 1 (POST)", got)
	}
}

func TestMetricsMiddleware_SkipsOperationalPaths(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	handler := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/metrics", "/api/v1/health", "/api/v1/livez", "/api/v1/readyz"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	if got := testutil.CollectAndCount(m.RequestsTotal, "policyshield_http_requests_total"); got != 0 {
		t.Errorf("requests_total series = %d after probe traffic, want 0", got)
	}
}

func TestMetricsMiddleware_DefaultsTo200(t *testing.T) {
	t.Parallel()

	// A handler that never calls WriteHeader still counts as ok.
	m := NewMetrics(prometheus.NewRegistry())
	handler := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hi"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/constraints", nil))

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "ok")); got != 1 {
		t.Errorf("requests_total{GET,ok} = %v, want 1", got)
	}
}

func TestStatusToLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want string
	}{
		{200, "ok"},
		{204, "ok"},
		{304, "ok"},
		{399, "ok"},
		{400, "error"},
		{404, "error"},
		{422, "error"},
		{500, "error"},
		{503, "error"},
	}
	for _, tt := range tests {
		if got := statusToLabel(tt.code); got != tt.want {
			t.Errorf("statusToLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
