package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/tenant", "/api/tenant"},
		{"/api/plans/42", "/api/plans/{id}"},
		{"/api/plans/42/features", "/api/plans/{id}/features"},
		{"/requests/123e4567-e89b-12d3-a456-426614174000", "/requests/{id}"},
		{"/api/tenant/limits/communities", "/api/tenant/limits/communities"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}

func TestHTTPMiddleware_RecordsStatusAndSize(t *testing.T) {
	handler := NewHTTPMiddleware(nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	total := HTTPRequestsTotal.WithLabelValues("GET", "/api/plans/{id}", "418", SiteMain)
	before := testutil.ToFloat64(total)

	req := httptest.NewRequest(http.MethodGet, "/api/plans/7", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(total))
	assert.Positive(t, testutil.CollectAndCount(HTTPResponseSize, "agora_http_response_size_bytes"))
	assert.Zero(t, testutil.ToFloat64(HTTPRequestsInFlight.WithLabelValues(SiteMain)))
}

func TestHTTPMiddleware_SiteLabel(t *testing.T) {
	site := func(r *http.Request) string {
		if r.Header.Get("X-Test-Tenant") != "" {
			return SiteTenant
		}
		return SiteMain
	}
	handler := NewHTTPMiddleware(site).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	tenant := HTTPRequestsTotal.WithLabelValues("GET", "/api/tenant", "200", SiteTenant)
	mainSite := HTTPRequestsTotal.WithLabelValues("GET", "/api/tenant", "200", SiteMain)
	beforeTenant, beforeMain := testutil.ToFloat64(tenant), testutil.ToFloat64(mainSite)

	req := httptest.NewRequest(http.MethodGet, "/api/tenant", nil)
	req.Header.Set("X-Test-Tenant", "acme")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tenant", nil))

	assert.Equal(t, beforeTenant+1, testutil.ToFloat64(tenant))
	assert.Equal(t, beforeMain+1, testutil.ToFloat64(mainSite))
}

func TestHTTPMiddleware_SkipsMetricsEndpoint(t *testing.T) {
	called := false
	handler := NewHTTPMiddleware(nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	total := HTTPRequestsTotal.WithLabelValues("GET", "/metrics", "200", SiteMain)
	before := testutil.ToFloat64(total)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, called)
	assert.Equal(t, before, testutil.ToFloat64(total))
}
