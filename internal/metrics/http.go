package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// Site label values.
const (
	SiteMain   = "main"
	SiteTenant = "tenant"
)

var (
	uuidPattern    = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	numericSegment = regexp.MustCompile(`/[0-9]+(/|$)`)
)

// SiteFunc reports which site a request was served for, SiteMain or
// SiteTenant.
type SiteFunc func(*http.Request) string

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
	started bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.started {
		rec.status = code
		rec.started = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.started = true
	n, err := rec.ResponseWriter.Write(b)
	rec.written += n
	return n, err
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// normalizePath replaces UUIDs and numeric ids with {id} so that tenant and
// plan ids do not become label values.
func normalizePath(path string) string {
	path = uuidPattern.ReplaceAllString(path, "{id}")
	return numericSegment.ReplaceAllString(path, "/{id}$1")
}

// HTTPMiddleware records request counts, latency and response sizes per
// site. It must run inside tenant resolution for the site label to see the
// tenant.
type HTTPMiddleware struct {
	site SiteFunc
}

// NewHTTPMiddleware creates an HTTPMiddleware. A nil site labels every
// request SiteMain.
func NewHTTPMiddleware(site SiteFunc) *HTTPMiddleware {
	if site == nil {
		site = func(*http.Request) string { return SiteMain }
	}
	return &HTTPMiddleware{site: site}
}

// Handler returns the middleware. The metrics endpoint itself is not
// recorded.
func (m *HTTPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		site := m.site(r)
		inFlight := HTTPRequestsInFlight.WithLabelValues(site)
		inFlight.Inc()
		defer inFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status), site).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path, site).Observe(time.Since(start).Seconds())
		HTTPResponseSize.WithLabelValues(site).Observe(float64(rec.written))
	})
}
