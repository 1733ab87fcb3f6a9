package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DukeRupert/agora/internal/domain"
	"github.com/DukeRupert/agora/internal/metrics"
	"github.com/DukeRupert/agora/internal/pool"
	"github.com/DukeRupert/agora/internal/tenancy"
)

// stubResolver returns acme for acme.agora.test and records its inputs.
type stubResolver struct {
	host     string
	override string
}

func (s *stubResolver) Resolve(_ context.Context, host, devOverride string) *domain.Tenant {
	s.host, s.override = host, devOverride
	if host == "acme.agora.test" || devOverride == "acme" {
		return &domain.Tenant{ID: 1, Slug: "acme", Status: domain.TenantStatusActive}
	}
	return nil
}

// stubPools fails for the main pool and records the tenant it was asked for.
type stubPools struct {
	asked []*domain.Tenant
}

func (s *stubPools) PoolFor(_ context.Context, t *domain.Tenant) (*pool.Pool, error) {
	s.asked = append(s.asked, t)
	if t == nil {
		return nil, domain.Configuration("pool.main", "database host is not configured")
	}
	return pool.New(nil, "db.internal/forum_acme_1", nil), nil
}

func TestTenantMiddleware_StoresTenant(t *testing.T) {
	resolver := &stubResolver{}
	pools := &stubPools{}
	mw := NewTenantMiddleware(resolver, pools, "", testLogger())

	var (
		got    *domain.Tenant
		poolOK bool
	)
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = tenancy.Tenant(r.Context())
		p, err := tenancy.Pool(r.Context())
		poolOK = err == nil && p.Key() == "db.internal/forum_acme_1"
	}))

	req := httptest.NewRequest("GET", "/api/tenant", nil)
	req.Host = "acme.agora.test"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.Slug != "acme" {
		t.Fatalf("expected acme in context, got %+v", got)
	}
	if !poolOK {
		t.Error("expected the tenant pool from context")
	}
	if resolver.host != "acme.agora.test" {
		t.Errorf("expected host to be passed through, got %q", resolver.host)
	}
}

func TestTenantMiddleware_MainSitePoolIsLazy(t *testing.T) {
	pools := &stubPools{}
	mw := NewTenantMiddleware(&stubResolver{}, pools, "", testLogger())

	status := 0
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenancy.Tenant(r.Context()) != nil {
			t.Error("expected no tenant for the main site")
		}
		status = http.StatusOK
		w.WriteHeader(status)
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Host = "agora.test"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if status != http.StatusOK {
		t.Fatal("expected main site request to reach the handler")
	}
	if len(pools.asked) != 0 {
		t.Error("pool should not be opened before it is used")
	}
}

func TestTenantMiddleware_ConfigurationErrorOnFirstUse(t *testing.T) {
	mw := NewTenantMiddleware(&stubResolver{}, &stubPools{}, "", testLogger())

	var err error
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err = tenancy.Pool(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if domain.ErrorCode(err) != domain.ECONFIG {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestTenantMiddleware_PassesDevCookie(t *testing.T) {
	resolver := &stubResolver{}
	mw := NewTenantMiddleware(resolver, &stubPools{}, "impersonate", testLogger())

	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Host = "localhost:8080"
	req.AddCookie(&http.Cookie{Name: "impersonate", Value: "acme"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if resolver.override != "acme" {
		t.Errorf("expected override from cookie, got %q", resolver.override)
	}
}

func TestTenancyPool_WithoutMiddleware(t *testing.T) {
	_, err := tenancy.Pool(context.Background())

	if !errors.Is(err, tenancy.ErrNoRouting) {
		t.Errorf("expected ErrNoRouting, got %v", err)
	}
}

func TestRequestSite(t *testing.T) {
	mw := NewTenantMiddleware(&stubResolver{}, &stubPools{}, "", testLogger())

	sites := map[string]string{}
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sites[r.Host] = RequestSite(r)
	}))

	for _, host := range []string{"acme.agora.test", "agora.test"} {
		req := httptest.NewRequest("GET", "/api/tenant", nil)
		req.Host = host
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	if sites["acme.agora.test"] != metrics.SiteTenant {
		t.Errorf("expected tenant site for acme, got %q", sites["acme.agora.test"])
	}
	if sites["agora.test"] != metrics.SiteMain {
		t.Errorf("expected main site, got %q", sites["agora.test"])
	}
}
