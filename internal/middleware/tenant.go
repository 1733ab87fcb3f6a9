package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/agora/internal/domain"
	"github.com/DukeRupert/agora/internal/metrics"
	"github.com/DukeRupert/agora/internal/tenancy"
)

// DefaultDevTenantCookie names the cookie that picks a tenant to impersonate
// on the main domain outside production.
const DefaultDevTenantCookie = "dev_tenant"

// TenantResolver maps a host to a tenant. *tenant.Resolver satisfies it.
type TenantResolver interface {
	Resolve(ctx context.Context, host, devOverride string) *domain.Tenant
}

// TenantMiddleware resolves the tenant a request addresses and stores it,
// with the pools to serve it from, in the request context.
type TenantMiddleware struct {
	resolver TenantResolver
	pools    tenancy.PoolProvider
	cookie   string
	logger   *slog.Logger
}

// NewTenantMiddleware creates a new TenantMiddleware. An empty cookie name
// uses DefaultDevTenantCookie. Whether the cookie is honoured is up to the
// resolver.
func NewTenantMiddleware(resolver TenantResolver, pools tenancy.PoolProvider, cookie string, logger *slog.Logger) *TenantMiddleware {
	if cookie == "" {
		cookie = DefaultDevTenantCookie
	}
	return &TenantMiddleware{
		resolver: resolver,
		pools:    pools,
		cookie:   cookie,
		logger:   logger,
	}
}

// Handler returns middleware that resolves the tenant. Requests for hosts
// that match no tenant continue against the main site; resolution never
// rejects a request.
func (m *TenantMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var override string
		if c, err := r.Cookie(m.cookie); err == nil {
			override = c.Value
		}

		t := m.resolver.Resolve(r.Context(), r.Host, override)
		if t != nil {
			m.logger.Debug("tenant resolved", "host", r.Host, "tenant", t.Slug)
		}

		next.ServeHTTP(w, r.WithContext(tenancy.With(r.Context(), t, m.pools)))
	})
}

// RequestSite labels a request for metrics by whether it resolved to a
// tenant. It is a metrics.SiteFunc.
func RequestSite(r *http.Request) string {
	if tenancy.Tenant(r.Context()) != nil {
		return metrics.SiteTenant
	}
	return metrics.SiteMain
}
