package tenant

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/DukeRupert/agora/internal/domain"
	"github.com/DukeRupert/agora/internal/metrics"
)

// loopbackHosts always resolve to the main site.
var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
}

// Lookup finds servable tenants. *Registry satisfies it.
type Lookup interface {
	FindBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	FindByCustomDomain(ctx context.Context, host string) (*domain.Tenant, error)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	MainDomain string // e.g. "agora.example"
	Production bool   // disables the development override
}

// Resolver maps request hosts to tenants.
type Resolver struct {
	mainDomain string
	production bool
	lookup     Lookup
	logger     *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig, lookup Lookup, logger *slog.Logger) *Resolver {
	return &Resolver{
		mainDomain: normalizeHost(cfg.MainDomain),
		production: cfg.Production,
		lookup:     lookup,
		logger:     logger,
	}
}

// Resolve returns the tenant a request host addresses, or nil for the main
// site. The first matching rule wins:
//
//  1. The main domain, its www alias and loopback hosts are the main site,
//     unless step 2 applies.
//  2. Outside production, devOverride names a tenant slug to impersonate
//     while browsing the main site.
//  3. A host with three or more labels is looked up by its first label as a
//     slug.
//  4. Otherwise, or when the slug matches nothing, the whole host is looked
//     up as a custom domain.
//
// Lookup failures and hosts that match no servable tenant resolve to the
// main site. Resolve never fails.
func (r *Resolver) Resolve(ctx context.Context, host, devOverride string) *domain.Tenant {
	host = normalizeHost(host)
	if host == "" {
		return r.miss("main")
	}

	if r.isMainHost(host) {
		if r.production || strings.TrimSpace(devOverride) == "" {
			return r.miss("main")
		}
		t, err := r.lookup.FindBySlug(ctx, devOverride)
		if err != nil {
			return r.failed(host, err)
		}
		if servable(t) {
			metrics.TenantResolutions.WithLabelValues("dev_override").Inc()
			r.logger.Debug("tenant resolved from development override", "host", host, "tenant", t.Slug)
			return t
		}
		return r.miss("main")
	}

	if labels := strings.Split(host, "."); len(labels) >= 3 {
		t, err := r.lookup.FindBySlug(ctx, labels[0])
		if err != nil {
			return r.failed(host, err)
		}
		if servable(t) {
			metrics.TenantResolutions.WithLabelValues("subdomain").Inc()
			return t
		}
	}

	t, err := r.lookup.FindByCustomDomain(ctx, host)
	if err != nil {
		return r.failed(host, err)
	}
	if servable(t) {
		metrics.TenantResolutions.WithLabelValues("custom_domain").Inc()
		return t
	}

	return r.miss("miss")
}

func (r *Resolver) isMainHost(host string) bool {
	if loopbackHosts[host] {
		return true
	}
	return r.mainDomain != "" && (host == r.mainDomain || host == "www."+r.mainDomain)
}

func (r *Resolver) miss(outcome string) *domain.Tenant {
	metrics.TenantResolutions.WithLabelValues(outcome).Inc()
	return nil
}

func (r *Resolver) failed(host string, err error) *domain.Tenant {
	metrics.TenantResolutions.WithLabelValues("error").Inc()
	r.logger.Warn("tenant lookup failed, serving main site", "host", host, "error", err)
	return nil
}

func servable(t *domain.Tenant) bool {
	return t != nil && t.IsActive()
}

// normalizeHost strips the port, IPv6 brackets and a trailing dot, and
// lowercases what remains.
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
