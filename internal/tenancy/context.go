// Package tenancy carries the resolved tenant and its database routing
// through a request context.
//
// Like auth, it is imported by both middleware and handler packages without
// causing import cycles.
package tenancy

import (
	"context"
	"errors"

	"github.com/DukeRupert/agora/internal/domain"
	"github.com/DukeRupert/agora/internal/pool"
)

type contextKey string

const routingContextKey contextKey = "tenancy"

// ErrNoRouting is returned by Pool when the request did not pass through
// the tenant middleware.
var ErrNoRouting = errors.New("tenancy: no database routing in context")

// PoolProvider hands out the pool serving a tenant, or the main pool for a
// nil tenant. *pool.Router satisfies it.
type PoolProvider interface {
	PoolFor(ctx context.Context, t *domain.Tenant) (*pool.Pool, error)
}

type routing struct {
	tenant *domain.Tenant
	pools  PoolProvider
}

// With stores the resolved tenant, which may be nil for the main site, and
// the pools to serve it from.
func With(ctx context.Context, t *domain.Tenant, pools PoolProvider) context.Context {
	return context.WithValue(ctx, routingContextKey, &routing{tenant: t, pools: pools})
}

// Tenant returns the tenant the request addresses, or nil for the main site.
func Tenant(ctx context.Context) *domain.Tenant {
	rt, ok := ctx.Value(routingContextKey).(*routing)
	if !ok {
		return nil
	}
	return rt.tenant
}

// Pool returns the database pool for the request's tenant. The pool is
// looked up on first use, so a request that never queries never touches
// connection settings.
func Pool(ctx context.Context) (*pool.Pool, error) {
	rt, ok := ctx.Value(routingContextKey).(*routing)
	if !ok || rt.pools == nil {
		return nil, ErrNoRouting
	}
	return rt.pools.PoolFor(ctx, rt.tenant)
}
