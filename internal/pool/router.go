package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/DukeRupert/agora/internal/domain"
	"github.com/DukeRupert/agora/internal/metrics"
)

// ErrClosed is returned by a Router after Shutdown.
var ErrClosed = errors.New("pool router is shut down")

// Config holds the main database target. Tenant databases are reached with
// the same credentials, on the tenant's host override or Main.Host.
type Config struct {
	Main Target
}

// Router owns every pool in the process. Tenant pools are created on first
// use and kept until Shutdown; the main pool is built lazily so missing
// configuration only surfaces when a query is attempted.
type Router struct {
	cfg    Config
	open   Opener
	logger *slog.Logger

	mainMu sync.Mutex
	main   *Pool

	mu     sync.RWMutex
	pools  map[string]*Pool
	flight singleflight.Group
	closed atomic.Bool
}

// NewRouter creates a Router. It does not connect to anything.
func NewRouter(cfg Config, open Opener, logger *slog.Logger) *Router {
	return &Router{
		cfg:    cfg,
		open:   open,
		logger: logger,
		pools:  make(map[string]*Pool),
	}
}

// Main returns the main database pool, building it on first call. A failed
// build is not cached, so later calls retry.
func (r *Router) Main(ctx context.Context) (*Pool, error) {
	const op = "pool.main"

	if r.closed.Load() {
		return nil, ErrClosed
	}

	r.mainMu.Lock()
	defer r.mainMu.Unlock()

	if r.closed.Load() {
		return nil, ErrClosed
	}
	if r.main != nil {
		return r.main, nil
	}
	if err := r.cfg.Main.Validate(op); err != nil {
		return nil, err
	}

	p, err := r.open(ctx, r.cfg.Main)
	if err != nil {
		metrics.TenantPoolOpens.WithLabelValues("error").Inc()
		return nil, domain.Internal(err, op, "Failed to connect to the main database")
	}
	metrics.TenantPoolOpens.WithLabelValues("ok").Inc()

	r.main = p
	r.logger.Info("main database pool opened", "key", p.Key())
	return p, nil
}

// Target returns the connection target for a tenant.
func (r *Router) Target(t *domain.Tenant) Target {
	target := r.cfg.Main
	target.Host = t.HostOr(r.cfg.Main.Host)
	target.Database = t.DBName
	return target
}

// PoolFor returns the pool for tenant t, or the main pool when t is nil.
// Tenants sharing a host and database name share one pool.
//
// Concurrent first uses of a key wait on a single open. The open is not
// cancelled with any one caller's context; each caller stops waiting when
// its own context is done, and the open is bounded by the Opener's connect
// timeout.
func (r *Router) PoolFor(ctx context.Context, t *domain.Tenant) (*Pool, error) {
	const op = "pool.tenant"

	if t == nil {
		return r.Main(ctx)
	}
	if r.closed.Load() {
		return nil, ErrClosed
	}

	target := r.Target(t)
	if err := target.Validate(op); err != nil {
		return nil, err
	}
	key := target.Key()

	if p := r.lookup(key); p != nil {
		return p, nil
	}

	openCtx := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(key, func() (any, error) {
		if p := r.lookup(key); p != nil {
			return p, nil
		}

		p, err := r.open(openCtx, target)
		if err != nil {
			metrics.TenantPoolOpens.WithLabelValues("error").Inc()
			r.logger.Error("failed to open tenant pool", "key", key, "tenant", t.Slug, "error", err)
			return nil, domain.Internal(err, op, "Failed to connect to the forum database")
		}
		metrics.TenantPoolOpens.WithLabelValues("ok").Inc()

		r.mu.Lock()
		if r.closed.Load() {
			r.mu.Unlock()
			p.Close()
			return nil, ErrClosed
		}
		r.pools[key] = p
		n := len(r.pools)
		r.mu.Unlock()

		metrics.TenantPoolsOpen.Set(float64(n))
		r.logger.Info("tenant pool opened", "key", key, "tenant", t.Slug)
		return p, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Pool), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) lookup(key string) *Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[key]
}

// Len returns the number of open tenant pools.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Shutdown closes every pool. The router cannot be used afterwards.
func (r *Router) Shutdown(ctx context.Context) error {
	r.closed.Store(true)

	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools)+1)
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()
	metrics.TenantPoolsOpen.Set(0)

	r.mainMu.Lock()
	if r.main != nil {
		pools = append(pools, r.main)
		r.main = nil
	}
	r.mainMu.Unlock()

	var g errgroup.Group
	for _, p := range pools {
		g.Go(p.Close)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		r.logger.Info("connection pools closed", "count", len(pools))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
