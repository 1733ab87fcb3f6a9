package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/agora/internal/metrics"
)

const (
	// LocalTTLCap bounds how long a value may live in the in-process tier,
	// whatever the caller asked for.
	LocalTTLCap = 60 * time.Second

	// RemoteMinTTL is the shortest ttl that is forwarded to the remote tier.
	// Shorter-lived values stay local.
	RemoteMinTTL = 120 * time.Second

	// DefaultSweepInterval is how often the in-process tier is swept.
	DefaultSweepInterval = 30 * time.Second
)

// Cache layers the in-process tier in front of the remote store. It never
// returns remote errors: a degraded or absent remote tier only makes it
// slower.
type Cache struct {
	local  *Local
	remote *Remote
	sweep  time.Duration
	logger *slog.Logger
}

// Config configures a Cache.
type Config struct {
	Remote        RemoteConfig
	SweepInterval time.Duration
}

// New creates a Cache. The remote tier is disabled when cfg.Remote.URL is
// empty.
func New(cfg Config, logger *slog.Logger) *Cache {
	return NewWithRemote(NewRemote(cfg.Remote, logger), cfg.SweepInterval, logger)
}

// NewWithRemote creates a Cache over an existing Remote, which may be nil.
func NewWithRemote(remote *Remote, sweep time.Duration, logger *slog.Logger) *Cache {
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Cache{
		local:  NewLocal(),
		remote: remote,
		sweep:  sweep,
		logger: logger,
	}
}

// Remote returns the remote tier, or nil when it is not configured.
func (c *Cache) Remote() *Remote {
	return c.remote
}

// Local returns the in-process tier.
func (c *Cache) Local() *Local {
	return c.local
}

// Get returns the value at key, checking the in-process tier first.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if value, ok := c.local.Get(key); ok {
		metrics.CacheLookups.WithLabelValues("local", "hit").Inc()
		return value, true
	}
	metrics.CacheLookups.WithLabelValues("local", "miss").Inc()

	if c.remote == nil {
		return "", false
	}

	value, found, err := c.remote.Get(ctx, key)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("remote", "error").Inc()
		return "", false
	}
	if !found {
		metrics.CacheLookups.WithLabelValues("remote", "miss").Inc()
		return "", false
	}
	metrics.CacheLookups.WithLabelValues("remote", "hit").Inc()

	c.backfill(ctx, key, value)
	return value, true
}

// backfill copies a remote hit into the in-process tier, bounded by both the
// remote key's remaining ttl and LocalTTLCap.
func (c *Cache) backfill(ctx context.Context, key, value string) {
	ttl := LocalTTLCap
	if remaining, err := c.remote.TTL(ctx, key); err == nil && remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	c.local.Set(key, value, ttl)
}

// Set stores value at key. The in-process tier always receives the value,
// capped at LocalTTLCap; the remote tier only receives it when ttl is at
// least RemoteMinTTL.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.local.Set(key, value, min(ttl, LocalTTLCap))

	if c.remote == nil || ttl < RemoteMinTTL {
		return
	}
	if err := c.remote.SetEX(ctx, key, value, ttl); err != nil {
		c.logger.Debug("remote cache write skipped", "key", key, "error", err)
	}
}

// Delete removes keys from both tiers.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	c.local.Delete(keys...)
	if c.remote == nil {
		return
	}
	if _, err := c.remote.Del(ctx, keys...); err != nil {
		c.logger.Debug("remote cache delete skipped", "keys", len(keys), "error", err)
	}
}

// Run sweeps expired in-process entries until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.local.Sweep(); removed > 0 {
				metrics.CacheEvictions.Add(float64(removed))
				c.logger.Debug("swept local cache", "removed", removed)
			}
		}
	}
}
