// Package ratelimit implements fixed-window request limits per client and
// action, counted in the remote key/value store so every application
// instance shares one view of each window.
//
// The limiter fails open: when the store cannot be reached, every check is
// allowed with a full quota.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/DukeRupert/agora/internal/metrics"
)

// Action names a class of request with its own limit.
type Action string

const (
	ActionLogin           Action = "login"
	ActionRegister        Action = "register"
	ActionCreatePost      Action = "create_post"
	ActionCreateComment   Action = "create_comment"
	ActionVote            Action = "vote"
	ActionCreateCommunity Action = "create_community"
	ActionCreateReport    Action = "create_report"
	ActionGeneral         Action = "general"
)

// DefaultLimits are the per-action requests allowed per window.
var DefaultLimits = map[Action]int{
	ActionLogin:           5,
	ActionRegister:        3,
	ActionCreatePost:      10,
	ActionCreateComment:   20,
	ActionVote:            60,
	ActionCreateCommunity: 2,
	ActionCreateReport:    10,
	ActionGeneral:         60,
}

const (
	// Window is the length of one counting window.
	Window = 60 * time.Second

	// GlobalLimitSetting is the settings key holding an optional cap applied
	// on top of every per-action limit.
	GlobalLimitSetting = "rate_limit_per_minute"

	keyPrefix = "rate_limit"
)

// Counter is the atomic counter store the limiter runs on.
// *cache.Remote satisfies it.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// SettingReader reads a site setting by key.
type SettingReader interface {
	Setting(ctx context.Context, key string) (string, bool)
}

// Result is the outcome of one check.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// RetryAfter returns how long a rejected client should wait, at least one
// second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	wait := r.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds.
func (r Result) RetryAfterSeconds(now time.Time) int {
	return int(math.Ceil(r.RetryAfter(now).Seconds()))
}

// Rejection is the body returned to a client that exceeded its limit.
type Rejection struct {
	Message    string `json:"message"`
	Remaining  int    `json:"remaining"`
	ResetAt    int64  `json:"resetAt"` // epoch milliseconds
	Limit      int    `json:"limit"`
	RetryAfter int    `json:"retryAfter"` // seconds
}

// Rejection builds the client-facing body for a rejected check.
func (r Result) Rejection(now time.Time) Rejection {
	retry := r.RetryAfterSeconds(now)
	return Rejection{
		Message:    fmt.Sprintf("Too many requests. Please try again in %d seconds.", retry),
		Remaining:  r.Remaining,
		ResetAt:    r.ResetAt.UnixMilli(),
		Limit:      r.Limit,
		RetryAfter: retry,
	}
}

// Limiter checks requests against fixed-window counters.
type Limiter struct {
	counter  Counter
	settings SettingReader
	window   time.Duration
	limits   map[Action]int
	logger   *slog.Logger
	now      func() time.Time

	// failOpenLog throttles the fail-open warning to once per interval
	failOpenLog rate.Sometimes
}

// New creates a Limiter. settings may be nil, in which case only the
// per-action limits apply.
func New(counter Counter, settings SettingReader, logger *slog.Logger) *Limiter {
	return &Limiter{
		counter:     counter,
		settings:    settings,
		window:      Window,
		limits:      DefaultLimits,
		logger:      logger,
		now:         time.Now,
		failOpenLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Key returns the counter key for a client and action.
func Key(action Action, clientID string) string {
	return keyPrefix + ":" + string(action) + ":" + clientID
}

// LimitFor returns the effective limit for action: the per-action default
// (general for unknown actions), lowered to the global cap when one is set.
func (l *Limiter) LimitFor(ctx context.Context, action Action) int {
	limit, ok := l.limits[action]
	if !ok {
		limit = l.limits[ActionGeneral]
	}
	if global, ok := l.globalLimit(ctx); ok && global < limit {
		limit = global
	}
	return limit
}

func (l *Limiter) globalLimit(ctx context.Context) (int, bool) {
	if l.settings == nil {
		return 0, false
	}
	raw, ok := l.settings.Setting(ctx, GlobalLimitSetting)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Check counts one request by clientID for action and reports whether it is
// within the limit.
func (l *Limiter) Check(ctx context.Context, clientID string, action Action) Result {
	limit := l.LimitFor(ctx, action)
	key := Key(action, clientID)

	count, err := l.counter.Incr(ctx, key)
	if err != nil {
		return l.failOpen(action, limit, err)
	}

	ttl := l.window
	if count == 1 {
		if err := l.counter.Expire(ctx, key, l.window); err != nil {
			return l.failOpen(action, limit, err)
		}
	} else {
		ttl, err = l.counter.TTL(ctx, key)
		if err != nil {
			return l.failOpen(action, limit, err)
		}
		if ttl < 0 {
			// The expiry set with the first increment was lost; without one
			// the counter would never reset.
			if err := l.counter.Expire(ctx, key, l.window); err != nil {
				return l.failOpen(action, limit, err)
			}
			ttl = l.window
		}
	}

	result := Result{
		Allowed:   count <= int64(limit),
		Remaining: max(limit-int(count), 0),
		Limit:     limit,
		ResetAt:   l.now().Add(ttl),
	}

	outcome := "allowed"
	if !result.Allowed {
		outcome = "rejected"
	}
	metrics.RateLimitDecisions.WithLabelValues(string(action), outcome).Inc()

	return result
}

func (l *Limiter) failOpen(action Action, limit int, err error) Result {
	metrics.RateLimitDecisions.WithLabelValues(string(action), "fail_open").Inc()
	l.failOpenLog.Do(func() {
		l.logger.Warn("rate limiter failing open", "action", action, "error", err)
	})

	return Result{
		Allowed:   true,
		Remaining: limit,
		Limit:     limit,
		ResetAt:   l.now().Add(l.window),
	}
}
