package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/DukeRupert/agora/internal/ratelimit"
)

// Limiter checks one request against its action's window.
// *ratelimit.Limiter satisfies it.
type Limiter interface {
	Check(ctx context.Context, clientID string, action ratelimit.Action) ratelimit.Result
}

// RateLimitMiddleware applies per-action request limits to handlers.
type RateLimitMiddleware struct {
	limiter Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewRateLimitMiddleware creates a new rate limit middleware.
func NewRateLimitMiddleware(limiter Limiter, logger *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// Limit returns middleware that counts requests against action.
//
// Every response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset (unix seconds). A rejected request gets 429 with
// Retry-After and, for API requests, the JSON rejection body.
func (m *RateLimitMiddleware) Limit(action ratelimit.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ratelimit.ClientID(r)
			result := m.limiter.Check(r.Context(), clientID, action)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			now := m.now()
			rejection := result.Rejection(now)

			m.logger.Warn("rate limit exceeded",
				"client", clientID,
				"action", action,
				"limit", result.Limit,
				"path", r.URL.Path,
				"method", r.Method,
			)

			h.Set("Retry-After", strconv.Itoa(rejection.RetryAfter))

			if isAPIRequest(r) {
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(rejection)
				return
			}

			h.Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(rejection.Message))
		})
	}
}
