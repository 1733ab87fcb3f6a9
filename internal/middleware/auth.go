package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/DukeRupert/agora/internal/auth"
	"github.com/DukeRupert/agora/internal/handler"
)

// DefaultUserHeader carries the authenticated user id set by the upstream
// identity proxy.
const DefaultUserHeader = "X-Authenticated-User"

// AuthMiddleware reads the user identity asserted by a trusted upstream
// proxy. Session handling lives in that proxy; this layer only needs a user
// id.
type AuthMiddleware struct {
	header  string
	proxies []netip.Prefix
	logger  *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware. An empty header uses
// DefaultUserHeader. When proxies is not empty the header is only honoured
// on connections from those networks.
func NewAuthMiddleware(header string, proxies []netip.Prefix, logger *slog.Logger) *AuthMiddleware {
	if header == "" {
		header = DefaultUserHeader
	}
	return &AuthMiddleware{
		header:  header,
		proxies: proxies,
		logger:  logger,
	}
}

// WithUser stores the asserted user id in the request context when the
// header holds a positive integer. It always continues to the next handler.
//
// The header is an assertion, not a credential. Either the upstream proxy
// strips it from every inbound request, or proxies lists the proxy
// addresses so that clients connecting directly cannot set it.
func (m *AuthMiddleware) WithUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(m.header))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !m.trusted(r.RemoteAddr) {
			m.logger.Warn("ignoring user header from untrusted peer", "header", m.header, "remote_addr", r.RemoteAddr)
			next.ServeHTTP(w, r)
			return
		}

		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			m.logger.Debug("ignoring malformed user header", "header", m.header, "path", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.SetUserID(r.Context(), id)))
	})
}

// trusted reports whether remoteAddr may assert a user.
func (m *AuthMiddleware) trusted(remoteAddr string) bool {
	if len(m.proxies) == 0 {
		return true
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, p := range m.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseTrustedProxies parses a comma-separated list of CIDR prefixes or
// single addresses.
func ParseTrustedProxies(s string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.Contains(field, "/") {
			p, err := netip.ParsePrefix(field)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(field)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// RequireUser rejects anonymous requests with 401. Use it after WithUser.
func (m *AuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.GetUserID(r.Context()); !ok {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Ensure middleware functions have correct signature
var (
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).WithUser
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).RequireUser
)
