package ratelimit

import (
	"net/http"
	"strings"
)

// UnknownClient is the identity shared by requests that carry no proxy
// headers. All of them count against one counter.
const UnknownClient = "unknown"

// ClientID identifies the client behind r: the first X-Forwarded-For entry,
// then X-Real-IP, else UnknownClient.
func ClientID(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs: client, proxy1, proxy2
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	return UnknownClient
}
