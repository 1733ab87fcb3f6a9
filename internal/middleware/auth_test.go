package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DukeRupert/agora/internal/auth"
)

func TestAuthMiddleware_WithUser(t *testing.T) {
	tests := []struct {
		name   string
		header string
		wantID int64
		wantOK bool
	}{
		{"no header", "", 0, false},
		{"valid id", "42", 42, true},
		{"padded id", " 7 ", 7, true},
		{"not a number", "alice", 0, false},
		{"zero", "0", 0, false},
		{"negative", "-3", 0, false},
	}

	mw := NewAuthMiddleware("", nil, testLogger())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				gotID int64
				gotOK bool
			)
			handler := mw.WithUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotID, gotOK = auth.GetUserIDFromRequest(r)
			}))

			req := httptest.NewRequest("GET", "/api/tenant", nil)
			if tt.header != "" {
				req.Header.Set(DefaultUserHeader, tt.header)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if gotOK != tt.wantOK || gotID != tt.wantID {
				t.Errorf("expected (%d, %v), got (%d, %v)", tt.wantID, tt.wantOK, gotID, gotOK)
			}
		})
	}
}

func TestAuthMiddleware_CustomHeader(t *testing.T) {
	mw := NewAuthMiddleware("X-User-Id", nil, testLogger())

	var gotOK bool
	handler := mw.WithUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, gotOK = auth.GetUserID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(DefaultUserHeader, "42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotOK {
		t.Error("default header should be ignored when a custom header is configured")
	}
}

func TestAuthMiddleware_RequireUser(t *testing.T) {
	mw := NewAuthMiddleware("", nil, testLogger())
	stack := Stack(mw.WithUser, mw.RequireUser)

	called := false
	handler := stack(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	// Anonymous API request
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/tenants", nil))

	if called {
		t.Error("handler should not be called without a user")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		t.Errorf("expected JSON error for API request, got %q", rec.Header().Get("Content-Type"))
	}

	// Authenticated request
	req := httptest.NewRequest("POST", "/api/tenants", nil)
	req.Header.Set(DefaultUserHeader, "42")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("handler should be called with a user")
	}
}

func TestAuthMiddleware_TrustedProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies("10.0.0.0/8, 192.0.2.7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mw := NewAuthMiddleware("", proxies, testLogger())

	tests := []struct {
		name       string
		remoteAddr string
		wantOK     bool
	}{
		{"proxy network", "10.1.2.3:51000", true},
		{"single proxy", "192.0.2.7:443", true},
		{"mapped proxy address", "[::ffff:10.1.2.3]:51000", true},
		{"direct client", "203.0.113.9:40000", false},
		{"unparseable peer", "pipe", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotOK bool
			handler := mw.WithUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, gotOK = auth.GetUserID(r.Context())
			}))

			req := httptest.NewRequest("GET", "/api/tenant", nil)
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set(DefaultUserHeader, "42")
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if gotOK != tt.wantOK {
				t.Errorf("expected user asserted = %v, got %v", tt.wantOK, gotOK)
			}
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies(" 10.0.0.1/8 ,,::1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].String() != "10.0.0.0/8" || got[1].String() != "::1/128" {
		t.Errorf("unexpected prefixes: %v", got)
	}

	if got, err := ParseTrustedProxies(""); err != nil || got != nil {
		t.Errorf("expected no prefixes for empty input, got %v, %v", got, err)
	}

	for _, bad := range []string{"10.0.0.0/33", "proxy.internal"} {
		if _, err := ParseTrustedProxies(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
