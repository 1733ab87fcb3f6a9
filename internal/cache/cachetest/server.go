// Package cachetest runs an in-memory stand-in for the REST key/value store,
// backed by miniredis, for tests of the cache and rate limiter.
package cachetest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// Token is the bearer token the server expects.
const Token = "test-token"

// Server speaks the REST command protocol in front of a miniredis instance.
type Server struct {
	*httptest.Server
	Redis   *miniredis.Miniredis
	client  *redis.Client
	failing atomic.Bool
	calls   atomic.Int64
}

// NewServer starts a Server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	mr := miniredis.RunT(t)
	s := &Server{
		Redis:  mr,
		client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))

	t.Cleanup(func() {
		s.Server.Close()
		s.client.Close()
	})
	return s
}

// SetFailing makes every subsequent command answer 500 until reset.
func (s *Server) SetFailing(failing bool) {
	s.failing.Store(failing)
}

// Calls returns how many commands reached the server.
func (s *Server) Calls() int64 {
	return s.calls.Load()
}

// FastForward advances the store's clock, expiring keys as needed.
func (s *Server) FastForward(d time.Duration) {
	s.Redis.FastForward(d)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)

	if s.failing.Load() {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+Token {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil || len(raw) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "ERR malformed command"})
		return
	}

	args := make([]any, len(raw))
	for i, a := range raw {
		if n, ok := a.(json.Number); ok {
			args[i] = n.String()
			continue
		}
		args[i] = a
	}

	result, err := s.client.Do(context.Background(), args...).Result()
	if errors.Is(err, redis.Nil) {
		writeJSON(w, http.StatusOK, map[string]any{"result": nil})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
