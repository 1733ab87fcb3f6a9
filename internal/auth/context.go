// Package auth provides authentication context helpers.
//
// This package is designed to be imported by both middleware and handler
// packages without causing import cycles.
package auth

import (
	"context"
	"net/http"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// userIDContextKey is the key used to store the authenticated user id.
	userIDContextKey contextKey = "user_id"
)

// GetUserID retrieves the authenticated user id from the context.
//
// ok is false if no user is authenticated.
//
// Usage:
//
//	ownerID, ok := auth.GetUserID(r.Context())
//	if !ok {
//	    // Handle unauthenticated request
//	}
func GetUserID(ctx context.Context) (id int64, ok bool) {
	id, ok = ctx.Value(userIDContextKey).(int64)
	return id, ok
}

// GetUserIDFromRequest is GetUserID for a request.
func GetUserIDFromRequest(r *http.Request) (int64, bool) {
	return GetUserID(r.Context())
}

// SetUserID stores a user id in the context.
//
// This is typically called by authentication middleware after validating
// the identity asserted upstream.
func SetUserID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, userIDContextKey, id)
}
