// Package ctxkeys holds the request context keys shared by the API
// middleware and handlers. It is a leaf package so both can import it.
package ctxkeys

import (
	"context"
	"errors"
)

// Key is the named type for API context keys; context.Value compares type
// and value, so string keys from other packages cannot collide.
type Key string

const (
	// UserID is the authenticated caller, injected by AuthMiddleware.
	UserID Key = "user_id"
	// Scope is the caller's space-separated granted scopes.
	Scope Key = "scope"
)

var ErrMissingUserID = errors.New("missing user_id in context")

// WithValue adds a string value under key.
func WithValue(ctx context.Context, key Key, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

// GetUserID returns the authenticated caller.
func GetUserID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(UserID).(string)
	if !ok || id == "" {
		return "", ErrMissingUserID
	}
	return id, nil
}

// GetScope returns the granted scope string, empty when absent.
func GetScope(ctx context.Context) string {
	s, _ := ctx.Value(Scope).(string)
	return s
}
