// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"time"
)

// Identity holds the authenticated user extracted from a request.
type Identity struct {
	UserID    string
	Username  string
	TokenID   string // jti, used for logout revocation
	ExpiresAt time.Time
}

// IdentityFromClaims builds an Identity from verified claims.
func IdentityFromClaims(c *Claims) *Identity {
	return &Identity{
		UserID:    c.UserID,
		Username:  c.Username,
		TokenID:   c.TokenID,
		ExpiresAt: c.ExpiresAt,
	}
}

// authContextKey is the key type for storing Identity in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the Identity attached.
func WithAuth(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, authContextKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(authContextKey{}).(*Identity)
	return id
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}
