// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds identity to context

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// RevocationChecker reports whether a token id has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Authenticator verifies a raw token and rejects revoked ones.
type Authenticator struct {
	verifier TokenVerifier
	revoked  RevocationChecker
	logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator. revoked may be nil.
func NewAuthenticator(verifier TokenVerifier, revoked RevocationChecker, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: verifier, revoked: revoked, logger: logger.With("component", "auth")}
}

// Authenticate returns the identity carried by token.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	if a.revoked != nil && claims.TokenID != "" {
		revoked, err := a.revoked.IsRevoked(ctx, claims.TokenID)
		if err != nil {
			// Fail closed when the denylist is unreachable.
			a.logger.Error("revocation check failed", "error", err)
			return nil, ErrInvalidToken
		}
		if revoked {
			return nil, ErrInvalidToken
		}
	}
	return IdentityFromClaims(claims), nil
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPMiddleware creates an HTTP middleware that requires a valid bearer
// token and adds the Identity to the request context.
func (a *Authenticator) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeUnauthorized(w, errMsg)
				return
			}

			id, err := a.Authenticate(r.Context(), token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeUnauthorized(w, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), id)))
		})
	}
}

// OptionalMiddleware attaches an Identity when a valid token is present and
// lets anonymous requests through otherwise.
func (a *Authenticator) OptionalMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := a.Authenticate(r.Context(), token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), id)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
