// Package auth provides authentication for quill-gateway.
//
// # Tokens
//
// Users authenticate with JWT bearer tokens signed with HS256 using the
// configured auth.jwt_secret. Tokens carry:
//
//   - sub: the account id
//   - username
//   - jti: a unique token id, revoked on logout
//   - iat, exp: issue and expiry times (auth.token_ttl, default 7 days)
//
// Issue and verify with a JWTIssuer:
//
//	issuer := auth.NewJWTIssuer(secret, 0)
//	token, claims, err := issuer.Issue(userID, username)
//	claims, err = issuer.Verify(token)
//
// # Passwords
//
// HashPassword and CheckPassword wrap bcrypt.
//
// # HTTP
//
// Authenticator.HTTPMiddleware rejects requests without a valid, unrevoked
// bearer token with a 401 JSON body and otherwise attaches an Identity that
// handlers read with FromContext. The WebSocket endpoint calls
// Authenticator.Authenticate directly with the token from its query string.
package auth
