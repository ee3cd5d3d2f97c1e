// ABOUTME: Unit tests for JWT token issuing and verification
// ABOUTME: Tests valid tokens, invalid tokens, and expired tokens

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func TestJWTIssuer_ValidToken(t *testing.T) {
	issuer := NewJWTIssuer(testSecret, time.Hour)

	token, issued, err := issuer.Issue("user-123", "alice")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	got, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	assert.Equal(t, "user-123", got.UserID)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, issued.TokenID, got.TokenID)
	assert.NotEmpty(t, got.TokenID)
	assert.WithinDuration(t, issued.ExpiresAt, got.ExpiresAt, time.Second)
	assert.WithinDuration(t, time.Now().Add(time.Hour), got.ExpiresAt, 5*time.Second)
}

func TestJWTIssuer_DefaultTTL(t *testing.T) {
	issuer := NewJWTIssuer(testSecret, 0)
	assert.Equal(t, 7*24*time.Hour, issuer.TTL())
}

func TestJWTIssuer_UniqueTokenIDs(t *testing.T) {
	issuer := NewJWTIssuer(testSecret, time.Hour)

	_, a, err := issuer.Issue("user-1", "u")
	require.NoError(t, err)
	_, b, err := issuer.Issue("user-1", "u")
	require.NoError(t, err)

	assert.NotEqual(t, a.TokenID, b.TokenID)
}

func TestJWTIssuer_InvalidToken(t *testing.T) {
	issuer := NewJWTIssuer(testSecret, time.Hour)

	otherToken, _, err := NewJWTIssuer([]byte("different-secret"), time.Hour).Issue("user-123", "alice")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: otherToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTIssuer_ExpiredToken(t *testing.T) {
	issuer := NewJWTIssuer(testSecret, time.Hour)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, _, err := issuer.Issue("user-123", "alice")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	issuer.now = time.Now
	_, err = issuer.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTIssuer_MissingSubject(t *testing.T) {
	issuer := NewJWTIssuer(testSecret, time.Hour)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": "alice",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	if !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
	}
}

func TestJWTIssuer_RejectsOtherAlgorithms(t *testing.T) {
	issuer := NewJWTIssuer(testSecret, time.Hour)

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPassword(t *testing.T) {
	old := bcryptCost
	bcryptCost = 4
	t.Cleanup(func() { bcryptCost = old })

	hash, err := HashPassword("s3cret!")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret!", hash)

	assert.True(t, CheckPassword(hash, "s3cret!"))
	assert.False(t, CheckPassword(hash, "wrong"))
	assert.False(t, CheckPassword("not-a-hash", "s3cret!"))
}
