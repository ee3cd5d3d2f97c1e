// ABOUTME: Denylist interface for revoked token ids
// ABOUTME: Implemented in memory and on Redis

package revocation

import (
	"context"
	"time"
)

// Store records revoked token ids until the given expiry.
type Store interface {
	// Revoke denies jti until the time it would have expired. Revoking an
	// already expired token is a no-op.
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Close() error
}
