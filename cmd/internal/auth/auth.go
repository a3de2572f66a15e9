// Package auth defines the hub's boundary to the external identity system:
// bearer-credential verification and per-resource authorization checks.
// The hub never mints credentials or stores passwords; it only asks.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidToken is returned for unknown, malformed, or expired credentials.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the verified subject behind a bearer credential.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// TokenVerifier validates a bearer credential. Implementations must return
// ErrInvalidToken (possibly wrapped) for any credential that should be
// rejected; other errors mean the verifier itself failed.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// AccessChecker answers whether a user may use a resource. resourceKind is a
// topic kind ("doc", "job", "channel"). A false return is a normal outcome;
// an error means the check could not be performed.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID, resourceID, resourceKind string) (bool, error)
}
