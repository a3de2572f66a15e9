package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryVerifier is an in-memory TokenVerifier for dev and tests.
type MemoryVerifier struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewMemoryVerifier constructs an empty MemoryVerifier.
func NewMemoryVerifier() *MemoryVerifier {
	return &MemoryVerifier{tokens: make(map[string]Identity)}
}

// Add registers a token for a user. A zero expiry means no expiry.
func (v *MemoryVerifier) Add(token, userID string, expiresAt time.Time) {
	v.mu.Lock()
	v.tokens[token] = Identity{UserID: userID, ExpiresAt: expiresAt}
	v.mu.Unlock()
}

// Revoke removes a token.
func (v *MemoryVerifier) Revoke(token string) {
	v.mu.Lock()
	delete(v.tokens, token)
	v.mu.Unlock()
}

// Verify implements TokenVerifier.
func (v *MemoryVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	v.mu.RLock()
	id, ok := v.tokens[token]
	v.mu.RUnlock()

	if !ok {
		return Identity{}, ErrInvalidToken
	}
	if !id.ExpiresAt.IsZero() && !time.Now().UTC().Before(id.ExpiresAt) {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// MemoryAccess is an in-memory AccessChecker. With AllowAll it grants every
// authenticated user (the dev fallback when no database is configured);
// otherwise only explicit grants pass.
type MemoryAccess struct {
	allowAll bool

	mu     sync.RWMutex
	grants map[string]struct{}
}

// NewMemoryAccess constructs a MemoryAccess. allowAll grants everything.
func NewMemoryAccess(allowAll bool) *MemoryAccess {
	return &MemoryAccess{allowAll: allowAll, grants: make(map[string]struct{})}
}

// Grant allows userID to access (resourceKind, resourceID).
func (a *MemoryAccess) Grant(userID, resourceID, resourceKind string) {
	a.mu.Lock()
	a.grants[grantKey(userID, resourceID, resourceKind)] = struct{}{}
	a.mu.Unlock()
}

// CanAccess implements AccessChecker.
func (a *MemoryAccess) CanAccess(ctx context.Context, userID, resourceID, resourceKind string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if a.allowAll {
		return true, nil
	}
	a.mu.RLock()
	_, ok := a.grants[grantKey(userID, resourceID, resourceKind)]
	a.mu.RUnlock()
	return ok, nil
}

func grantKey(userID, resourceID, resourceKind string) string {
	return resourceKind + "\x00" + resourceID + "\x00" + userID
}
