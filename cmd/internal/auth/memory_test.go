package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryVerifier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now().UTC()

	v := NewMemoryVerifier()
	v.Add("tok-1", "u1", now.Add(time.Hour))

	ident, err := v.Verify(ctx, "tok-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ident.UserID != "u1" {
		t.Fatalf("user = %q", ident.UserID)
	}

	if _, err := v.Verify(ctx, "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown token: %v", err)
	}
	if _, err := v.Verify(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token: %v", err)
	}

	v.Add("tok-old", "u2", now.Add(-time.Minute))
	if _, err := v.Verify(ctx, "tok-old"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: %v", err)
	}

	v.Revoke("tok-1")
	if _, err := v.Verify(ctx, "tok-1"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("revoked token: %v", err)
	}
}

func TestMemoryAccessGrants(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	a := NewMemoryAccess(false)
	if ok, _ := a.CanAccess(ctx, "u1", "p1", "doc"); ok {
		t.Fatalf("ungranted access allowed")
	}

	a.Grant("u1", "p1", "doc")
	if ok, _ := a.CanAccess(ctx, "u1", "p1", "doc"); !ok {
		t.Fatalf("granted access refused")
	}
	if ok, _ := a.CanAccess(ctx, "u1", "p1", "job"); ok {
		t.Fatalf("grant leaked across resource kinds")
	}
	if ok, _ := a.CanAccess(ctx, "u2", "p1", "doc"); ok {
		t.Fatalf("grant leaked across users")
	}
}

func TestMemoryAccessAllowAll(t *testing.T) {
	t.Parallel()

	a := NewMemoryAccess(true)
	if ok, _ := a.CanAccess(context.Background(), "anyone", "anything", "doc"); !ok {
		t.Fatalf("allow-all refused access")
	}
}
