package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	v1 "slidehub/contracts/hub/v1"
)

func originGateway(required bool, allowed ...string) *Gateway {
	return NewGateway(testLogger(), GatewayConfig{
		OriginRequired: required,
		AllowedOrigins: allowed,
	}, GatewayDeps{})
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		required bool
		allowed  []string
		origin   string
		wantErr  bool
	}{
		{name: "missing origin required", required: true, allowed: []string{"http://localhost"}, origin: "", wantErr: true},
		{name: "missing origin optional", required: false, allowed: []string{"http://localhost"}, origin: ""},
		{name: "exact match", required: true, allowed: []string{"http://localhost"}, origin: "http://localhost"},
		{name: "host match ignores port", required: true, allowed: []string{"http://localhost"}, origin: "http://localhost:3000"},
		{name: "host match ignores scheme", required: true, allowed: []string{"http://app.example.com"}, origin: "https://app.example.com"},
		{name: "wildcard honored", required: true, allowed: []string{"*"}, origin: "https://anywhere.example"},
		{name: "not in allowlist", required: true, allowed: []string{"http://localhost"}, origin: "https://evil.example", wantErr: true},
		{name: "empty allowlist", required: true, allowed: nil, origin: "http://localhost", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := originGateway(tc.required, tc.allowed...)
			r := httptest.NewRequest(http.MethodGet, "/ws/notifications", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}

			err := g.enforceOrigin(r)
			if tc.wantErr && err == nil {
				t.Fatalf("expected rejection")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
		})
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"http://localhost", "localhost"},
		{"https://App.Example.com:8443", "app.example.com"},
		{"localhost:3000", "localhost"},
		{"127.0.0.1", "127.0.0.1"},
		{"", ""},
	}

	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatterns([]string{
		"http://localhost",
		"http://localhost:3000",
		"https://app.example.com",
		"*",
		"",
	})
	want := []string{"app.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("patterns %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns %v, want %v", got, want)
		}
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/ws/notifications?token=fromquery", nil)
	if got := bearerToken(r); got != "fromquery" {
		t.Fatalf("query token = %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws/notifications?token=fromquery", nil)
	r.Header.Set("Authorization", "Bearer fromheader")
	if got := bearerToken(r); got != "fromheader" {
		t.Fatalf("header token should win, got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws/notifications", nil)
	if got := bearerToken(r); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}

func TestDispatchFatalViolationReturnsClosingError(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	reg := NewRegistry(testLogger(), time.Minute, NewMetrics(nil))
	notifier := NewNotifier(testLogger(), reg, NewMetrics(nil), 10)
	g := NewGateway(testLogger(), GatewayConfig{}, GatewayDeps{Registry: reg, Notifier: notifier})

	cases := []struct {
		name string
		env  v1.Envelope
	}{
		{
			name: "mark_read outside own channel",
			env: v1.Envelope{
				Type: v1.TypeMarkRead,
				Body: json.RawMessage(`{"notification_id":"n1","channel":"user_bob"}`),
			},
		},
		{
			name: "subscribe to another user's channel",
			env: v1.Envelope{
				Type: v1.TypeSubscribeChannel,
				Body: json.RawMessage(`{"channel":"user_bob"}`),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sess := &wsSession{
				purpose:  purposeNotifications,
				client:   NewClient("c1", "alice", 8),
				userID:   "alice",
				topics:   make(map[string]struct{}),
				channels: make(map[string]struct{}),
			}

			closing := g.dispatch(context.Background(), sess, tc.env, now)
			if closing == nil {
				t.Fatalf("expected a closing error envelope")
			}
			if closing.Type != v1.TypeError || closing.ErrorCode != v1.CodePermissionDenied {
				t.Fatalf("closing envelope = %+v", closing)
			}
			// The closing error bypasses the send queue so writer teardown
			// cannot discard it before the flush.
			if got := drain(sess.client); len(got) != 0 {
				t.Fatalf("closing error was queued instead: %v", typesOf(got))
			}
		})
	}
}

func TestConnTableLimit(t *testing.T) {
	t.Parallel()

	tab := newConnTable(2)
	if !tab.acquire("u1") || !tab.acquire("u1") {
		t.Fatalf("connections under the cap were refused")
	}
	if tab.acquire("u1") {
		t.Fatalf("connection over the cap was admitted")
	}
	if !tab.acquire("u2") {
		t.Fatalf("another user's connection was refused")
	}

	tab.release("u1")
	if !tab.acquire("u1") {
		t.Fatalf("released slot was not reusable")
	}
	if tab.count("u1") != 2 {
		t.Fatalf("count = %d, want 2", tab.count("u1"))
	}
}
