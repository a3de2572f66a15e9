package hub

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	v1 "slidehub/contracts/hub/v1"
)

func newNotifierHarness(replayN int) (*Notifier, *Registry) {
	reg := NewRegistry(testLogger(), time.Minute, NewMetrics(nil))
	return NewNotifier(testLogger(), reg, NewMetrics(nil), replayN), reg
}

func notificationIDs(envs []v1.Envelope) []string {
	var out []string
	for _, e := range envs {
		if e.Type != v1.TypeNotification {
			continue
		}
		var n v1.NotificationBody
		if err := json.Unmarshal(e.Body, &n); err == nil {
			out = append(out, n.ID)
		}
	}
	return out
}

func TestPublishStampsAndDelivers(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	n, _ := newNotifierHarness(10)

	c := NewClient("c1", "u1", 32)
	n.Subscribe(c, v1.ChannelGeneral, now)

	stored := n.Publish(v1.ChannelGeneral, v1.NotificationBody{Title: "hi"}, now)
	if stored.ID == "" || stored.Channel != v1.ChannelGeneral || stored.CreatedAt.IsZero() {
		t.Fatalf("notification not stamped: %+v", stored)
	}

	got := drain(c)
	if len(got) != 1 || got[0].Type != v1.TypeNotification {
		t.Fatalf("expected one notification, got %v", typesOf(got))
	}
}

func TestSubscribeReplaysAtMostN(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	n, _ := newNotifierHarness(3)

	for i := range 5 {
		n.Publish("general", v1.NotificationBody{ID: fmt.Sprintf("n%d", i)}, now.Add(time.Duration(i)*time.Second))
	}

	c := NewClient("c1", "u1", 32)
	replayed := n.Subscribe(c, "general", now.Add(time.Minute))
	if replayed != 3 {
		t.Fatalf("expected 3 replayed, got %d", replayed)
	}

	ids := notificationIDs(drain(c))
	want := []string{"n2", "n3", "n4"}
	if len(ids) != len(want) {
		t.Fatalf("replay ids %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("replay order %v, want %v", ids, want)
		}
	}
}

func TestReplayThenLiveNoGapNoDup(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	n, _ := newNotifierHarness(10)

	n.Publish("general", v1.NotificationBody{ID: "old"}, now)

	c := NewClient("c1", "u1", 32)
	n.Subscribe(c, "general", now.Add(time.Second))
	n.Publish("general", v1.NotificationBody{ID: "new"}, now.Add(2*time.Second))

	ids := notificationIDs(drain(c))
	if len(ids) != 2 || ids[0] != "old" || ids[1] != "new" {
		t.Fatalf("expected [old new], got %v", ids)
	}
}

func TestMarkReadOwnChannelOnly(t *testing.T) {
	t.Parallel()

	n, _ := newNotifierHarness(10)

	if !n.MarkRead("u1", v1.UserChannel("u1"), "n1") {
		t.Fatalf("mark on own channel refused")
	}
	if !n.IsRead("u1", "n1") {
		t.Fatalf("read receipt not recorded")
	}

	if n.MarkRead("u1", v1.UserChannel("u2"), "n2") {
		t.Fatalf("mark on another user's channel allowed")
	}
	if n.MarkRead("u1", "general", "n3") {
		t.Fatalf("mark on shared channel allowed")
	}
	if n.MarkRead("u1", v1.UserChannel("u1"), "") {
		t.Fatalf("mark with empty id allowed")
	}
}

func TestSweepKeepsReplayWithinRetention(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	n, reg := newNotifierHarness(10)

	n.Publish("user_u1", v1.NotificationBody{ID: "n1"}, now)

	// No topic exists (the user is offline) but the replay buffer must
	// survive until the retention window lapses.
	n.Sweep(now.Add(time.Hour))

	c := NewClient("c1", "u1", 32)
	if replayed := n.Subscribe(c, "user_u1", now.Add(2*time.Hour)); replayed != 1 {
		t.Fatalf("replay lost inside retention window, got %d", replayed)
	}

	reg.Unsubscribe("c1", v1.ChannelTopic("user_u1"))
	reg.Sweep(now.Add(3 * time.Hour))

	n.Sweep(now.Add(48 * time.Hour))
	c2 := NewClient("c2", "u1", 32)
	if replayed := n.Subscribe(c2, "user_u1", now.Add(48*time.Hour)); replayed != 0 {
		t.Fatalf("replay survived past retention, got %d", replayed)
	}
}
