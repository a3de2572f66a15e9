package hub

import (
	"sync"
	"time"

	v1 "slidehub/contracts/hub/v1"
)

// Topic is a named broadcast scope with a dynamic subscriber set.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast snapshots the subscriber set under the read lock and never
//   performs network I/O; delivery is handed to each client's bounded queue.
// - A subscriber that is already shutting down is skipped, never blocked on.
type Topic struct {
	ID   string
	Kind string

	mu         sync.RWMutex
	members    map[string]*Client
	emptySince time.Time
}

func newTopic(id, kind string, now time.Time) *Topic {
	return &Topic{
		ID:         id,
		Kind:       kind,
		members:    make(map[string]*Client),
		emptySince: now,
	}
}

// Join adds a client to the subscriber set.
func (t *Topic) Join(c *Client) {
	if t == nil || c == nil || c.ID == "" {
		return
	}
	t.mu.Lock()
	t.members[c.ID] = c
	t.emptySince = time.Time{}
	t.mu.Unlock()
}

// Leave removes a connection from the subscriber set. When the set becomes
// empty the topic is stamped for grace-period teardown by the registry sweep.
func (t *Topic) Leave(connID string, now time.Time) {
	if t == nil || connID == "" {
		return
	}
	t.mu.Lock()
	delete(t.members, connID)
	if len(t.members) == 0 {
		t.emptySince = now
	}
	t.mu.Unlock()
}

// Size returns the current subscriber count.
func (t *Topic) Size() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Broadcast fans env out to every currently subscribed connection.
// Every live subscriber either receives the envelope on its queue or sheds
// older queued envelopes to make room; there is no partial silent loss.
func (t *Topic) Broadcast(env v1.Envelope) (delivered, dropped int) {
	if t == nil {
		return 0, 0
	}

	t.mu.RLock()
	snapshot := make([]*Client, 0, len(t.members))
	for _, m := range t.members {
		if m != nil {
			snapshot = append(snapshot, m)
		}
	}
	t.mu.RUnlock()

	for _, m := range snapshot {
		if m.Closed() {
			continue
		}
		dropped += m.Enqueue(env)
		delivered++
	}
	return delivered, dropped
}

// expired reports whether the topic has been empty past the grace window.
// The grace period tolerates rapid resubscribe on client reconnect.
func (t *Topic) expired(now time.Time, grace time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members) == 0 && !t.emptySince.IsZero() && now.Sub(t.emptySince) > grace
}
