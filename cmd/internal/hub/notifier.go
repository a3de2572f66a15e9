package hub

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "slidehub/contracts/hub/v1"
)

// Notifier routes notifications over channels and retains a bounded replay
// buffer per channel so late joiners catch up without a gap.
//
// Ordering across the replay/live boundary: Subscribe and Publish both take
// the channel state lock, and the replay snapshot is enqueued before the
// connection joins the live topic. A publish serialized after the subscribe
// therefore lands behind the replay on the client's queue; one serialized
// before it is part of the snapshot. No duplicate, no gap.
type Notifier struct {
	log     *slog.Logger
	reg     *Registry
	metrics *Metrics
	replayN int

	mu       sync.Mutex
	channels map[string]*channelState

	readMu sync.Mutex
	reads  map[string]map[string]struct{}
}

type channelState struct {
	mu           sync.Mutex
	replay       []v1.NotificationBody
	lastActivity time.Time
}

// NewNotifier constructs a Notifier with a replay buffer of n entries per
// channel (defaults when n <= 0).
func NewNotifier(log *slog.Logger, reg *Registry, m *Metrics, n int) *Notifier {
	if n <= 0 {
		n = defaultReplayBuffer
	}
	return &Notifier{
		log:      log,
		reg:      reg,
		metrics:  m,
		replayN:  n,
		channels: make(map[string]*channelState),
		reads:    make(map[string]map[string]struct{}),
	}
}

func (n *Notifier) channel(name string) *channelState {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs := n.channels[name]
	if cs == nil {
		cs = &channelState{}
		n.channels[name] = cs
	}
	return cs
}

// Publish stamps the notification (id, channel, created-at) and fans it out
// to every subscriber of the channel, appending it to the replay buffer.
func (n *Notifier) Publish(channel string, note v1.NotificationBody, now time.Time) v1.NotificationBody {
	if note.ID == "" {
		note.ID = newID(now)
	}
	note.Channel = channel
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}

	cs := n.channel(channel)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.replay = append(cs.replay, note)
	if len(cs.replay) > n.replayN {
		cs.replay = cs.replay[len(cs.replay)-n.replayN:]
	}
	cs.lastActivity = now

	env, err := v1.NewEvent(v1.TypeNotification, v1.ChannelTopic(channel), note, now)
	if err != nil {
		n.metrics.Error("notifier")
		n.log.Error("notify.publish.marshal", "channel", channel, "err", err)
		return note
	}
	n.reg.Publish(v1.ChannelTopic(channel), env)
	return note
}

// Subscribe registers c on the channel. The client receives up to N buffered
// notifications in original order before any notification published after the
// subscription.
func (n *Notifier) Subscribe(c *Client, channel string, now time.Time) int {
	cs := n.channel(channel)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	replayed := 0
	for _, note := range cs.replay {
		env, err := v1.NewEvent(v1.TypeNotification, v1.ChannelTopic(channel), note, now)
		if err != nil {
			n.metrics.Error("notifier")
			continue
		}
		c.Enqueue(env)
		n.metrics.Sent(v1.KindChannel)
		replayed++
	}

	cs.lastActivity = now
	n.reg.Subscribe(c, v1.ChannelTopic(channel), v1.KindChannel)
	return replayed
}

// Unsubscribe removes the connection from the channel topic.
func (n *Notifier) Unsubscribe(connID, channel string) {
	n.reg.Unsubscribe(connID, v1.ChannelTopic(channel))
}

// MarkRead records a read receipt. Only notifications on the caller's own
// user-scoped channel may be marked; anything else is a permission failure.
func (n *Notifier) MarkRead(userID, channel, notificationID string) bool {
	if strings.TrimSpace(notificationID) == "" {
		return false
	}
	if channel != v1.UserChannel(userID) {
		return false
	}

	n.readMu.Lock()
	defer n.readMu.Unlock()

	set := n.reads[userID]
	if set == nil {
		set = make(map[string]struct{})
		n.reads[userID] = set
	}
	set[notificationID] = struct{}{}
	// Bounded: forget arbitrary old receipts past the cap.
	if len(set) > maxReadMarksPerUser {
		for id := range set {
			delete(set, id)
			if len(set) <= maxReadMarksPerUser {
				break
			}
		}
	}
	return true
}

// IsRead reports whether the user has marked the notification as read.
func (n *Notifier) IsRead(userID, notificationID string) bool {
	n.readMu.Lock()
	defer n.readMu.Unlock()
	_, ok := n.reads[userID][notificationID]
	return ok
}

// Sweep drops replay state for channels that have had no subscribers and no
// publishes for the retention window. Replay buffers deliberately outlive
// topic teardown so an offline user's channel still catches them up.
func (n *Notifier) Sweep(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for name, cs := range n.channels {
		if n.reg.Get(v1.ChannelTopic(name)) != nil {
			continue
		}
		cs.mu.Lock()
		stale := now.Sub(cs.lastActivity) > channelRetention
		cs.mu.Unlock()
		if stale {
			delete(n.channels, name)
		}
	}
}
