package hub

import "time"

// Security/performance limits and defaults. Everything duration- or
// size-shaped here can be overridden through Options (see gateway.go and the
// app config); these are the documented defaults.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultMaxConnsPerUser = 8

	// Replay buffer entries retained per notification channel.
	defaultReplayBuffer = 50

	// Notification ids remembered per user for mark_read.
	maxReadMarksPerUser = 1000
)

// Replay buffers for idle channels are retained this long after the last
// publish or subscribe, so an offline user still catches up on reconnect.
const channelRetention = 24 * time.Hour

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	// Per-connection inbound rate limits (events per window).
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second

	// Slide locks expire unless refreshed by the owner.
	defaultLockTTL = 5 * time.Minute

	// Presence state machine timers.
	defaultPresenceIdle       = 1 * time.Minute
	defaultPresenceDisconnect = 10 * time.Minute

	// Empty topics linger this long to tolerate rapid reconnects.
	defaultTopicGrace = 30 * time.Second

	// Terminal job topics linger briefly so the final event drains.
	defaultJobLinger = 5 * time.Second

	defaultSweepInterval = 1 * time.Minute

	// SSE keepalive comment cadence.
	sseKeepalive = 30 * time.Second
)
