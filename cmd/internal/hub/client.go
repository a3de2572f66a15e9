package hub

import (
	"sync"

	v1 "slidehub/contracts/hub/v1"
)

// Client represents one connected session (websocket or SSE fallback).
//
// Design notes:
// - Send is intentionally NOT closed by the hub to avoid panics from concurrent broadcasters.
// - done signals the transport goroutines to stop; Close is idempotent.
// - Enqueue never blocks: a full queue sheds its oldest entry first (drop-oldest).
type Client struct {
	ID     string
	UserID string
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID, userID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Client{
		ID:     connID,
		UserID: userID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done returns a channel closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Enqueue places env on the send queue without ever blocking the caller.
// When the queue is full the oldest buffered envelope is discarded to make
// room; dropped reports how many envelopes were shed. Enqueueing to a closed
// client is a no-op.
func (c *Client) Enqueue(env v1.Envelope) (dropped int) {
	if c == nil || c.Closed() {
		return 0
	}

	// Bounded retries: with a live writer draining the queue the first or
	// second attempt succeeds; the cap only matters if the writer has stalled.
	for range 4 {
		select {
		case c.Send <- env:
			return dropped
		default:
		}
		select {
		case <-c.Send:
			dropped++
		default:
		}
	}
	// Could not make room; shed the new envelope instead.
	return dropped + 1
}
