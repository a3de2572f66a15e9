package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"slidehub/cmd/internal/auth"
	v1 "slidehub/contracts/hub/v1"
)

// Server-sent-event fallback for clients that cannot hold a WebSocket.
// SSE connections are one-way: they receive the same envelopes a WebSocket
// subscriber would, but cannot send presence, locks, or edits.

// HandleJobSSE streams one generation job's progress events.
func (g *Gateway) HandleJobSSE(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	if jobID == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	ident, ok := g.sseAuth(w, r, jobID, v1.KindJob)
	if !ok {
		return
	}

	g.serveSSE(w, r, ident.UserID, func(client *Client, now time.Time) func() {
		topic := v1.JobTopic(jobID)
		g.reg.Subscribe(client, topic, v1.KindJob)
		if snap, ok := g.progress.Snapshot(jobID); ok {
			g.sendEvent(client, v1.TypeJobProgress, topic, snap, now)
		}
		return func() { g.reg.Unsubscribe(client.ID, topic) }
	})
}

// HandleNotificationsSSE streams the caller's notification channels,
// replaying recent history first.
func (g *Gateway) HandleNotificationsSSE(w http.ResponseWriter, r *http.Request) {
	ident, ok := g.sseAuth(w, r, "", "")
	if !ok {
		return
	}

	g.serveSSE(w, r, ident.UserID, func(client *Client, now time.Time) func() {
		own := v1.UserChannel(ident.UserID)
		g.notifier.Subscribe(client, v1.ChannelGeneral, now)
		g.notifier.Subscribe(client, own, now)
		return func() {
			g.notifier.Unsubscribe(client.ID, v1.ChannelGeneral)
			g.notifier.Unsubscribe(client.ID, own)
		}
	})
}

// sseAuth authenticates the request and, when resource is non-empty, checks
// access. SSE failures are plain HTTP statuses since no envelope stream
// exists yet.
func (g *Gateway) sseAuth(w http.ResponseWriter, r *http.Request, resource, kind string) (auth.Identity, bool) {
	id, err := g.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	if resource != "" {
		allowed, err := g.access.CanAccess(r.Context(), id.UserID, resource, kind)
		if err != nil {
			g.log.Error("sse.access.fail", "user_id", id.UserID, "resource", resource, "err", err)
			g.metrics.Error("gateway")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return auth.Identity{}, false
		}
		if !allowed {
			http.Error(w, "forbidden", http.StatusForbidden)
			return auth.Identity{}, false
		}
	}
	return id, true
}

func (g *Gateway) serveSSE(w http.ResponseWriter, r *http.Request, userID string, attach func(*Client, time.Time) func()) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if !g.conns.acquire(userID) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer g.conns.release(userID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	now := time.Now().UTC()
	client := NewClient(newID(now), userID, g.cfg.SendQueueSize)
	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()

	detach := attach(client, now)
	defer detach()
	defer client.Close()

	g.sendEvent(client, v1.TypeConnected, "", v1.ConnectedBody{
		ConnectionID: client.ID,
		UserID:       userID,
	}, now)

	g.log.Info("sse.open", "conn_id", client.ID, "user_id", userID)
	defer g.log.Info("sse.close", "conn_id", client.ID, "user_id", userID)

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case env := <-client.Send:
			b, err := json.Marshal(env)
			if err != nil {
				g.log.Error("sse.marshal.fail", "conn_id", client.ID, "err", err)
				g.metrics.Error("gateway")
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(b); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
