package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"slidehub/cmd/internal/auth"
	v1 "slidehub/contracts/hub/v1"
)

const wsSubprotocolV1 = "slidehub.v1"

// Connection purposes. Each WebSocket mount serves exactly one purpose and
// only accepts the inbound types that belong to it.
const (
	purposeDocument      = "document"
	purposeJob           = "job"
	purposeNotifications = "notifications"
)

// GatewayConfig carries the tunables the gateway needs. Zero values fall
// back to the package defaults.
type GatewayConfig struct {
	// DevInsecure disables TLS verification in websocket.Accept. Dev only;
	// it is not an origin policy.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	MaxConnsPerUser int
}

func (c *GatewayConfig) fillDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	if c.MaxConnsPerUser <= 0 {
		c.MaxConnsPerUser = defaultMaxConnsPerUser
	}
}

// GatewayDeps bundles the hub subsystems the gateway routes into.
type GatewayDeps struct {
	Registry *Registry
	Docs     *DocSessions
	Notifier *Notifier
	Progress *ProgressTracker
	Verifier auth.TokenVerifier
	Access   auth.AccessChecker
	Metrics  *Metrics
}

// Gateway is the WebSocket entrypoint of the hub.
//
// It enforces origin policy, bearer-token authentication, per-user connection
// limits, rate limits, and heartbeats, and routes validated envelopes to the
// document sessions, the notifier, and the progress tracker.
type Gateway struct {
	log *slog.Logger
	cfg GatewayConfig

	reg      *Registry
	docs     *DocSessions
	notifier *Notifier
	progress *ProgressTracker
	verifier auth.TokenVerifier
	access   auth.AccessChecker
	metrics  *Metrics

	// Derived for websocket.Accept origin checks. Accept() authorizes
	// same-host origins by default; cross-origin needs OriginPatterns.
	originPatterns []string

	conns *connTable
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, cfg GatewayConfig, deps GatewayDeps) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg.fillDefaults()
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Verifier == nil {
		deps.Verifier = auth.NewMemoryVerifier()
	}
	if deps.Access == nil {
		deps.Access = auth.NewMemoryAccess(true)
	}

	return &Gateway{
		log:            log,
		cfg:            cfg,
		reg:            deps.Registry,
		docs:           deps.Docs,
		notifier:       deps.Notifier,
		progress:       deps.Progress,
		verifier:       deps.Verifier,
		access:         deps.Access,
		metrics:        deps.Metrics,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
		conns:          newConnTable(cfg.MaxConnsPerUser),
	}
}

// HandleDocumentWS serves a collaboration session on one document.
func (g *Gateway) HandleDocumentWS(w http.ResponseWriter, r *http.Request) {
	g.serveWS(w, r, purposeDocument, r.PathValue("documentID"))
}

// HandleJobWS serves the progress stream of one generation job.
func (g *Gateway) HandleJobWS(w http.ResponseWriter, r *http.Request) {
	g.serveWS(w, r, purposeJob, r.PathValue("jobID"))
}

// HandleNotificationsWS serves the caller's notification channels.
func (g *Gateway) HandleNotificationsWS(w http.ResponseWriter, r *http.Request) {
	g.serveWS(w, r, purposeNotifications, "")
}

// wsSession is the per-connection state the read loop and the shutdown path
// share. topics and channels are the subscriptions to undo on close.
type wsSession struct {
	purpose  string
	resource string
	client   *Client
	userID   string

	mu       sync.Mutex
	topics   map[string]struct{}
	channels map[string]struct{}
	inDoc    bool
}

func (s *wsSession) trackTopic(id string) {
	s.mu.Lock()
	s.topics[id] = struct{}{}
	s.mu.Unlock()
}

func (s *wsSession) untrackTopic(id string) {
	s.mu.Lock()
	delete(s.topics, id)
	s.mu.Unlock()
}

func (s *wsSession) trackChannel(name string) {
	s.mu.Lock()
	s.channels[name] = struct{}{}
	s.mu.Unlock()
}

func (s *wsSession) untrackChannel(name string) {
	s.mu.Lock()
	delete(s.channels, name)
	s.mu.Unlock()
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request, purpose, resource string) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if purpose != purposeNotifications && strings.TrimSpace(resource) == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		g.metrics.Error("gateway")
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	now := time.Now().UTC()

	// Authentication and authorization failures close the connection after
	// one error envelope. Everything past this point stays in-band.
	ident, err := g.verifier.Verify(ctx, bearerToken(r))
	if err != nil {
		g.log.Info("ws.reject.auth", "purpose", purpose, "remote", r.RemoteAddr, "err", err)
		g.refuse(ctx, conn, v1.CodeAuthenticationFailed, "authentication failed", nil, now)
		return
	}

	if kind := resourceKind(purpose); kind != "" {
		ok, err := g.access.CanAccess(ctx, ident.UserID, resource, kind)
		if err != nil {
			g.log.Error("ws.access.fail", "user_id", ident.UserID, "resource", resource, "err", err)
			g.metrics.Error("gateway")
			g.refuse(ctx, conn, v1.CodeInternalError, "access check failed", nil, now)
			return
		}
		if !ok {
			g.refuse(ctx, conn, v1.CodePermissionDenied, "access denied", map[string]string{"resource": resource}, now)
			return
		}
	}

	if !g.conns.acquire(ident.UserID) {
		g.refuse(ctx, conn, v1.CodeConnectionLimitExceeded, "too many connections", nil, now)
		return
	}
	defer g.conns.release(ident.UserID)

	client := NewClient(newID(now), ident.UserID, g.cfg.SendQueueSize)
	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()

	sess := &wsSession{
		purpose:  purpose,
		resource: resource,
		client:   client,
		userID:   ident.UserID,
		topics:   make(map[string]struct{}),
		channels: make(map[string]struct{}),
	}

	var closeOnce sync.Once

	// shutdown is idempotent and never closes client.Send; topic membership
	// is removed before client.Close so broadcasters see a live channel.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.mu.Lock()
			topics := make([]string, 0, len(sess.topics))
			for id := range sess.topics {
				topics = append(topics, id)
			}
			channels := make([]string, 0, len(sess.channels))
			for name := range sess.channels {
				channels = append(channels, name)
			}
			inDoc := sess.inDoc
			sess.mu.Unlock()

			if inDoc {
				g.docs.Leave(resource, client, time.Now().UTC())
				g.reg.Unsubscribe(client.ID, v1.DocumentTopic(resource))
			}
			for _, name := range channels {
				g.notifier.Unsubscribe(client.ID, name)
			}
			for _, id := range topics {
				g.reg.Unsubscribe(client.ID, id)
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", client.ID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.sendEvent(client, v1.TypeConnected, "", v1.ConnectedBody{
		ConnectionID: client.ID,
		UserID:       ident.UserID,
	}, now)
	g.attach(sess, now)

	g.log.Info("ws.open", "conn_id", client.ID, "user_id", ident.UserID, "purpose", purpose, "resource", resource)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, v1.CodeBadEnvelope, "invalid JSON", nil)
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()

		// Rate limiting is an in-band refusal; the connection stays open so
		// a bursty but otherwise healthy client can recover.
		if !rl.Allow(now) {
			g.sendError(client, v1.CodeRateLimitExceeded, "too many events", nil)
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, v1.CodeBadEnvelope, err.Error(), nil)
			continue readLoop
		}

		if fatalEnv := g.dispatch(ctx, sess, env, now); fatalEnv != nil {
			// Written straight to the socket: an enqueue could lose the race
			// with writer teardown and never be flushed.
			_ = writeEnvelope(ctx, conn, *fatalEnv, g.cfg.WriteTimeout)
			g.metrics.Sent("direct")
			shutdown(websocket.StatusPolicyViolation, fatalEnv.ErrorCode)
			break readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}

	g.log.Info("ws.close", "conn_id", client.ID, "user_id", ident.UserID, "purpose", purpose)
}

// attach wires the fresh connection into its purpose's subscriptions.
func (g *Gateway) attach(s *wsSession, now time.Time) {
	switch s.purpose {
	case purposeDocument:
		g.reg.Subscribe(s.client, v1.DocumentTopic(s.resource), v1.KindDocument)
		s.mu.Lock()
		s.inDoc = true
		s.mu.Unlock()

		roster := g.docs.Join(s.resource, s.client, now)
		g.sendEvent(s.client, v1.TypePresenceState, v1.DocumentTopic(s.resource), roster, now)

	case purposeJob:
		topic := v1.JobTopic(s.resource)
		g.reg.Subscribe(s.client, topic, v1.KindJob)
		s.trackTopic(topic)
		if snap, ok := g.progress.Snapshot(s.resource); ok {
			g.sendEvent(s.client, v1.TypeJobProgress, topic, snap, now)
		}

	case purposeNotifications:
		g.notifier.Subscribe(s.client, v1.ChannelGeneral, now)
		s.trackChannel(v1.ChannelGeneral)
		own := v1.UserChannel(s.userID)
		g.notifier.Subscribe(s.client, own, now)
		s.trackChannel(own)
	}
}

// dispatch routes one validated envelope. A non-nil return is the closing
// error of a fatal violation; the caller writes it to the socket and closes
// the connection.
func (g *Gateway) dispatch(ctx context.Context, s *wsSession, env v1.Envelope, now time.Time) (fatal *v1.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			corr := newID(now)
			g.log.Error("ws.dispatch.panic", "correlation_id", corr, "conn_id", s.client.ID, "type", env.Type, "panic", rec)
			g.metrics.Error("gateway")
			g.sendError(s.client, v1.CodeInternalError, "internal error", map[string]string{"correlation_id": corr})
			fatal = nil
		}
	}()

	switch env.Type {
	case v1.TypePing:
		if s.purpose == purposeDocument {
			g.docs.Touch(s.resource, s.userID, now)
		}
		g.send(s.client, v1.Envelope{Type: v1.TypePong, Timestamp: now})
		return nil

	case v1.TypeSubscribeJob:
		var p v1.SubscribeJobBody
		if !g.decode(s.client, env.Body, &p) || !g.require(s.client, p.JobID, "job_id") {
			return nil
		}
		return g.onSubscribeJob(ctx, s, p.JobID, now)

	case v1.TypeUnsubscribeJob:
		var p v1.SubscribeJobBody
		if !g.decode(s.client, env.Body, &p) || !g.require(s.client, p.JobID, "job_id") {
			return nil
		}
		topic := v1.JobTopic(p.JobID)
		g.reg.Unsubscribe(s.client.ID, topic)
		s.untrackTopic(topic)
		g.sendEvent(s.client, v1.TypeUnsubscribed, topic, v1.SubscribeJobBody{JobID: p.JobID}, now)
		return nil

	case v1.TypePresenceUpdate:
		if s.purpose != purposeDocument {
			g.unsupported(s, env.Type)
			return nil
		}
		var p v1.PresenceUpdateBody
		if !g.decode(s.client, env.Body, &p) {
			return nil
		}
		g.docs.Heartbeat(s.resource, s.client, p, now)
		return nil

	case v1.TypeCursorUpdate:
		if s.purpose != purposeDocument {
			g.unsupported(s, env.Type)
			return nil
		}
		var p v1.CursorUpdateBody
		if !g.decode(s.client, env.Body, &p) {
			return nil
		}
		g.docs.Cursor(s.resource, s.client, p.Cursor, now)
		return nil

	case v1.TypeLockSlide:
		if s.purpose != purposeDocument {
			g.unsupported(s, env.Type)
			return nil
		}
		var p v1.LockSlideBody
		if !g.decode(s.client, env.Body, &p) || !g.require(s.client, p.SlideID, "slide_id") {
			return nil
		}
		resp := g.docs.Acquire(s.resource, p.SlideID, s.userID, now)
		g.sendEvent(s.client, v1.TypeLockResponse, v1.DocumentTopic(s.resource), resp, now)
		return nil

	case v1.TypeUnlockSlide:
		if s.purpose != purposeDocument {
			g.unsupported(s, env.Type)
			return nil
		}
		var p v1.LockSlideBody
		if !g.decode(s.client, env.Body, &p) || !g.require(s.client, p.SlideID, "slide_id") {
			return nil
		}
		released, owner := g.docs.Release(s.resource, p.SlideID, s.userID, now)
		if !released && owner != "" {
			g.sendError(s.client, v1.CodeLockConflict, "lock held by another user", map[string]string{
				"slide_id": p.SlideID,
				"owner":    owner,
			})
		}
		// Releasing an unheld slide is a no-op; success is observed through
		// the slide_unlocked broadcast.
		return nil

	case v1.TypeEditOperation:
		if s.purpose != purposeDocument {
			g.unsupported(s, env.Type)
			return nil
		}
		var p v1.EditOperationBody
		if !g.decode(s.client, env.Body, &p) ||
			!g.require(s.client, p.OperationID, "operation_id") ||
			!g.require(s.client, p.SlideID, "slide_id") {
			return nil
		}
		return g.onEditOperation(s, p, now)

	case v1.TypeSubscribeChannel:
		if s.purpose != purposeNotifications {
			g.unsupported(s, env.Type)
			return nil
		}
		var p v1.SubscribeChannelBody
		if !g.decode(s.client, env.Body, &p) || !g.require(s.client, p.Channel, "channel") {
			return nil
		}
		return g.onSubscribeChannel(s, p.Channel, now)

	case v1.TypeUnsubscribeChannel:
		if s.purpose != purposeNotifications {
			g.unsupported(s, env.Type)
			return nil
		}
		var p v1.SubscribeChannelBody
		if !g.decode(s.client, env.Body, &p) || !g.require(s.client, p.Channel, "channel") {
			return nil
		}
		// The general and own-user channels are pinned for the lifetime of
		// the connection.
		if p.Channel == v1.ChannelGeneral || p.Channel == v1.UserChannel(s.userID) {
			return nil
		}
		g.notifier.Unsubscribe(s.client.ID, p.Channel)
		s.untrackChannel(p.Channel)
		g.sendEvent(s.client, v1.TypeUnsubscribed, v1.ChannelTopic(p.Channel), v1.ChannelAckBody{Channel: p.Channel}, now)
		return nil

	case v1.TypeMarkRead:
		if s.purpose != purposeNotifications {
			g.unsupported(s, env.Type)
			return nil
		}
		var p v1.MarkReadBody
		if !g.decode(s.client, env.Body, &p) || !g.require(s.client, p.NotificationID, "notification_id") {
			return nil
		}
		if !g.notifier.MarkRead(s.userID, p.Channel, p.NotificationID) {
			return fatalError(v1.CodePermissionDenied, "cannot mark notifications outside your own channel", map[string]string{
				"channel": p.Channel,
			})
		}
		g.sendEvent(s.client, v1.TypeMarkedRead, v1.ChannelTopic(p.Channel), v1.MarkedReadBody{
			NotificationID: p.NotificationID,
			Channel:        p.Channel,
		}, now)
		return nil

	default:
		g.sendError(s.client, v1.CodeUnknownType, fmt.Sprintf("unknown type: %s", env.Type), nil)
		return nil
	}
}

func (g *Gateway) onSubscribeJob(ctx context.Context, s *wsSession, jobID string, now time.Time) (fatal *v1.Envelope) {
	ok, err := g.access.CanAccess(ctx, s.userID, jobID, v1.KindJob)
	if err != nil {
		g.log.Error("ws.access.fail", "user_id", s.userID, "job_id", jobID, "err", err)
		g.metrics.Error("gateway")
		g.sendError(s.client, v1.CodeInternalError, "access check failed", nil)
		return nil
	}
	if !ok {
		return fatalError(v1.CodePermissionDenied, "access denied", map[string]string{"job_id": jobID})
	}

	topic := v1.JobTopic(jobID)
	g.reg.Subscribe(s.client, topic, v1.KindJob)
	s.trackTopic(topic)

	if snap, ok := g.progress.Snapshot(jobID); ok {
		g.sendEvent(s.client, v1.TypeJobProgress, topic, snap, now)
	}
	g.sendEvent(s.client, v1.TypeSubscribed, topic, v1.SubscribeJobBody{JobID: jobID}, now)
	return nil
}

func (g *Gateway) onEditOperation(s *wsSession, p v1.EditOperationBody, now time.Time) (fatal *v1.Envelope) {
	res, err := g.docs.Submit(s.resource, s.userID, p, now)
	if err != nil {
		var conflict *LockConflictError
		var unknown *UnknownDocumentError
		switch {
		case errors.As(err, &conflict):
			g.sendError(s.client, v1.CodeLockConflict, "slide locked by another user", map[string]string{
				"slide_id": p.SlideID,
				"owner":    conflict.Owner,
			})
		case errors.As(err, &unknown):
			g.sendError(s.client, v1.CodeUnknownDocument, "no active session for document", map[string]string{
				"document_id": unknown.DocumentID,
			})
		default:
			g.log.Error("ws.edit.fail", "conn_id", s.client.ID, "err", err)
			g.metrics.Error("gateway")
			g.sendError(s.client, v1.CodeInternalError, "edit failed", nil)
		}
		return nil
	}

	g.sendEvent(s.client, v1.TypeEditAccepted, v1.DocumentTopic(s.resource), v1.EditAcceptedBody{
		OperationID: p.OperationID,
		Seq:         res.Seq,
		Duplicate:   res.Duplicate,
	}, now)
	return nil
}

func (g *Gateway) onSubscribeChannel(s *wsSession, channel string, now time.Time) (fatal *v1.Envelope) {
	// User-scoped channels are private: subscribing to someone else's is a
	// policy violation, not a recoverable request error.
	if strings.HasPrefix(channel, "user_") && channel != v1.UserChannel(s.userID) {
		return fatalError(v1.CodePermissionDenied, "cannot subscribe to another user's channel", map[string]string{
			"channel": channel,
		})
	}

	g.notifier.Subscribe(s.client, channel, now)
	s.trackChannel(channel)
	g.sendEvent(s.client, v1.TypeSubscribed, v1.ChannelTopic(channel), v1.ChannelAckBody{Channel: channel}, now)
	return nil
}

// ---- send helpers ----

func (g *Gateway) send(c *Client, env v1.Envelope) {
	if dropped := c.Enqueue(env); dropped > 0 {
		g.metrics.Broadcast("direct", 0, dropped)
	}
	g.metrics.Sent("direct")
}

func (g *Gateway) sendEvent(c *Client, typ, topic string, body any, now time.Time) {
	env, err := v1.NewEvent(typ, topic, body, now)
	if err != nil {
		g.log.Error("ws.event.marshal", "type", typ, "err", err)
		g.metrics.Error("gateway")
		g.send(c, v1.NewError(v1.CodeInternalError, "internal error", nil, now))
		return
	}
	g.send(c, env)
}

func (g *Gateway) sendError(c *Client, code, msg string, details map[string]string) {
	g.send(c, v1.NewError(code, msg, details, time.Now().UTC()))
}

// fatalError builds the final error envelope for a policy violation. The
// read loop writes it synchronously before the close frame; Conn.Write
// serializes with the writer goroutine.
func fatalError(code, msg string, details map[string]string) *v1.Envelope {
	env := v1.NewError(code, msg, details, time.Now().UTC())
	return &env
}

func (g *Gateway) unsupported(s *wsSession, typ string) {
	g.sendError(s.client, v1.CodeUnknownType, fmt.Sprintf("%s is not supported on the %s endpoint", typ, s.purpose), nil)
}

// decode unmarshals an envelope body, answering BAD_ENVELOPE on failure.
func (g *Gateway) decode(c *Client, raw json.RawMessage, dst any) bool {
	if len(raw) == 0 {
		g.sendError(c, v1.CodeBadEnvelope, "missing body", nil)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		g.sendError(c, v1.CodeBadEnvelope, "invalid body: "+err.Error(), nil)
		return false
	}
	return true
}

func (g *Gateway) require(c *Client, val, field string) bool {
	if strings.TrimSpace(val) == "" {
		g.sendError(c, v1.CodeBadEnvelope, "missing field: "+field, nil)
		return false
	}
	return true
}

// refuse writes one error envelope straight to the socket and closes. Used
// before the writer goroutine exists.
func (g *Gateway) refuse(ctx context.Context, conn *websocket.Conn, code, msg string, details map[string]string, now time.Time) {
	env := v1.NewError(code, msg, details, now)
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
	_ = conn.Close(websocket.StatusPolicyViolation, code)
}

func resourceKind(purpose string) string {
	switch purpose {
	case purposeDocument:
		return v1.KindDocument
	case purposeJob:
		return v1.KindJob
	default:
		return ""
	}
}

// bearerToken extracts the access token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not
	// conn.Read. This fallback covers propagated error strings.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns extracts host patterns for websocket.Accept from the
// configured allowlist so the two layers agree.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
