// Package main provides a CI-friendly WebSocket smoke test for the slidehub
// document gateway.
//
// It validates:
//   - handshake + subprotocol selection + bearer auth
//   - connected greeting and presence roster
//   - join fanout (user_joined seen by the other client)
//   - lock acquire -> grant, contested acquire -> denial with owner
//   - edit submit -> edit_accepted with a sequence number
//   - edit fanout to the other client with the same sequence number
//   - idempotent dedupe by operation_id
//   - unlock fanout
//
// Run it against a dev instance started with in-memory auth, e.g.:
//
//	SLIDEHUB_DEV_TOKENS=dev-a:alice,dev-b:bob slidehub
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "slidehub/contracts/hub/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "slidehub.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	userID string
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "ws://127.0.0.1:8080", "Hub base URL (ws:// or wss://)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		docID   = flag.String("doc", "dev-doc-1", "Document ID to join")
		slideID = flag.String("slide", "slide-1", "Slide ID to lock and edit")
		tokenA  = flag.String("token-a", "dev-a", "Bearer token for client A")
		tokenB  = flag.String("token-b", "dev-b", "Bearer token for client B (must map to a different user)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := documentWSURL(*baseURL, *docID)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if a.userID == b.userID {
		fatalf("tokens map to the same user %q; lock contention needs two users", a.userID)
	}
	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s) origin=%q\n", a.userID, a.connID, b.userID, b.connID, *origin)
	}

	mustAssertJoin(root, a, *docID, b.userID, *timeout)

	mustLockGranted(root, a, *slideID, *timeout)
	mustAssertLockEvent(root, b, v1.TypeSlideLocked, *docID, *slideID, a.userID, *timeout)

	mustLockDenied(root, b, *slideID, a.userID, *timeout)

	opID := fmt.Sprintf("op-%d", time.Now().UnixNano())

	seq := mustEditAccepted(root, a, *slideID, opID, false, 0, *timeout)
	mustAssertEditFanout(root, b, *docID, *slideID, opID, seq, a.userID, *timeout)
	mustAssertEditFanout(root, a, *docID, *slideID, opID, seq, a.userID, *timeout)

	seq2 := mustEditAccepted(root, a, *slideID, opID, true, seq, *timeout)
	if seq2 != seq {
		fatalf("dedupe: seq mismatch: first=%d second=%d", seq, seq2)
	}
	mustAssertNoType(root, b, v1.TypeEditOperation, 1200*time.Millisecond)

	mustUnlock(root, a, *slideID, *timeout)
	mustAssertLockEvent(root, b, v1.TypeSlideUnlocked, *docID, *slideID, "", *timeout)

	fmt.Printf("OK: A=%s B=%s doc=%s slide=%s seq=%d op=%s\n", a.userID, b.userID, *docID, *slideID, seq, opID)
}

func documentWSURL(base, docID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	if strings.TrimSpace(docID) == "" {
		return "", errors.New("missing document id")
	}
	u.Path = "/ws/documents/" + url.PathEscape(docID)
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout)

	var p v1.ConnectedBody
	if err := json.Unmarshal(hello.Body, &p); err != nil {
		fatalf("unmarshal connected body (%s): %v", name, err)
	}
	if strings.TrimSpace(p.UserID) == "" {
		fatalf("connected missing user_id (%s)", name)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("connected missing connection_id (%s)", name)
	}
	c.userID = p.UserID
	c.connID = p.ConnectionID

	roster := c.mustReadUntilType(parent, v1.TypePresenceState, stepTimeout)

	var rp v1.PresenceStateBody
	if err := json.Unmarshal(roster.Body, &rp); err != nil {
		fatalf("unmarshal presence_state body (%s): %v", name, err)
	}
	found := false
	for _, u := range rp.Users {
		if u.UserID == c.userID {
			found = true
			break
		}
	}
	if !found {
		fatalf("presence_state roster missing self (%s)", name)
	}

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustAssertJoin(parent context.Context, c *smokeClient, docID, joinedUserID string, stepTimeout time.Duration) {
	// The first user_joined a client sees may be its own join echo.
	for {
		env := c.mustReadUntilType(parent, v1.TypeUserJoined, stepTimeout)

		var p v1.UserEventBody
		if err := json.Unmarshal(env.Body, &p); err != nil {
			fatalf("unmarshal user_joined body (%s): %v", c.name, err)
		}
		if p.UserID == c.userID {
			continue
		}
		if p.DocumentID != docID {
			fatalf("user_joined document_id mismatch (%s): got=%q want=%q", c.name, p.DocumentID, docID)
		}
		if p.UserID != joinedUserID {
			fatalf("user_joined user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, joinedUserID)
		}
		return
	}
}

func mustLockGranted(parent context.Context, c *smokeClient, slideID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		Type: v1.TypeLockSlide,
		Body: mustJSON(v1.LockSlideBody{SlideID: slideID}),
	}, stepTimeout)

	resp := c.mustReadUntilType(parent, v1.TypeLockResponse, stepTimeout)

	var p v1.LockResponseBody
	if err := json.Unmarshal(resp.Body, &p); err != nil {
		fatalf("unmarshal lock_response body (%s): %v", c.name, err)
	}
	if p.SlideID != slideID {
		fatalf("lock_response slide_id mismatch (%s): got=%q want=%q", c.name, p.SlideID, slideID)
	}
	if !p.Granted {
		fatalf("lock_response denied (%s): owner=%q", c.name, p.Owner)
	}
}

func mustLockDenied(parent context.Context, c *smokeClient, slideID, wantOwner string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		Type: v1.TypeLockSlide,
		Body: mustJSON(v1.LockSlideBody{SlideID: slideID}),
	}, stepTimeout)

	resp := c.mustReadUntilType(parent, v1.TypeLockResponse, stepTimeout)

	var p v1.LockResponseBody
	if err := json.Unmarshal(resp.Body, &p); err != nil {
		fatalf("unmarshal lock_response body (%s): %v", c.name, err)
	}
	if p.Granted {
		fatalf("contested lock unexpectedly granted (%s)", c.name)
	}
	if p.Owner != wantOwner {
		fatalf("lock_response owner mismatch (%s): got=%q want=%q", c.name, p.Owner, wantOwner)
	}
}

func mustUnlock(parent context.Context, c *smokeClient, slideID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		Type: v1.TypeUnlockSlide,
		Body: mustJSON(v1.LockSlideBody{SlideID: slideID}),
	}, stepTimeout)
}

func mustAssertLockEvent(parent context.Context, c *smokeClient, wantType, docID, slideID, wantOwner string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, wantType, stepTimeout)

	var p v1.LockEventBody
	if err := json.Unmarshal(env.Body, &p); err != nil {
		fatalf("unmarshal %s body (%s): %v", wantType, c.name, err)
	}
	if p.DocumentID != docID {
		fatalf("%s document_id mismatch (%s): got=%q want=%q", wantType, c.name, p.DocumentID, docID)
	}
	if p.SlideID != slideID {
		fatalf("%s slide_id mismatch (%s): got=%q want=%q", wantType, c.name, p.SlideID, slideID)
	}
	if wantOwner != "" && p.OwnerID != wantOwner {
		fatalf("%s owner mismatch (%s): got=%q want=%q", wantType, c.name, p.OwnerID, wantOwner)
	}
}

func mustEditAccepted(parent context.Context, c *smokeClient, slideID, opID string, wantDup bool, wantSeq int64, stepTimeout time.Duration) int64 {
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		Type: v1.TypeEditOperation,
		Body: mustJSON(v1.EditOperationBody{
			OperationID: opID,
			SlideID:     slideID,
			Kind:        "text_update",
			Payload:     json.RawMessage(`{"text":"hello slidehub"}`),
		}),
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeEditAccepted, stepTimeout)

	var p v1.EditAcceptedBody
	if err := json.Unmarshal(ack.Body, &p); err != nil {
		fatalf("unmarshal edit_accepted body (%s): %v", c.name, err)
	}
	if p.OperationID != opID {
		fatalf("edit_accepted operation_id mismatch (%s): got=%q want=%q", c.name, p.OperationID, opID)
	}
	if p.Seq <= 0 {
		fatalf("edit_accepted invalid seq (%s): %d", c.name, p.Seq)
	}
	if p.Duplicate != wantDup {
		fatalf("edit_accepted duplicate flag mismatch (%s): got=%v want=%v", c.name, p.Duplicate, wantDup)
	}
	if wantDup && p.Seq != wantSeq {
		fatalf("edit_accepted duplicate seq mismatch (%s): got=%d want=%d", c.name, p.Seq, wantSeq)
	}
	return p.Seq
}

func mustAssertEditFanout(parent context.Context, c *smokeClient, docID, slideID, opID string, seq int64, authorID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeEditOperation, stepTimeout)

	var p v1.EditBroadcastBody
	if err := json.Unmarshal(env.Body, &p); err != nil {
		fatalf("unmarshal edit fanout body (%s): %v", c.name, err)
	}
	if p.DocumentID != docID {
		fatalf("edit fanout document_id mismatch (%s): got=%q want=%q", c.name, p.DocumentID, docID)
	}
	if p.SlideID != slideID {
		fatalf("edit fanout slide_id mismatch (%s): got=%q want=%q", c.name, p.SlideID, slideID)
	}
	if p.OperationID != opID {
		fatalf("edit fanout operation_id mismatch (%s): got=%q want=%q", c.name, p.OperationID, opID)
	}
	if p.Seq != seq {
		fatalf("edit fanout seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.AuthorID != authorID {
		fatalf("edit fanout author mismatch (%s): got=%q want=%q", c.name, p.AuthorID, authorID)
	}
	if p.AcceptedAt.IsZero() {
		fatalf("edit fanout accepted_at missing/zero (%s)", c.name)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				fatalf("server error (%s): code=%q msg=%q", c.name, env.ErrorCode, env.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

// mustReadUntilType drains the inbox until wantType arrives. Other event
// types are skipped; broadcast interleaving (presence echoes, the caller's
// own fanout copies) makes strict ordering assertions unreliable here.
// Error envelopes always fail the run.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				fatalf("server error (%s): code=%q msg=%q", c.name, env.ErrorCode, env.Message)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
