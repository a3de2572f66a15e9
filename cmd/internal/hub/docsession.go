package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "slidehub/contracts/hub/v1"
)

// maxAcceptedOps bounds the per-document duplicate-detection window.
const maxAcceptedOps = 10_000

// LockConflictError reports a denied operation on a slide locked by someone else.
type LockConflictError struct {
	Owner string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("slide locked by %s", e.Owner)
}

// UnknownDocumentError reports a submission against a document with no live
// collaboration topic.
type UnknownDocumentError struct {
	DocumentID string
}

func (e *UnknownDocumentError) Error() string {
	return fmt.Sprintf("unknown document %s", e.DocumentID)
}

// SubmitResult is the outcome of an accepted edit submission. Duplicate
// resubmissions return the originally assigned sequence number.
type SubmitResult struct {
	Seq       int64
	Duplicate bool
}

// DocSessions owns per-document collaboration state: presence, slide locks,
// and the edit sequencer. Cross-document operations run fully in parallel;
// there is no lock spanning two documents.
type DocSessions struct {
	log     *slog.Logger
	reg     *Registry
	metrics *Metrics
	sink    OperationSink

	lockTTL   time.Duration
	idleAfter time.Duration
	dropAfter time.Duration

	mu   sync.RWMutex
	docs map[string]*docSession
}

// docSession holds one document's state. mu is the document's serialization
// point: lock decisions, sequence assignment, and presence mutation happen
// one at a time per document, and the resulting broadcast is enqueued before
// the point is released. Enqueueing never performs network I/O (the per-
// connection writer does), so the point is never held across a network send.
type docSession struct {
	id string

	mu       sync.Mutex
	presence map[string]*presenceEntry
	locks    map[string]resourceLock
	nextSeq  int64
	accepted map[string]int64
	opOrder  []string
}

type presenceEntry struct {
	status       string
	currentSlide int
	cursor       json.RawMessage
	lastSeen     time.Time
	conns        map[string]struct{}
}

type resourceLock struct {
	owner      string
	acquiredAt time.Time
	expiresAt  time.Time
}

// DocSessionsConfig carries the timers that drive the session state machines.
type DocSessionsConfig struct {
	LockTTL            time.Duration
	PresenceIdle       time.Duration
	PresenceDisconnect time.Duration
}

// NewDocSessions constructs the document session coordinator.
func NewDocSessions(log *slog.Logger, reg *Registry, m *Metrics, sink OperationSink, cfg DocSessionsConfig) *DocSessions {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.PresenceIdle <= 0 {
		cfg.PresenceIdle = defaultPresenceIdle
	}
	if cfg.PresenceDisconnect <= 0 {
		cfg.PresenceDisconnect = defaultPresenceDisconnect
	}
	return &DocSessions{
		log:       log,
		reg:       reg,
		metrics:   m,
		sink:      sink,
		lockTTL:   cfg.LockTTL,
		idleAfter: cfg.PresenceIdle,
		dropAfter: cfg.PresenceDisconnect,
		docs:      make(map[string]*docSession),
	}
}

func (ds *DocSessions) session(docID string) *docSession {
	ds.mu.RLock()
	d := ds.docs[docID]
	ds.mu.RUnlock()
	if d != nil {
		return d
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if d = ds.docs[docID]; d != nil {
		return d
	}
	d = &docSession{
		id:       docID,
		presence: make(map[string]*presenceEntry),
		locks:    make(map[string]resourceLock),
		accepted: make(map[string]int64),
	}
	ds.docs[docID] = d
	return d
}

func (ds *DocSessions) peek(docID string) *docSession {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.docs[docID]
}

// publish marshals body and fans it out to the document topic. Callers hold
// the session mutex, which is what gives every subscriber the same order.
func (ds *DocSessions) publish(docID, typ string, body any, ts time.Time) {
	env, err := v1.NewEvent(typ, v1.DocumentTopic(docID), body, ts)
	if err != nil {
		ds.metrics.Error("doc_session")
		ds.log.Error("doc.publish.marshal", "document", docID, "type", typ, "err", err)
		return
	}
	ds.reg.Publish(v1.DocumentTopic(docID), env)
}

// Join records c's user as present in the document and returns the roster.
// Concurrent joins from the same user on multiple connections collapse to one
// presence entry; only the first connection broadcasts user_joined.
func (ds *DocSessions) Join(docID string, c *Client, now time.Time) v1.PresenceStateBody {
	d := ds.session(docID)

	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.presence[c.UserID]
	if e == nil {
		e = &presenceEntry{
			status: v1.PresenceActive,
			conns:  make(map[string]struct{}),
		}
		d.presence[c.UserID] = e
		defer ds.publish(docID, v1.TypeUserJoined, v1.UserEventBody{DocumentID: docID, UserID: c.UserID}, now)
	}
	e.conns[c.ID] = struct{}{}
	e.status = v1.PresenceActive
	e.lastSeen = now

	return d.rosterLocked(docID)
}

func (d *docSession) rosterLocked(docID string) v1.PresenceStateBody {
	users := make([]v1.PresenceEntryBody, 0, len(d.presence))
	for uid, e := range d.presence {
		users = append(users, v1.PresenceEntryBody{
			UserID:       uid,
			Status:       e.status,
			CurrentSlide: e.currentSlide,
			Cursor:       e.cursor,
			LastSeen:     e.lastSeen,
		})
	}
	return v1.PresenceStateBody{DocumentID: docID, Users: users}
}

// Heartbeat refreshes presence from a presence_update and rebroadcasts it.
// A heartbeat while idle returns the user to active. Last writer wins for
// cursor context across a user's connections.
func (ds *DocSessions) Heartbeat(docID string, c *Client, upd v1.PresenceUpdateBody, now time.Time) {
	d := ds.session(docID)

	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.presence[c.UserID]
	if e == nil {
		// Tolerate a heartbeat racing a reconnect: treat it as a join.
		// user_joined goes out before the presence_update below.
		e = &presenceEntry{status: v1.PresenceActive, conns: map[string]struct{}{c.ID: {}}}
		d.presence[c.UserID] = e
		ds.publish(docID, v1.TypeUserJoined, v1.UserEventBody{DocumentID: docID, UserID: c.UserID}, now)
	}
	e.status = v1.PresenceActive
	e.lastSeen = now
	if upd.CurrentSlide != 0 {
		e.currentSlide = upd.CurrentSlide
	}
	if upd.Cursor != nil {
		e.cursor = upd.Cursor
	}

	ds.publish(docID, v1.TypePresenceUpdate, v1.PresenceEntryBody{
		UserID:       c.UserID,
		Status:       e.status,
		CurrentSlide: e.currentSlide,
		Cursor:       e.cursor,
		LastSeen:     e.lastSeen,
	}, now)
}

// Touch refreshes the heartbeat clock without broadcasting (keepalive pings).
func (ds *DocSessions) Touch(docID, userID string, now time.Time) {
	d := ds.peek(docID)
	if d == nil {
		return
	}
	d.mu.Lock()
	if e := d.presence[userID]; e != nil {
		e.lastSeen = now
	}
	d.mu.Unlock()
}

// Cursor rebroadcasts a transient cursor position and counts as a heartbeat.
func (ds *DocSessions) Cursor(docID string, c *Client, cursor json.RawMessage, now time.Time) {
	d := ds.session(docID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if e := d.presence[c.UserID]; e != nil {
		e.lastSeen = now
		e.cursor = cursor
	}
	ds.publish(docID, v1.TypeCursorUpdate, v1.CursorEventBody{
		DocumentID: docID,
		UserID:     c.UserID,
		Cursor:     cursor,
	}, now)
}

// Leave removes one connection. Presence survives until the user's last
// connection for the document is gone; then the entry is removed, user_left
// is broadcast, and every lock the user held in this document is released.
func (ds *DocSessions) Leave(docID string, c *Client, now time.Time) {
	d := ds.peek(docID)
	if d == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.presence[c.UserID]
	if e == nil {
		return
	}
	delete(e.conns, c.ID)
	if len(e.conns) > 0 {
		return
	}

	delete(d.presence, c.UserID)
	ds.publish(docID, v1.TypeUserLeft, v1.UserEventBody{DocumentID: docID, UserID: c.UserID}, now)
	ds.releaseUserLocksLocked(d, c.UserID, now)
}

func (ds *DocSessions) releaseUserLocksLocked(d *docSession, userID string, now time.Time) {
	for slideID, l := range d.locks {
		if l.owner != userID {
			continue
		}
		delete(d.locks, slideID)
		ds.publish(d.id, v1.TypeSlideUnlocked, v1.LockEventBody{
			DocumentID: d.id,
			SlideID:    slideID,
		}, now)
	}
}

// Acquire attempts to take the exclusive edit lock for a slide. Grants win by
// arrival order at the document's serialization point; a denial reports the
// current owner and is a normal outcome, not an error. Re-acquiring a lock
// you already own is the owner heartbeat that refreshes the TTL. A granted
// lock is broadcast to the topic as slide_locked.
func (ds *DocSessions) Acquire(docID, slideID, userID string, now time.Time) v1.LockResponseBody {
	d := ds.session(docID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.locks[slideID]; ok && now.Before(l.expiresAt) && l.owner != userID {
		return v1.LockResponseBody{SlideID: slideID, Granted: false, Owner: l.owner}
	}

	l := resourceLock{
		owner:      userID,
		acquiredAt: now,
		expiresAt:  now.Add(ds.lockTTL),
	}
	d.locks[slideID] = l

	ds.publish(docID, v1.TypeSlideLocked, v1.LockEventBody{
		DocumentID: docID,
		SlideID:    slideID,
		OwnerID:    userID,
		ExpiresAt:  l.expiresAt,
	}, now)
	return v1.LockResponseBody{SlideID: slideID, Granted: true, Owner: userID}
}

// Release drops the lock if userID owns it and broadcasts slide_unlocked.
// released=false means the caller does not hold the lock.
func (ds *DocSessions) Release(docID, slideID, userID string, now time.Time) (released bool, owner string) {
	d := ds.peek(docID)
	if d == nil {
		return false, ""
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.locks[slideID]
	if !ok {
		return false, ""
	}
	if l.owner != userID {
		return false, l.owner
	}

	delete(d.locks, slideID)
	ds.publish(docID, v1.TypeSlideUnlocked, v1.LockEventBody{
		DocumentID: docID,
		SlideID:    slideID,
	}, now)
	return true, userID
}

// LockOwner returns the current unexpired owner of a slide lock ("" if none).
func (ds *DocSessions) LockOwner(docID, slideID string, now time.Time) string {
	d := ds.peek(docID)
	if d == nil {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.locks[slideID]; ok && now.Before(l.expiresAt) {
		return l.owner
	}
	return ""
}

// Submit runs an edit operation through the sequencer.
//
// Rejections never consume a sequence number:
//   - the slide is locked (unexpired) by a different user -> LockConflictError
//   - the document has no live collaboration topic -> UnknownDocumentError
//
// A duplicate operation_id is an idempotent no-op returning the original
// sequence number with no second broadcast. On acceptance the operation is
// stamped with the next sequence number and broadcast to every subscriber of
// the document topic, the author included, before the serialization point is
// released, so every subscriber observes the same order.
func (ds *DocSessions) Submit(docID, authorID string, op v1.EditOperationBody, now time.Time) (SubmitResult, error) {
	if ds.reg.Get(v1.DocumentTopic(docID)) == nil {
		return SubmitResult{}, &UnknownDocumentError{DocumentID: docID}
	}

	d := ds.session(docID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if seq, ok := d.accepted[op.OperationID]; ok {
		return SubmitResult{Seq: seq, Duplicate: true}, nil
	}

	if l, ok := d.locks[op.SlideID]; ok && now.Before(l.expiresAt) && l.owner != authorID {
		return SubmitResult{}, &LockConflictError{Owner: l.owner}
	}

	d.nextSeq++
	seq := d.nextSeq
	d.accepted[op.OperationID] = seq
	d.opOrder = append(d.opOrder, op.OperationID)
	if len(d.opOrder) > maxAcceptedOps {
		evict := d.opOrder[0]
		d.opOrder = d.opOrder[1:]
		delete(d.accepted, evict)
	}

	out := v1.EditBroadcastBody{
		OperationID: op.OperationID,
		DocumentID:  docID,
		SlideID:     op.SlideID,
		Seq:         seq,
		AuthorID:    authorID,
		Kind:        op.Kind,
		Payload:     op.Payload,
		AcceptedAt:  now,
	}
	ds.publish(docID, v1.TypeEditOperation, out, now)

	// Durable storage is the persistence collaborator's concern; hand the
	// accepted operation off fire-and-forget after broadcast.
	go ds.persist(out)

	return SubmitResult{Seq: seq}, nil
}

func (ds *DocSessions) persist(op v1.EditBroadcastBody) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ds.sink.Persist(ctx, op); err != nil {
		ds.metrics.Error("persistence")
		ds.log.Warn("doc.persist.fail", "document", op.DocumentID, "operation", op.OperationID, "err", err)
	}
}

// Sweep enforces wall-clock expiry independent of any request: expired locks
// are released with a slide_unlocked broadcast, silent users go idle, idle
// users past the disconnect window are removed with user_left, and sessions
// whose topic is gone are dropped.
func (ds *DocSessions) Sweep(now time.Time) {
	ds.mu.RLock()
	sessions := make([]*docSession, 0, len(ds.docs))
	for _, d := range ds.docs {
		sessions = append(sessions, d)
	}
	ds.mu.RUnlock()

	for _, d := range sessions {
		d.mu.Lock()

		for slideID, l := range d.locks {
			if now.Before(l.expiresAt) {
				continue
			}
			delete(d.locks, slideID)
			ds.publish(d.id, v1.TypeSlideUnlocked, v1.LockEventBody{
				DocumentID: d.id,
				SlideID:    slideID,
			}, now)
		}

		for uid, e := range d.presence {
			switch {
			case now.Sub(e.lastSeen) > ds.dropAfter:
				delete(d.presence, uid)
				ds.publish(d.id, v1.TypeUserLeft, v1.UserEventBody{DocumentID: d.id, UserID: uid}, now)
				ds.releaseUserLocksLocked(d, uid, now)
			case e.status == v1.PresenceActive && now.Sub(e.lastSeen) > ds.idleAfter:
				e.status = v1.PresenceIdle
				ds.publish(d.id, v1.TypePresenceUpdate, v1.PresenceEntryBody{
					UserID:       uid,
					Status:       v1.PresenceIdle,
					CurrentSlide: e.currentSlide,
					LastSeen:     e.lastSeen,
				}, now)
			}
		}

		empty := len(d.presence) == 0 && len(d.locks) == 0
		d.mu.Unlock()

		if empty && ds.reg.Get(v1.DocumentTopic(d.id)) == nil {
			ds.mu.Lock()
			delete(ds.docs, d.id)
			ds.mu.Unlock()
		}
	}
}

// Documents returns the number of documents with live session state.
func (ds *DocSessions) Documents() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return len(ds.docs)
}
