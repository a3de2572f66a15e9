package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Inbound envelope types (client -> hub).
const (
	// TypePing is a keepalive probe; the hub answers with TypePong.
	TypePing = "ping"

	// TypeSubscribeJob subscribes the connection to a generation job's progress topic.
	TypeSubscribeJob = "subscribe_job"
	// TypeUnsubscribeJob removes a job-progress subscription.
	TypeUnsubscribeJob = "unsubscribe_job"

	// TypePresenceUpdate reports the sender's status, current slide, and cursor.
	// It doubles as a heartbeat for the presence state machine. The hub
	// rebroadcasts it to the document topic.
	TypePresenceUpdate = "presence_update"
	// TypeCursorUpdate reports only the cursor; rebroadcast to the document topic.
	TypeCursorUpdate = "cursor_update"

	// TypeLockSlide requests an exclusive edit lock on a slide.
	TypeLockSlide = "lock_slide"
	// TypeUnlockSlide releases a previously acquired slide lock.
	TypeUnlockSlide = "unlock_slide"

	// TypeEditOperation submits an edit operation for sequencing.
	TypeEditOperation = "edit_operation"

	// TypeSubscribeChannel subscribes the connection to a notification channel.
	TypeSubscribeChannel = "subscribe_channel"
	// TypeUnsubscribeChannel removes a notification channel subscription.
	TypeUnsubscribeChannel = "unsubscribe_channel"
	// TypeMarkRead marks a notification on the caller's user channel as read.
	TypeMarkRead = "mark_read"
)

// Outbound envelope types (hub -> client).
const (
	TypePong      = "pong"
	TypeConnected = "connected"

	TypeJobProgress = "job_progress"

	TypeUserJoined    = "user_joined"
	TypeUserLeft      = "user_left"
	TypePresenceState = "presence_state"

	TypeSlideLocked   = "slide_locked"
	TypeSlideUnlocked = "slide_unlocked"
	TypeLockResponse  = "lock_response"

	TypeEditAccepted = "edit_accepted"

	TypeNotification = "notification"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeMarkedRead   = "marked_read"

	TypeError = "error"
)

// Error codes carried by TypeError envelopes.
const (
	CodeAuthenticationFailed    = "AUTHENTICATION_FAILED"
	CodePermissionDenied        = "PERMISSION_DENIED"
	CodeConnectionLimitExceeded = "CONNECTION_LIMIT_EXCEEDED"
	CodeLockConflict            = "LOCK_CONFLICT"
	CodeDuplicateOperation      = "DUPLICATE_OPERATION"
	CodeUnknownDocument         = "UNKNOWN_DOCUMENT"
	CodeUnknownTopic            = "UNKNOWN_TOPIC"
	CodeUnknownType             = "UNKNOWN_TYPE"
	CodeBadEnvelope             = "BAD_ENVELOPE"
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	CodeInternalError           = "INTERNAL_ERROR"
)

// Generation job lifecycle states.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// TerminalJobStatus reports whether status ends a job's progress stream.
func TerminalJobStatus(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Presence states within a document session.
const (
	PresenceActive = "active"
	PresenceIdle   = "idle"
)

// Topic kinds.
const (
	KindJob      = "job"
	KindDocument = "doc"
	KindChannel  = "channel"
)

// JobTopic returns the topic id for a generation job's progress stream.
func JobTopic(jobID string) string { return KindJob + ":" + jobID }

// DocumentTopic returns the topic id for a document's collaboration session.
func DocumentTopic(documentID string) string { return KindDocument + ":" + documentID }

// ChannelTopic returns the topic id for a notification channel.
func ChannelTopic(channel string) string { return KindChannel + ":" + channel }

// ChannelGeneral is the broadcast channel every connection is subscribed to.
const ChannelGeneral = "general"

// UserChannel returns the user-scoped notification channel name.
func UserChannel(userID string) string { return "user_" + userID }

// Envelope is the canonical wire wrapper. Inbound envelopes carry type, topic,
// and body; outbound envelopes add a timestamp, and error envelopes carry the
// error fields instead of a body.
type Envelope struct {
	Type      string            `json:"type"`
	Topic     string            `json:"topic,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Validate performs structural validation for an inbound Envelope.
// Unknown types are NOT rejected here; the hub answers them with a typed,
// non-fatal error so the tag set can grow without breaking old servers.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	return nil
}

// NewError builds an error envelope.
func NewError(code, message string, details map[string]string, ts time.Time) Envelope {
	return Envelope{
		Type:      TypeError,
		Timestamp: ts,
		ErrorCode: code,
		Message:   message,
		Details:   details,
	}
}

// NewEvent builds an outbound envelope with a marshaled body.
// Marshal failures are reported so callers can surface INTERNAL_ERROR.
func NewEvent(typ, topic string, body any, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s body: %w", typ, err)
	}
	return Envelope{Type: typ, Topic: topic, Timestamp: ts, Body: raw}, nil
}

// ---- Inbound bodies ----

// SubscribeJobBody identifies the job to (un)subscribe.
type SubscribeJobBody struct {
	JobID string `json:"job_id"`
}

// PresenceUpdateBody updates the sender's presence context.
type PresenceUpdateBody struct {
	Status       string          `json:"status,omitempty"`
	CurrentSlide int             `json:"current_slide,omitempty"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
}

// CursorUpdateBody carries a transient cursor position.
type CursorUpdateBody struct {
	Cursor json.RawMessage `json:"cursor"`
}

// LockSlideBody identifies the slide to lock or unlock.
type LockSlideBody struct {
	SlideID string `json:"slide_id"`
}

// EditOperationBody submits an edit for sequencing. OperationID is
// caller-supplied and used for duplicate detection on retry.
type EditOperationBody struct {
	OperationID string          `json:"operation_id"`
	SlideID     string          `json:"slide_id"`
	Kind        string          `json:"kind,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// SubscribeChannelBody identifies the notification channel to (un)subscribe.
type SubscribeChannelBody struct {
	Channel string `json:"channel"`
}

// MarkReadBody marks a notification as read on the caller's user channel.
type MarkReadBody struct {
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel"`
}

// ---- Outbound bodies ----

// ConnectedBody greets a freshly authenticated connection.
type ConnectedBody struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// JobProgressBody is broadcast on every accepted progress event.
type JobProgressBody struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	Step      string    `json:"step,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PresenceEntryBody is one user's presence within a document.
type PresenceEntryBody struct {
	UserID       string          `json:"user_id"`
	Status       string          `json:"status"`
	CurrentSlide int             `json:"current_slide,omitempty"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
	LastSeen     time.Time       `json:"last_seen"`
}

// PresenceStateBody is the full roster sent to a user joining a document.
type PresenceStateBody struct {
	DocumentID string              `json:"document_id"`
	Users      []PresenceEntryBody `json:"users"`
}

// CursorEventBody is a rebroadcast cursor position.
type CursorEventBody struct {
	DocumentID string          `json:"document_id"`
	UserID     string          `json:"user_id"`
	Cursor     json.RawMessage `json:"cursor"`
}

// UserEventBody announces a user joining or leaving a document session.
type UserEventBody struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
}

// LockEventBody announces a slide lock state change to the document topic.
type LockEventBody struct {
	DocumentID string    `json:"document_id"`
	SlideID    string    `json:"slide_id"`
	OwnerID    string    `json:"owner_id,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// LockResponseBody is the direct reply to a lock_slide or unlock_slide request.
// A denied acquire is a normal outcome; Owner names the current holder.
type LockResponseBody struct {
	SlideID string `json:"slide_id"`
	Granted bool   `json:"granted"`
	Owner   string `json:"owner,omitempty"`
}

// EditAcceptedBody is the direct reply confirming an accepted operation.
// Duplicate resubmissions return the originally assigned sequence number.
type EditAcceptedBody struct {
	OperationID string `json:"operation_id"`
	Seq         int64  `json:"seq"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// EditBroadcastBody is the sequenced operation broadcast to every subscriber
// of the document topic, the author included.
type EditBroadcastBody struct {
	OperationID string          `json:"operation_id"`
	DocumentID  string          `json:"document_id"`
	SlideID     string          `json:"slide_id"`
	Seq         int64           `json:"seq"`
	AuthorID    string          `json:"author_id"`
	Kind        string          `json:"kind,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	AcceptedAt  time.Time       `json:"accepted_at"`
}

// NotificationBody is one routed notification.
type NotificationBody struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Priority  string          `json:"priority,omitempty"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChannelAckBody acknowledges a channel (un)subscribe.
type ChannelAckBody struct {
	Channel string `json:"channel"`
}

// MarkedReadBody acknowledges a mark_read request.
type MarkedReadBody struct {
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel"`
}
