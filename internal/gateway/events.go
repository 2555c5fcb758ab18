package gateway

import (
	"encoding/json"
	"time"
)

// Inbound event names accepted on an authenticated connection.
const (
	EventJoinContent   = "join-content"
	EventLeaveContent  = "leave-content"
	EventContentChange = "content-change"
	EventCursorUpdate  = "cursor-update"
	EventAddComment    = "add-comment"
	EventActivity      = "activity"
)

// Outbound event names emitted by the gateway.
const (
	EventActiveUsers    = "active-users"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventContentUpdate  = "content-update"
	EventCursorPosition = "cursor-position"
	EventNewComment     = "new-comment"
	EventNotification   = "notification"
	EventNewActivity    = "new-activity"
	EventError          = "error"
)

// Envelope is the wire frame for one inbound event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundMessage is one event queued for delivery on a connection.
type OutboundMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Identity describes the authenticated user behind a connection. It is resolved
// once at connect time and never re-derived from client-supplied data.
type Identity struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Cursor is a participant's last known caret position.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type joinContentPayload struct {
	DocumentID string `json:"document_id"`
}

type leaveContentPayload struct {
	DocumentID string `json:"document_id"`
}

type contentChangePayload struct {
	DocumentID string          `json:"document_id"`
	Changes    json.RawMessage `json:"changes"`
	Version    int64           `json:"version"`
	Body       string          `json:"body,omitempty"`
}

type cursorUpdatePayload struct {
	DocumentID string `json:"document_id"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
}

type addCommentPayload struct {
	DocumentID string   `json:"document_id"`
	Text       string   `json:"text"`
	ParentID   string   `json:"parent_id,omitempty"`
	Mentions   []string `json:"mentions,omitempty"`
}

type activityPayload struct {
	DocumentID string         `json:"document_id,omitempty"`
	Type       string         `json:"type"`
	Details    map[string]any `json:"details,omitempty"`
}

type participantInfo struct {
	UserID   string   `json:"user_id"`
	Identity Identity `json:"identity"`
	Cursor   *Cursor  `json:"cursor,omitempty"`
}

type userJoinedPayload struct {
	UserID   string   `json:"user_id"`
	Identity Identity `json:"identity"`
}

type userLeftPayload struct {
	UserID string `json:"user_id"`
}

type contentUpdatePayload struct {
	UserID     string          `json:"user_id"`
	DocumentID string          `json:"document_id"`
	Changes    json.RawMessage `json:"changes"`
	Version    int64           `json:"version"`
}

type cursorPositionPayload struct {
	UserID   string   `json:"user_id"`
	Identity Identity `json:"identity"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
}

type newCommentPayload struct {
	Comment Comment `json:"comment"`
}

type newActivityPayload struct {
	Activity Activity `json:"activity"`
}

type notificationPayload struct {
	Type       string `json:"type"`
	From       string `json:"from"`
	DocumentID string `json:"document_id,omitempty"`
	Message    string `json:"message"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Comment is a persisted document comment as relayed to room members.
type Comment struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// Activity is a persisted activity event as relayed to listeners.
type Activity struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Type       string         `json:"type"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Notification is a persisted mention notification.
type Notification struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	RecipientID string    `json:"recipient_id"`
	SenderID    string    `json:"sender_id"`
	DocumentID  string    `json:"document_id,omitempty"`
	Message     string    `json:"message"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is the stored identity record resolved during authentication.
type User struct {
	ID          string
	Email       string
	DisplayName string
	Role        string
}
