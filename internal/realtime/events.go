package realtime

import (
	"encoding/json"
	"time"

	"github.com/tbourn/go-gate-sync/internal/domain"
)

// Inbound event types.
const (
	EventMessageCreated = "message.created"
	EventMessageRead    = "message.read"
	EventTypingChanged  = "typing.changed"
	EventEntityUpdated  = "entity.updated"
)

// Outbound command types.
const (
	CmdJoinRoom    = "room.join"
	CmdLeaveRoom   = "room.leave"
	CmdSendMessage = "message.send"
	CmdSetTyping   = "typing.set"
	CmdMarkRead    = "message.read"
)

// Event is one server-pushed frame. ID is assigned by the server and is
// stable across redeliveries.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Command is one client frame.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// MessagePayload is carried by message.created and sent by message.send.
// ClientID echoes the sender's local id so the sender can match its own
// optimistic record.
type MessagePayload struct {
	ID         string             `json:"id,omitempty"`
	ClientID   string             `json:"client_id,omitempty"`
	ChatRoomID string             `json:"chat_room_id"`
	SenderID   string             `json:"sender_id,omitempty"`
	Content    string             `json:"content"`
	Kind       domain.MessageKind `json:"kind,omitempty"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
	CreatedAt  *time.Time         `json:"created_at,omitempty"`
}

// ReadPayload is carried by message.read in both directions.
type ReadPayload struct {
	ChatRoomID string `json:"chat_room_id"`
	MessageID  string `json:"message_id"`
	UserID     string `json:"user_id,omitempty"`
}

// TypingPayload is carried by typing.changed and sent by typing.set.
type TypingPayload struct {
	ChatRoomID string `json:"chat_room_id"`
	UserID     string `json:"user_id,omitempty"`
	IsTyping   bool   `json:"is_typing"`
}

// EntityPayload is carried by entity.updated. Entity is the server's full
// view of the record; Deleted reports a server-side removal.
type EntityPayload struct {
	EntityType domain.EntityType `json:"entity_type"`
	ID         string            `json:"id"`
	Entity     json.RawMessage   `json:"entity,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
	Assigned   bool              `json:"assigned,omitempty"`
}

type roomPayload struct {
	RoomID string `json:"room_id"`
}
