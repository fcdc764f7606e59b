// Package v1 defines the Chorus realtime protocol v1 contract.
//
// It is shared between the server and clients (including tools/scripts/ws-smoke.go)
// and depends only on the standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "chorus.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello asks the server to identify the session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck carries the session and user ids (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeJoinRoom subscribes the connection to a conversation room (client -> server).
	TypeJoinRoom = "join_room"
	// TypeRoomJoined confirms a join (server -> client).
	TypeRoomJoined = "room_joined"
	// TypeLeaveRoom unsubscribes from a room (client -> server).
	TypeLeaveRoom = "leave_room"
	// TypeRoomLeft confirms a leave (server -> client).
	TypeRoomLeft = "room_left"

	// TypeSendMessage appends a message to the ledger (client -> server).
	TypeSendMessage = "send_message"
	// TypeReceiveMessage delivers a committed message (server -> room).
	TypeReceiveMessage = "receive_message"

	// TypeDeleteMessage retracts a message (client -> server).
	TypeDeleteMessage = "delete_message"
	// TypeMessageDeletedUpdate delivers a retraction (server -> room).
	TypeMessageDeletedUpdate = "message_deleted_update"

	// TypeTyping and TypeStopTyping report typing state (client -> server).
	TypeTyping     = "typing"
	TypeStopTyping = "stop_typing"
	// TypeUserTyping and TypeUserStoppedTyping relay typing state (server -> room, except origin).
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadRequest      = "bad_request"
	CodeUnsupported     = "unsupported_type"
	CodeRateLimited     = "rate_limited"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInvalidArgument = "invalid_argument"
	CodeExpired         = "expired"
	CodeConflict        = "conflict"
	CodeUnavailable     = "unavailable"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeJoinRoom,
		TypeRoomJoined,
		TypeLeaveRoom,
		TypeRoomLeft,
		TypeSendMessage,
		TypeReceiveMessage,
		TypeDeleteMessage,
		TypeMessageDeletedUpdate,
		TypeTyping,
		TypeStopTyping,
		TypeUserTyping,
		TypeUserStoppedTyping,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloAckPayload identifies the connection.
type HelloAckPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// RoomPayload is used by join_room, leave_room, room_joined and room_left.
type RoomPayload struct {
	ConversationID int64 `json:"conversationId"`
}

// SendMessagePayload requests a ledger append. SenderID must match the authenticated user.
type SendMessagePayload struct {
	ConversationID int64  `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
}

// MessagePayload is a committed message as delivered by receive_message.
type MessagePayload struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	SentAt         time.Time  `json:"sentAt"`
	Retracted      bool       `json:"retracted"`
	RetractedAt    *time.Time `json:"retractedAt,omitempty"`
}

// DeleteMessagePayload requests a retraction.
type DeleteMessagePayload struct {
	MessageID int64 `json:"messageId"`
}

// MessageDeletedPayload announces a retraction to the room.
type MessageDeletedPayload struct {
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
	NewContent     string `json:"newContent"`
}

// TypingPayload is sent by clients for typing and stop_typing.
type TypingPayload struct {
	ConversationID int64  `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
}

// UserTypingPayload is relayed to the room for user_typing.
type UserTypingPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// UserStoppedTypingPayload is relayed to the room for user_stopped_typing.
type UserStoppedTypingPayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
