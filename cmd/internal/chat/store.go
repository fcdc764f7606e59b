package chat

import (
	"context"
	"strconv"
	"time"
)

// Store persists conversations, participants and messages.
//
// Requirements:
//   - CreateDirect returns an error wrapping ErrConflict when the unordered pair already has a
//     direct conversation.
//   - AppendMessage inserts the message and advances the conversation's last-message pointer
//     in one transaction.
//   - ListMessagesAndMarkRead advances the reader's last-read pointer forward only.
//   - Message ids strictly increase across the whole store.
type Store interface {
	FindDirect(ctx context.Context, userA, userB string) (Conversation, error)
	CreateDirect(ctx context.Context, in CreateDirectInput) (Conversation, error)
	CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (Conversation, error)
	RenameGroup(ctx context.Context, conversationID int64, name *string) (Conversation, error)
	DeleteConversation(ctx context.Context, conversationID int64) error

	GetParticipant(ctx context.Context, conversationID int64, userID string) (Participant, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]Participant, error)
	AddParticipants(ctx context.Context, conversationID int64, userIDs []string, now time.Time) ([]string, error)
	RemoveParticipant(ctx context.Context, conversationID int64, userID string) (RemoveParticipantResult, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]ConversationRow, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	ListMessagesAndMarkRead(ctx context.Context, conversationID int64, readerID string) ([]Message, error)
	GetMessage(ctx context.Context, messageID int64) (Message, error)
	RetractMessage(ctx context.Context, in RetractMessageInput) (Message, error)

	CountUnread(ctx context.Context, conversationID int64, userID string) (int64, error)
	CountUnreadTotal(ctx context.Context, userID string) (int64, error)

	Close() error
}

// CreateDirectInput describes a direct conversation between two distinct users.
type CreateDirectInput struct {
	UserA string
	UserB string
	Now   time.Time
}

// CreateGroupInput describes a new group. MemberIDs must not contain AdminID.
type CreateGroupInput struct {
	AdminID   string
	MemberIDs []string
	Name      *string
	Now       time.Time
}

// AppendMessageInput describes a ledger append.
type AppendMessageInput struct {
	ConversationID int64
	SenderID       string
	Content        string
	Now            time.Time
}

// RetractMessageInput describes a retraction request. The store evaluates
// CheckRetraction against the locked row before mutating it.
type RetractMessageInput struct {
	MessageID   int64
	RequesterID string
	Now         time.Time
	Window      time.Duration
}

// DirectKey is the canonical key of an unordered user pair, encoded as
// "<len(lo)>:<lo>:<hi>". The length prefix keeps ids that contain ':' from
// colliding ("a:b"+"c" and "a"+"b:c" map to different keys).
func DirectKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return strconv.Itoa(len(userA)) + ":" + userA + ":" + userB
}

// CheckRetraction evaluates the retraction guard for msg.
func CheckRetraction(msg Message, requesterID string, now time.Time, window time.Duration) error {
	const op = "chat.RetractMessage"
	if msg.SenderID != requesterID {
		return opErr(op, ErrForbidden, "only the sender can delete this message")
	}
	if msg.Retracted {
		return opErr(op, ErrConflict, "message already deleted")
	}
	if window <= 0 {
		window = DefaultRetractWindow
	}
	if now.Sub(msg.SentAt) > window {
		return opErr(op, ErrExpired, "message can no longer be deleted")
	}
	return nil
}
