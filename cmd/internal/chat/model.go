package chat

import "time"

// ConversationKind distinguishes 2-party and N-party conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Role is a participant's membership role. Direct conversations only use RoleMember.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	// MaxContentChars bounds message content length (runes).
	MaxContentChars = 4000

	// MaxGroupNameChars bounds group display names (runes).
	MaxGroupNameChars = 100

	// DefaultRetractWindow is how long after sending a message its sender may retract it.
	DefaultRetractWindow = 60 * time.Minute

	// Tombstone replaces the content of a retracted message.
	Tombstone = "This message was deleted"
)

// Conversation is the persisted conversation row.
type Conversation struct {
	ID            int64
	Kind          ConversationKind
	Name          *string
	LastMessageID *int64
	CreatedAt     time.Time
}

// Participant is a user's membership edge in a conversation.
// A nil LastReadMessageID means the participant has read nothing.
type Participant struct {
	ConversationID    int64
	UserID            string
	Role              Role
	LastReadMessageID *int64
	JoinedAt          time.Time
}

// Message is a ledger row. IDs are assigned by the store and strictly increase
// across all conversations.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       string
	Content        string
	SentAt         time.Time
	Retracted      bool
	RetractedAt    *time.Time
}

// ConversationRow is what the store returns for a user's conversation list,
// before display names are resolved.
type ConversationRow struct {
	Conversation
	LastMessage    *Message
	UnreadCount    int64
	ParticipantIDs []string
}

// ConversationSummary is one entry of a user's conversation list.
type ConversationSummary struct {
	Conversation
	DisplayName        string
	AvatarURL          *string
	LastMessagePreview *string
	LastMessageAt      *time.Time
	LastMessageSender  *string
	UnreadCount        int64
	ParticipantIDs     []string
}

// ConversationDetail is a conversation together with its participants.
type ConversationDetail struct {
	Conversation
	Participants []Participant
}

// RemoveParticipantResult describes the side effects of removing a participant.
type RemoveParticipantResult struct {
	// NewAdminID is set when the removed participant was the admin and another member was promoted.
	NewAdminID *string
	// ConversationDeleted is true when the last participant left.
	ConversationDeleted bool
}

// SortKey is the list ordering key: the last message time, or creation time when empty.
func (r ConversationRow) SortKey() time.Time {
	if r.LastMessage != nil {
		return r.LastMessage.SentAt
	}
	return r.CreatedAt
}
