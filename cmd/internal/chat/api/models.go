package chatapi

import (
	"time"

	"github.com/samber/lo"

	"chorus/cmd/internal/chat"
)

type directRequest struct {
	OtherUserID string `json:"otherUserId" validate:"required,max=128"`
}

type groupRequest struct {
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,max=256,dive,required,max=128"`
	Name           string   `json:"name" validate:"max=100"`
}

type sendMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

type renameRequest struct {
	Name string `json:"name" validate:"max=100"`
}

type addMembersRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,max=256,dive,required,max=128"`
}

type conversationResponse struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind"`
	Name          *string   `json:"name"`
	LastMessageID *int64    `json:"lastMessageId"`
	CreatedAt     time.Time `json:"createdAt"`
}

type participantResponse struct {
	UserID            string    `json:"userId"`
	Role              string    `json:"role"`
	LastReadMessageID *int64    `json:"lastReadMessageId"`
	JoinedAt          time.Time `json:"joinedAt"`
}

type conversationDetailResponse struct {
	conversationResponse
	Participants []participantResponse `json:"participants"`
}

type conversationSummaryResponse struct {
	conversationResponse
	DisplayName        string     `json:"displayName"`
	AvatarURL          *string    `json:"avatarUrl"`
	LastMessagePreview *string    `json:"lastMessagePreview"`
	LastMessageAt      *time.Time `json:"lastMessageAt"`
	LastMessageSender  *string    `json:"lastMessageSenderId"`
	UnreadCount        int64      `json:"unreadCount"`
	ParticipantIDs     []string   `json:"participantIds"`
}

type messageResponse struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	SentAt         time.Time  `json:"sentAt"`
	Retracted      bool       `json:"retracted"`
	RetractedAt    *time.Time `json:"retractedAt,omitempty"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

type addMembersResponse struct {
	Added []string `json:"added"`
}

type removeMemberResponse struct {
	NewAdminID          *string `json:"newAdminId,omitempty"`
	ConversationDeleted bool    `json:"conversationDeleted"`
}

func toConversationResponse(c chat.Conversation) conversationResponse {
	return conversationResponse{
		ID:            c.ID,
		Kind:          string(c.Kind),
		Name:          c.Name,
		LastMessageID: c.LastMessageID,
		CreatedAt:     c.CreatedAt,
	}
}

func toDetailResponse(d chat.ConversationDetail) conversationDetailResponse {
	return conversationDetailResponse{
		conversationResponse: toConversationResponse(d.Conversation),
		Participants: lo.Map(d.Participants, func(p chat.Participant, _ int) participantResponse {
			return participantResponse{
				UserID:            p.UserID,
				Role:              string(p.Role),
				LastReadMessageID: p.LastReadMessageID,
				JoinedAt:          p.JoinedAt,
			}
		}),
	}
}

func toSummaryResponse(s chat.ConversationSummary, _ int) conversationSummaryResponse {
	return conversationSummaryResponse{
		conversationResponse: toConversationResponse(s.Conversation),
		DisplayName:          s.DisplayName,
		AvatarURL:            s.AvatarURL,
		LastMessagePreview:   s.LastMessagePreview,
		LastMessageAt:        s.LastMessageAt,
		LastMessageSender:    s.LastMessageSender,
		UnreadCount:          s.UnreadCount,
		ParticipantIDs:       s.ParticipantIDs,
	}
}

func toMessageResponse(m chat.Message, _ int) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		SentAt:         m.SentAt,
		Retracted:      m.Retracted,
		RetractedAt:    m.RetractedAt,
	}
}
