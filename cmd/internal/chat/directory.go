package chat

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"
)

// FindOrCreateDirect returns the direct conversation between callerID and
// otherUserID, creating it if needed. It is idempotent in either argument order.
func (s *Service) FindOrCreateDirect(ctx context.Context, callerID, otherUserID string) (Conversation, error) {
	const op = "chat.FindOrCreateDirect"

	callerID = strings.TrimSpace(callerID)
	otherUserID = strings.TrimSpace(otherUserID)
	if callerID == "" || otherUserID == "" {
		return Conversation{}, opErr(op, ErrInvalidArgument, "otherUserId is required")
	}
	if callerID == otherUserID {
		return Conversation{}, opErr(op, ErrInvalidArgument, "cannot start a conversation with yourself")
	}

	// Same-process callers for one pair share a single lookup/insert.
	v, err, _ := s.direct.Do(DirectKey(callerID, otherUserID), func() (any, error) {
		return s.findOrCreateDirect(ctx, callerID, otherUserID)
	})
	if err != nil {
		return Conversation{}, s.fail(op, err)
	}
	return v.(Conversation), nil
}

func (s *Service) findOrCreateDirect(ctx context.Context, a, b string) (Conversation, error) {
	c, err := s.store.FindDirect(ctx, a, b)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, err
	}

	c, err = s.store.CreateDirect(ctx, CreateDirectInput{UserA: a, UserB: b, Now: s.clock()})
	if err == nil {
		s.log.Info("chat.direct.created", "conversation_id", c.ID)
		return c, nil
	}
	if !errors.Is(err, ErrConflict) {
		return Conversation{}, err
	}

	// Another writer won the unique key; read its row.
	s.metrics.DirectConflicts.Inc()
	s.log.Debug("chat.direct.conflict", "key", DirectKey(a, b))
	return s.store.FindDirect(ctx, a, b)
}

// CreateGroup creates a group with callerID as admin and participantIDs as members.
func (s *Service) CreateGroup(ctx context.Context, callerID string, participantIDs []string, name string) (Conversation, error) {
	const op = "chat.CreateGroup"

	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return Conversation{}, opErr(op, ErrInvalidArgument, "caller is required")
	}
	ids := cleanIDs(participantIDs)
	if len(ids) == 0 {
		return Conversation{}, opErr(op, ErrInvalidArgument, "participantIds must not be empty")
	}
	groupName, err := normalizeGroupName(op, name)
	if err != nil {
		return Conversation{}, err
	}

	c, err := s.store.CreateGroup(ctx, CreateGroupInput{
		AdminID:   callerID,
		MemberIDs: lo.Without(ids, callerID),
		Name:      groupName,
		Now:       s.clock(),
	})
	if err != nil {
		return Conversation{}, s.fail(op, err)
	}
	s.log.Info("chat.group.created", "conversation_id", c.ID, "members", len(ids))
	return c, nil
}

// ListForUser returns the user's conversations, most recently active first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]ConversationSummary, error) {
	const op = "chat.ListForUser"

	rows, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, s.fail(op, err)
	}

	ids := lo.Uniq(lo.FlatMap(rows, func(r ConversationRow, _ int) []string { return r.ParticipantIDs }))
	profiles, err := s.profiles.Lookup(ctx, ids)
	if err != nil {
		// Names degrade to user ids; the list itself is still correct.
		s.log.Warn("chat.profiles.lookup.fail", "err", err)
		profiles = map[string]Profile{}
	}

	out := make([]ConversationSummary, 0, len(rows))
	for _, r := range rows {
		sum := ConversationSummary{
			Conversation:   r.Conversation,
			UnreadCount:    r.UnreadCount,
			ParticipantIDs: r.ParticipantIDs,
		}
		if r.LastMessage != nil {
			preview := r.LastMessage.Content
			at := r.LastMessage.SentAt
			sender := r.LastMessage.SenderID
			sum.LastMessagePreview = &preview
			sum.LastMessageAt = &at
			sum.LastMessageSender = &sender
		}
		sum.DisplayName, sum.AvatarURL = displayName(r, userID, profiles)
		out = append(out, sum)
	}
	return out, nil
}

// GetConversation returns the conversation with its participants.
func (s *Service) GetConversation(ctx context.Context, conversationID int64, requesterID string) (ConversationDetail, error) {
	const op = "chat.GetConversation"

	if _, err := s.requireParticipant(ctx, op, conversationID, requesterID); err != nil {
		return ConversationDetail{}, err
	}
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return ConversationDetail{}, s.fail(op, err)
	}
	parts, err := s.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return ConversationDetail{}, s.fail(op, err)
	}
	return ConversationDetail{Conversation: c, Participants: parts}, nil
}

func displayName(r ConversationRow, viewerID string, profiles map[string]Profile) (string, *string) {
	name := func(id string) string {
		if p, ok := profiles[id]; ok && p.DisplayName != "" {
			return p.DisplayName
		}
		return id
	}

	if r.Kind == KindDirect {
		for _, id := range r.ParticipantIDs {
			if id != viewerID {
				return name(id), profiles[id].AvatarURL
			}
		}
		return name(viewerID), nil
	}

	if r.Name != nil && *r.Name != "" {
		return *r.Name, nil
	}
	others := lo.Without(r.ParticipantIDs, viewerID)
	if len(others) == 0 {
		return name(viewerID), nil
	}
	return strings.Join(lo.Map(others, func(id string, _ int) string { return name(id) }), ", "), nil
}

func cleanIDs(ids []string) []string {
	trimmed := lo.Map(ids, func(id string, _ int) string { return strings.TrimSpace(id) })
	return lo.Uniq(lo.Compact(trimmed))
}

func normalizeGroupName(op, name string) (*string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(name) > MaxGroupNameChars {
		return nil, opErr(op, ErrInvalidArgument, "group name is too long")
	}
	return &name, nil
}
