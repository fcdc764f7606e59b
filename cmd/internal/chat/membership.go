package chat

import (
	"context"
	"strings"
)

// AddMembers adds userIDs to a group. Only the group admin may add members.
// It returns the ids that were not already participants.
func (s *Service) AddMembers(ctx context.Context, conversationID int64, callerID string, userIDs []string) ([]string, error) {
	const op = "chat.AddMembers"

	ids := cleanIDs(userIDs)
	if len(ids) == 0 {
		return nil, opErr(op, ErrInvalidArgument, "userIds must not be empty")
	}
	if err := s.requireGroupAdmin(ctx, op, conversationID, callerID); err != nil {
		return nil, err
	}
	added, err := s.store.AddParticipants(ctx, conversationID, ids, s.clock())
	if err != nil {
		return nil, s.fail(op, err)
	}
	if added == nil {
		added = []string{}
	}
	s.log.Info("chat.group.members.added", "conversation_id", conversationID, "count", len(added))
	return added, nil
}

// RemoveMember removes userID from a group. A participant may always remove
// themselves; removing someone else requires the admin role. When the admin
// leaves, the earliest-joined remaining member is promoted. When the last
// member leaves, the group is deleted.
func (s *Service) RemoveMember(ctx context.Context, conversationID int64, callerID, userID string) (RemoveParticipantResult, error) {
	const op = "chat.RemoveMember"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RemoveParticipantResult{}, opErr(op, ErrInvalidArgument, "userId is required")
	}

	caller, err := s.requireParticipant(ctx, op, conversationID, callerID)
	if err != nil {
		return RemoveParticipantResult{}, err
	}
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return RemoveParticipantResult{}, s.fail(op, err)
	}
	if c.Kind != KindGroup {
		return RemoveParticipantResult{}, opErr(op, ErrInvalidArgument, "direct conversations have fixed participants")
	}
	if userID != callerID && caller.Role != RoleAdmin {
		return RemoveParticipantResult{}, opErr(op, ErrForbidden, "only the group admin can remove members")
	}

	res, err := s.store.RemoveParticipant(ctx, conversationID, userID)
	if err != nil {
		return RemoveParticipantResult{}, s.fail(op, err)
	}
	if res.ConversationDeleted {
		s.bc.ConversationClosed(conversationID)
	} else {
		s.bc.MemberRemoved(conversationID, userID)
	}
	s.log.Info("chat.group.member.removed",
		"conversation_id", conversationID,
		"self", userID == callerID,
		"promoted", res.NewAdminID != nil,
		"deleted", res.ConversationDeleted,
	)
	return res, nil
}

// RenameGroup sets or clears a group's name. Admin only.
func (s *Service) RenameGroup(ctx context.Context, conversationID int64, callerID, name string) (Conversation, error) {
	const op = "chat.RenameGroup"

	groupName, err := normalizeGroupName(op, name)
	if err != nil {
		return Conversation{}, err
	}
	if err := s.requireGroupAdmin(ctx, op, conversationID, callerID); err != nil {
		return Conversation{}, err
	}
	c, err := s.store.RenameGroup(ctx, conversationID, groupName)
	if err != nil {
		return Conversation{}, s.fail(op, err)
	}
	return c, nil
}

// DeleteConversation deletes a conversation and, by cascade, its messages.
// Groups require the admin role, direct conversations any participant.
// platformAdmin bypasses membership checks.
func (s *Service) DeleteConversation(ctx context.Context, conversationID int64, callerID string, platformAdmin bool) error {
	const op = "chat.DeleteConversation"

	if !platformAdmin {
		caller, err := s.requireParticipant(ctx, op, conversationID, callerID)
		if err != nil {
			return err
		}
		c, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return s.fail(op, err)
		}
		if c.Kind == KindGroup && caller.Role != RoleAdmin {
			return opErr(op, ErrForbidden, "only the group admin can delete this conversation")
		}
	}

	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return s.fail(op, err)
	}
	s.bc.ConversationClosed(conversationID)
	s.log.Info("chat.conversation.deleted", "conversation_id", conversationID, "platform_admin", platformAdmin)
	return nil
}

func (s *Service) requireGroupAdmin(ctx context.Context, op string, conversationID int64, callerID string) error {
	caller, err := s.requireParticipant(ctx, op, conversationID, callerID)
	if err != nil {
		return err
	}
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return s.fail(op, err)
	}
	if c.Kind != KindGroup {
		return opErr(op, ErrInvalidArgument, "operation only applies to groups")
	}
	if caller.Role != RoleAdmin {
		return opErr(op, ErrForbidden, "only the group admin can do this")
	}
	return nil
}
