package chat

import (
	"context"
	"strings"
	"unicode/utf8"
)

// SendMessage is the single append routine used by HTTP and the realtime
// gateway. The broadcast happens under the per-conversation lock so live
// delivery order matches commit order.
func (s *Service) SendMessage(ctx context.Context, conversationID int64, senderID, content string) (Message, error) {
	const op = "chat.SendMessage"

	// Content is stored as sent; only all-blank input is rejected.
	if strings.TrimSpace(content) == "" {
		return Message{}, opErr(op, ErrInvalidArgument, "content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return Message{}, opErr(op, ErrInvalidArgument, "content is too long")
	}
	if _, err := s.requireParticipant(ctx, op, conversationID, senderID); err != nil {
		return Message{}, err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	msg, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Now:            s.clock(),
	})
	if err != nil {
		return Message{}, s.fail(op, err)
	}

	s.metrics.MessagesAppended.Inc()
	s.log.Debug("chat.message.appended", "conversation_id", conversationID, "message_id", msg.ID)
	s.bc.MessageCreated(msg)
	return msg, nil
}

// ListMessages returns the conversation history oldest first and marks it read for requesterID.
func (s *Service) ListMessages(ctx context.Context, conversationID int64, requesterID string) ([]Message, error) {
	const op = "chat.ListMessages"

	if _, err := s.requireParticipant(ctx, op, conversationID, requesterID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessagesAndMarkRead(ctx, conversationID, requesterID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// CountUnread counts messages from others newer than userID's read pointer.
func (s *Service) CountUnread(ctx context.Context, conversationID int64, userID string) (int64, error) {
	const op = "chat.CountUnread"

	if _, err := s.requireParticipant(ctx, op, conversationID, userID); err != nil {
		return 0, err
	}
	n, err := s.store.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, s.fail(op, err)
	}
	return n, nil
}

// CountUnreadTotal sums CountUnread over all of userID's conversations.
func (s *Service) CountUnreadTotal(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.CountUnreadTotal(ctx, userID)
	if err != nil {
		return 0, s.fail("chat.CountUnreadTotal", err)
	}
	return n, nil
}

// RetractMessage replaces the message content with the tombstone. Only the
// sender may retract, and only within the retraction window.
func (s *Service) RetractMessage(ctx context.Context, messageID int64, requesterID string) (Message, error) {
	const op = "chat.RetractMessage"

	orig, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, s.fail(op, err)
	}
	// Cheap rejection before taking the conversation lock; the store re-checks on the locked row.
	if err := CheckRetraction(orig, requesterID, s.clock(), s.retractWindow); err != nil {
		return Message{}, err
	}

	unlock := s.locks.Lock(orig.ConversationID)
	defer unlock()

	msg, err := s.store.RetractMessage(ctx, RetractMessageInput{
		MessageID:   messageID,
		RequesterID: requesterID,
		Now:         s.clock(),
		Window:      s.retractWindow,
	})
	if err != nil {
		return Message{}, s.fail(op, err)
	}

	s.metrics.MessagesRetracted.Inc()
	s.log.Info("chat.message.retracted", "conversation_id", msg.ConversationID, "message_id", msg.ID)
	s.bc.MessageRetracted(msg)
	return msg, nil
}
