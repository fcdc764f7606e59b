package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// A single mutex makes every operation atomic, which gives the same
// guarantees PostgresStore gets from transactions.
type InMemoryStore struct {
	mu sync.Mutex

	nextConvID int64
	nextMsgID  int64

	convs    map[int64]*memConv
	direct   map[string]int64
	messages map[int64]*Message
}

type memConv struct {
	conv      Conversation
	directKey string
	members   map[string]*Participant
	msgs      []int64 // ascending
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:    make(map[int64]*memConv),
		direct:   make(map[string]int64),
		messages: make(map[int64]*Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) FindDirect(ctx context.Context, userA, userB string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.direct[DirectKey(userA, userB)]
	if !ok {
		return Conversation{}, opErr("chat.FindDirect", ErrNotFound, "conversation not found")
	}
	return s.convs[id].conv, nil
}

func (s *InMemoryStore) CreateDirect(ctx context.Context, in CreateDirectInput) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := DirectKey(in.UserA, in.UserB)
	if _, ok := s.direct[key]; ok {
		return Conversation{}, opErr("chat.CreateDirect", ErrConflict, "direct conversation exists")
	}

	c := s.newConvLocked(KindDirect, nil, in.Now)
	c.directKey = key
	s.direct[key] = c.conv.ID
	for _, u := range []string{in.UserA, in.UserB} {
		c.members[u] = &Participant{ConversationID: c.conv.ID, UserID: u, Role: RoleMember, JoinedAt: in.Now}
	}
	return c.conv, nil
}

func (s *InMemoryStore) CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.newConvLocked(KindGroup, in.Name, in.Now)
	c.members[in.AdminID] = &Participant{ConversationID: c.conv.ID, UserID: in.AdminID, Role: RoleAdmin, JoinedAt: in.Now}
	for _, u := range in.MemberIDs {
		if _, ok := c.members[u]; ok {
			continue
		}
		c.members[u] = &Participant{ConversationID: c.conv.ID, UserID: u, Role: RoleMember, JoinedAt: in.Now}
	}
	return c.conv, nil
}

func (s *InMemoryStore) newConvLocked(kind ConversationKind, name *string, now time.Time) *memConv {
	s.nextConvID++
	c := &memConv{
		conv: Conversation{
			ID:        s.nextConvID,
			Kind:      kind,
			Name:      cloneStr(name),
			CreatedAt: now,
		},
		members: make(map[string]*Participant),
	}
	s.convs[c.conv.ID] = c
	return c
}

func (s *InMemoryStore) GetConversation(ctx context.Context, conversationID int64) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked("chat.GetConversation", conversationID)
	if err != nil {
		return Conversation{}, err
	}
	return c.conv, nil
}

func (s *InMemoryStore) RenameGroup(ctx context.Context, conversationID int64, name *string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked("chat.RenameGroup", conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if c.conv.Kind != KindGroup {
		return Conversation{}, opErr("chat.RenameGroup", ErrInvalidArgument, "only groups can be renamed")
	}
	c.conv.Name = cloneStr(name)
	return c.conv, nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, conversationID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked("chat.DeleteConversation", conversationID)
	if err != nil {
		return err
	}
	s.deleteLocked(c)
	return nil
}

func (s *InMemoryStore) deleteLocked(c *memConv) {
	for _, id := range c.msgs {
		delete(s.messages, id)
	}
	if c.directKey != "" {
		delete(s.direct, c.directKey)
	}
	delete(s.convs, c.conv.ID)
}

func (s *InMemoryStore) GetParticipant(ctx context.Context, conversationID int64, userID string) (Participant, error) {
	if err := ctx.Err(); err != nil {
		return Participant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked("chat.GetParticipant", conversationID)
	if err != nil {
		return Participant{}, err
	}
	p, ok := c.members[userID]
	if !ok {
		return Participant{}, opErr("chat.GetParticipant", ErrNotFound, "participant not found")
	}
	return clonePart(p), nil
}

func (s *InMemoryStore) ListParticipants(ctx context.Context, conversationID int64) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked("chat.ListParticipants", conversationID)
	if err != nil {
		return nil, err
	}
	return sortedMembers(c), nil
}

func (s *InMemoryStore) AddParticipants(ctx context.Context, conversationID int64, userIDs []string, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked("chat.AddParticipants", conversationID)
	if err != nil {
		return nil, err
	}
	added := make([]string, 0, len(userIDs))
	for _, u := range userIDs {
		if _, ok := c.members[u]; ok {
			continue
		}
		c.members[u] = &Participant{ConversationID: conversationID, UserID: u, Role: RoleMember, JoinedAt: now}
		added = append(added, u)
	}
	return added, nil
}

func (s *InMemoryStore) RemoveParticipant(ctx context.Context, conversationID int64, userID string) (RemoveParticipantResult, error) {
	if err := ctx.Err(); err != nil {
		return RemoveParticipantResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	const op = "chat.RemoveParticipant"
	c, err := s.convLocked(op, conversationID)
	if err != nil {
		return RemoveParticipantResult{}, err
	}
	p, ok := c.members[userID]
	if !ok {
		return RemoveParticipantResult{}, opErr(op, ErrNotFound, "participant not found")
	}
	delete(c.members, userID)

	var out RemoveParticipantResult
	if len(c.members) == 0 {
		s.deleteLocked(c)
		out.ConversationDeleted = true
		return out, nil
	}
	if p.Role == RoleAdmin {
		next := sortedMembers(c)[0]
		c.members[next.UserID].Role = RoleAdmin
		out.NewAdminID = &next.UserID
	}
	return out, nil
}

func (s *InMemoryStore) ListConversationsForUser(ctx context.Context, userID string) ([]ConversationRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []ConversationRow
	for _, c := range s.convs {
		p, ok := c.members[userID]
		if !ok {
			continue
		}
		row := ConversationRow{
			Conversation: c.conv,
			UnreadCount:  s.unreadLocked(c, p),
		}
		if c.conv.LastMessageID != nil {
			if m, ok := s.messages[*c.conv.LastMessageID]; ok {
				cp := *m
				row.LastMessage = &cp
			}
		}
		for _, m := range sortedMembers(c) {
			row.ParticipantIDs = append(row.ParticipantIDs, m.UserID)
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		ki, kj := rows[i].SortKey(), rows[j].SortKey()
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return rows[i].ID > rows[j].ID
	})
	return rows, nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked("chat.AppendMessage", in.ConversationID)
	if err != nil {
		return Message{}, err
	}

	s.nextMsgID++
	msg := &Message{
		ID:             s.nextMsgID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		SentAt:         in.Now,
	}
	s.messages[msg.ID] = msg
	c.msgs = append(c.msgs, msg.ID)
	if c.conv.LastMessageID == nil || *c.conv.LastMessageID < msg.ID {
		id := msg.ID
		c.conv.LastMessageID = &id
	}
	return *msg, nil
}

func (s *InMemoryStore) ListMessagesAndMarkRead(ctx context.Context, conversationID int64, readerID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked("chat.ListMessages", conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(c.msgs))
	for _, id := range c.msgs {
		out = append(out, *s.messages[id])
	}
	if p, ok := c.members[readerID]; ok && len(out) > 0 {
		newest := out[len(out)-1].ID
		if p.LastReadMessageID == nil || *p.LastReadMessageID < newest {
			p.LastReadMessageID = &newest
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetMessage(ctx context.Context, messageID int64) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, opErr("chat.GetMessage", ErrNotFound, "message not found")
	}
	return *m, nil
}

func (s *InMemoryStore) RetractMessage(ctx context.Context, in RetractMessageInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[in.MessageID]
	if !ok {
		return Message{}, opErr("chat.RetractMessage", ErrNotFound, "message not found")
	}
	if err := CheckRetraction(*m, in.RequesterID, in.Now, in.Window); err != nil {
		return Message{}, err
	}
	at := in.Now
	m.Content = Tombstone
	m.Retracted = true
	m.RetractedAt = &at
	return *m, nil
}

func (s *InMemoryStore) CountUnread(ctx context.Context, conversationID int64, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, nil
	}
	p, ok := c.members[userID]
	if !ok {
		return 0, nil
	}
	return s.unreadLocked(c, p), nil
}

func (s *InMemoryStore) CountUnreadTotal(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, c := range s.convs {
		if p, ok := c.members[userID]; ok {
			total += s.unreadLocked(c, p)
		}
	}
	return total, nil
}

func (s *InMemoryStore) unreadLocked(c *memConv, p *Participant) int64 {
	var after int64
	if p.LastReadMessageID != nil {
		after = *p.LastReadMessageID
	}
	// c.msgs is ascending, so scan from the tail.
	var n int64
	for i := len(c.msgs) - 1; i >= 0 && c.msgs[i] > after; i-- {
		if s.messages[c.msgs[i]].SenderID != p.UserID {
			n++
		}
	}
	return n
}

func (s *InMemoryStore) convLocked(op string, id int64) (*memConv, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, opErr(op, ErrNotFound, "conversation not found")
	}
	return c, nil
}

func sortedMembers(c *memConv) []Participant {
	out := make([]Participant, 0, len(c.members))
	for _, p := range c.members {
		out = append(out, clonePart(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func clonePart(p *Participant) Participant {
	cp := *p
	if p.LastReadMessageID != nil {
		v := *p.LastReadMessageID
		cp.LastReadMessageID = &v
	}
	return cp
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
