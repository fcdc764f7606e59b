package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const directKeyConstraint = "uq_conversations_direct_key"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - AppendMessage locks the conversation row before inserting, so within a
//     conversation message ids are allocated and committed in lock order.
//   - The last-message pointer only moves forward (GREATEST), so the highest id wins.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chorus").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chorus",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) conversations() string { return pgIdent(s.schema, "conversations") }
func (s *PostgresStore) participants() string  { return pgIdent(s.schema, "conversation_participants") }
func (s *PostgresStore) messages() string      { return pgIdent(s.schema, "messages") }

const (
	convCols = `id, kind, name, last_message_id, created_at`
	partCols = `conversation_id, user_id, role, last_read_message_id, joined_at`
	msgCols  = `id, conversation_id, sender_id, content, sent_at, retracted, retracted_at`
)

func (s *PostgresStore) begin(ctx context.Context) (pgx.Tx, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	return s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

func (s *PostgresStore) FindDirect(ctx context.Context, userA, userB string) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+convCols+` FROM `+s.conversations()+` WHERE direct_key = $1`,
		DirectKey(userA, userB),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr("chat.FindDirect", ErrNotFound, "conversation not found")
	}
	return c, err
}

func (s *PostgresStore) CreateDirect(ctx context.Context, in CreateDirectInput) (Conversation, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := scanConversation(tx.QueryRow(ctx,
		`INSERT INTO `+s.conversations()+` (kind, direct_key, created_at)
		 VALUES ('direct', $1, $2)
		 RETURNING `+convCols,
		DirectKey(in.UserA, in.UserB), in.Now,
	))
	if err != nil {
		if pgIsUniqueViolation(err, directKeyConstraint) {
			return Conversation{}, OpError{Op: "chat.CreateDirect", Kind: ErrConflict, Msg: "direct conversation exists", Err: err}
		}
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.participants()+` (conversation_id, user_id, role, joined_at)
		 VALUES ($1, $2, 'member', $4), ($1, $3, 'member', $4)`,
		c.ID, in.UserA, in.UserB, in.Now,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if pgIsUniqueViolation(err, directKeyConstraint) {
			return Conversation{}, OpError{Op: "chat.CreateDirect", Kind: ErrConflict, Msg: "direct conversation exists", Err: err}
		}
		return Conversation{}, err
	}
	return c, nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := scanConversation(tx.QueryRow(ctx,
		`INSERT INTO `+s.conversations()+` (kind, name, created_at)
		 VALUES ('group', $1, $2)
		 RETURNING `+convCols,
		in.Name, in.Now,
	))
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.participants()+` (conversation_id, user_id, role, joined_at)
		 VALUES ($1, $2, 'admin', $3)`,
		c.ID, in.AdminID, in.Now,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert admin: %w", err)
	}

	if len(in.MemberIDs) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.participants()+` (conversation_id, user_id, role, joined_at)
			 SELECT $1, u, 'member', $3 FROM unnest($2::text[]) AS u
			 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			c.ID, in.MemberIDs, in.Now,
		); err != nil {
			return Conversation{}, fmt.Errorf("insert members: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID int64) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+convCols+` FROM `+s.conversations()+` WHERE id = $1`,
		conversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr("chat.GetConversation", ErrNotFound, "conversation not found")
	}
	return c, err
}

func (s *PostgresStore) RenameGroup(ctx context.Context, conversationID int64, name *string) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`UPDATE `+s.conversations()+` SET name = $2 WHERE id = $1 AND kind = 'group' RETURNING `+convCols,
		conversationID, name,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr("chat.RenameGroup", ErrNotFound, "group not found")
	}
	return c, err
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.conversations()+` WHERE id = $1`, conversationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return opErr("chat.DeleteConversation", ErrNotFound, "conversation not found")
	}
	return nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, conversationID int64, userID string) (Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+partCols+` FROM `+s.participants()+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Participant{}, opErr("chat.GetParticipant", ErrNotFound, "participant not found")
	}
	return p, err
}

func (s *PostgresStore) ListParticipants(ctx context.Context, conversationID int64) ([]Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+partCols+` FROM `+s.participants()+`
		  WHERE conversation_id = $1
		  ORDER BY joined_at ASC, user_id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.GetConversation(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) AddParticipants(ctx context.Context, conversationID int64, userIDs []string, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`INSERT INTO `+s.participants()+` (conversation_id, user_id, role, joined_at)
		 SELECT $1, u, 'member', $3 FROM unnest($2::text[]) AS u
		 ON CONFLICT (conversation_id, user_id) DO NOTHING
		 RETURNING user_id`,
		conversationID, userIDs, now,
	)
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return nil, opErr("chat.AddParticipants", ErrNotFound, "conversation not found")
		}
		return nil, err
	}
	added, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return nil, opErr("chat.AddParticipants", ErrNotFound, "conversation not found")
		}
		return nil, err
	}
	return added, nil
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, conversationID int64, userID string) (RemoveParticipantResult, error) {
	const op = "chat.RemoveParticipant"

	tx, err := s.begin(ctx)
	if err != nil {
		return RemoveParticipantResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM `+s.conversations()+` WHERE id = $1 FOR UPDATE`,
		conversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return RemoveParticipantResult{}, opErr(op, ErrNotFound, "conversation not found")
	}
	if err != nil {
		return RemoveParticipantResult{}, err
	}

	var role Role
	err = tx.QueryRow(ctx,
		`DELETE FROM `+s.participants()+` WHERE conversation_id = $1 AND user_id = $2 RETURNING role`,
		conversationID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return RemoveParticipantResult{}, opErr(op, ErrNotFound, "participant not found")
	}
	if err != nil {
		return RemoveParticipantResult{}, err
	}

	var out RemoveParticipantResult
	var remaining int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+s.participants()+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&remaining); err != nil {
		return RemoveParticipantResult{}, err
	}

	switch {
	case remaining == 0:
		if _, err := tx.Exec(ctx, `DELETE FROM `+s.conversations()+` WHERE id = $1`, conversationID); err != nil {
			return RemoveParticipantResult{}, fmt.Errorf("delete conversation: %w", err)
		}
		out.ConversationDeleted = true
	case role == RoleAdmin:
		var next string
		if err := tx.QueryRow(ctx,
			`UPDATE `+s.participants()+` SET role = 'admin'
			  WHERE conversation_id = $1
			    AND user_id = (
			        SELECT user_id FROM `+s.participants()+`
			         WHERE conversation_id = $1
			         ORDER BY joined_at ASC, user_id ASC
			         LIMIT 1)
			 RETURNING user_id`,
			conversationID,
		).Scan(&next); err != nil {
			return RemoveParticipantResult{}, fmt.Errorf("promote admin: %w", err)
		}
		out.NewAdminID = &next
	}

	if err := tx.Commit(ctx); err != nil {
		return RemoveParticipantResult{}, err
	}
	return out, nil
}

// ListConversationsForUser returns one row per conversation with unread counts in a single statement.
func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]ConversationRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.kind, c.name, c.last_message_id, c.created_at,
		        m.id, m.sender_id, m.content, m.sent_at, m.retracted,
		        (SELECT COUNT(*) FROM `+s.messages()+` um
		          WHERE um.conversation_id = c.id
		            AND um.sender_id <> p.user_id
		            AND um.id > COALESCE(p.last_read_message_id, 0)) AS unread,
		        ARRAY(SELECT op.user_id FROM `+s.participants()+` op
		               WHERE op.conversation_id = c.id
		               ORDER BY op.joined_at ASC, op.user_id ASC) AS participant_ids
		   FROM `+s.participants()+` p
		   JOIN `+s.conversations()+` c ON c.id = p.conversation_id
		   LEFT JOIN `+s.messages()+` m ON m.id = c.last_message_id
		  WHERE p.user_id = $1
		  ORDER BY COALESCE(m.sent_at, c.created_at) DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationRow
	for rows.Next() {
		var (
			r         ConversationRow
			kind      string
			msgID     *int64
			sender    *string
			content   *string
			sentAt    *time.Time
			retracted *bool
		)
		if err := rows.Scan(
			&r.ID, &kind, &r.Name, &r.LastMessageID, &r.CreatedAt,
			&msgID, &sender, &content, &sentAt, &retracted,
			&r.UnreadCount, &r.ParticipantIDs,
		); err != nil {
			return nil, err
		}
		r.Kind = ConversationKind(kind)
		if msgID != nil {
			r.LastMessage = &Message{
				ID:             *msgID,
				ConversationID: r.ID,
				SenderID:       deref(sender),
				Content:        deref(content),
				Retracted:      retracted != nil && *retracted,
			}
			if sentAt != nil {
				r.LastMessage.SentAt = *sentAt
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendMessage inserts a message and advances the conversation pointer atomically.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize writers per conversation: ids are drawn after the lock, so
	// commit order equals id order within a conversation.
	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM `+s.conversations()+` WHERE id = $1 FOR UPDATE`,
		in.ConversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr("chat.AppendMessage", ErrNotFound, "conversation not found")
	}
	if err != nil {
		return Message{}, fmt.Errorf("lock conversation: %w", err)
	}

	msg, err := scanMessage(tx.QueryRow(ctx,
		`INSERT INTO `+s.messages()+` (conversation_id, sender_id, content, sent_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+msgCols,
		in.ConversationID, in.SenderID, in.Content, in.Now,
	))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.conversations()+`
		    SET last_message_id = GREATEST(COALESCE(last_message_id, 0), $2)
		  WHERE id = $1`,
		in.ConversationID, msg.ID,
	); err != nil {
		return Message{}, fmt.Errorf("update last message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListMessagesAndMarkRead returns messages oldest first and advances the reader's pointer in the same transaction.
func (s *PostgresStore) ListMessagesAndMarkRead(ctx context.Context, conversationID int64, readerID string) ([]Message, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+msgCols+` FROM `+s.messages()+`
		  WHERE conversation_id = $1
		  ORDER BY id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		return scanMessage(row)
	})
	if err != nil {
		return nil, err
	}

	if len(msgs) > 0 {
		newest := msgs[len(msgs)-1].ID
		if _, err := tx.Exec(ctx,
			`UPDATE `+s.participants()+`
			    SET last_read_message_id = $3
			  WHERE conversation_id = $1 AND user_id = $2
			    AND (last_read_message_id IS NULL OR last_read_message_id < $3)`,
			conversationID, readerID, newest,
		); err != nil {
			return nil, fmt.Errorf("advance read pointer: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID int64) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM `+s.messages()+` WHERE id = $1`,
		messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr("chat.GetMessage", ErrNotFound, "message not found")
	}
	return m, err
}

// RetractMessage applies the retraction guard to the locked row and writes the tombstone.
func (s *PostgresStore) RetractMessage(ctx context.Context, in RetractMessageInput) (Message, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+msgCols+` FROM `+s.messages()+` WHERE id = $1 FOR UPDATE`,
		in.MessageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr("chat.RetractMessage", ErrNotFound, "message not found")
	}
	if err != nil {
		return Message{}, err
	}

	if err := CheckRetraction(m, in.RequesterID, in.Now, in.Window); err != nil {
		return Message{}, err
	}

	out, err := scanMessage(tx.QueryRow(ctx,
		`UPDATE `+s.messages()+`
		    SET content = $2, retracted = true, retracted_at = $3
		  WHERE id = $1
		 RETURNING `+msgCols,
		in.MessageID, Tombstone, in.Now,
	))
	if err != nil {
		return Message{}, fmt.Errorf("write tombstone: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return out, nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, conversationID int64, userID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(m.id)
		   FROM `+s.participants()+` p
		   JOIN `+s.messages()+` m
		     ON m.conversation_id = p.conversation_id
		    AND m.sender_id <> p.user_id
		    AND m.id > COALESCE(p.last_read_message_id, 0)
		  WHERE p.conversation_id = $1 AND p.user_id = $2`,
		conversationID, userID,
	).Scan(&n)
	return n, err
}

// CountUnreadTotal sums unread messages across all of the user's conversations in one query.
func (s *PostgresStore) CountUnreadTotal(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(m.id)
		   FROM `+s.participants()+` p
		   JOIN `+s.messages()+` m
		     ON m.conversation_id = p.conversation_id
		    AND m.sender_id <> p.user_id
		    AND m.id > COALESCE(p.last_read_message_id, 0)
		  WHERE p.user_id = $1`,
		userID,
	).Scan(&n)
	return n, err
}

// ---- scanning ----

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c    Conversation
		kind string
	)
	if err := row.Scan(&c.ID, &kind, &c.Name, &c.LastMessageID, &c.CreatedAt); err != nil {
		return Conversation{}, err
	}
	c.Kind = ConversationKind(kind)
	return c, nil
}

func scanParticipant(row pgx.Row) (Participant, error) {
	var (
		p    Participant
		role string
	)
	if err := row.Scan(&p.ConversationID, &p.UserID, &role, &p.LastReadMessageID, &p.JoinedAt); err != nil {
		return Participant{}, err
	}
	p.Role = Role(role)
	return p, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.SentAt, &m.Retracted, &m.RetractedAt)
	return m, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ---- pg helpers ----

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgIsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
