package store

import (
	"context"

	"github.com/lumeoapps/portalsync/pkg/wire"
)

// Assistant chats are a separate namespace: there is no human recipient and
// no unread accounting, so they live in their own table and never collide
// with direct-message ids or conversation derivation.

// PutAssistantMessage idempotently upserts one assistant-thread message and
// reports whether the row was newly inserted.
func (s *Store) PutAssistantMessage(ctx context.Context, msg *wire.Message) bool {
	if err := msg.Normalize(); err != nil {
		s.log.Err(err).Str("message_id", msg.ID).Msg("Dropping malformed assistant message")
		return false
	}
	var existing int
	err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM assistant_message WHERE id=$1", msg.ID).Scan(&existing)
	if err != nil {
		s.log.Err(err).Str("message_id", msg.ID).Msg("Failed to check assistant message existence")
		return false
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO assistant_message (id, conversation_id, sender_id, content, created_at, edited_at, deleted_at, pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id=excluded.conversation_id,
			sender_id=excluded.sender_id,
			content=excluded.content,
			created_at=excluded.created_at,
			edited_at=excluded.edited_at,
			deleted_at=excluded.deleted_at,
			pending=excluded.pending
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt,
		millisOrNull(msg.EditedAt), millisOrNull(msg.DeletedAt), msg.Pending)
	if err != nil {
		s.log.Err(err).Str("message_id", msg.ID).Msg("Failed to put assistant message")
		return false
	}
	return existing == 0
}

// PutAssistantMessages upserts a batch of assistant-thread messages.
func (s *Store) PutAssistantMessages(ctx context.Context, msgs []*wire.Message) {
	for _, msg := range msgs {
		s.PutAssistantMessage(ctx, msg)
	}
}

// ListAssistantMessages returns the assistant thread oldest first.
func (s *Store) ListAssistantMessages(ctx context.Context) []*wire.Message {
	return s.queryAssistantMessages(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, edited_at, deleted_at, pending
		FROM assistant_message
		ORDER BY created_at ASC, id ASC
	`)
}

// AssistantMessagesSince returns assistant messages created strictly after ts.
func (s *Store) AssistantMessagesSince(ctx context.Context, ts int64) []*wire.Message {
	return s.queryAssistantMessages(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, edited_at, deleted_at, pending
		FROM assistant_message
		WHERE created_at > $1
		ORDER BY created_at ASC, id ASC
	`, ts)
}

func (s *Store) queryAssistantMessages(ctx context.Context, query string, args ...any) []*wire.Message {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		s.log.Err(err).Msg("Failed to query assistant messages")
		return []*wire.Message{}
	}
	defer rows.Close()
	msgs := make([]*wire.Message, 0)
	for rows.Next() {
		var m wire.Message
		if scanErr := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
			&m.CreatedAt, &m.EditedAt, &m.DeletedAt, &m.Pending); scanErr != nil {
			s.log.Err(scanErr).Msg("Failed to scan assistant message row")
			continue
		}
		m.ThreadType = wire.ThreadAssistant
		msgs = append(msgs, &m)
	}
	return msgs
}
