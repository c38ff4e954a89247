package store

import (
	"context"

	"github.com/lumeoapps/portalsync/pkg/wire"
)

// upsertConversation keeps the conversation row consistent with an incoming
// message. last_message_at only moves forward (MAX) so out-of-order backfill
// pages can't rewind recency sorting.
func (s *Store) upsertConversation(ctx context.Context, msg *wire.Message, unreadDelta int) error {
	participantA, participantB := msg.SenderID, msg.RecipientID
	if participantB < participantA {
		participantA, participantB = participantB, participantA
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation (id, thread_type, participant_a, participant_b, last_message_at, unread_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			thread_type=excluded.thread_type,
			last_message_at=MAX(conversation.last_message_at, excluded.last_message_at),
			unread_count=conversation.unread_count+$6
	`, msg.ConversationID, msg.ThreadType, participantA, participantB, msg.CreatedAt, unreadDelta)
	return err
}

func (s *Store) resetUnread(ctx context.Context, conversationID string) {
	_, err := s.db.Exec(ctx, "UPDATE conversation SET unread_count=0 WHERE id=$1", conversationID)
	if err != nil {
		s.log.Err(err).Str("conversation_id", conversationID).Msg("Failed to reset unread count")
	}
}

// GetConversation returns the cached conversation row, or nil if unknown.
func (s *Store) GetConversation(ctx context.Context, id string) *wire.Conversation {
	var conv wire.Conversation
	err := s.db.QueryRow(ctx, `
		SELECT id, thread_type, participant_a, participant_b, last_message_at, unread_count
		FROM conversation WHERE id=$1
	`, id).Scan(&conv.ID, &conv.ThreadType, &conv.ParticipantA, &conv.ParticipantB,
		&conv.LastMessageAt, &conv.UnreadCount)
	if err != nil {
		if !errIsNoRows(err) {
			s.log.Err(err).Str("conversation_id", id).Msg("Failed to get conversation")
		}
		return nil
	}
	return &conv
}

// ListConversations returns all conversations newest-activity first.
func (s *Store) ListConversations(ctx context.Context) []*wire.Conversation {
	rows, err := s.db.Query(ctx, `
		SELECT id, thread_type, participant_a, participant_b, last_message_at, unread_count
		FROM conversation
		ORDER BY last_message_at DESC, id ASC
	`)
	if err != nil {
		s.log.Err(err).Msg("Failed to list conversations")
		return []*wire.Conversation{}
	}
	defer rows.Close()
	convs := make([]*wire.Conversation, 0)
	for rows.Next() {
		var conv wire.Conversation
		if scanErr := rows.Scan(&conv.ID, &conv.ThreadType, &conv.ParticipantA, &conv.ParticipantB,
			&conv.LastMessageAt, &conv.UnreadCount); scanErr != nil {
			s.log.Err(scanErr).Msg("Failed to scan conversation row")
			continue
		}
		convs = append(convs, &conv)
	}
	return convs
}
