package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lumeoapps/portalsync/pkg/wire"
)

func errIsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

const messageColumns = `id, conversation_id, sender_id, recipient_id, content, thread_type,
	created_at, read_at, delivered_at, edited_at, deleted_at, reactions_json, pending`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*wire.Message, error) {
	var m wire.Message
	var recipient, reactionsJSON sql.NullString
	var readAt, deliveredAt, editedAt, deletedAt sql.NullInt64
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &recipient, &m.Content, &m.ThreadType,
		&m.CreatedAt, &readAt, &deliveredAt, &editedAt, &deletedAt, &reactionsJSON, &m.Pending)
	if err != nil {
		return nil, err
	}
	m.RecipientID = recipient.String
	m.ReadAt = nullableMillis(readAt)
	m.DeliveredAt = nullableMillis(deliveredAt)
	m.EditedAt = nullableMillis(editedAt)
	m.DeletedAt = nullableMillis(deletedAt)
	if reactionsJSON.Valid && reactionsJSON.String != "" {
		if err := json.Unmarshal([]byte(reactionsJSON.String), &m.Reactions); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func nullableMillis(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	ts := v.Int64
	return &ts
}

func millisOrNull(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// putMessage upserts one message by id and piggybacks the conversation
// upsert. Returns whether the message row was newly inserted, so callers
// can keep imported/updated counters and so unread accounting stays
// idempotent under replay.
func (s *Store) putMessage(ctx context.Context, msg *wire.Message) (inserted bool, err error) {
	if err = msg.Normalize(); err != nil {
		return false, err
	}

	var existing int
	err = s.db.QueryRow(ctx, "SELECT COUNT(*) FROM message WHERE id=$1", msg.ID).Scan(&existing)
	if err != nil {
		return false, err
	}

	var reactionsJSON any
	if len(msg.Reactions) > 0 {
		b, jsonErr := json.Marshal(msg.Reactions)
		if jsonErr != nil {
			return false, jsonErr
		}
		reactionsJSON = string(b)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO message (id, conversation_id, sender_id, recipient_id, content, thread_type,
			created_at, read_at, delivered_at, edited_at, deleted_at, reactions_json, pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id=excluded.conversation_id,
			sender_id=excluded.sender_id,
			recipient_id=excluded.recipient_id,
			content=excluded.content,
			thread_type=excluded.thread_type,
			created_at=excluded.created_at,
			read_at=excluded.read_at,
			delivered_at=excluded.delivered_at,
			edited_at=excluded.edited_at,
			deleted_at=excluded.deleted_at,
			reactions_json=excluded.reactions_json,
			pending=excluded.pending
	`, msg.ID, msg.ConversationID, msg.SenderID, nullIfEmpty(msg.RecipientID), msg.Content, msg.ThreadType,
		msg.CreatedAt, millisOrNull(msg.ReadAt), millisOrNull(msg.DeliveredAt),
		millisOrNull(msg.EditedAt), millisOrNull(msg.DeletedAt), reactionsJSON, msg.Pending)
	if err != nil {
		return false, err
	}

	inserted = existing == 0
	// Unread is bumped only on first insert of an incoming unread message:
	// replaying the same event any number of times converges to one record
	// and one counter increment.
	unreadDelta := 0
	if inserted && msg.ReadAt == nil && !msg.Pending && msg.SenderID != s.SessionUserID() {
		unreadDelta = 1
	}
	if err = s.upsertConversation(ctx, msg, unreadDelta); err != nil {
		return inserted, err
	}
	return inserted, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// PutMessage idempotently upserts one message and reports whether a new
// record was created (false for overwrites and failures). Safe under
// duplicate and out-of-order delivery; a failure is logged and dropped.
func (s *Store) PutMessage(ctx context.Context, msg *wire.Message) bool {
	inserted, err := s.putMessage(ctx, msg)
	if err != nil {
		s.log.Err(err).Str("message_id", msg.ID).Msg("Failed to put message")
		return false
	}
	return inserted
}

// PutMessages upserts a batch. Each record is independent; one bad record
// does not stop the rest.
func (s *Store) PutMessages(ctx context.Context, msgs []*wire.Message) {
	for _, msg := range msgs {
		s.PutMessage(ctx, msg)
	}
}

// GetMessage returns the message with the given id, or nil if not cached.
func (s *Store) GetMessage(ctx context.Context, id string) *wire.Message {
	msg, err := scanMessage(s.db.QueryRow(ctx,
		"SELECT "+messageColumns+" FROM message WHERE id=$1", id))
	if err != nil {
		if !errIsNoRows(err) {
			s.log.Err(err).Str("message_id", id).Msg("Failed to get message")
		}
		return nil
	}
	return msg
}

// GetByConversation returns a conversation's messages sorted ascending by
// createdAt with id as a deterministic tie-break. Insertion order never
// affects read order, so transport-level reordering cannot corrupt queries.
func (s *Store) GetByConversation(ctx context.Context, conversationID string) []*wire.Message {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE conversation_id=$1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
}

// GetMessagesSince returns messages created strictly after ts, oldest first.
// Used as the incremental diff path for readers catching up on cache changes.
func (s *Store) GetMessagesSince(ctx context.Context, ts int64) []*wire.Message {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE created_at > $1
		ORDER BY created_at ASC, id ASC
	`, ts)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) []*wire.Message {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		s.log.Err(err).Msg("Failed to query messages")
		return []*wire.Message{}
	}
	defer rows.Close()
	msgs := make([]*wire.Message, 0)
	for rows.Next() {
		msg, scanErr := scanMessage(rows)
		if scanErr != nil {
			s.log.Err(scanErr).Msg("Failed to scan message row")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// ApplyDelete overwrites a message in place as a logical tombstone: content
// is cleared but id and ordering fields survive so history and ordering
// queries remain valid. Unknown ids are a no-op.
func (s *Store) ApplyDelete(ctx context.Context, messageID string, deletedAt int64) {
	if deletedAt <= 0 {
		deletedAt = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(ctx,
		"UPDATE message SET content='', reactions_json=NULL, deleted_at=$1 WHERE id=$2",
		deletedAt, messageID)
	if err != nil {
		s.log.Err(err).Str("message_id", messageID).Msg("Failed to apply message delete")
	}
}

// ApplyReadReceipt marks messages read. With a message id it targets one
// record; with only a conversation it covers everything at or before At.
// Either way the conversation's unread counter resets — the receipt means
// this device's user has seen the thread.
func (s *Store) ApplyReadReceipt(ctx context.Context, rcpt *wire.Receipt) {
	at := rcpt.At
	if at <= 0 {
		at = time.Now().UnixMilli()
	}
	var err error
	conversationID := rcpt.ConversationID
	if rcpt.MessageID != "" {
		_, err = s.db.Exec(ctx,
			"UPDATE message SET read_at=$1 WHERE id=$2 AND read_at IS NULL",
			at, rcpt.MessageID)
		if err == nil && conversationID == "" {
			if msg := s.GetMessage(ctx, rcpt.MessageID); msg != nil {
				conversationID = msg.ConversationID
			}
		}
	} else {
		_, err = s.db.Exec(ctx,
			"UPDATE message SET read_at=$1 WHERE conversation_id=$2 AND created_at <= $3 AND read_at IS NULL",
			at, conversationID, at)
	}
	if err != nil {
		s.log.Err(err).Str("conversation_id", conversationID).Msg("Failed to apply read receipt")
		return
	}
	if conversationID != "" {
		s.resetUnread(ctx, conversationID)
	}
}

// ApplyDeliveredReceipt marks messages delivered, mirroring the read path
// without touching unread counters.
func (s *Store) ApplyDeliveredReceipt(ctx context.Context, rcpt *wire.Receipt) {
	at := rcpt.At
	if at <= 0 {
		at = time.Now().UnixMilli()
	}
	var err error
	if rcpt.MessageID != "" {
		_, err = s.db.Exec(ctx,
			"UPDATE message SET delivered_at=$1 WHERE id=$2 AND delivered_at IS NULL",
			at, rcpt.MessageID)
	} else {
		_, err = s.db.Exec(ctx,
			"UPDATE message SET delivered_at=$1 WHERE conversation_id=$2 AND created_at <= $3 AND delivered_at IS NULL",
			at, rcpt.ConversationID, at)
	}
	if err != nil {
		s.log.Err(err).Str("conversation_id", rcpt.ConversationID).Msg("Failed to apply delivered receipt")
	}
}

// ApplyReaction adjusts one reaction count on a message. delta is +1 for
// reaction:added, -1 for reaction:removed; counts never go below zero and
// zeroed keys are dropped.
func (s *Store) ApplyReaction(ctx context.Context, ev *wire.ReactionEvent, delta int) {
	msg := s.GetMessage(ctx, ev.MessageID)
	if msg == nil {
		// Reaction for a message this replica never cached. Dropped; the
		// count will arrive embedded in the message on the next backfill.
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]int)
	}
	next := msg.Reactions[ev.Reaction] + delta
	if next <= 0 {
		delete(msg.Reactions, ev.Reaction)
	} else {
		msg.Reactions[ev.Reaction] = next
	}
	var reactionsJSON any
	if len(msg.Reactions) > 0 {
		b, err := json.Marshal(msg.Reactions)
		if err != nil {
			s.log.Err(err).Str("message_id", ev.MessageID).Msg("Failed to encode reactions")
			return
		}
		reactionsJSON = string(b)
	}
	if _, err := s.db.Exec(ctx, "UPDATE message SET reactions_json=$1 WHERE id=$2", reactionsJSON, ev.MessageID); err != nil {
		s.log.Err(err).Str("message_id", ev.MessageID).Msg("Failed to apply reaction")
	}
}
