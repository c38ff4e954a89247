package wire

import (
	"fmt"
	"time"
)

// Thread types. A conversation is either a direct thread between two users
// or the user's assistant thread.
const (
	ThreadDirect    = "direct"
	ThreadAssistant = "assistant"
)

// AssistantConversationID is the fixed sentinel conversation id for
// assistant-thread messages. Assistant traffic never derives a pairwise id.
const AssistantConversationID = "assistant"

// Message is the canonical message record. Both the backfill path and the
// live transport path decode into this one type; the store never sees any
// other message shape.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId,omitempty"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId,omitempty"`
	Content        string `json:"content"`
	ThreadType     string `json:"threadType,omitempty"`

	// Unix milliseconds. CreatedAt is an ordering field and survives
	// logical deletion.
	CreatedAt   int64  `json:"createdAt"`
	ReadAt      *int64 `json:"readAt,omitempty"`
	DeliveredAt *int64 `json:"deliveredAt,omitempty"`
	EditedAt    *int64 `json:"editedAt,omitempty"`
	DeletedAt   *int64 `json:"deletedAt,omitempty"`

	// Reactions maps reaction key → count.
	Reactions map[string]int `json:"reactions,omitempty"`

	// Pending marks an optimistic local write that the server has not
	// acknowledged yet. Cleared when the server echo is applied.
	Pending bool `json:"pending,omitempty"`
}

// Conversation is upserted whenever a message referencing it is applied.
// It is never created independently.
type Conversation struct {
	ID            string `json:"id"`
	ThreadType    string `json:"threadType"`
	ParticipantA  string `json:"participantA,omitempty"`
	ParticipantB  string `json:"participantB,omitempty"`
	LastMessageAt int64  `json:"lastMessageAt"`
	UnreadCount   int    `json:"unreadCount"`
}

// Contact is a read-mostly projection cached for offline display. Not
// authoritative; the server owns the profile.
type Contact struct {
	ID          string `json:"id"`
	OrgID       string `json:"orgId,omitempty"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// DeriveConversationID returns the canonical conversation id for a direct
// message without an explicit one: the sorted join of the two participant
// ids. Sorting makes the derivation symmetric — (A,B) and (B,A) always map
// to the same conversation.
func DeriveConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// IsDeleted reports whether the message is a logical tombstone.
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Normalize canonicalizes a decoded message in place. Applied on every write
// path; callers are never trusted to have done it. ConversationID resolution
// priority: explicit value > assistant sentinel > sorted participant join.
func (m *Message) Normalize() error {
	if m.ID == "" {
		return fmt.Errorf("message has no id")
	}
	if m.ThreadType == "" {
		m.ThreadType = ThreadDirect
	}
	if m.ConversationID == "" {
		switch {
		case m.ThreadType == ThreadAssistant:
			m.ConversationID = AssistantConversationID
		case m.SenderID != "" && m.RecipientID != "":
			m.ConversationID = DeriveConversationID(m.SenderID, m.RecipientID)
		default:
			return fmt.Errorf("message %s: cannot resolve conversation id (no explicit id, sender=%q, recipient=%q)", m.ID, m.SenderID, m.RecipientID)
		}
	}
	if m.CreatedAt <= 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	return nil
}
