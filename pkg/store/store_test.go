package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"

	"github.com/lumeoapps/portalsync/pkg/wire"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, filepath.Join(t.TempDir(), "portalsync.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, ctx
}

func directMessage(id, sender, recipient, content string, createdAt int64) *wire.Message {
	return &wire.Message{
		ID:          id,
		SenderID:    sender,
		RecipientID: recipient,
		Content:     content,
		CreatedAt:   createdAt,
	}
}

func TestStore_PutMessage_IdempotentReplay(t *testing.T) {
	s, ctx := newTestStore(t)
	s.SetSessionUserID(ctx, "me")

	msg := directMessage("m1", "alice", "me", "hello", 1000)
	assert.True(t, s.PutMessage(ctx, msg))
	// Replaying the exact same event must not create a second record or
	// bump the unread counter again.
	assert.False(t, s.PutMessage(ctx, directMessage("m1", "alice", "me", "hello", 1000)))
	assert.False(t, s.PutMessage(ctx, directMessage("m1", "alice", "me", "hello", 1000)))

	msgs := s.GetByConversation(ctx, "alice:me")
	require.Len(t, msgs, 1)
	conv := s.GetConversation(ctx, "alice:me")
	require.NotNil(t, conv)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestStore_PutMessage_LastEventWins(t *testing.T) {
	s, ctx := newTestStore(t)

	s.PutMessage(ctx, directMessage("m1", "alice", "bob", "first", 1000))
	edited := directMessage("m1", "alice", "bob", "second", 1000)
	edited.EditedAt = ptr.Ptr(int64(2000))
	s.PutMessage(ctx, edited)

	got := s.GetMessage(ctx, "m1")
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Content)
	require.NotNil(t, got.EditedAt)
	assert.EqualValues(t, 2000, *got.EditedAt)
}

func TestStore_GetByConversation_Ordering(t *testing.T) {
	s, ctx := newTestStore(t)

	// Inserted out of order, with a created-at tie between m2 and m3.
	s.PutMessage(ctx, directMessage("m3", "alice", "bob", "c", 2000))
	s.PutMessage(ctx, directMessage("m1", "bob", "alice", "a", 1000))
	s.PutMessage(ctx, directMessage("m2", "alice", "bob", "b", 2000))

	msgs := s.GetByConversation(ctx, "alice:bob")
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)
}

func TestStore_GetMessagesSince(t *testing.T) {
	s, ctx := newTestStore(t)

	s.PutMessage(ctx, directMessage("m1", "alice", "bob", "a", 1000))
	s.PutMessage(ctx, directMessage("m2", "alice", "bob", "b", 2000))
	s.PutMessage(ctx, directMessage("m3", "alice", "bob", "c", 3000))

	msgs := s.GetMessagesSince(ctx, 1000)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
}

func TestStore_ApplyDelete_Tombstone(t *testing.T) {
	s, ctx := newTestStore(t)

	s.PutMessage(ctx, directMessage("m1", "alice", "bob", "secret", 1000))
	s.PutMessage(ctx, directMessage("m2", "alice", "bob", "later", 2000))
	s.ApplyDelete(ctx, "m1", 3000)

	got := s.GetMessage(ctx, "m1")
	require.NotNil(t, got, "tombstone keeps the record")
	assert.True(t, got.IsDeleted())
	assert.Empty(t, got.Content)
	assert.EqualValues(t, 1000, got.CreatedAt, "ordering field survives deletion")

	msgs := s.GetByConversation(ctx, "alice:bob")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID, "tombstone keeps its position")

	// Unknown id is a no-op.
	s.ApplyDelete(ctx, "nope", 3000)
}

func TestStore_UnreadAccounting(t *testing.T) {
	s, ctx := newTestStore(t)
	s.SetSessionUserID(ctx, "me")

	s.PutMessage(ctx, directMessage("m1", "alice", "me", "hi", 1000))
	s.PutMessage(ctx, directMessage("m2", "alice", "me", "there", 2000))
	// Own outgoing message never counts as unread.
	s.PutMessage(ctx, directMessage("m3", "me", "alice", "hey", 3000))
	// Pre-read history from backfill doesn't count either.
	read := directMessage("m4", "alice", "me", "old", 500)
	read.ReadAt = ptr.Ptr(int64(600))
	s.PutMessage(ctx, read)

	conv := s.GetConversation(ctx, "alice:me")
	require.NotNil(t, conv)
	assert.Equal(t, 2, conv.UnreadCount)

	s.ApplyReadReceipt(ctx, &wire.Receipt{ConversationID: "alice:me", At: 2500})
	conv = s.GetConversation(ctx, "alice:me")
	require.NotNil(t, conv)
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestStore_ApplyReadReceipt_SingleMessage(t *testing.T) {
	s, ctx := newTestStore(t)

	s.PutMessage(ctx, directMessage("m1", "alice", "bob", "a", 1000))
	s.ApplyReadReceipt(ctx, &wire.Receipt{MessageID: "m1", At: 2000})

	got := s.GetMessage(ctx, "m1")
	require.NotNil(t, got)
	require.NotNil(t, got.ReadAt)
	assert.EqualValues(t, 2000, *got.ReadAt)

	// A later receipt doesn't move an already-set read timestamp.
	s.ApplyReadReceipt(ctx, &wire.Receipt{MessageID: "m1", At: 9000})
	got = s.GetMessage(ctx, "m1")
	assert.EqualValues(t, 2000, *got.ReadAt)
}

func TestStore_ApplyDeliveredReceipt_Conversation(t *testing.T) {
	s, ctx := newTestStore(t)

	s.PutMessage(ctx, directMessage("m1", "alice", "bob", "a", 1000))
	s.PutMessage(ctx, directMessage("m2", "alice", "bob", "b", 5000))
	s.ApplyDeliveredReceipt(ctx, &wire.Receipt{ConversationID: "alice:bob", At: 3000})

	assert.NotNil(t, s.GetMessage(ctx, "m1").DeliveredAt)
	assert.Nil(t, s.GetMessage(ctx, "m2").DeliveredAt, "receipt only covers messages at or before its timestamp")
}

func TestStore_ApplyReaction(t *testing.T) {
	s, ctx := newTestStore(t)

	s.PutMessage(ctx, directMessage("m1", "alice", "bob", "a", 1000))

	ev := &wire.ReactionEvent{MessageID: "m1", UserID: "bob", Reaction: "👍"}
	s.ApplyReaction(ctx, ev, 1)
	s.ApplyReaction(ctx, ev, 1)
	got := s.GetMessage(ctx, "m1")
	assert.Equal(t, 2, got.Reactions["👍"])

	s.ApplyReaction(ctx, ev, -1)
	s.ApplyReaction(ctx, ev, -1)
	got = s.GetMessage(ctx, "m1")
	assert.NotContains(t, got.Reactions, "👍", "zeroed reactions are dropped")

	// Removal below zero stays at zero.
	s.ApplyReaction(ctx, ev, -1)
	got = s.GetMessage(ctx, "m1")
	assert.Empty(t, got.Reactions)

	// Reaction for an uncached message is dropped.
	s.ApplyReaction(ctx, &wire.ReactionEvent{MessageID: "ghost", Reaction: "👍"}, 1)
}

func TestStore_Contacts(t *testing.T) {
	s, ctx := newTestStore(t)

	s.PutContacts(ctx, []*wire.Contact{
		{ID: "c2", OrgID: "org1", DisplayName: "Zoe"},
		{ID: "c1", OrgID: "org1", DisplayName: "Amir", Email: "amir@example.com"},
		{ID: "c3", OrgID: "org2", DisplayName: "Bea"},
	})
	// Upsert overwrites.
	s.PutContact(ctx, &wire.Contact{ID: "c2", OrgID: "org1", DisplayName: "Zoey"})

	contacts := s.ListContactsByOrg(ctx, "org1")
	require.Len(t, contacts, 2)
	assert.Equal(t, "Amir", contacts[0].DisplayName)
	assert.Equal(t, "Zoey", contacts[1].DisplayName)

	got := s.GetContact(ctx, "c1")
	require.NotNil(t, got)
	assert.Equal(t, "amir@example.com", got.Email)
	assert.Nil(t, s.GetContact(ctx, "ghost"))
}

func TestStore_AssistantMessages(t *testing.T) {
	s, ctx := newTestStore(t)

	s.PutAssistantMessages(ctx, []*wire.Message{
		{ID: "a2", SenderID: "assistant", Content: "answer", ThreadType: wire.ThreadAssistant, CreatedAt: 2000},
		{ID: "a1", SenderID: "me", Content: "question", ThreadType: wire.ThreadAssistant, CreatedAt: 1000},
	})

	msgs := s.ListAssistantMessages(ctx)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a1", msgs[0].ID)
	assert.Equal(t, wire.AssistantConversationID, msgs[0].ConversationID)

	since := s.AssistantMessagesSince(ctx, 1000)
	require.Len(t, since, 1)
	assert.Equal(t, "a2", since[0].ID)

	assert.False(t, s.PutAssistantMessage(ctx, &wire.Message{ID: "a1", SenderID: "me", Content: "edited", ThreadType: wire.ThreadAssistant, CreatedAt: 1000}),
		"replaying a known id is an update, not an insert")
	assert.True(t, s.PutAssistantMessage(ctx, &wire.Message{ID: "a3", SenderID: "me", Content: "new", ThreadType: wire.ThreadAssistant, CreatedAt: 3000}))
	assert.Equal(t, "edited", s.ListAssistantMessages(ctx)[0].Content)
}

func TestStore_ListConversations_RecencyOrder(t *testing.T) {
	s, ctx := newTestStore(t)

	s.PutMessage(ctx, directMessage("m1", "alice", "bob", "a", 1000))
	s.PutMessage(ctx, directMessage("m2", "carol", "bob", "b", 5000))
	// Out-of-order old message must not rewind alice:bob recency.
	s.PutMessage(ctx, directMessage("m3", "alice", "bob", "c", 3000))
	s.PutMessage(ctx, directMessage("m0", "alice", "bob", "late page", 500))

	convs := s.ListConversations(ctx)
	require.Len(t, convs, 2)
	assert.Equal(t, "bob:carol", convs[0].ID)
	assert.Equal(t, "alice:bob", convs[1].ID)
	assert.EqualValues(t, 3000, convs[1].LastMessageAt)
}

func TestStore_CursorsAndMeta(t *testing.T) {
	s, ctx := newTestStore(t)

	assert.Empty(t, s.Cursor(ctx, "messages"), "missing cursor reads as empty, not an error")
	s.SetCursor(ctx, "messages", "page-7")
	s.SetCursor(ctx, "contacts", "page-2")
	assert.Equal(t, "page-7", s.Cursor(ctx, "messages"))
	assert.Equal(t, "page-2", s.Cursor(ctx, "contacts"))

	assert.Zero(t, s.LastSyncAt(ctx))
	s.SetLastSyncAt(ctx, 12345)
	assert.EqualValues(t, 12345, s.LastSyncAt(ctx))
}

func TestStore_SessionUserID_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "portalsync.db")

	s, err := New(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	s.SetSessionUserID(ctx, "me")
	require.NoError(t, s.Close())

	reopened, err := New(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, "me", reopened.SessionUserID())
}

func TestStore_ClearAll(t *testing.T) {
	s, ctx := newTestStore(t)
	s.SetSessionUserID(ctx, "me")
	s.PutMessage(ctx, directMessage("m1", "alice", "me", "a", 1000))
	s.PutContact(ctx, &wire.Contact{ID: "c1", DisplayName: "Amir"})
	s.PutAssistantMessage(ctx, &wire.Message{ID: "a1", SenderID: "me", ThreadType: wire.ThreadAssistant, CreatedAt: 1000})
	s.SetCursor(ctx, "messages", "page-7")

	s.ClearAll(ctx)

	stats := s.Stats(ctx)
	assert.Zero(t, stats.Messages)
	assert.Zero(t, stats.Conversations)
	assert.Zero(t, stats.Contacts)
	assert.Zero(t, stats.AssistantMessages)
	assert.Zero(t, stats.MetaEntries)
	assert.Empty(t, s.Cursor(ctx, "messages"))
	assert.Empty(t, s.SessionUserID())
}

func TestStore_Stats(t *testing.T) {
	s, ctx := newTestStore(t)

	s.PutMessage(ctx, directMessage("m1", "alice", "bob", "a", 1000))
	s.PutMessage(ctx, directMessage("m2", "alice", "bob", "b", 2000))
	s.SetLastSyncAt(ctx, 9000)

	stats := s.Stats(ctx)
	assert.Equal(t, 2, stats.Messages)
	assert.Equal(t, 1, stats.Conversations)
	assert.EqualValues(t, 9000, stats.LastSyncAt)
}
