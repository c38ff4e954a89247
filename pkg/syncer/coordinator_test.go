package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"

	"github.com/lumeoapps/portalsync/pkg/presence"
	"github.com/lumeoapps/portalsync/pkg/store"
	"github.com/lumeoapps/portalsync/pkg/transport"
	"github.com/lumeoapps/portalsync/pkg/wire"
)

// fakeBackfill serves pre-built pages and records the cursors it was asked
// for.
type fakeBackfill struct {
	messagePages []*MessagePage
	contactPages []*ContactPage
	messageErr   error

	messageCursors []string
	contactCursors []string
}

func (f *fakeBackfill) MessagesSince(ctx context.Context, cursor string, limit int) (*MessagePage, error) {
	f.messageCursors = append(f.messageCursors, cursor)
	if f.messageErr != nil {
		return nil, f.messageErr
	}
	if len(f.messagePages) == 0 {
		return &MessagePage{}, nil
	}
	page := f.messagePages[0]
	f.messagePages = f.messagePages[1:]
	return page, nil
}

func (f *fakeBackfill) ContactsSince(ctx context.Context, cursor string, limit int) (*ContactPage, error) {
	f.contactCursors = append(f.contactCursors, cursor)
	if len(f.contactPages) == 0 {
		return &ContactPage{}, nil
	}
	page := f.contactPages[0]
	f.contactPages = f.contactPages[1:]
	return page, nil
}

func newTestCoordinator(t *testing.T, backfill BackfillClient) (*Coordinator, *store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	db, err := store.New(ctx, filepath.Join(t.TempDir(), "portalsync.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	client := transport.NewClient(transport.Config{URL: "ws://sync.test/push"}, zerolog.Nop())
	tracker := presence.NewTracker(zerolog.Nop())
	coord := New(Config{PageSize: 2, MaxPages: 10}, db, client, tracker, backfill, zerolog.Nop())
	return coord, db, ctx
}

func TestCoordinator_Backfill_PagesAndCursors(t *testing.T) {
	backfill := &fakeBackfill{
		messagePages: []*MessagePage{
			{
				Messages: []*wire.Message{
					{ID: "m1", SenderID: "alice", RecipientID: "me", Content: "a", CreatedAt: 1000},
					{ID: "m2", SenderID: "alice", RecipientID: "me", Content: "b", CreatedAt: 2000},
				},
				NextCursor: "p1",
				More:       true,
			},
			{
				Messages: []*wire.Message{
					{ID: "m3", SenderID: "me", RecipientID: "alice", Content: "c", CreatedAt: 3000},
				},
				NextCursor: "p2",
			},
		},
		contactPages: []*ContactPage{
			{
				Contacts:   []*wire.Contact{{ID: "c1", OrgID: "org1", DisplayName: "Amir"}},
				NextCursor: "k1",
			},
		},
	}
	coord, db, ctx := newTestCoordinator(t, backfill)

	counters, err := coord.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counters.Imported)
	assert.Zero(t, counters.Updated)

	assert.Equal(t, []string{"", "p1"}, backfill.messageCursors, "each page is requested from the previous page's cursor")
	assert.Equal(t, "p2", db.Cursor(ctx, StreamMessages))
	assert.Equal(t, "k1", db.Cursor(ctx, StreamContacts))
	assert.Positive(t, db.LastSyncAt(ctx))

	msgs := db.GetByConversation(ctx, "alice:me")
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)

	contacts := db.ListContactsByOrg(ctx, "org1")
	assert.Len(t, contacts, 1)
}

func TestCoordinator_Backfill_ResumesFromStoredCursor(t *testing.T) {
	backfill := &fakeBackfill{}
	coord, db, ctx := newTestCoordinator(t, backfill)
	db.SetCursor(ctx, StreamMessages, "saved")

	_, err := coord.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"saved"}, backfill.messageCursors)
}

func TestCoordinator_Backfill_ErrorKeepsCursor(t *testing.T) {
	backfill := &fakeBackfill{messageErr: errors.New("gateway unavailable")}
	coord, db, ctx := newTestCoordinator(t, backfill)
	db.SetCursor(ctx, StreamMessages, "saved")

	_, err := coord.Backfill(ctx)
	require.Error(t, err)
	assert.Equal(t, "saved", db.Cursor(ctx, StreamMessages), "failed run must not advance the cursor")
	assert.Zero(t, db.LastSyncAt(ctx), "incomplete run is not a completed sync")
}

func TestCoordinator_Backfill_PageCap(t *testing.T) {
	pages := make([]*MessagePage, 0, 20)
	for i := 0; i < 20; i++ {
		pages = append(pages, &MessagePage{
			Messages:   []*wire.Message{{ID: fmt.Sprintf("m%d", i), SenderID: "alice", RecipientID: "me", CreatedAt: int64(i + 1)}},
			NextCursor: fmt.Sprintf("p%d", i),
			More:       true,
		})
	}
	backfill := &fakeBackfill{messagePages: pages}
	coord, db, ctx := newTestCoordinator(t, backfill)

	counters, err := coord.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, counters.Imported, "run stops at the page cap")
	assert.Equal(t, "p9", db.Cursor(ctx, StreamMessages), "next run resumes where this one stopped")
}

func TestCoordinator_ApplyMessage_SharedPath(t *testing.T) {
	coord, db, ctx := newTestCoordinator(t, &fakeBackfill{})

	var counters Counters
	// Fresh insert, then the same id again, then a tombstoned record.
	coord.applyMessage(ctx, &wire.Message{ID: "m1", SenderID: "alice", RecipientID: "me", CreatedAt: 1000}, &counters)
	coord.applyMessage(ctx, &wire.Message{ID: "m1", SenderID: "alice", RecipientID: "me", Content: "edited", CreatedAt: 1000}, &counters)
	coord.applyMessage(ctx, &wire.Message{ID: "m2", SenderID: "alice", RecipientID: "me", CreatedAt: 2000, DeletedAt: ptr.Ptr(int64(3000))}, &counters)
	// Malformed: no way to resolve a conversation.
	coord.applyMessage(ctx, &wire.Message{ID: "m3", SenderID: "alice", CreatedAt: 3000}, &counters)
	// Assistant-thread records route to their own collection and follow the
	// same imported-vs-updated split on replay.
	coord.applyMessage(ctx, &wire.Message{ID: "a1", SenderID: "me", ThreadType: wire.ThreadAssistant, CreatedAt: 4000}, &counters)
	coord.applyMessage(ctx, &wire.Message{ID: "a1", SenderID: "me", Content: "again", ThreadType: wire.ThreadAssistant, CreatedAt: 4000}, &counters)

	assert.Equal(t, Counters{Imported: 2, Updated: 2, Skipped: 1, Deleted: 1}, counters)
	assert.Equal(t, "edited", db.GetMessage(ctx, "m1").Content)
	assert.Len(t, db.ListAssistantMessages(ctx), 1)
	assert.Nil(t, db.GetMessage(ctx, "m3"))
}

func TestCoordinator_SaveOutgoing(t *testing.T) {
	coord, db, ctx := newTestCoordinator(t, &fakeBackfill{})
	db.SetSessionUserID(ctx, "me")

	msg := coord.SaveOutgoing(ctx, "alice", "hello")
	require.NotNil(t, msg)
	assert.NotEmpty(t, msg.ID)
	assert.True(t, msg.Pending)

	cached := db.GetMessage(ctx, msg.ID)
	require.NotNil(t, cached)
	assert.Equal(t, "alice:me", cached.ConversationID)
	assert.True(t, cached.Pending)

	// The server echo under the same id clears the pending flag.
	echo := *msg
	echo.Pending = false
	coord.applyMessage(ctx, &echo, nil)
	assert.False(t, db.GetMessage(ctx, msg.ID).Pending)

	// The conversation never counts your own outgoing message as unread.
	conv := db.GetConversation(ctx, "alice:me")
	require.NotNil(t, conv)
	assert.Zero(t, conv.UnreadCount)
}

func TestCoordinator_SaveOutgoing_AssistantThread(t *testing.T) {
	coord, db, ctx := newTestCoordinator(t, &fakeBackfill{})
	db.SetSessionUserID(ctx, "me")

	msg := coord.SaveOutgoing(ctx, wire.AssistantConversationID, "explain this")
	assert.Equal(t, wire.ThreadAssistant, msg.ThreadType)

	msgs := db.ListAssistantMessages(ctx)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending)
}

func TestCoordinator_Logout(t *testing.T) {
	coord, db, ctx := newTestCoordinator(t, &fakeBackfill{})
	db.SetSessionUserID(ctx, "me")
	db.PutMessage(ctx, &wire.Message{ID: "m1", SenderID: "alice", RecipientID: "me", CreatedAt: 1000})
	db.SetCursor(ctx, StreamMessages, "p1")

	coord.Logout(ctx)

	stats := db.Stats(ctx)
	assert.Zero(t, stats.Messages)
	assert.Empty(t, db.Cursor(ctx, StreamMessages))
	assert.Empty(t, db.SessionUserID())
}
